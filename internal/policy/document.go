package policy

import (
	"bytes"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of a policy version. It round-trips through
// YAML: Marshal(Parse(Marshal(doc))) yields the same bytes as Marshal(doc),
// though nil lists come back as empty ones. Compilation into a Snapshot
// happens separately so the raw document can be dumped back out verbatim.
type Document struct {
	Version     string           `yaml:"version"`
	Wakewords   []string         `yaml:"wakewords"`
	SOSSets     []SOSSetDoc      `yaml:"sos_sets"`
	Devices     []DeviceFenceDoc `yaml:"device_fences"`
	GeoFences   []GeoFenceDoc    `yaml:"geo_fences"`
	Ladder      []ContactDoc     `yaml:"contact_ladder"`
	DirectRules []DirectRuleDoc  `yaml:"direct_rules"`
	MoveTargets []string         `yaml:"move_targets"`
	Guard       GuardDoc         `yaml:"guard"`
	RateLimits  []RateLimitDoc   `yaml:"rate_limits"`
	Retry       map[string]RetryDoc `yaml:"retry"`
	Emergency   EmergencyDoc     `yaml:"emergency"`
}

// SOSSetDoc is one emergency keyword set, keyed by language code.
type SOSSetDoc struct {
	Category string              `yaml:"category"`
	Severity int                 `yaml:"severity"`
	Keywords map[string][]string `yaml:"keywords"`
}

// DeviceFenceDoc declares what a device is allowed to do and how risky it is.
type DeviceFenceDoc struct {
	ID             string        `yaml:"id"`
	Type           string        `yaml:"type"`
	Room           string        `yaml:"room"`
	RiskLevel      int           `yaml:"risk_level"`
	AllowedActions []string      `yaml:"allowed_actions"`
	ConfirmActions []string      `yaml:"confirm_actions"`
	QuietHours     *TimeRangeDoc `yaml:"quiet_hours,omitempty"`
	SafetyCritical bool          `yaml:"safety_critical,omitempty"`
}

// TimeRangeDoc is a daily wall-clock window, e.g. 22:00–07:00.
type TimeRangeDoc struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// GeoFenceDoc is a named polygon zone with the devices reachable from it.
type GeoFenceDoc struct {
	ID             string       `yaml:"id"`
	Room           string       `yaml:"room"`
	Polygon        [][2]float64 `yaml:"polygon"`
	RiskLevel      int          `yaml:"risk_level"`
	AllowedDevices []string     `yaml:"allowed_devices"`
}

// ContactDoc is one rung of the escalation ladder, in ladder order.
type ContactDoc struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Phone       string   `yaml:"phone"`
	Email       string   `yaml:"email,omitempty"`
	Channels    []string `yaml:"channels"`
	RingTimeout Duration `yaml:"ring_timeout"`
}

// DirectRuleDoc is a phrase rule the rules engine can resolve without the LLM.
type DirectRuleDoc struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Device  string `yaml:"device,omitempty"`
	Action  string `yaml:"action"`
	Room    string `yaml:"room,omitempty"`
}

// GuardDoc configures pre- and post-guard behavior.
type GuardDoc struct {
	BannedPhrases     []string `yaml:"banned_phrases"`
	InjectionPatterns []string `yaml:"injection_patterns"`
	MaxUtteranceChars int      `yaml:"max_utterance_chars"`
	ConfirmWindow     Duration `yaml:"confirm_window"`
	ConfirmPhrases    []string `yaml:"confirm_phrases"`
	RejectConfidence  float64  `yaml:"reject_confidence"`
	ConfirmRiskLevel  int      `yaml:"confirm_risk_level"`
	StressThreshold   float64  `yaml:"stress_threshold"`
}

// RateLimitDoc caps actions per (adapter, action) pair over a window.
type RateLimitDoc struct {
	Adapter string   `yaml:"adapter"`
	Action  string   `yaml:"action,omitempty"`
	Limit   int      `yaml:"limit"`
	Window  Duration `yaml:"window"`
}

// RetryDoc is the backoff schedule for one adapter kind.
type RetryDoc struct {
	MaxRetries  int      `yaml:"max_retries"`
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
	JitterRatio float64  `yaml:"jitter_ratio"`
}

// SceneCommandDoc is one device command of the emergency scene batch.
type SceneCommandDoc struct {
	Device string `yaml:"device"`
	Action string `yaml:"action"`
}

// EmergencyDoc configures the bypass path and the escalation machine.
type EmergencyDoc struct {
	AcceptBudget         Duration          `yaml:"accept_budget"`
	QuenchWindow         Duration          `yaml:"quench_window"`
	SceneMinSuccessRatio float64           `yaml:"scene_min_success_ratio"`
	CallRetries          int               `yaml:"call_retries"`
	CallRetryBackoff     Duration          `yaml:"call_retry_backoff"`
	NotifyRetries        int               `yaml:"notify_retries"`
	Scene                []SceneCommandDoc `yaml:"scene"`
	Cameras              []string          `yaml:"cameras"`
}

// Duration wraps time.Duration so documents read "60s" instead of nanoseconds.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Parse decodes a YAML policy document. Unknown fields are rejected so a
// typo'd key fails loudly at load time instead of silently configuring
// nothing.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Marshal encodes a document back to YAML.
func Marshal(doc Document) ([]byte, error) {
	return yaml.Marshal(doc)
}
