package policy

import (
	"regexp"
	"time"

	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

// Snapshot is one compiled, immutable policy epoch. It is shared read-only
// across components; replacement happens atomically via Store.Publish so a
// reader sees either the old or the new snapshot, never a torn one.
type Snapshot struct {
	Version  string
	LoadedAt time.Time

	// Doc is the raw document this snapshot was compiled from, retained so
	// dump-snapshot can emit exactly what was loaded.
	Doc Document

	Wakewords   []string
	SOSSets     []SOSSet
	Devices     map[domain.DeviceID]DeviceFence
	GeoFences   []GeoFence
	Ladder      []Contact
	DirectRules []DirectRule
	MoveTargets map[string]bool
	Guard       GuardPolicy
	RateLimits  []RateLimit
	Retry       map[string]RetryPolicy
	Emergency   EmergencyPolicy

	vocabHash string
}

// SOSSet is a compiled emergency keyword set; SOSSets are sorted by category
// rank so the first match is the most urgent interpretation.
type SOSSet struct {
	Category domain.EmergencyCategory
	Severity domain.Severity
	Keywords map[domain.Language][]string
}

// DeviceFence is the compiled access policy of one device.
type DeviceFence struct {
	ID             domain.DeviceID
	Type           string
	Room           domain.RoomID
	RiskLevel      int
	AllowedActions map[string]bool
	ConfirmActions map[string]bool
	QuietHours     *TimeRange
	SafetyCritical bool
}

// Allows reports whether the action is in the device's whitelist at all
// (including confirm-gated actions).
func (f DeviceFence) Allows(action string) bool {
	return f.AllowedActions[action] || f.ConfirmActions[action]
}

// TimeRange is a daily wall-clock window. It may wrap midnight.
type TimeRange struct {
	StartMinute int
	EndMinute   int
}

// Contains reports whether the clock time of t falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if r.StartMinute <= r.EndMinute {
		return m >= r.StartMinute && m < r.EndMinute
	}
	// Wraps midnight, e.g. 22:00-07:00.
	return m >= r.StartMinute || m < r.EndMinute
}

// GeoFence is a compiled polygon zone.
type GeoFence struct {
	ID             string
	Room           domain.RoomID
	Polygon        Polygon
	RiskLevel      int
	AllowedDevices map[domain.DeviceID]bool
}

// Contact is one rung of the escalation ladder.
type Contact struct {
	ID          domain.ContactID
	Name        string
	Phone       string
	Email       string
	Channels    []string
	RingTimeout time.Duration
}

// DirectRule is a compiled phrase rule. Specificity orders ties: a rule
// binding device and room beats one binding only a device, which beats a
// device-class rule (no device).
type DirectRule struct {
	ID          string
	Pattern     *regexp.Regexp
	Device      domain.DeviceID
	Action      string
	Room        domain.RoomID
	Specificity int
}

// GuardPolicy is the compiled guard configuration.
type GuardPolicy struct {
	BannedPhrases     []string
	InjectionPatterns []*regexp.Regexp
	MaxUtteranceChars int
	ConfirmWindow     time.Duration
	ConfirmPhrases    []string
	RejectConfidence  float64
	ConfirmRiskLevel  int
	StressThreshold   float64
}

// RateLimit caps one (adapter, action) pair. An empty Action applies to every
// action of the adapter.
type RateLimit struct {
	Adapter string
	Action  string
	Limit   int
	Window  time.Duration
}

// RetryPolicy is the backoff schedule for one adapter kind.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterRatio float64
}

// SceneCommand is one device command of the emergency scene.
type SceneCommand struct {
	Device domain.DeviceID
	Action string
}

// EmergencyPolicy configures the bypass path.
type EmergencyPolicy struct {
	AcceptBudget         time.Duration
	QuenchWindow         time.Duration
	SceneMinSuccessRatio float64
	CallRetries          int
	CallRetryBackoff     time.Duration
	NotifyRetries        int
	Scene                []SceneCommand
	Cameras              []string
}

// Device looks up a device fence by id.
func (s *Snapshot) Device(id domain.DeviceID) (DeviceFence, bool) {
	f, ok := s.Devices[id]
	return f, ok
}

// Contact looks up a ladder contact by id.
func (s *Snapshot) Contact(id domain.ContactID) (Contact, bool) {
	for _, c := range s.Ladder {
		if c.ID == id {
			return c, true
		}
	}
	return Contact{}, false
}

// RetryFor returns the retry policy for an adapter kind, falling back to a
// conservative default when policy does not name the kind.
func (s *Snapshot) RetryFor(kind string) RetryPolicy {
	if p, ok := s.Retry[kind]; ok {
		return p
	}
	return RetryPolicy{MaxRetries: 2, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, JitterRatio: 0.2}
}

// RateLimitFor returns the limit configured for (adapter, action).
// An action-specific limit wins over the adapter-wide one, whichever is
// tighter.
func (s *Snapshot) RateLimitFor(adapter, action string) (RateLimit, bool) {
	var wide RateLimit
	var haveWide bool
	for _, rl := range s.RateLimits {
		if rl.Adapter != adapter {
			continue
		}
		if rl.Action == action {
			return rl, true
		}
		if rl.Action == "" {
			wide, haveWide = rl, true
		}
	}
	return wide, haveWide
}

// ZoneFor resolves a 2D position to a fence zone, or ZoneOutsideSafe when the
// point is inside no configured fence.
func (s *Snapshot) ZoneFor(x, y float64) domain.Zone {
	for _, f := range s.GeoFences {
		if f.Polygon.Contains(Point{X: x, Y: y}) {
			return domain.Zone(f.ID)
		}
	}
	return domain.ZoneOutsideSafe
}

// Fence looks up a geofence by zone id.
func (s *Snapshot) Fence(zone domain.Zone) (GeoFence, bool) {
	for _, f := range s.GeoFences {
		if f.ID == string(zone) {
			return f, true
		}
	}
	return GeoFence{}, false
}

// VocabularyHash fingerprints the device/action/room/target vocabulary this
// snapshot exposes to the LLM, so replies can be replayed against the exact
// vocabulary that produced them.
func (s *Snapshot) VocabularyHash() string { return s.vocabHash }
