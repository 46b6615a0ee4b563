package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

// ErrInvalid marks a policy document that failed validation. Startup maps it
// to exit code 2; reloads keep the previous snapshot in force.
var ErrInvalid = errors.New("invalid policy")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Load reads, parses, and compiles a policy file into a snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, invalidf("parse: %v", err)
	}
	return Compile(doc)
}

// Compile validates a document and produces an immutable snapshot. Every
// regex in the document is compiled here; a malformed pattern rejects the
// whole document so the rules engine never sees one.
func Compile(doc Document) (*Snapshot, error) {
	if doc.Version == "" {
		return nil, invalidf("version is required")
	}

	snap := &Snapshot{
		Version:     doc.Version,
		LoadedAt:    time.Now(),
		Doc:         doc,
		Wakewords:   append([]string(nil), doc.Wakewords...),
		Devices:     make(map[domain.DeviceID]DeviceFence, len(doc.Devices)),
		MoveTargets: make(map[string]bool, len(doc.MoveTargets)),
		Retry:       make(map[string]RetryPolicy, len(doc.Retry)),
	}

	if err := compileSOSSets(doc, snap); err != nil {
		return nil, err
	}
	if err := compileDevices(doc, snap); err != nil {
		return nil, err
	}
	if err := compileGeoFences(doc, snap); err != nil {
		return nil, err
	}
	if err := compileLadder(doc, snap); err != nil {
		return nil, err
	}
	if err := compileDirectRules(doc, snap); err != nil {
		return nil, err
	}
	for _, t := range doc.MoveTargets {
		snap.MoveTargets[t] = true
	}
	if err := compileGuard(doc, snap); err != nil {
		return nil, err
	}
	if err := compileLimitsAndRetry(doc, snap); err != nil {
		return nil, err
	}
	if err := compileEmergency(doc, snap); err != nil {
		return nil, err
	}

	snap.vocabHash = vocabularyHash(snap)
	return snap, nil
}

func compileSOSSets(doc Document, snap *Snapshot) error {
	seen := make(map[domain.EmergencyCategory]bool)
	for _, set := range doc.SOSSets {
		cat, err := domain.ParseEmergencyCategory(set.Category)
		if err != nil {
			return invalidf("sos set: unknown category %q", set.Category)
		}
		if seen[cat] {
			return invalidf("sos set: duplicate category %q", set.Category)
		}
		seen[cat] = true
		sev, err := domain.ParseSeverity(set.Severity)
		if err != nil {
			return invalidf("sos set %q: severity %d out of range", set.Category, set.Severity)
		}
		compiled := SOSSet{Category: cat, Severity: sev, Keywords: make(map[domain.Language][]string)}
		for lang, words := range set.Keywords {
			l, err := domain.ParseLanguage(lang)
			if err != nil {
				return invalidf("sos set %q: unsupported language %q", set.Category, lang)
			}
			if len(words) == 0 {
				return invalidf("sos set %q: empty keyword list for %q", set.Category, lang)
			}
			lowered := make([]string, len(words))
			for i, w := range words {
				lowered[i] = strings.ToLower(w)
			}
			compiled.Keywords[l] = lowered
		}
		snap.SOSSets = append(snap.SOSSets, compiled)
	}
	// Most urgent category first; the rules engine stops at the first hit.
	sort.SliceStable(snap.SOSSets, func(i, j int) bool {
		return snap.SOSSets[i].Category.Rank() < snap.SOSSets[j].Category.Rank()
	})
	return nil
}

func compileDevices(doc Document, snap *Snapshot) error {
	for _, d := range doc.Devices {
		if d.ID == "" {
			return invalidf("device fence: id is required")
		}
		id := domain.DeviceID(d.ID)
		if _, dup := snap.Devices[id]; dup {
			return invalidf("device fence: duplicate id %q", d.ID)
		}
		if d.Room == "" {
			return invalidf("device %q: room is required", d.ID)
		}
		if d.RiskLevel < 1 || d.RiskLevel > 4 {
			return invalidf("device %q: risk_level must be in 1..4", d.ID)
		}
		if len(d.AllowedActions) == 0 && len(d.ConfirmActions) == 0 {
			return invalidf("device %q: no actions configured", d.ID)
		}
		fence := DeviceFence{
			ID:             id,
			Type:           d.Type,
			Room:           domain.RoomID(d.Room),
			RiskLevel:      d.RiskLevel,
			AllowedActions: toSet(d.AllowedActions),
			ConfirmActions: toSet(d.ConfirmActions),
			SafetyCritical: d.SafetyCritical,
		}
		if d.QuietHours != nil {
			tr, err := parseTimeRange(*d.QuietHours)
			if err != nil {
				return invalidf("device %q: quiet_hours: %v", d.ID, err)
			}
			fence.QuietHours = &tr
		}
		snap.Devices[id] = fence
	}
	return nil
}

func compileGeoFences(doc Document, snap *Snapshot) error {
	seen := make(map[string]bool)
	for _, g := range doc.GeoFences {
		if g.ID == "" {
			return invalidf("geo fence: id is required")
		}
		if seen[g.ID] {
			return invalidf("geo fence: duplicate id %q", g.ID)
		}
		seen[g.ID] = true
		if len(g.Polygon) < 3 {
			return invalidf("geo fence %q: polygon needs at least 3 vertices", g.ID)
		}
		fence := GeoFence{
			ID:             g.ID,
			Room:           domain.RoomID(g.Room),
			RiskLevel:      g.RiskLevel,
			AllowedDevices: make(map[domain.DeviceID]bool, len(g.AllowedDevices)),
		}
		for _, v := range g.Polygon {
			fence.Polygon = append(fence.Polygon, Point{X: v[0], Y: v[1]})
		}
		for _, dev := range g.AllowedDevices {
			id := domain.DeviceID(dev)
			if _, ok := snap.Devices[id]; !ok {
				return invalidf("geo fence %q: unknown device %q", g.ID, dev)
			}
			fence.AllowedDevices[id] = true
		}
		snap.GeoFences = append(snap.GeoFences, fence)
	}
	return nil
}

func compileLadder(doc Document, snap *Snapshot) error {
	if len(doc.Ladder) == 0 {
		return invalidf("contact_ladder must not be empty")
	}
	seen := make(map[string]bool)
	for _, c := range doc.Ladder {
		if c.ID == "" || c.Phone == "" {
			return invalidf("contact ladder: id and phone are required")
		}
		if seen[c.ID] {
			return invalidf("contact ladder: duplicate id %q", c.ID)
		}
		seen[c.ID] = true
		if c.RingTimeout.Std() <= 0 {
			return invalidf("contact %q: ring_timeout must be positive", c.ID)
		}
		snap.Ladder = append(snap.Ladder, Contact{
			ID:          domain.ContactID(c.ID),
			Name:        c.Name,
			Phone:       c.Phone,
			Email:       c.Email,
			Channels:    append([]string(nil), c.Channels...),
			RingTimeout: c.RingTimeout.Std(),
		})
	}
	return nil
}

func compileDirectRules(doc Document, snap *Snapshot) error {
	for _, r := range doc.DirectRules {
		if r.ID == "" || r.Pattern == "" || r.Action == "" {
			return invalidf("direct rule: id, pattern, and action are required")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return invalidf("direct rule %q: %v", r.ID, err)
		}
		rule := DirectRule{
			ID:      r.ID,
			Pattern: re,
			Device:  domain.DeviceID(r.Device),
			Action:  r.Action,
			Room:    domain.RoomID(r.Room),
		}
		if !rule.Device.IsNil() {
			if _, ok := snap.Devices[rule.Device]; !ok {
				return invalidf("direct rule %q: unknown device %q", r.ID, r.Device)
			}
			rule.Specificity = 1
			if !rule.Room.IsNil() {
				rule.Specificity = 2
			}
		}
		snap.DirectRules = append(snap.DirectRules, rule)
	}
	return nil
}

func compileGuard(doc Document, snap *Snapshot) error {
	g := GuardPolicy{
		BannedPhrases:     lowerAll(doc.Guard.BannedPhrases),
		MaxUtteranceChars: doc.Guard.MaxUtteranceChars,
		ConfirmWindow:     doc.Guard.ConfirmWindow.Std(),
		ConfirmPhrases:    lowerAll(doc.Guard.ConfirmPhrases),
		RejectConfidence:  doc.Guard.RejectConfidence,
		ConfirmRiskLevel:  doc.Guard.ConfirmRiskLevel,
		StressThreshold:   doc.Guard.StressThreshold,
	}
	for _, p := range doc.Guard.InjectionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return invalidf("guard injection pattern %q: %v", p, err)
		}
		g.InjectionPatterns = append(g.InjectionPatterns, re)
	}
	if g.MaxUtteranceChars <= 0 {
		g.MaxUtteranceChars = 500
	}
	if g.ConfirmWindow <= 0 {
		g.ConfirmWindow = 30 * time.Second
	}
	if g.RejectConfidence <= 0 {
		g.RejectConfidence = 0.3
	}
	if g.ConfirmRiskLevel <= 0 {
		g.ConfirmRiskLevel = 3
	}
	if g.StressThreshold <= 0 {
		g.StressThreshold = 0.8
	}
	if len(g.ConfirmPhrases) == 0 {
		g.ConfirmPhrases = []string{"确认", "confirm", "yes"}
	}
	snap.Guard = g
	return nil
}

func compileLimitsAndRetry(doc Document, snap *Snapshot) error {
	for _, rl := range doc.RateLimits {
		if rl.Adapter == "" {
			return invalidf("rate limit: adapter is required")
		}
		if rl.Limit <= 0 || rl.Window.Std() <= 0 {
			return invalidf("rate limit for %q: limit and window must be positive", rl.Adapter)
		}
		snap.RateLimits = append(snap.RateLimits, RateLimit{
			Adapter: rl.Adapter,
			Action:  rl.Action,
			Limit:   rl.Limit,
			Window:  rl.Window.Std(),
		})
	}
	for kind, r := range doc.Retry {
		if r.MaxRetries < 0 {
			return invalidf("retry for %q: max_retries must be >= 0", kind)
		}
		snap.Retry[kind] = RetryPolicy{
			MaxRetries:  r.MaxRetries,
			BaseBackoff: r.BaseBackoff.Std(),
			MaxBackoff:  r.MaxBackoff.Std(),
			JitterRatio: r.JitterRatio,
		}
	}
	return nil
}

func compileEmergency(doc Document, snap *Snapshot) error {
	e := EmergencyPolicy{
		AcceptBudget:         doc.Emergency.AcceptBudget.Std(),
		QuenchWindow:         doc.Emergency.QuenchWindow.Std(),
		SceneMinSuccessRatio: doc.Emergency.SceneMinSuccessRatio,
		CallRetries:          doc.Emergency.CallRetries,
		CallRetryBackoff:     doc.Emergency.CallRetryBackoff.Std(),
		NotifyRetries:        doc.Emergency.NotifyRetries,
		Cameras:              append([]string(nil), doc.Emergency.Cameras...),
	}
	for _, sc := range doc.Emergency.Scene {
		id := domain.DeviceID(sc.Device)
		fence, ok := snap.Devices[id]
		if !ok {
			return invalidf("emergency scene: unknown device %q", sc.Device)
		}
		if !fence.Allows(sc.Action) {
			return invalidf("emergency scene: device %q does not allow action %q", sc.Device, sc.Action)
		}
		e.Scene = append(e.Scene, SceneCommand{Device: id, Action: sc.Action})
	}
	if e.AcceptBudget <= 0 {
		e.AcceptBudget = 100 * time.Millisecond
	}
	if e.QuenchWindow <= 0 {
		e.QuenchWindow = 5 * time.Minute
	}
	if e.SceneMinSuccessRatio <= 0 {
		e.SceneMinSuccessRatio = 0.5
	}
	if e.CallRetries < 0 {
		e.CallRetries = 2
	}
	if e.CallRetryBackoff <= 0 {
		e.CallRetryBackoff = 500 * time.Millisecond
	}
	if e.NotifyRetries <= 0 {
		e.NotifyRetries = 3
	}
	snap.Emergency = e

	// The emergency retry knobs double as the adapter retry policies for the
	// call and notify queues unless the document overrides them.
	if _, ok := snap.Retry["call"]; !ok {
		snap.Retry["call"] = RetryPolicy{
			MaxRetries:  e.CallRetries,
			BaseBackoff: e.CallRetryBackoff,
			MaxBackoff:  e.CallRetryBackoff,
		}
	}
	if _, ok := snap.Retry["notify"]; !ok {
		snap.Retry["notify"] = RetryPolicy{
			MaxRetries:  e.NotifyRetries,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
			JitterRatio: 0.2,
		}
	}
	return nil
}

func parseTimeRange(doc TimeRangeDoc) (TimeRange, error) {
	start, err := parseClock(doc.Start)
	if err != nil {
		return TimeRange{}, err
	}
	end, err := parseClock(doc.End)
	if err != nil {
		return TimeRange{}, err
	}
	return TimeRange{StartMinute: start, EndMinute: end}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// vocabularyHash folds the sorted device/action/room/target vocabulary into
// a stable fingerprint sent with every LLM request.
func vocabularyHash(snap *Snapshot) string {
	var parts []string
	for id, fence := range snap.Devices {
		for a := range fence.AllowedActions {
			parts = append(parts, "device:"+string(id)+":"+a)
		}
		for a := range fence.ConfirmActions {
			parts = append(parts, "device:"+string(id)+":"+a)
		}
		parts = append(parts, "room:"+string(fence.Room))
	}
	for t := range snap.MoveTargets {
		parts = append(parts, "target:"+t)
	}
	for _, c := range snap.Ladder {
		parts = append(parts, "contact:"+string(c.ID))
	}
	sort.Strings(parts)
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func lowerAll(items []string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = strings.ToLower(it)
	}
	return out
}
