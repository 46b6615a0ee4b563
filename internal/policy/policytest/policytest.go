// Package policytest provides a compiled policy fixture shared by tests
// across the pipeline packages. The content mirrors a small but realistic
// home: lights, HVAC, a high-risk front-door lock, four fence zones, and a
// four-rung contact ladder.
package policytest

import (
	"testing"

	"github.com/SearocIsMe/elderly-companion/internal/policy"
)

// Document returns a valid policy document fixture.
func Document() policy.Document {
	return policy.Document{
		Version:   "test-1",
		Wakewords: []string{"小伴", "companion", "听着", "listen"},
		SOSSets: []policy.SOSSetDoc{
			{
				Category: "medical",
				Severity: 4,
				Keywords: map[string][]string{
					"zh": {"心脏病", "中风", "呼吸困难", "胸痛", "不舒服"},
					"en": {"heart attack", "stroke", "cant breathe", "chest pain"},
				},
			},
			{
				Category: "fall",
				Severity: 3,
				Keywords: map[string][]string{
					"zh": {"摔倒", "跌倒", "起不来"},
					"en": {"fallen", "fell down", "cant get up"},
				},
			},
			{
				Category: "sos",
				Severity: 4,
				Keywords: map[string][]string{
					"zh": {"救命", "求救", "报警"},
					"en": {"help me", "sos", "call police"},
				},
			},
			{
				Category: "distress",
				Severity: 2,
				Keywords: map[string][]string{
					"zh": {"害怕", "迷路", "不知道在哪"},
					"en": {"scared", "lost", "where am i"},
				},
			},
		},
		Devices: []policy.DeviceFenceDoc{
			{
				ID: "living_room_light", Type: "light", Room: "living_room", RiskLevel: 1,
				AllowedActions: []string{"on", "off", "dim", "brighten"},
			},
			{
				ID: "bedroom_light", Type: "light", Room: "bedroom", RiskLevel: 1,
				AllowedActions: []string{"on", "off", "dim", "brighten"},
				QuietHours:     &policy.TimeRangeDoc{Start: "22:00", End: "07:00"},
			},
			{
				ID: "hvac_system", Type: "hvac", Room: "living_room", RiskLevel: 2,
				AllowedActions: []string{"temperature_adjust", "mode_change"},
			},
			{
				ID: "front_door_lock", Type: "lock", Room: "entrance", RiskLevel: 4,
				AllowedActions: []string{"status"},
				ConfirmActions: []string{"lock", "unlock"},
				SafetyCritical: true,
			},
		},
		GeoFences: []policy.GeoFenceDoc{
			{
				ID: "living_room", Room: "living_room", RiskLevel: 1,
				Polygon:        [][2]float64{{-1, -1}, {2, -1}, {2, 2}, {-1, 2}},
				AllowedDevices: []string{"living_room_light", "hvac_system"},
			},
			{
				ID: "bedroom", Room: "bedroom", RiskLevel: 1,
				Polygon:        [][2]float64{{1.5, 2}, {3.5, 2}, {3.5, 4}, {1.5, 4}},
				AllowedDevices: []string{"bedroom_light"},
			},
			{
				ID: "bathroom", Room: "bathroom", RiskLevel: 3,
				Polygon: [][2]float64{{-2.5, 1}, {-0.5, 1}, {-0.5, 3}, {-2.5, 3}},
			},
			{
				ID: "entrance", Room: "entrance", RiskLevel: 4,
				Polygon:        [][2]float64{{-1, -2}, {1, -2}, {1, -1}, {-1, -1}},
				AllowedDevices: []string{"front_door_lock"},
			},
		},
		Ladder: []policy.ContactDoc{
			{ID: "family", Name: "Family Primary", Phone: "+861380000001", Email: "family@example.com", Channels: []string{"sms", "email"}, RingTimeout: policy.Duration(60e9)},
			{ID: "caregiver", Name: "Caregiver", Phone: "+861380000002", Email: "caregiver@example.com", Channels: []string{"sms"}, RingTimeout: policy.Duration(60e9)},
			{ID: "doctor", Name: "Doctor", Phone: "+861380000003", Channels: []string{"sms"}, RingTimeout: policy.Duration(90e9)},
			{ID: "services", Name: "Emergency Services", Phone: "120", Channels: nil, RingTimeout: policy.Duration(90e9)},
		},
		DirectRules: []policy.DirectRuleDoc{
			{ID: "living-room-light-on", Pattern: `(开|打开|turn on).*(客厅|living room).*(灯|light)`, Device: "living_room_light", Action: "on", Room: "living_room"},
			{ID: "living-room-light-brighten", Pattern: `(客厅|living room).*(灯|light).*(调亮|亮一点|brighter|brighten)`, Device: "living_room_light", Action: "brighten", Room: "living_room"},
			{ID: "any-light-off", Pattern: `(关|关掉|turn off).*(灯|light)`, Action: "off"},
			{ID: "front-door-unlock", Pattern: `(打开|开|unlock).*(大门|front door|door)`, Device: "front_door_lock", Action: "unlock"},
		},
		MoveTargets: []string{"bedroom", "living_room", "bathroom", "charging_dock"},
		Guard: policy.GuardDoc{
			BannedPhrases:     []string{"ignore previous instructions", "系统提示"},
			InjectionPatterns: []string{`(?i)system\s*prompt`, `(?i)pretend\s+you\s+are`},
			MaxUtteranceChars: 400,
			ConfirmWindow:     policy.Duration(30e9),
			ConfirmPhrases:    []string{"确认", "确认开锁", "confirm", "yes"},
			RejectConfidence:  0.3,
			ConfirmRiskLevel:  3,
			StressThreshold:   0.8,
		},
		RateLimits: []policy.RateLimitDoc{
			{Adapter: "smart_home", Limit: 30, Window: policy.Duration(60e9)},
			{Adapter: "smart_home", Action: "unlock", Limit: 3, Window: policy.Duration(3600e9)},
			{Adapter: "call", Limit: 5, Window: policy.Duration(3600e9)},
			{Adapter: "assist_move", Limit: 20, Window: policy.Duration(3600e9)},
		},
		Retry: map[string]policy.RetryDoc{
			"smart_home": {MaxRetries: 2, BaseBackoff: policy.Duration(50e6), MaxBackoff: policy.Duration(500e6), JitterRatio: 0.2},
			"notify":     {MaxRetries: 3, BaseBackoff: policy.Duration(50e6), MaxBackoff: policy.Duration(1e9), JitterRatio: 0.2},
		},
		Emergency: policy.EmergencyDoc{
			AcceptBudget:         policy.Duration(100e6),
			QuenchWindow:         policy.Duration(300e9),
			SceneMinSuccessRatio: 0.5,
			CallRetries:          2,
			CallRetryBackoff:     policy.Duration(500e6),
			NotifyRetries:        3,
			Scene: []policy.SceneCommandDoc{
				{Device: "living_room_light", Action: "on"},
				{Device: "bedroom_light", Action: "on"},
				{Device: "front_door_lock", Action: "unlock"},
			},
			Cameras: []string{"living_room_cam", "bedroom_cam"},
		},
	}
}

// Snapshot compiles the fixture document, failing the test on error.
func Snapshot(t *testing.T) *policy.Snapshot {
	t.Helper()
	return Compile(t, Document())
}

// Compile compiles an arbitrary document, failing the test on error.
func Compile(t *testing.T, doc policy.Document) *policy.Snapshot {
	t.Helper()
	snap, err := policy.Compile(doc)
	if err != nil {
		t.Fatalf("compile policy document: %v", err)
	}
	return snap
}

// TightLimit builds a rate limit doc entry with a one-hour window, for tests
// that exhaust a small budget.
func TightLimit(adapter, action string, limit int) policy.RateLimitDoc {
	return policy.RateLimitDoc{
		Adapter: adapter,
		Action:  action,
		Limit:   limit,
		Window:  policy.Duration(3600e9),
	}
}
