package rules_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/intent"
	"github.com/SearocIsMe/elderly-companion/internal/policy/policytest"
	"github.com/SearocIsMe/elderly-companion/internal/rules"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

func utter(text string, lang domain.Language, conf float64) domain.Utterance {
	return domain.Utterance{
		ID:         "u-1",
		SessionID:  "s-1",
		Text:       text,
		Lang:       lang,
		Confidence: conf,
		ArrivedAt:  time.Now(),
	}
}

func emptySession() session.Snapshot {
	return session.Snapshot{SessionID: "s-1"}
}

func TestClassify_EmergencyMedicalOverSOS(t *testing.T) {
	snap := policytest.Snapshot(t)

	// Contains both an sos keyword (救命) and a medical one (不舒服); medical
	// ranks higher and must win.
	c := rules.Classify(utter("救命 我不舒服", domain.LanguageMandarin, 0.92), snap, emptySession())

	assert.Equal(t, rules.KindEmergency, c.Kind)
	assert.Equal(t, domain.CategoryMedical, c.Category)
	assert.Equal(t, domain.Severity(4), c.Severity)
	require.NotEmpty(t, c.MatchedRules)
}

func TestClassify_EmergencyKeywordEmbeddedInLongSentence(t *testing.T) {
	snap := policytest.Snapshot(t)

	long := "今天天气不错我本来想出去散步但是突然觉得胸痛得厉害请快一点帮帮我"
	c := rules.Classify(utter(long, domain.LanguageMandarin, 0.9), snap, emptySession())

	assert.Equal(t, rules.KindEmergency, c.Kind)
	assert.Equal(t, domain.CategoryMedical, c.Category)
	// 快 is an urgency intensifier and must raise confidence above the base.
	assert.Greater(t, c.Confidence, 0.8)
}

func TestClassify_MixedLanguageEmergency(t *testing.T) {
	snap := policytest.Snapshot(t)

	// English keyword inside a Mandarin-labelled utterance still matches.
	c := rules.Classify(utter("我觉得 heart attack 了", domain.LanguageMandarin, 0.85), snap, emptySession())

	assert.Equal(t, rules.KindEmergency, c.Kind)
	assert.Equal(t, domain.CategoryMedical, c.Category)
}

func TestClassify_DirectSmartHome(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("把客厅的灯调亮一点", domain.LanguageMandarin, 0.95), snap, emptySession())

	require.Equal(t, rules.KindDirectIntent, c.Kind)
	require.NotNil(t, c.Intent)
	assert.Equal(t, intent.KindSmartHome, c.Intent.Kind)
	assert.Equal(t, domain.DeviceID("living_room_light"), c.Intent.Device)
	assert.Equal(t, "brighten", c.Intent.Action)
	assert.Equal(t, domain.RoomID("living_room"), c.Intent.Room)
	assert.False(t, c.Intent.Confirm)
}

func TestClassify_DirectUnlock(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("打开大门", domain.LanguageMandarin, 0.9), snap, emptySession())

	require.Equal(t, rules.KindDirectIntent, c.Kind)
	require.NotNil(t, c.Intent)
	assert.Equal(t, domain.DeviceID("front_door_lock"), c.Intent.Device)
	assert.Equal(t, "unlock", c.Intent.Action)
}

func TestClassify_AmbiguousDeviceClassRoutesToLLM(t *testing.T) {
	snap := policytest.Snapshot(t)

	// "关掉灯" matches the device-class off rule; two lights can do "off",
	// so the engine must demote to the LLM.
	c := rules.Classify(utter("帮我关掉灯", domain.LanguageMandarin, 0.9), snap, emptySession())

	assert.Equal(t, rules.KindRouteToLLM, c.Kind)
	assert.Equal(t, "ambiguous_device", c.Reason)
}

func TestClassify_WakewordAloneGreets(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("小伴", domain.LanguageMandarin, 0.9), snap, emptySession())

	require.Equal(t, rules.KindDirectIntent, c.Kind)
	assert.True(t, c.Wake)
	require.NotNil(t, c.Intent)
	assert.Equal(t, intent.KindChat, c.Intent.Kind)
}

func TestClassify_WakewordPlusCommandKeepsCommand(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("小伴，打开客厅的灯", domain.LanguageMandarin, 0.9), snap, emptySession())

	require.Equal(t, rules.KindDirectIntent, c.Kind)
	assert.True(t, c.Wake)
	require.NotNil(t, c.Intent)
	assert.Equal(t, intent.KindSmartHome, c.Intent.Kind)
	assert.Equal(t, domain.DeviceID("living_room_light"), c.Intent.Device)
	assert.Equal(t, "on", c.Intent.Action)
}

func TestClassify_CallFamily(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("帮我打电话给 family", domain.LanguageMandarin, 0.9), snap, emptySession())

	require.Equal(t, rules.KindDirectIntent, c.Kind)
	require.NotNil(t, c.Intent)
	assert.Equal(t, intent.KindCallEmergency, c.Intent.Kind)
	assert.Equal(t, domain.ContactID("family"), c.Intent.Callee)
	assert.True(t, c.Intent.Confirm)
}

func TestClassify_AssistMove(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("带我去 bedroom", domain.LanguageMandarin, 0.9), snap, emptySession())

	require.Equal(t, rules.KindDirectIntent, c.Kind)
	require.NotNil(t, c.Intent)
	assert.Equal(t, intent.KindAssistMove, c.Intent.Kind)
	assert.Equal(t, "bedroom", c.Intent.Target)
	assert.Equal(t, "normal", c.Intent.Speed)
}

func TestClassify_LowConfidenceRejects(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("嗯嗯那个那个", domain.LanguageMandarin, 0.2), snap, emptySession())

	assert.Equal(t, rules.KindReject, c.Kind)
	assert.Equal(t, "low_confidence", c.Reason)
}

func TestClassify_FallbackRoutesToLLM(t *testing.T) {
	snap := policytest.Snapshot(t)

	c := rules.Classify(utter("今天讲个笑话", domain.LanguageMandarin, 0.9), snap, emptySession())

	assert.Equal(t, rules.KindRouteToLLM, c.Kind)
}

func TestClassify_EmergencyBeatsEverything(t *testing.T) {
	snap := policytest.Snapshot(t)

	// Wakeword, smart-home phrase, and an SOS keyword together: emergency
	// tier stops evaluation.
	c := rules.Classify(utter("小伴 打开客厅的灯 救命", domain.LanguageMandarin, 0.9), snap, emptySession())

	assert.Equal(t, rules.KindEmergency, c.Kind)
	assert.Equal(t, domain.CategorySOS, c.Category)
}

func TestClassify_Deterministic(t *testing.T) {
	snap := policytest.Snapshot(t)
	inputs := []string{
		"救命 我不舒服",
		"把客厅的灯调亮一点",
		"帮我关掉灯",
		"今天讲个笑话",
		"小伴，打开客厅的灯",
	}
	for _, text := range inputs {
		u := utter(text, domain.LanguageMandarin, 0.9)
		first := rules.Classify(u, snap, emptySession())
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, rules.Classify(u, snap, emptySession()), "input %q", text)
		}
	}
}

func TestClassify_EmergencyTierBudget(t *testing.T) {
	snap := policytest.Snapshot(t)
	u := utter("救命", domain.LanguageMandarin, 0.95)

	start := time.Now()
	c := rules.Classify(u, snap, emptySession())
	elapsed := time.Since(start)

	assert.Equal(t, rules.KindEmergency, c.Kind)
	assert.Less(t, elapsed, 30*time.Millisecond)
}
