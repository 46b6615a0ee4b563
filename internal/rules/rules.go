// Package rules is the deterministic pre-LLM classifier. It is a pure
// function over (utterance, policy snapshot, session read-view): no I/O, no
// clocks, no randomness, so the same inputs always yield the same
// classification.
package rules

import (
	"strings"

	"github.com/SearocIsMe/elderly-companion/internal/intent"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

// Kind is the classification outcome.
type Kind string

// Classification kinds.
const (
	KindEmergency    Kind = "emergency"
	KindDirectIntent Kind = "direct_intent"
	KindRouteToLLM   Kind = "route_to_llm"
	KindReject       Kind = "reject"
)

// Classification is the rules engine verdict for one utterance.
type Classification struct {
	Kind         Kind
	Severity     domain.Severity
	Category     domain.EmergencyCategory
	MatchedRules []string
	Confidence   float64
	Reason       string

	// Intent is the provisional typed intent for DirectIntent outcomes.
	Intent *intent.Intent

	// Wake reports that a wakeword was heard; the orchestrator refreshes the
	// attention window whether or not a later tier also matched.
	Wake bool
}

// Phrase lists that raise emergency confidence in matchEmergency: urgency,
// pain, and location intensifiers.
var (
	urgencyIntensifiers  = []string{"快", "马上", "立刻", "quickly", "immediately", "now", "urgent"}
	painIntensifiers     = []string{"非常", "很", "太", "极度", "very", "extremely", "so much", "terrible"}
	locationIntensifiers = []string{"这里", "房间", "卫生间", "here", "room", "bathroom", "bedroom"}
)

// Motion verbs recognized by the assist-move tier.
var moveVerbs = []string{"带我去", "去", "过来", "take me", "go to", "come here", "move to"}

// Call verbs recognized by the call-family tier.
var callVerbs = []string{"打电话", "联系", "呼叫", "call", "phone", "contact"}

// Classify runs the tiered rules over one utterance. Tiers are evaluated in
// order; emergency always wins and stops evaluation.
func Classify(u domain.Utterance, snap *policy.Snapshot, sess session.Snapshot) Classification {
	lower := strings.ToLower(u.Text)

	// Tier 1: emergency. SOS sets are pre-sorted most urgent first.
	if c, ok := matchEmergency(lower, snap); ok {
		return c
	}

	// Tier 2: wakeword. Not terminal; a command can ride the same sentence as
	// the wakeword.
	wake, wakeRule := matchWakeword(lower, snap)

	// Tier 3: smart-home direct.
	if c, ok := matchSmartHome(lower, snap); ok {
		c.Wake = wake
		if wake {
			c.MatchedRules = append(c.MatchedRules, wakeRule)
		}
		return c
	}

	// Tier 4: assist-move direct.
	if c, ok := matchAssistMove(lower, snap); ok {
		c.Wake = wake
		return c
	}

	// Tier 5: call-family direct.
	if c, ok := matchCallFamily(lower, snap); ok {
		c.Wake = wake
		return c
	}

	if wake {
		it := intent.Intent{Kind: intent.KindChat, Style: "general"}
		return Classification{
			Kind:         KindDirectIntent,
			MatchedRules: []string{wakeRule},
			Confidence:   1,
			Intent:       &it,
			Wake:         true,
		}
	}

	// Tier 6: fallback.
	if u.Confidence < snap.Guard.RejectConfidence {
		return Classification{Kind: KindReject, Reason: "low_confidence", Confidence: u.Confidence}
	}
	return Classification{Kind: KindRouteToLLM, Confidence: u.Confidence}
}

// langOrder fixes the language scan order so classification stays
// deterministic when a sentence code-switches.
var langOrder = []domain.Language{domain.LanguageMandarin, domain.LanguageEnglish, domain.LanguageCantonese}

// matchEmergency scans the SOS sets. A keyword of any configured language
// counts so code-switched sentences still trip the bypass.
func matchEmergency(lower string, snap *policy.Snapshot) (Classification, bool) {
	for _, set := range snap.SOSSets {
		for _, lang := range langOrder {
			words := set.Keywords[lang]
			for _, kw := range words {
				if !strings.Contains(lower, kw) {
					continue
				}
				conf := 0.8
				conf += 0.05 * float64(countContained(lower, urgencyIntensifiers))
				conf += 0.03 * float64(countContained(lower, painIntensifiers))
				if countContained(lower, locationIntensifiers) > 0 {
					conf += 0.05
				}
				if conf > 1 {
					conf = 1
				}
				return Classification{
					Kind:         KindEmergency,
					Severity:     set.Severity,
					Category:     set.Category,
					MatchedRules: []string{"sos:" + string(set.Category) + ":" + string(lang) + ":" + kw},
					Confidence:   conf,
				}, true
			}
		}
	}
	return Classification{}, false
}

func matchWakeword(lower string, snap *policy.Snapshot) (bool, string) {
	for _, w := range snap.Wakewords {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true, "wakeword:" + w
		}
	}
	return false, ""
}

// matchSmartHome applies the direct phrase rules. Longest match wins; equal
// length falls back to rule specificity (device+room > device > class).
func matchSmartHome(lower string, snap *policy.Snapshot) (Classification, bool) {
	var best *policy.DirectRule
	bestLen := -1
	for i := range snap.DirectRules {
		rule := &snap.DirectRules[i]
		m := rule.Pattern.FindString(lower)
		if m == "" {
			continue
		}
		switch {
		case len(m) > bestLen:
			best, bestLen = rule, len(m)
		case len(m) == bestLen && best != nil && rule.Specificity > best.Specificity:
			best = rule
		}
	}
	if best == nil {
		return Classification{}, false
	}

	if !best.Device.IsNil() {
		it := intent.Intent{
			Kind:   intent.KindSmartHome,
			Device: best.Device,
			Action: best.Action,
			Room:   best.Room,
		}
		if it.Room.IsNil() {
			if fence, ok := snap.Device(best.Device); ok {
				it.Room = fence.Room
			}
		}
		return Classification{
			Kind:         KindDirectIntent,
			MatchedRules: []string{"direct:" + best.ID},
			Confidence:   1,
			Intent:       &it,
		}, true
	}

	// Device-class rule: resolve a unique device able to perform the action.
	var candidates []domain.DeviceID
	for id, fence := range snap.Devices {
		if !fence.Allows(best.Action) {
			continue
		}
		if !best.Room.IsNil() && fence.Room != best.Room {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 1 {
		it := intent.Intent{Kind: intent.KindSmartHome, Device: candidates[0], Action: best.Action}
		if fence, ok := snap.Device(candidates[0]); ok {
			it.Room = fence.Room
		}
		return Classification{
			Kind:         KindDirectIntent,
			MatchedRules: []string{"direct:" + best.ID},
			Confidence:   1,
			Intent:       &it,
		}, true
	}
	// Zero or many candidates: let the LLM disambiguate.
	return Classification{
		Kind:         KindRouteToLLM,
		MatchedRules: []string{"direct:" + best.ID},
		Reason:       "ambiguous_device",
		Confidence:   0.5,
	}, true
}

func matchAssistMove(lower string, snap *policy.Snapshot) (Classification, bool) {
	if countContained(lower, moveVerbs) == 0 {
		return Classification{}, false
	}
	var matched []string
	for target := range snap.MoveTargets {
		if strings.Contains(lower, strings.ToLower(target)) ||
			strings.Contains(lower, strings.ReplaceAll(strings.ToLower(target), "_", " ")) {
			matched = append(matched, target)
		}
	}
	if len(matched) != 1 {
		return Classification{}, false
	}
	it := intent.Intent{Kind: intent.KindAssistMove, Target: matched[0], Speed: "normal"}
	return Classification{
		Kind:         KindDirectIntent,
		MatchedRules: []string{"move:" + matched[0]},
		Confidence:   1,
		Intent:       &it,
	}, true
}

func matchCallFamily(lower string, snap *policy.Snapshot) (Classification, bool) {
	if countContained(lower, callVerbs) == 0 {
		return Classification{}, false
	}
	for _, c := range snap.Ladder {
		if strings.Contains(lower, strings.ToLower(string(c.ID))) ||
			(c.Name != "" && strings.Contains(lower, strings.ToLower(c.Name))) {
			it := intent.Intent{
				Kind:    intent.KindCallEmergency,
				Callee:  c.ID,
				Reason:  "manual",
				Confirm: true,
			}
			return Classification{
				Kind:         KindDirectIntent,
				MatchedRules: []string{"call:" + string(c.ID)},
				Confidence:   1,
				Intent:       &it,
			}, true
		}
	}
	return Classification{}, false
}

func countContained(haystack string, needles []string) int {
	n := 0
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			n++
		}
	}
	return n
}
