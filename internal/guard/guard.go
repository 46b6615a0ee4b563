// Package guard enforces policy independently of the LLM's good behavior.
// The pre-guard screens raw text before the LLM is consulted; the post-guard
// screens the typed intent before anything is dispatched. Deny always means
// no side effect.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SearocIsMe/elderly-companion/internal/guard/ratelimit"
	"github.com/SearocIsMe/elderly-companion/internal/intent"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

// Decision is the guard outcome.
type Decision string

// Decisions.
const (
	DecisionAllow            Decision = "allow"
	DecisionDeny             Decision = "deny"
	DecisionAllowWithConfirm Decision = "allow_with_confirm"
	DecisionElevate          Decision = "elevate"
)

// Verdict is the result of one guard check.
type Verdict struct {
	Decision            Decision
	Reasons             []string
	ConstraintsViolated []string

	// ConfirmPrompt and ConfirmWindow are set for AllowWithConfirm verdicts.
	ConfirmPrompt string
	ConfirmWindow time.Duration
}

// Guard runs the pre- and post-checks. The rate limit store may be backed by
// redis; on store errors the check degrades to the in-memory fallback rather
// than failing open or closed arbitrarily.
type Guard struct {
	limits   ratelimit.Store
	fallback *ratelimit.MemoryStore
	logger   *slog.Logger
}

// Option configures the Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// New creates a guard over the given rate limit store.
func New(limits ratelimit.Store, opts ...Option) *Guard {
	g := &Guard{
		limits:   limits,
		fallback: ratelimit.NewMemoryStore(),
		logger:   slog.Default(),
	}
	if g.limits == nil {
		g.limits = g.fallback
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckText is the pre-guard: it quick-rejects inputs policy forbids
// regardless of what they might mean.
func (g *Guard) CheckText(u domain.Utterance, snap *policy.Snapshot) Verdict {
	lower := strings.ToLower(u.Text)

	if len([]rune(u.Text)) > snap.Guard.MaxUtteranceChars {
		return deny("utterance_too_long", "max_length")
	}
	for _, phrase := range snap.Guard.BannedPhrases {
		if strings.Contains(lower, phrase) {
			return deny("banned_phrase", "banned_phrases")
		}
	}
	for _, re := range snap.Guard.InjectionPatterns {
		if re.MatchString(u.Text) {
			return deny("injection_pattern", "injection_patterns")
		}
	}
	return Verdict{Decision: DecisionAllow}
}

// CheckIntent is the post-guard over a typed intent. now is passed in so
// time-windowed rules stay testable.
func (g *Guard) CheckIntent(ctx context.Context, it intent.Intent, sess session.Snapshot, snap *policy.Snapshot, now time.Time) Verdict {
	if err := it.ValidateAgainst(snap); err != nil {
		return deny("device_not_whitelisted", "whitelist")
	}

	v := Verdict{Decision: DecisionAllow}

	switch it.Kind {
	case intent.KindSmartHome:
		fence, _ := snap.Device(it.Device)

		if verdict, bad := g.checkGeofence(fence, it.Action, sess, snap); bad {
			return verdict
		}
		if fence.QuietHours != nil && fence.QuietHours.Contains(now) && it.Action != "status" {
			v = requireConfirm(v, "quiet_hours", confirmPrompt(it, sess))
		}
		if fence.ConfirmActions[it.Action] || fence.RiskLevel >= snap.Guard.ConfirmRiskLevel {
			v = requireConfirm(v, "high_risk_action", confirmPrompt(it, sess))
		}
	case intent.KindAssistMove:
		if sess.Stress > snap.Guard.StressThreshold {
			// A stressed user asking for new motion is escalated so a
			// caregiver is notified rather than silently obeyed.
			return Verdict{
				Decision: DecisionElevate,
				Reasons:  []string{"emotional_elevation"},
			}
		}
	}

	if verdict, limited := g.checkRateLimit(ctx, it, sess, snap); limited {
		return verdict
	}

	if v.Decision == DecisionAllowWithConfirm {
		v.ConfirmWindow = snap.Guard.ConfirmWindow
	}
	return v
}

// checkGeofence rejects location-incompatible commands: safety-critical
// devices cannot be operated while the user is outside every safe zone, nor
// from a known zone whose allowed-device list omits the device. A zone with
// no allowed-device list, or an unknown zone, does not restrict.
func (g *Guard) checkGeofence(fence policy.DeviceFence, action string, sess session.Snapshot, snap *policy.Snapshot) (Verdict, bool) {
	if !fence.SafetyCritical || action == "status" {
		return Verdict{}, false
	}
	if sess.Zone == domain.ZoneOutsideSafe {
		return deny("geofence_violation", "geofence"), true
	}
	if zone, ok := snap.Fence(sess.Zone); ok && len(zone.AllowedDevices) > 0 && !zone.AllowedDevices[fence.ID] {
		return deny("geofence_violation", "geofence"), true
	}
	return Verdict{}, false
}

func (g *Guard) checkRateLimit(ctx context.Context, it intent.Intent, sess session.Snapshot, snap *policy.Snapshot) (Verdict, bool) {
	adapter := adapterFor(it.Kind)
	if adapter == "" {
		return Verdict{}, false
	}
	limit, ok := snap.RateLimitFor(adapter, it.Action)
	if !ok {
		return Verdict{}, false
	}

	key := fmt.Sprintf("%s|%s|%s", sess.SessionID, adapter, it.Action)
	result, err := g.limits.Allow(ctx, key, limit.Limit, limit.Window)
	if err != nil {
		g.logger.WarnContext(ctx, "rate limit store degraded, using in-memory fallback",
			"key", key,
			"error", err,
		)
		result, err = g.fallback.Allow(ctx, key, limit.Limit, limit.Window)
		if err != nil {
			return Verdict{}, false
		}
	}
	if !result.Allowed {
		return deny("rate_limited", "rate_limit"), true
	}
	return Verdict{}, false
}

func adapterFor(kind intent.Kind) string {
	switch kind {
	case intent.KindSmartHome:
		return "smart_home"
	case intent.KindAssistMove:
		return "assist_move"
	case intent.KindCallEmergency:
		return "call"
	default:
		return ""
	}
}

func deny(reason, constraint string) Verdict {
	return Verdict{
		Decision:            DecisionDeny,
		Reasons:             []string{reason},
		ConstraintsViolated: []string{constraint},
	}
}

func requireConfirm(v Verdict, reason, prompt string) Verdict {
	v.Decision = DecisionAllowWithConfirm
	v.Reasons = append(v.Reasons, reason)
	if v.ConfirmPrompt == "" {
		v.ConfirmPrompt = prompt
	}
	return v
}

// confirmPrompt builds the spoken confirmation question in the language of
// the conversation.
func confirmPrompt(it intent.Intent, sess session.Snapshot) string {
	lang := domain.LanguageMandarin
	if n := len(sess.Recent); n > 0 {
		lang = sess.Recent[n-1].Lang
	}
	if lang == domain.LanguageEnglish {
		return fmt.Sprintf("Do you want me to %s the %s? Say confirm or cancel.", it.Action, it.Device)
	}
	return fmt.Sprintf("需要对%s执行%s吗？请说\"确认\"或\"取消\"。", it.Device, it.Action)
}
