// Package orchestrator sequences the per-utterance pipeline: pre-guard,
// rules, optional LLM intent stage, post-guard, adapter dispatch, session
// update, and the response envelope. It owns the per-utterance deadline; the
// emergency bypass hands off within its accept budget and returns
// immediately.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/internal/audit"
	"github.com/SearocIsMe/elderly-companion/internal/bus"
	"github.com/SearocIsMe/elderly-companion/internal/emergency"
	"github.com/SearocIsMe/elderly-companion/internal/guard"
	"github.com/SearocIsMe/elderly-companion/internal/intent"
	"github.com/SearocIsMe/elderly-companion/internal/platform/metrics"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/rules"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

// attentionWindow is how long a wakeword keeps the session attentive.
const attentionWindow = 2 * time.Minute

// Deadlines are the pipeline time budgets, normally taken from config.
type Deadlines struct {
	Utterance time.Duration
	LLM       time.Duration
}

// Response is the envelope returned per utterance: the structured outcome
// plus the audio-out event for the TTS collaborator.
type Response struct {
	Status     string            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	IncidentID string            `json:"incident_id,omitempty"`
	Speech     adapters.Envelope `json:"speech"`
}

// Response statuses.
const (
	StatusOK           = "ok"
	StatusAcknowledged = "acknowledged"
	StatusDenied       = "denied"
	StatusNeedConfirm  = "need_confirm"
	StatusRejected     = "rejected"
	StatusBusy         = "busy"
	StatusFailed       = "failed"
	StatusChat         = "chat"
)

// pendingAction is what a confirmation window arms.
type pendingAction struct {
	Intent intent.Intent
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	policies  *policy.Store
	sessions  *session.Manager
	guards    *guard.Guard
	intents   *intent.Client
	emerg     *emergency.Dispatcher
	disp      *adapters.Dispatcher
	events    *bus.Bus
	recorder  *audit.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	deadlines Deadlines
}

// New creates an orchestrator.
func New(
	policies *policy.Store,
	sessions *session.Manager,
	guards *guard.Guard,
	intents *intent.Client,
	emerg *emergency.Dispatcher,
	disp *adapters.Dispatcher,
	events *bus.Bus,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	logger *slog.Logger,
	deadlines Deadlines,
) *Orchestrator {
	if deadlines.Utterance <= 0 {
		deadlines.Utterance = 2500 * time.Millisecond
	}
	if deadlines.LLM <= 0 {
		deadlines.LLM = 1500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		policies:  policies,
		sessions:  sessions,
		guards:    guards,
		intents:   intents,
		emerg:     emerg,
		disp:      disp,
		events:    events,
		recorder:  recorder,
		metrics:   m,
		logger:    logger,
		deadlines: deadlines,
	}
}

// HandleUtterance runs one utterance through the pipeline. Utterances of the
// same session are serialized in arrival order; the emergency branch returns
// as soon as the incident is accepted.
func (o *Orchestrator) HandleUtterance(ctx context.Context, u domain.Utterance) (Response, error) {
	if err := u.Validate(); err != nil {
		return Response{}, err
	}

	release := o.sessions.Acquire(u.SessionID)
	defer release()

	start := time.Now()
	ctx, cancel := context.WithDeadline(ctx, start.Add(o.deadlines.Utterance))
	defer cancel()

	snap := o.policies.Current()
	sctx := o.sessions.Get(u.SessionID)
	sess := sctx.Snapshot(start)

	o.publishUtterance(ctx, u)
	o.emitAudit(ctx, u, "", audit.StageIngress, "received", map[string]string{"lang": string(u.Lang)}, u.Text)

	// Expired confirmation windows are discarded silently from the user's
	// perspective; the log keeps the trace.
	if sctx.ExpiredConfirm(start) {
		sctx.TakePendingConfirm(start)
		o.metrics.IncConfirmTimeout()
		o.emitAudit(ctx, u, "", audit.StagePostGuard, "confirm_timeout", nil, nil)
		sess = sctx.Snapshot(start)
	}

	// A live confirmation window captures this utterance if it answers the
	// prompt either way.
	if sess.PendingConfirm != nil {
		if resp, handled := o.handleConfirmReply(ctx, u, sctx, snap, start); handled {
			sctx.AppendUtterance(u)
			return resp, nil
		}
	}

	// Pre-guard.
	pre := o.guards.CheckText(u, snap)
	o.metrics.IncGuardVerdict("pre", string(pre.Decision))
	o.publishVerdict(ctx, u, "pre", pre)
	if pre.Decision == guard.DecisionDeny {
		o.emitAudit(ctx, u, "", audit.StagePreGuard, "deny", map[string]string{"reasons": strings.Join(pre.Reasons, ",")}, nil)
		sctx.AppendUtterance(u)
		return o.respond(ctx, u, Response{
			Status: StatusDenied,
			Reason: firstOr(pre.Reasons, "policy"),
			Speech: speak(phrase(phraseDenied, u.Lang), u.Lang, domain.UrgencyNormal),
		}), nil
	}
	o.emitAudit(ctx, u, "", audit.StagePreGuard, "allow", nil, nil)

	// Rules engine.
	rulesStart := time.Now()
	cls := rules.Classify(u, snap, sess)
	o.metrics.ObserveStage("rules", time.Since(rulesStart))
	o.metrics.IncClassification(string(cls.Kind))
	o.emitAudit(ctx, u, "", audit.StageRules, string(cls.Kind), map[string]string{
		"matched":  strings.Join(cls.MatchedRules, ","),
		"category": string(cls.Category),
	}, cls.MatchedRules)

	if cls.Wake {
		sctx.RefreshAttention(start, attentionWindow)
	}

	// Emergency bypass: hand off and answer immediately.
	if cls.Kind == rules.KindEmergency {
		return o.handleEmergency(ctx, u, cls, sctx)
	}

	if cls.Kind == rules.KindReject {
		sctx.AppendUtterance(u)
		o.emitAudit(ctx, u, "", audit.StageResponse, StatusRejected, map[string]string{"reason": cls.Reason}, nil)
		return Response{
			Status: StatusRejected,
			Reason: cls.Reason,
			Speech: speak(phrase(phraseRejected, u.Lang), u.Lang, domain.UrgencyNormal),
		}, nil
	}

	// Typed intent: direct from rules, or via the LLM within its slice of
	// the remaining budget.
	var it intent.Intent
	if cls.Kind == rules.KindDirectIntent && cls.Intent != nil {
		it = *cls.Intent
	} else {
		var resp Response
		var ok bool
		it, resp, ok = o.resolveIntent(ctx, u, sess, snap)
		if !ok {
			sctx.AppendUtterance(u)
			return resp, nil
		}
	}
	o.publishIntent(ctx, u, it)

	// Wake greeting with no actionable content.
	if it.Kind == intent.KindChat && cls.Wake {
		sctx.AppendUtterance(u)
		return o.respond(ctx, u, Response{
			Status: StatusChat,
			Speech: speak(phrase(phraseWakeGreeting, u.Lang), u.Lang, domain.UrgencyNormal),
		}), nil
	}

	// Post-guard.
	post := o.guards.CheckIntent(ctx, it, sess, snap, start)
	o.metrics.IncGuardVerdict("post", string(post.Decision))
	o.publishVerdict(ctx, u, "post", post)
	o.emitAudit(ctx, u, "", audit.StagePostGuard, string(post.Decision), map[string]string{
		"reasons": strings.Join(post.Reasons, ","),
	}, it)

	switch post.Decision {
	case guard.DecisionDeny:
		sctx.AppendUtterance(u)
		return o.respond(ctx, u, o.denialResponse(u, post)), nil
	case guard.DecisionElevate:
		return o.handleElevation(ctx, u, sctx)
	case guard.DecisionAllowWithConfirm:
		sctx.SetPendingConfirm(&session.PendingConfirm{
			Payload:   pendingAction{Intent: it},
			Prompt:    post.ConfirmPrompt,
			IssuedAt:  start,
			ExpiresAt: start.Add(post.ConfirmWindow),
		})
		sctx.AppendUtterance(u)
		return o.respond(ctx, u, Response{
			Status: StatusNeedConfirm,
			Reason: firstOr(post.Reasons, "confirmation_required"),
			Speech: speak(post.ConfirmPrompt, u.Lang, domain.UrgencyNormal),
		}), nil
	}

	// Dispatch.
	resp := o.dispatchIntent(ctx, u, it, sess)
	sctx.AppendUtterance(u)
	return o.respond(ctx, u, resp), nil
}

// handleEmergency opens the incident and answers with the calm urgent
// acknowledgement regardless of fan-out outcome.
func (o *Orchestrator) handleEmergency(ctx context.Context, u domain.Utterance, cls rules.Classification, sctx *session.Context) (Response, error) {
	acceptStart := time.Now()
	inc, err := o.emerg.Accept(ctx, u, cls.Severity, cls.Category)
	o.metrics.ObserveStage("emergency_accept", time.Since(acceptStart))

	sctx.AppendUtterance(u)

	resp := Response{
		Status: StatusAcknowledged,
		Speech: adapters.Envelope{
			Text:           phrase(phraseEmergencyAck, u.Lang),
			Locale:         u.Lang,
			Urgency:        domain.UrgencyUrgent,
			AllowInterrupt: true,
		},
	}
	switch {
	case err != nil && dErrors.Is(err, dErrors.CodeConflict):
		// Quenched re-trigger of the same cause: stay calm, no new incident.
		resp.Reason = "quenched"
	case err != nil:
		return Response{}, err
	default:
		resp.IncidentID = inc.ID
	}
	o.emitAudit(ctx, u, resp.IncidentID, audit.StageResponse, StatusAcknowledged, map[string]string{
		"category": string(cls.Category),
	}, nil)
	return resp, nil
}

// handleElevation opens a severity-2 elevation incident on a guard Elevate
// verdict.
func (o *Orchestrator) handleElevation(ctx context.Context, u domain.Utterance, sctx *session.Context) (Response, error) {
	inc, err := o.emerg.Accept(ctx, u, 2, domain.CategoryElevation)
	sctx.AppendUtterance(u)
	resp := Response{
		Status: StatusAcknowledged,
		Reason: "elevated",
		Speech: speak(phrase(phraseElevated, u.Lang), u.Lang, domain.UrgencyCalming),
	}
	if err == nil && inc != nil {
		resp.IncidentID = inc.ID
	}
	o.emitAudit(ctx, u, resp.IncidentID, audit.StageResponse, "elevated", nil, nil)
	return resp, nil
}

// handleConfirmReply resolves a pending high-risk action against the second
// utterance. Only an explicit confirm phrase executes; an explicit cancel
// drops the action. Any other reply returns false so the caller processes it
// as a fresh utterance, and the window stays armed.
func (o *Orchestrator) handleConfirmReply(ctx context.Context, u domain.Utterance, sctx *session.Context, snap *policy.Snapshot, now time.Time) (Response, bool) {
	lower := strings.ToLower(strings.TrimSpace(u.Text))

	confirmed := false
	for _, p := range snap.Guard.ConfirmPhrases {
		if strings.Contains(lower, p) {
			confirmed = true
			break
		}
	}
	cancelled := strings.Contains(lower, "取消") || strings.Contains(lower, "cancel") || strings.Contains(lower, "no")

	if !confirmed && !cancelled {
		// Not an answer to the prompt; process as a fresh utterance and keep
		// the window armed.
		return Response{}, false
	}

	pending, live := sctx.TakePendingConfirm(now)
	if !live {
		o.metrics.IncConfirmTimeout()
		o.emitAudit(ctx, u, "", audit.StagePostGuard, "confirm_timeout", nil, nil)
		return Response{
			Status: StatusRejected,
			Reason: "confirm_timeout",
			Speech: speak(phrase(phraseRejected, u.Lang), u.Lang, domain.UrgencyNormal),
		}, true
	}

	if cancelled && !confirmed {
		o.emitAudit(ctx, u, "", audit.StagePostGuard, "confirm_cancelled", nil, nil)
		return Response{
			Status: StatusOK,
			Reason: "cancelled",
			Speech: speak(phrase(phraseConfirmCancel, u.Lang), u.Lang, domain.UrgencyNormal),
		}, true
	}

	action, ok := pending.Payload.(pendingAction)
	if !ok {
		return Response{
			Status: StatusFailed,
			Reason: "internal",
			Speech: speak(phrase(phraseFailed, u.Lang), u.Lang, domain.UrgencyCalming),
		}, true
	}

	o.emitAudit(ctx, u, "", audit.StagePostGuard, "confirmed", nil, action.Intent)
	sess := sctx.Snapshot(now)
	resp := o.dispatchIntent(ctx, u, action.Intent, sess)
	if resp.Status == StatusOK {
		resp.Speech = speak(phrase(phraseConfirmOK, u.Lang), u.Lang, domain.UrgencyNormal)
	}
	return o.respond(ctx, u, resp), true
}

// resolveIntent runs the LLM stage inside its budget slice. ok=false means
// the caller already has the fallback response.
func (o *Orchestrator) resolveIntent(ctx context.Context, u domain.Utterance, sess session.Snapshot, snap *policy.Snapshot) (intent.Intent, Response, bool) {
	budget := o.deadlines.LLM
	if dl, has := ctx.Deadline(); has {
		if remaining := time.Until(dl); remaining < budget {
			budget = remaining
		}
	}
	llmCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	llmStart := time.Now()
	it, err := o.intents.Parse(llmCtx, u.Text, sessionSummary(sess), snap)
	o.metrics.ObserveIntent(time.Since(llmStart))
	if err == nil {
		o.emitAudit(ctx, u, "", audit.StageIntent, "resolved", map[string]string{"kind": string(it.Kind)}, it)
		return it, Response{}, true
	}

	reason := "endpoint_error"
	var fail *intent.Failure
	if errors.As(err, &fail) {
		reason = string(fail.Reason)
	}
	o.metrics.IncIntentFailure(reason)
	o.emitAudit(ctx, u, "", audit.StageIntent, reason, nil, nil)
	o.logger.WarnContext(ctx, "intent stage failed, falling back to chat",
		"utterance_id", u.ID,
		"reason", reason,
	)
	// Conservative fallback: never fabricate an intent.
	return intent.Intent{}, Response{
		Status: StatusChat,
		Reason: reason,
		Speech: speak(phrase(phraseChatFallback, u.Lang), u.Lang, domain.UrgencyNormal),
	}, false
}

// dispatchIntent maps an allowed intent onto adapter jobs and collects
// terminal outcomes within the rest of the utterance budget.
func (o *Orchestrator) dispatchIntent(ctx context.Context, u domain.Utterance, it intent.Intent, sess session.Snapshot) Response {
	deadline := time.Now().Add(2 * time.Second)
	if dl, has := ctx.Deadline(); has {
		deadline = dl
	}

	switch it.Kind {
	case intent.KindSmartHome:
		job := adapters.Job{
			ID:        uuid.NewString(),
			Kind:      adapters.KindSmartHome,
			SessionID: u.SessionID,
			Payload:   adapters.SmartHomePayload{Device: it.Device, Action: it.Action},
			Deadline:  deadline,
		}
		return o.awaitJob(ctx, u, job, phraseDone)

	case intent.KindCallEmergency:
		snap := o.policies.Current()
		contact, ok := snap.Contact(it.Callee)
		if !ok {
			return Response{
				Status: StatusDenied,
				Reason: "unknown_contact",
				Speech: speak(phrase(phraseDenied, u.Lang), u.Lang, domain.UrgencyNormal),
			}
		}
		job := adapters.Job{
			ID:        uuid.NewString(),
			Kind:      adapters.KindCall,
			SessionID: u.SessionID,
			Payload:   adapters.CallPayload{Contact: contact},
			Deadline:  deadline,
		}
		return o.awaitJob(ctx, u, job, phraseCallPlaced)

	case intent.KindAssistMove:
		// The quadruped motion stack subscribes to validated motion intents;
		// dispatch here is the publication itself.
		o.publishIntent(ctx, u, it)
		o.emitAudit(ctx, u, "", audit.StageDispatch, "motion_intent_published", map[string]string{"target": it.Target}, it)
		return Response{
			Status: StatusOK,
			Speech: speak(phrase(phraseMoveStarted, u.Lang), u.Lang, domain.UrgencyNormal),
		}

	case intent.KindChat:
		return Response{
			Status: StatusChat,
			Speech: speak(phrase(phraseChatFallback, u.Lang), u.Lang, domain.UrgencyNormal),
		}

	default:
		return Response{
			Status: StatusFailed,
			Reason: "unknown_intent",
			Speech: speak(phrase(phraseFailed, u.Lang), u.Lang, domain.UrgencyCalming),
		}
	}
}

// awaitJob submits one job and waits for its terminal outcome within the
// utterance budget.
func (o *Orchestrator) awaitJob(ctx context.Context, u domain.Utterance, job adapters.Job, successPhrase phraseKey) Response {
	done, err := o.disp.Submit(ctx, job)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeAdapterBusy) {
			o.metrics.IncAdapterBusy()
			o.emitAudit(ctx, u, "", audit.StageDispatch, "adapter_busy", map[string]string{"kind": string(job.Kind)}, nil)
			return Response{
				Status: StatusBusy,
				Reason: "adapter_busy",
				Speech: speak(phrase(phraseBusy, u.Lang), u.Lang, domain.UrgencyNormal),
			}
		}
		o.emitAudit(ctx, u, "", audit.StageDispatch, "submit_failed", map[string]string{"error": err.Error()}, nil)
		return Response{
			Status: StatusFailed,
			Reason: "dispatch_failed",
			Speech: speak(phrase(phraseFailed, u.Lang), u.Lang, domain.UrgencyCalming),
		}
	}

	select {
	case res := <-done:
		o.metrics.IncAdapterResult(string(job.Kind), resultLabel(res))
		if res.OK {
			o.emitAudit(ctx, u, "", audit.StageDispatch, "success", map[string]string{"kind": string(job.Kind)}, nil)
			return Response{
				Status: StatusOK,
				Speech: speak(phrase(successPhrase, u.Lang), u.Lang, domain.UrgencyNormal),
			}
		}
		outcome := "transient_failure"
		if res.Class == adapters.ClassPermanent {
			outcome = "permanent_failure"
		}
		o.emitAudit(ctx, u, "", audit.StageDispatch, outcome, map[string]string{"kind": string(job.Kind)}, nil)
		return Response{
			Status: StatusFailed,
			Reason: outcome,
			Speech: speak(phrase(phraseFailed, u.Lang), u.Lang, domain.UrgencyCalming),
		}
	case <-ctx.Done():
		// The side effect may still land; the response is best-effort.
		o.emitAudit(ctx, u, "", audit.StageDispatch, "deadline_missed", map[string]string{"kind": string(job.Kind)}, nil)
		return Response{
			Status: StatusFailed,
			Reason: "deadline_missed",
			Speech: speak(phrase(phraseBusy, u.Lang), u.Lang, domain.UrgencyNormal),
		}
	}
}

func (o *Orchestrator) denialResponse(u domain.Utterance, v guard.Verdict) Response {
	key := phraseDenied
	reason := firstOr(v.Reasons, "policy")
	switch reason {
	case "geofence_violation":
		key = phraseDeniedGeo
	case "rate_limited":
		key = phraseDeniedRate
	}
	return Response{
		Status: StatusDenied,
		Reason: reason,
		Speech: speak(phrase(key, u.Lang), u.Lang, domain.UrgencyCalming),
	}
}

// respond emits the terminal audit record for the utterance.
func (o *Orchestrator) respond(ctx context.Context, u domain.Utterance, resp Response) Response {
	o.emitAudit(ctx, u, resp.IncidentID, audit.StageResponse, resp.Status, map[string]string{"reason": resp.Reason}, nil)
	return resp
}

func (o *Orchestrator) emitAudit(ctx context.Context, u domain.Utterance, incidentID string, stage audit.Stage, outcome string, detail map[string]string, payload any) {
	if o.recorder == nil {
		return
	}
	rec := audit.Record{
		SessionID:   u.SessionID,
		UtteranceID: u.ID,
		IncidentID:  incidentID,
		Stage:       stage,
		Outcome:     outcome,
		Detail:      detail,
	}
	if payload != nil {
		rec.PayloadHash = audit.Hash(payload)
	}
	o.recorder.Emit(ctx, rec)
}

func (o *Orchestrator) publishUtterance(ctx context.Context, u domain.Utterance) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, bus.Event{Topic: bus.TopicUtterance, SessionID: u.SessionID, Payload: u})
}

func (o *Orchestrator) publishVerdict(ctx context.Context, u domain.Utterance, stage string, v guard.Verdict) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, bus.Event{
		Topic:     bus.TopicGuardVerdict,
		SessionID: u.SessionID,
		Payload:   struct {
			Stage   string        `json:"stage"`
			Verdict guard.Verdict `json:"verdict"`
		}{Stage: stage, Verdict: v},
	})
}

func (o *Orchestrator) publishIntent(ctx context.Context, u domain.Utterance, it intent.Intent) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, bus.Event{Topic: bus.TopicIntentResolved, SessionID: u.SessionID, Payload: it})
}

// sessionSummary fingerprints the recent conversation so intent requests are
// replayable without shipping the transcript.
func sessionSummary(sess session.Snapshot) string {
	h := sha256.New()
	for _, u := range sess.Recent {
		h.Write([]byte(u.Text))
		h.Write([]byte{0})
	}
	h.Write([]byte(sess.Zone))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func speak(text string, lang domain.Language, urgency domain.Urgency) adapters.Envelope {
	return adapters.Envelope{
		Text:           text,
		Locale:         lang,
		Urgency:        urgency,
		AllowInterrupt: urgency == domain.UrgencyUrgent,
	}
}

func firstOr(items []string, fallback string) string {
	if len(items) > 0 {
		return items[0]
	}
	return fallback
}

func resultLabel(res adapters.Result) string {
	if res.OK {
		return "success"
	}
	if res.Class == adapters.ClassPermanent {
		return "permanent"
	}
	return "transient"
}
