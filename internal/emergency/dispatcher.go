// Package emergency is the bypass path. Accepting an emergency must return
// to the audio pipeline within the accept budget; the four side-effect
// streams (call ladder, smart-home scene, video uplink, notifications) then
// fan out on the dispatcher's own lifecycle, immune to utterance deadlines.
package emergency

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/internal/audit"
	"github.com/SearocIsMe/elderly-companion/internal/bus"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

// Ack is a callee acknowledgement delivered by the call-ack webhook.
type Ack struct {
	IncidentID string
	Contact    domain.ContactID
	Status     string
}

// Event is the payload published on the incident.event topic.
type Event struct {
	Type     string `json:"type"`
	Incident View   `json:"incident"`
}

// TokenIssuer mints video stream access tokens.
type TokenIssuer interface {
	Issue(streamID string, cameras []string) (string, error)
}

// Dispatcher owns incident lifecycles. At most one incident is non-terminal
// per session; a closed incident quenches re-opens of the same category for
// the policy's quench window.
type Dispatcher struct {
	disp     *adapters.Dispatcher
	policies *policy.Store
	sessions *session.Manager
	events   *bus.Bus
	recorder *audit.Recorder
	tokens   TokenIssuer
	logger   *slog.Logger

	observeAccept func(elapsed time.Duration, late bool)

	mu         sync.Mutex
	active     map[string]*Incident
	lastClosed map[string]time.Time
	acks       map[string]chan Ack

	runCtx context.Context
	runMu  sync.Mutex
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTokenIssuer sets the video token issuer.
func WithTokenIssuer(issuer TokenIssuer) Option {
	return func(d *Dispatcher) { d.tokens = issuer }
}

// WithAcceptObserver registers a hook for accept latency metrics.
func WithAcceptObserver(fn func(elapsed time.Duration, late bool)) Option {
	return func(d *Dispatcher) { d.observeAccept = fn }
}

// NewDispatcher creates an emergency dispatcher.
func NewDispatcher(disp *adapters.Dispatcher, policies *policy.Store, sessions *session.Manager, events *bus.Bus, recorder *audit.Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		disp:       disp,
		policies:   policies,
		sessions:   sessions,
		events:     events,
		recorder:   recorder,
		logger:     slog.Default(),
		active:     make(map[string]*Incident),
		lastClosed: make(map[string]time.Time),
		acks:       make(map[string]chan Ack),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run pins the fan-out lifecycle to ctx and blocks until it is done. Fan-out
// goroutines started by Accept derive from this context, never from the
// utterance's, so an active incident survives utterance deadlines.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runMu.Lock()
	d.runCtx = ctx
	d.runMu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (d *Dispatcher) lifecycleCtx() context.Context {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.runCtx != nil {
		return d.runCtx
	}
	return context.Background()
}

// Accept opens an incident for an emergency classification and returns as
// soon as the fan-out is scheduled. The work done here is deliberately tiny:
// map bookkeeping and one goroutine spawn.
func (d *Dispatcher) Accept(ctx context.Context, u domain.Utterance, severity domain.Severity, category domain.EmergencyCategory) (*Incident, error) {
	start := time.Now()
	snap := d.policies.Current()

	d.mu.Lock()
	if inc, ok := d.active[u.SessionID]; ok && !inc.Terminal() {
		d.mu.Unlock()
		return inc, nil
	}
	quenchKey := u.SessionID + "|" + string(category)
	if closed, ok := d.lastClosed[quenchKey]; ok && time.Since(closed) < snap.Emergency.QuenchWindow {
		d.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeConflict, "incident quenched: same cause closed recently")
	}

	inc := &Incident{
		ID:        uuid.NewString(),
		SessionID: u.SessionID,
		Severity:  severity,
		Category:  category,
		OpenedAt:  start,
		state:     StateOpen,
	}
	ackCh := make(chan Ack, 4)
	d.active[u.SessionID] = inc
	d.acks[inc.ID] = ackCh
	d.mu.Unlock()

	d.sessions.Get(u.SessionID).SetActiveIncident(inc.ID)

	// The "opened" record must be the incident's first so fan-out records
	// sequence after it.
	d.audit(ctx, inc, audit.StageIncident, "opened", map[string]string{
		"category": string(category),
		"severity": strconv.Itoa(int(severity)),
	})
	d.publish(ctx, inc, "opened")

	go d.run(d.lifecycleCtx(), inc, ackCh)

	elapsed := time.Since(start)
	late := elapsed > snap.Emergency.AcceptBudget
	if d.observeAccept != nil {
		d.observeAccept(elapsed, late)
	}
	if late {
		// Accept-budget miss is an incident-quality defect, never an abort.
		d.logger.ErrorContext(ctx, "emergency accept budget missed",
			"incident_id", inc.ID,
			"elapsed_ms", elapsed.Milliseconds(),
		)
		d.audit(ctx, inc, audit.StageEmergency, "accept_late", map[string]string{
			"elapsed_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
		})
	}
	return inc, nil
}

// OnAck routes a callee acknowledgement to its incident's ladder.
func (d *Dispatcher) OnAck(ack Ack) bool {
	d.mu.Lock()
	ch, ok := d.acks[ack.IncidentID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- ack:
		return true
	default:
		return false
	}
}

// Active returns the non-terminal incident of a session, if any.
func (d *Dispatcher) Active(sessionID string) (*Incident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inc, ok := d.active[sessionID]
	if !ok || inc.Terminal() {
		return nil, false
	}
	return inc, true
}

// Get returns a live incident by id. Closed incidents leave the active set
// and are not found.
func (d *Dispatcher) Get(incidentID string) (*Incident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inc := range d.active {
		if inc.ID == incidentID {
			return inc, true
		}
	}
	return nil, false
}

// run executes the parallel fan-out. The call ladder decides the terminal
// state; scene, video, and notifications proceed independently and never
// block it.
func (d *Dispatcher) run(ctx context.Context, inc *Incident, ackCh chan Ack) {
	snap := d.policies.Current()

	var g errgroup.Group
	g.Go(func() error {
		d.applyScene(ctx, inc)
		return nil
	})
	g.Go(func() error {
		d.activateVideo(ctx, inc, snap)
		return nil
	})
	g.Go(func() error {
		d.sendNotifications(ctx, inc, snap)
		return nil
	})
	g.Go(func() error {
		d.runLadder(ctx, inc, snap, ackCh)
		return nil
	})
	_ = g.Wait()
}

// runLadder walks the contact ladder in order. Each rung: place the call
// (the adapter dispatcher retries placement per policy), wait for an ack up
// to the rung's ring timeout, escalate on failure or silence.
func (d *Dispatcher) runLadder(ctx context.Context, inc *Incident, snap *policy.Snapshot, ackCh chan Ack) {
	for rung, contact := range snap.Ladder {
		if ctx.Err() != nil {
			return
		}
		inc.advance(StateCalling, rung)
		inc.recordAttempt(contact.ID)
		d.publish(ctx, inc, "calling")

		step := inc.nextStep()
		done, err := d.disp.Submit(ctx, adapters.Job{
			ID:         inc.ID + "-call-" + strconv.Itoa(step),
			Kind:       adapters.KindCall,
			SessionID:  inc.SessionID,
			IncidentID: inc.ID,
			StepSeq:    step,
			Payload:    adapters.CallPayload{Contact: contact},
			Deadline:   time.Now().Add(30 * time.Second),
			Priority:   true,
		})
		if err != nil {
			d.audit(ctx, inc, audit.StageEmergency, "call_submit_failed", map[string]string{
				"contact": string(contact.ID), "error": err.Error(),
			})
			d.failRung(ctx, inc, rung, contact.ID)
			continue
		}

		var placed bool
		select {
		case res := <-done:
			placed = res.OK
			if !res.OK {
				d.audit(ctx, inc, audit.StageEmergency, "call_failed", map[string]string{
					"contact": string(contact.ID), "attempts": strconv.Itoa(res.Attempts),
				})
			}
		case <-ctx.Done():
			return
		}
		if !placed {
			d.failRung(ctx, inc, rung, contact.ID)
			continue
		}

		d.audit(ctx, inc, audit.StageEmergency, "call_placed", map[string]string{
			"contact": string(contact.ID),
		})
		inc.advance(StateWaiting, rung)
		d.publish(ctx, inc, "waiting")

		timer := time.NewTimer(contact.RingTimeout)
		answered := false
	waitLoop:
		for {
			select {
			case ack := <-ackCh:
				if ack.Contact != "" && ack.Contact != contact.ID {
					continue
				}
				if ack.Status == "reached" || ack.Status == "answered" || ack.Status == "ack" {
					answered = true
				}
				break waitLoop
			case <-timer.C:
				break waitLoop
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		timer.Stop()

		if answered {
			inc.recordReached(contact.ID)
			inc.advance(StateReached, rung)
			d.audit(ctx, inc, audit.StageEmergency, "reached", map[string]string{
				"contact": string(contact.ID),
			})
			d.resolve(ctx, inc)
			return
		}
		d.audit(ctx, inc, audit.StageEmergency, "ring_timeout", map[string]string{
			"contact": string(contact.ID),
		})
		d.failRung(ctx, inc, rung, contact.ID)
	}

	// Ladder exhausted: video and notifications stay active; only the call
	// machine stops.
	inc.advance(StateExhausted, len(snap.Ladder))
	d.audit(ctx, inc, audit.StageIncident, "exhausted", nil)
	d.publish(ctx, inc, "exhausted")
	d.close(inc)
}

func (d *Dispatcher) failRung(ctx context.Context, inc *Incident, rung int, contact domain.ContactID) {
	inc.advance(StateFailed, rung)
	inc.advance(StateEscalating, rung)
	d.publish(ctx, inc, "escalating")
}

// resolve closes the incident after a human acknowledged it and winds the
// uplink down.
func (d *Dispatcher) resolve(ctx context.Context, inc *Incident) {
	inc.advance(StateResolved, inc.Rung())
	d.audit(ctx, inc, audit.StageIncident, "resolved", nil)
	d.publish(ctx, inc, "resolved")

	step := inc.nextStep()
	if done, err := d.disp.Submit(ctx, adapters.Job{
		ID:         inc.ID + "-video-off",
		Kind:       adapters.KindVideo,
		SessionID:  inc.SessionID,
		IncidentID: inc.ID,
		StepSeq:    step,
		Payload:    adapters.VideoPayload{Activate: false, StreamID: inc.ID},
		Deadline:   time.Now().Add(10 * time.Second),
		Priority:   true,
	}); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	d.close(inc)
}

// close clears the active slot and arms the quench window.
func (d *Dispatcher) close(inc *Incident) {
	d.mu.Lock()
	if cur, ok := d.active[inc.SessionID]; ok && cur.ID == inc.ID {
		delete(d.active, inc.SessionID)
	}
	delete(d.acks, inc.ID)
	d.lastClosed[inc.SessionID+"|"+string(inc.Category)] = time.Now()
	d.mu.Unlock()

	d.sessions.Get(inc.SessionID).SetActiveIncident("")
}

func (d *Dispatcher) applyScene(ctx context.Context, inc *Incident) {
	step := inc.nextStep()
	outcome := d.disp.ApplyScene(ctx, inc.SessionID, inc.ID, step, time.Now().Add(15*time.Second))
	outcomeStr := "scene_applied"
	if !outcome.OK {
		outcomeStr = "scene_degraded"
	}
	d.audit(ctx, inc, audit.StageEmergency, outcomeStr, map[string]string{
		"succeeded": strconv.Itoa(outcome.Succeeded),
		"total":     strconv.Itoa(outcome.Total),
	})
}

func (d *Dispatcher) activateVideo(ctx context.Context, inc *Incident, snap *policy.Snapshot) {
	token := ""
	if d.tokens != nil {
		var err error
		token, err = d.tokens.Issue(inc.ID, snap.Emergency.Cameras)
		if err != nil {
			d.logger.ErrorContext(ctx, "video token mint failed", "incident_id", inc.ID, "error", err)
		}
	}
	step := inc.nextStep()
	done, err := d.disp.Submit(ctx, adapters.Job{
		ID:         inc.ID + "-video-on",
		Kind:       adapters.KindVideo,
		SessionID:  inc.SessionID,
		IncidentID: inc.ID,
		StepSeq:    step,
		Payload: adapters.VideoPayload{
			Activate:    true,
			StreamID:    inc.ID,
			Cameras:     snap.Emergency.Cameras,
			AccessToken: token,
		},
		Deadline: time.Now().Add(15 * time.Second),
		Priority: true,
	})
	if err != nil {
		d.audit(ctx, inc, audit.StageEmergency, "video_submit_failed", map[string]string{"error": err.Error()})
		return
	}
	select {
	case res := <-done:
		if res.OK {
			d.audit(ctx, inc, audit.StageEmergency, "video_activated", nil)
		} else {
			d.audit(ctx, inc, audit.StageEmergency, "video_failed", nil)
		}
	case <-ctx.Done():
	}
}

// sendNotifications alerts every ladder contact with a configured channel.
// Notification retries are the adapter dispatcher's concern; nothing here
// blocks the call ladder.
func (d *Dispatcher) sendNotifications(ctx context.Context, inc *Incident, snap *policy.Snapshot) {
	fields := map[string]string{
		"incident_id": inc.ID,
		"category":    string(inc.Category),
		"severity":    strconv.Itoa(int(inc.Severity)),
	}
	for _, contact := range snap.Ladder {
		for _, channel := range contact.Channels {
			recipient := contact.Phone
			if channel == "email" {
				recipient = contact.Email
			}
			if recipient == "" {
				continue
			}
			step := inc.nextStep()
			jobID := inc.ID + "-notify-" + strconv.Itoa(step)
			_, err := d.disp.Submit(ctx, adapters.Job{
				ID:         jobID,
				Kind:       adapters.KindNotify,
				SessionID:  inc.SessionID,
				IncidentID: inc.ID,
				StepSeq:    step,
				Payload: adapters.NotifyPayload{
					Channel:    channel,
					Recipient:  recipient,
					TemplateID: "emergency_alert",
					Fields:     fields,
				},
				Deadline: time.Now().Add(60 * time.Second),
				Priority: true,
			})
			if err != nil {
				d.logger.WarnContext(ctx, "notification submit failed",
					"incident_id", inc.ID, "channel", channel, "error", err)
				continue
			}
			inc.recordNotifyJob(jobID)
		}
	}
	d.audit(ctx, inc, audit.StageEmergency, "notifications_dispatched", nil)
}

func (d *Dispatcher) audit(ctx context.Context, inc *Incident, stage audit.Stage, outcome string, detail map[string]string) {
	if d.recorder == nil {
		return
	}
	d.recorder.Emit(ctx, audit.Record{
		SessionID:  inc.SessionID,
		IncidentID: inc.ID,
		Stage:      stage,
		Outcome:    outcome,
		Detail:     detail,
		PayloadHash: audit.Hash(map[string]string{
			"incident": inc.ID, "outcome": outcome,
		}),
	})
}

func (d *Dispatcher) publish(ctx context.Context, inc *Incident, eventType string) {
	if d.events == nil {
		return
	}
	d.events.Publish(ctx, bus.Event{
		Topic:      bus.TopicIncidentEvent,
		SessionID:  inc.SessionID,
		IncidentID: inc.ID,
		Payload:    Event{Type: eventType, Incident: inc.View()},
	})
}
