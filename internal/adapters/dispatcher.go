package adapters

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/SearocIsMe/elderly-companion/internal/bus"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

// Per-kind concurrency caps and queue bounds.
var kindConcurrency = map[Kind]int{
	KindSmartHome: 8,
	KindCall:      4,
	KindNotify:    16,
	KindTTS:       4,
	KindVideo:     4,
}

const (
	queueBound         = 64
	priorityQueueBound = 1024
	priorityWorkers    = 8
)

// queued pairs a job with its result channel.
type queued struct {
	job  Job
	done chan Result
}

// Dispatcher owns the adapter queues. Submit is non-blocking: a full regular
// queue surfaces AdapterBusy to the orchestrator; priority (emergency) jobs
// are never rejected and jump the line through a dedicated lane and worker
// pool.
type Dispatcher struct {
	reg      Registry
	policies *policy.Store
	events   *bus.Bus
	logger   *slog.Logger

	queues   map[Kind]chan queued
	priority chan queued

	// Per-device in-flight cap of one prevents conflicting commands.
	deviceMu   sync.Mutex
	deviceBusy map[domain.DeviceID]*sync.Mutex

	// Per-session caps for TTS and video, per-incident cap for calling.
	semMu        sync.Mutex
	sessionSems  map[string]*semaphore.Weighted
	incidentSems map[string]*semaphore.Weighted

	// Idempotency ledger: replaying an (incident, step) job is a no-op.
	seenMu sync.Mutex
	seen   map[string]bool

	observe func(Result)
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithObserver registers a hook invoked with every terminal result, used for
// metrics.
func WithObserver(fn func(Result)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// NewDispatcher creates a dispatcher over the given adapter registry.
func NewDispatcher(reg Registry, policies *policy.Store, events *bus.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:          reg,
		policies:     policies,
		events:       events,
		logger:       slog.Default(),
		queues:       make(map[Kind]chan queued),
		priority:     make(chan queued, priorityQueueBound),
		deviceBusy:   make(map[domain.DeviceID]*sync.Mutex),
		sessionSems:  make(map[string]*semaphore.Weighted),
		incidentSems: make(map[string]*semaphore.Weighted),
		seen:         make(map[string]bool),
	}
	for kind := range kindConcurrency {
		d.queues[kind] = make(chan queued, queueBound)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the worker pools and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for kind, n := range kindConcurrency {
		queue := d.queues[kind]
		for i := 0; i < n; i++ {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case q := <-queue:
						d.execute(ctx, q)
					}
				}
			})
		}
	}
	for i := 0; i < priorityWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case q := <-d.priority:
					d.execute(ctx, q)
				}
			}
		})
	}
	return g.Wait()
}

// Submit enqueues a job and returns the channel its terminal result will
// arrive on. A full regular queue returns AdapterBusy; priority jobs always
// enqueue.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (<-chan Result, error) {
	if job.Payload == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "adapter job has no payload")
	}
	queue, ok := d.queues[job.Kind]
	if !ok {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unknown adapter kind")
	}

	q := queued{job: job, done: make(chan Result, 1)}
	if job.Priority {
		select {
		case d.priority <- q:
			return q.done, nil
		case <-ctx.Done():
			return nil, dErrors.Wrap(dErrors.CodeDeadline, "priority enqueue cancelled", ctx.Err())
		}
	}
	select {
	case queue <- q:
		return q.done, nil
	default:
		return nil, dErrors.New(dErrors.CodeAdapterBusy, "adapter queue full")
	}
}

// execute runs one job to its terminal outcome: idempotency check, capacity
// acquisition, retry loop, result publication.
func (d *Dispatcher) execute(ctx context.Context, q queued) {
	job := q.job

	if key, keyed := idempotencyKey(job); keyed {
		d.seenMu.Lock()
		dup := d.seen[key]
		if !dup {
			d.seen[key] = true
		}
		d.seenMu.Unlock()
		if dup {
			d.finish(ctx, q, Result{JobID: job.ID, Kind: job.Kind, OK: true, Deduplicated: true})
			return
		}
	}

	release := d.acquireCapacity(ctx, job)
	defer release()

	retry := d.policies.Current().RetryFor(string(job.Kind))
	deadline := job.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(10 * time.Second)
	}
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var err error
	attempts := 0
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepBackoff(jobCtx, retry, attempt) {
				break
			}
		}
		attempts++
		err = d.apply(jobCtx, job)
		if err == nil {
			d.finish(ctx, q, Result{JobID: job.ID, Kind: job.Kind, OK: true, Attempts: attempts})
			return
		}
		if ClassifyErr(err) == ClassPermanent {
			break
		}
		if jobCtx.Err() != nil {
			break
		}
	}

	d.finish(ctx, q, Result{
		JobID:    job.ID,
		Kind:     job.Kind,
		OK:       false,
		Class:    ClassifyErr(err),
		Err:      err,
		Attempts: attempts,
	})
}

// apply drives the concrete adapter for one attempt.
func (d *Dispatcher) apply(ctx context.Context, job Job) error {
	switch p := job.Payload.(type) {
	case SmartHomePayload:
		unlock := d.lockDevice(p.Device)
		defer unlock()
		return d.reg.SmartHome.Apply(ctx, p.Device, p.Action, p.Params)
	case CallPayload:
		status, err := d.reg.Caller.Place(ctx, p.Contact, job.IncidentID, job.StepSeq)
		if err != nil {
			return err
		}
		if status != CallAccepted {
			return dErrors.New(dErrors.CodeUnavailable, "call not accepted: "+string(status))
		}
		return nil
	case NotifyPayload:
		return d.reg.Notifier.Send(ctx, p.Channel, p.Recipient, p.TemplateID, p.Fields)
	case SpeakPayload:
		return d.reg.Speaker.Speak(ctx, p.Envelope)
	case VideoPayload:
		if p.Activate {
			return d.reg.Video.Activate(ctx, p.StreamID, p.Cameras, p.AccessToken)
		}
		return d.reg.Video.Deactivate(ctx, p.StreamID)
	default:
		return dErrors.New(dErrors.CodeBadRequest, "unknown payload type")
	}
}

func (d *Dispatcher) finish(ctx context.Context, q queued, res Result) {
	res.CompletedAt = time.Now()
	q.done <- res
	if d.observe != nil {
		d.observe(res)
	}
	if d.events != nil {
		d.events.Publish(ctx, bus.Event{
			Topic:      bus.TopicAdapterResult,
			SessionID:  q.job.SessionID,
			IncidentID: q.job.IncidentID,
			Payload:    res,
		})
	}
	if !res.OK && res.Err != nil {
		d.logger.WarnContext(ctx, "adapter job failed",
			"job_id", q.job.ID,
			"kind", string(q.job.Kind),
			"attempts", res.Attempts,
			"error", res.Err,
		)
	}
}

// acquireCapacity takes the per-session (tts, video) or per-incident (call)
// slot for the job. Other kinds are bounded by their worker pools alone.
func (d *Dispatcher) acquireCapacity(ctx context.Context, job Job) func() {
	var sem *semaphore.Weighted
	switch job.Kind {
	case KindTTS, KindVideo:
		if job.SessionID == "" {
			return func() {}
		}
		sem = d.keyedSem(d.sessionSems, string(job.Kind)+"|"+job.SessionID)
	case KindCall:
		if job.IncidentID == "" {
			return func() {}
		}
		sem = d.keyedSem(d.incidentSems, job.IncidentID)
	default:
		return func() {}
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return func() {}
	}
	return func() { sem.Release(1) }
}

func (d *Dispatcher) keyedSem(m map[string]*semaphore.Weighted, key string) *semaphore.Weighted {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	sem, ok := m[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m[key] = sem
	}
	return sem
}

func (d *Dispatcher) lockDevice(id domain.DeviceID) func() {
	d.deviceMu.Lock()
	lock, ok := d.deviceBusy[id]
	if !ok {
		lock = &sync.Mutex{}
		d.deviceBusy[id] = lock
	}
	d.deviceMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// sleepBackoff waits the jittered exponential backoff for the attempt.
// Returns false when the context expired while waiting.
func sleepBackoff(ctx context.Context, retry policy.RetryPolicy, attempt int) bool {
	backoff := retry.BaseBackoff << (attempt - 1)
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		backoff = retry.MaxBackoff
	}
	if retry.JitterRatio > 0 {
		jitter := time.Duration(rand.Float64() * retry.JitterRatio * float64(backoff))
		backoff += jitter
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

// SceneOutcome summarizes an emergency scene batch.
type SceneOutcome struct {
	Total     int
	Succeeded int
	OK        bool
}

// ApplyScene pushes the emergency scene as a priority batch and waits for
// every device outcome. Individual failures are logged; the scene succeeds
// when the success ratio reaches the policy minimum.
func (d *Dispatcher) ApplyScene(ctx context.Context, sessionID, incidentID string, stepSeq int, deadline time.Time) SceneOutcome {
	snap := d.policies.Current()
	cmds := snap.Emergency.Scene
	outcome := SceneOutcome{Total: len(cmds)}
	if len(cmds) == 0 {
		outcome.OK = true
		return outcome
	}

	var mu sync.Mutex
	var g errgroup.Group
	for i, cmd := range cmds {
		job := Job{
			ID:         incidentID + "-scene-" + string(cmd.Device),
			Kind:       KindSmartHome,
			SessionID:  sessionID,
			IncidentID: incidentID,
			StepSeq:    stepSeq*100 + i,
			Payload:    SmartHomePayload{Device: cmd.Device, Action: cmd.Action},
			Deadline:   deadline,
			Priority:   true,
		}
		done, err := d.Submit(ctx, job)
		if err != nil {
			d.logger.WarnContext(ctx, "scene command rejected", "device", string(cmd.Device), "error", err)
			continue
		}
		g.Go(func() error {
			select {
			case res := <-done:
				if res.OK {
					mu.Lock()
					outcome.Succeeded++
					mu.Unlock()
				}
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()

	outcome.OK = float64(outcome.Succeeded) >= snap.Emergency.SceneMinSuccessRatio*float64(outcome.Total)
	return outcome
}
