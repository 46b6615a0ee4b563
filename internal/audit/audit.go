// Package audit is the append-only decision log. Every branch point of the
// pipeline emits a record; together with the policy snapshot and the
// utterance they are enough to reconstruct a decision offline.
//
// Records carry a monotonic, gap-free sequence per incident. Payloads are
// hashed, never stored raw, so the log stays privacy-preserving.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/SearocIsMe/elderly-companion/internal/bus"
)

// Stage names the pipeline stage a record was emitted from.
type Stage string

// Stages.
const (
	StageIngress   Stage = "ingress"
	StagePreGuard  Stage = "pre_guard"
	StageRules     Stage = "rules"
	StageIntent    Stage = "intent"
	StagePostGuard Stage = "post_guard"
	StageDispatch  Stage = "dispatch"
	StageEmergency Stage = "emergency"
	StageIncident  Stage = "incident"
	StageResponse  Stage = "response"
)

// Record is one audit log entry.
type Record struct {
	Seq         uint64            `json:"seq"`
	Time        time.Time         `json:"t"`
	SessionID   string            `json:"session_id,omitempty"`
	UtteranceID string            `json:"utterance_id,omitempty"`
	IncidentID  string            `json:"incident_id,omitempty"`
	Stage       Stage             `json:"stage"`
	Outcome     string            `json:"outcome"`
	Detail      map[string]string `json:"detail,omitempty"`
	PayloadHash string            `json:"payload_hash,omitempty"`
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	ListByIncident(ctx context.Context, incidentID string) ([]Record, error)
	ListRecent(ctx context.Context, limit int) ([]Record, error)
}

// Hash fingerprints an arbitrary payload for a record. json.Marshal sorts
// map keys, so equal payloads hash equally.
func Hash(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Recorder assigns sequence numbers and hands records to the persistence
// worker. Sequence assignment and channel push happen under one lock, which
// is what makes per-incident sequences strictly increasing and gap-free in
// the store.
type Recorder struct {
	mu     sync.Mutex
	seqs   map[string]uint64
	global uint64

	out    chan Record
	events *bus.Bus
	logger *slog.Logger
}

// NewRecorder creates a recorder whose inbox buffers the given number of
// records before emitters block.
func NewRecorder(buffer int, events *bus.Bus, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		seqs:   make(map[string]uint64),
		out:    make(chan Record, buffer),
		events: events,
		logger: logger,
	}
}

// Emit stamps and enqueues a record, returning the stamped copy. Audit
// records are never dropped: a full inbox blocks the emitter until the worker
// drains or ctx expires.
func (r *Recorder) Emit(ctx context.Context, rec Record) Record {
	r.mu.Lock()
	if rec.IncidentID != "" {
		r.seqs[rec.IncidentID]++
		rec.Seq = r.seqs[rec.IncidentID]
	} else {
		r.global++
		rec.Seq = r.global
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	select {
	case r.out <- rec:
	case <-ctx.Done():
		r.logger.ErrorContext(ctx, "audit record lost: inbox full at shutdown",
			"stage", string(rec.Stage),
			"incident_id", rec.IncidentID,
		)
	}
	r.mu.Unlock()

	if r.events != nil {
		r.events.Publish(ctx, bus.Event{
			Topic:      bus.TopicAuditRecord,
			SessionID:  rec.SessionID,
			IncidentID: rec.IncidentID,
			At:         rec.Time,
			Payload:    rec,
		})
	}
	return rec
}

// Inbox exposes the record stream for the worker.
func (r *Recorder) Inbox() <-chan Record { return r.out }

// Worker consumes audit records from the recorder and persists them. A
// single worker drains the single inbox, so store order matches emit order.
type Worker struct {
	store Store
	inbox <-chan Record
}

// NewWorker creates a worker over a store and inbox.
func NewWorker(store Store, inbox <-chan Record) *Worker {
	return &Worker{store: store, inbox: inbox}
}

// Run persists records until ctx is done or the store fails.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-w.inbox:
			if err := w.store.Append(ctx, rec); err != nil {
				return err
			}
		}
	}
}
