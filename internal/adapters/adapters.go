// Package adapters executes side effects with bounded concurrency, ordered
// outcomes, and deadline propagation. Each adapter kind has its own queue and
// worker pool; emergency jobs ride a priority lane that is never dropped.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	"github.com/SearocIsMe/elderly-companion/pkg/platform/sentinel"
)

// Kind names an adapter queue.
type Kind string

// Adapter kinds.
const (
	KindSmartHome Kind = "smart_home"
	KindCall      Kind = "call"
	KindNotify    Kind = "notify"
	KindTTS       Kind = "tts"
	KindVideo     Kind = "video"
)

// Envelope is the audio-out event consumed by the TTS collaborator.
type Envelope struct {
	Text           string          `json:"response_text"`
	Locale         domain.Language `json:"locale"`
	Urgency        domain.Urgency  `json:"urgency"`
	AllowInterrupt bool            `json:"allow_interrupt"`
}

// CallStatus is the immediate outcome of placing a call.
type CallStatus string

// Call placement statuses.
const (
	CallAccepted CallStatus = "accepted"
	CallBusy     CallStatus = "busy"
	CallFailed   CallStatus = "failed"
)

// SmartHome applies one device command.
type SmartHome interface {
	Apply(ctx context.Context, device domain.DeviceID, action string, params map[string]string) error
}

// Caller places outbound voice calls. Acks arrive asynchronously through the
// call-ack callback, not through Place.
type Caller interface {
	Place(ctx context.Context, contact policy.Contact, incidentID string, stepSeq int) (CallStatus, error)
}

// Notifier sends one notification over a channel (sms, email).
type Notifier interface {
	Send(ctx context.Context, channel, recipient, templateID string, fields map[string]string) error
}

// Speaker hands a response envelope to the TTS collaborator.
type Speaker interface {
	Speak(ctx context.Context, env Envelope) error
}

// Video controls the emergency camera uplink.
type Video interface {
	Activate(ctx context.Context, streamID string, cameras []string, accessToken string) error
	Deactivate(ctx context.Context, streamID string) error
}

// Registry bundles the concrete adapters the dispatcher drives.
type Registry struct {
	SmartHome SmartHome
	Caller    Caller
	Notifier  Notifier
	Speaker   Speaker
	Video     Video
}

// Typed job payloads, one per kind.
type (
	// SmartHomePayload is one device command.
	SmartHomePayload struct {
		Device domain.DeviceID
		Action string
		Params map[string]string
	}
	// CallPayload places a call to one ladder contact.
	CallPayload struct {
		Contact policy.Contact
	}
	// NotifyPayload sends one templated notification.
	NotifyPayload struct {
		Channel    string
		Recipient  string
		TemplateID string
		Fields     map[string]string
	}
	// SpeakPayload emits one TTS envelope.
	SpeakPayload struct {
		Envelope Envelope
	}
	// VideoPayload activates or deactivates a camera uplink.
	VideoPayload struct {
		Activate    bool
		StreamID    string
		Cameras     []string
		AccessToken string
	}
)

// Job is one side-effect request.
type Job struct {
	ID         string
	Kind       Kind
	SessionID  string
	IncidentID string
	StepSeq    int
	Payload    any
	Deadline   time.Time
	Priority   bool
}

// FailureClass separates retryable failures from final ones.
type FailureClass int

// Failure classes.
const (
	ClassNone FailureClass = iota
	ClassTransient
	ClassPermanent
)

// Result is the terminal outcome of one job.
type Result struct {
	JobID        string
	Kind         Kind
	OK           bool
	Deduplicated bool
	Class        FailureClass
	Err          error
	Attempts     int
	CompletedAt  time.Time
}

// ClassifyErr maps an adapter error to its failure class. Adapter clients
// wrap rate-limit and network faults in sentinel.ErrUnavailable and auth or
// validation rejections in sentinel.ErrPermanent; anything unclassified is
// retried as transient.
func ClassifyErr(err error) FailureClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, sentinel.ErrPermanent):
		return ClassPermanent
	case errors.Is(err, sentinel.ErrUnavailable):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// idempotencyKey identifies an emergency action replay: same incident, step,
// and payload target means the action already ran and must be a no-op.
func idempotencyKey(job Job) (string, bool) {
	if job.IncidentID == "" {
		return "", false
	}
	target := ""
	switch p := job.Payload.(type) {
	case SmartHomePayload:
		target = string(p.Device) + ":" + p.Action
	case CallPayload:
		target = string(p.Contact.ID)
	case NotifyPayload:
		target = p.Channel + ":" + p.Recipient + ":" + p.TemplateID
	case VideoPayload:
		target = fmt.Sprintf("%s:%t", p.StreamID, p.Activate)
	case SpeakPayload:
		target = "speak"
	}
	return fmt.Sprintf("%s|%d|%s|%s", job.IncidentID, job.StepSeq, job.Kind, target), true
}
