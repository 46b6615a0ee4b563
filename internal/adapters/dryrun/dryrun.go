// Package dryrun provides recording adapter fakes. They back the
// test-emergency control command and the pipeline tests: every call is
// recorded, nothing touches the outside world, and failures can be injected
// per adapter.
package dryrun

import (
	"context"
	"sync"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

// AppliedCommand records one smart-home call.
type AppliedCommand struct {
	Device domain.DeviceID
	Action string
	Params map[string]string
}

// PlacedCall records one call placement.
type PlacedCall struct {
	Contact    policy.Contact
	IncidentID string
	StepSeq    int
}

// SentNotification records one notification.
type SentNotification struct {
	Channel    string
	Recipient  string
	TemplateID string
	Fields     map[string]string
}

// VideoAction records one uplink control call.
type VideoAction struct {
	Activate bool
	StreamID string
	Cameras  []string
}

// Recorder implements every adapter interface by recording the call. The
// Fail hooks, when set, decide the returned error; nil hooks always succeed.
type Recorder struct {
	mu sync.Mutex

	Applied  []AppliedCommand
	Calls    []PlacedCall
	Notified []SentNotification
	Spoken   []adapters.Envelope
	Video    []VideoAction

	FailSmartHome func(device domain.DeviceID, action string) error
	FailCall      func(contact policy.Contact) (adapters.CallStatus, error)
	FailNotify    func(channel, recipient string) error
	FailSpeak     func(env adapters.Envelope) error
	FailVideo     func(activate bool, streamID string) error
}

// New creates an empty recorder.
func New() *Recorder {
	return &Recorder{}
}

// Registry bundles the recorder into an adapter registry.
func (r *Recorder) Registry() adapters.Registry {
	return adapters.Registry{
		SmartHome: r,
		Caller:    r,
		Notifier:  r,
		Speaker:   r,
		Video:     r,
	}
}

// Apply implements adapters.SmartHome.
func (r *Recorder) Apply(_ context.Context, device domain.DeviceID, action string, params map[string]string) error {
	r.mu.Lock()
	r.Applied = append(r.Applied, AppliedCommand{Device: device, Action: action, Params: params})
	fail := r.FailSmartHome
	r.mu.Unlock()
	if fail != nil {
		return fail(device, action)
	}
	return nil
}

// Place implements adapters.Caller.
func (r *Recorder) Place(_ context.Context, contact policy.Contact, incidentID string, stepSeq int) (adapters.CallStatus, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, PlacedCall{Contact: contact, IncidentID: incidentID, StepSeq: stepSeq})
	fail := r.FailCall
	r.mu.Unlock()
	if fail != nil {
		return fail(contact)
	}
	return adapters.CallAccepted, nil
}

// Send implements adapters.Notifier.
func (r *Recorder) Send(_ context.Context, channel, recipient, templateID string, fields map[string]string) error {
	r.mu.Lock()
	r.Notified = append(r.Notified, SentNotification{Channel: channel, Recipient: recipient, TemplateID: templateID, Fields: fields})
	fail := r.FailNotify
	r.mu.Unlock()
	if fail != nil {
		return fail(channel, recipient)
	}
	return nil
}

// Speak implements adapters.Speaker.
func (r *Recorder) Speak(_ context.Context, env adapters.Envelope) error {
	r.mu.Lock()
	r.Spoken = append(r.Spoken, env)
	fail := r.FailSpeak
	r.mu.Unlock()
	if fail != nil {
		return fail(env)
	}
	return nil
}

// Activate implements adapters.Video.
func (r *Recorder) Activate(_ context.Context, streamID string, cameras []string, _ string) error {
	r.mu.Lock()
	r.Video = append(r.Video, VideoAction{Activate: true, StreamID: streamID, Cameras: cameras})
	fail := r.FailVideo
	r.mu.Unlock()
	if fail != nil {
		return fail(true, streamID)
	}
	return nil
}

// Deactivate implements adapters.Video.
func (r *Recorder) Deactivate(_ context.Context, streamID string) error {
	r.mu.Lock()
	r.Video = append(r.Video, VideoAction{Activate: false, StreamID: streamID})
	fail := r.FailVideo
	r.mu.Unlock()
	if fail != nil {
		return fail(false, streamID)
	}
	return nil
}

// Snapshot returns copies of the recorded calls for assertions.
func (r *Recorder) Snapshot() (applied []AppliedCommand, calls []PlacedCall, notified []SentNotification, video []VideoAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AppliedCommand(nil), r.Applied...),
		append([]PlacedCall(nil), r.Calls...),
		append([]SentNotification(nil), r.Notified...),
		append([]VideoAction(nil), r.Video...)
}
