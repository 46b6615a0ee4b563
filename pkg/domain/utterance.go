package domain

import (
	"time"

	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

// Utterance is one final ASR sentence. It is created once at the audio edge
// and read-only thereafter; ids are unique and monotonic per session.
type Utterance struct {
	ID         string
	SessionID  string
	Text       string
	Lang       Language
	Confidence float64
	ArrivedAt  time.Time
}

// Validate checks the invariants an utterance must satisfy before it enters
// the pipeline.
func (u Utterance) Validate() error {
	if u.ID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "utterance id is required")
	}
	if u.SessionID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "session id is required")
	}
	if u.Text == "" {
		return dErrors.New(dErrors.CodeBadRequest, "utterance text is required")
	}
	if !u.Lang.IsValid() {
		return dErrors.New(dErrors.CodeBadRequest, "unsupported language")
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		return dErrors.New(dErrors.CodeBadRequest, "asr confidence must be in [0,1]")
	}
	return nil
}
