package domain

import dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"

// Urgency selects the speaking style of an audio-out envelope.
type Urgency string

// Supported urgency levels.
const (
	UrgencyNormal  Urgency = "normal"
	UrgencyCalming Urgency = "calming"
	UrgencyUrgent  Urgency = "urgent"
)

var validUrgencies = map[Urgency]bool{
	UrgencyNormal:  true,
	UrgencyCalming: true,
	UrgencyUrgent:  true,
}

// ParseUrgency constructs an Urgency from external input.
func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(s)
	if !u.IsValid() {
		return "", dErrors.New(dErrors.CodeBadRequest, "unknown urgency")
	}
	return u, nil
}

// IsValid checks if the urgency is one of the supported enum values.
func (u Urgency) IsValid() bool {
	return validUrgencies[u]
}

// String returns the string representation of the urgency.
func (u Urgency) String() string { return string(u) }
