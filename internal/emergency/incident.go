package emergency

import (
	"sync"
	"time"

	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

// State is the incident lifecycle state.
type State string

// Incident states. Calling/Waiting carry the current rung.
const (
	StateOpen       State = "open"
	StateCalling    State = "calling"
	StateWaiting    State = "waiting"
	StateReached    State = "reached"
	StateFailed     State = "failed"
	StateEscalating State = "escalating"
	StateResolved   State = "resolved"
	StateExhausted  State = "exhausted"
)

// terminal reports whether a state ends the incident.
func (s State) terminal() bool {
	return s == StateResolved || s == StateExhausted
}

// Incident is one live emergency. It is owned by the Dispatcher; other
// components hold only its id.
type Incident struct {
	mu sync.Mutex

	ID        string
	SessionID string
	Severity  domain.Severity
	Category  domain.EmergencyCategory
	OpenedAt  time.Time

	state     State
	rung      int
	stepSeq   int
	attempted []domain.ContactID
	reached   []domain.ContactID
	notifyIDs []string
	closedAt  *time.Time
}

// View is a read-only copy of incident state for events and transports.
type View struct {
	ID                string                   `json:"id"`
	SessionID         string                   `json:"session_id"`
	Severity          domain.Severity          `json:"severity"`
	Category          domain.EmergencyCategory `json:"category"`
	OpenedAt          time.Time                `json:"opened_at"`
	State             State                    `json:"state"`
	Rung              int                      `json:"rung"`
	ContactsAttempted []domain.ContactID       `json:"contacts_attempted"`
	ContactsReached   []domain.ContactID       `json:"contacts_reached"`
	ClosedAt          *time.Time               `json:"closed_at,omitempty"`
}

// View snapshots the incident.
func (i *Incident) View() View {
	i.mu.Lock()
	defer i.mu.Unlock()
	v := View{
		ID:                i.ID,
		SessionID:         i.SessionID,
		Severity:          i.Severity,
		Category:          i.Category,
		OpenedAt:          i.OpenedAt,
		State:             i.state,
		Rung:              i.rung,
		ContactsAttempted: append([]domain.ContactID(nil), i.attempted...),
		ContactsReached:   append([]domain.ContactID(nil), i.reached...),
	}
	if i.closedAt != nil {
		t := *i.closedAt
		v.ClosedAt = &t
	}
	return v
}

// State returns the current state.
func (i *Incident) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Rung returns the current ladder rung.
func (i *Incident) Rung() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rung
}

// Terminal reports whether the incident has closed.
func (i *Incident) Terminal() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.terminal()
}

// advance moves the state machine. Rungs never regress: an attempt to move to
// a lower rung keeps the current one.
func (i *Incident) advance(state State, rung int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state.terminal() {
		return
	}
	if rung > i.rung {
		i.rung = rung
	}
	i.state = state
	if state.terminal() {
		now := time.Now()
		i.closedAt = &now
	}
}

// nextStep hands out the next idempotency step sequence.
func (i *Incident) nextStep() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stepSeq++
	return i.stepSeq
}

// recordAttempt appends a contact to the attempted list.
func (i *Incident) recordAttempt(id domain.ContactID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attempted = append(i.attempted, id)
}

// recordReached appends a contact to the reached list.
func (i *Incident) recordReached(id domain.ContactID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reached = append(i.reached, id)
}

// recordNotifyJob remembers a notification job id spawned for this incident.
func (i *Incident) recordNotifyJob(jobID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notifyIDs = append(i.notifyIDs, jobID)
}
