// Package session holds per-user rolling conversation state. Each Context
// has a single logical writer (the orchestrator); every other component works
// from read snapshots taken at stage boundaries.
package session

import (
	"math"
	"sync"
	"time"

	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

// ringSize bounds the utterance history kept per user.
const ringSize = 10

// emotionHalfLife controls stress decay between readings.
const emotionHalfLife = 2 * time.Minute

// Emotion is the last reading from the external emotion analyzer. Stress is
// in [0,1] and decays toward zero as the reading ages.
type Emotion struct {
	Stress     float64
	Valence    float64
	ObservedAt time.Time
}

// decayed returns the stress value adjusted for age at time now.
func (e Emotion) decayed(now time.Time) float64 {
	if e.ObservedAt.IsZero() {
		return 0
	}
	age := now.Sub(e.ObservedAt)
	if age <= 0 {
		return e.Stress
	}
	return e.Stress * math.Pow(0.5, age.Seconds()/emotionHalfLife.Seconds())
}

// PendingConfirm is a high-risk action awaiting an explicit second utterance.
type PendingConfirm struct {
	Payload   any
	Prompt    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Context is the rolling state of one user session.
type Context struct {
	mu sync.RWMutex

	sessionID string

	ring  [ringSize]domain.Utterance
	head  int
	count int

	emotion        Emotion
	zone           domain.Zone
	activeIncident string
	attentionUntil time.Time
	confirm        *PendingConfirm
	lastUtterance  string
	consent        map[string]bool
}

// Snapshot is a cheap read view of a Context taken at a stage boundary.
type Snapshot struct {
	SessionID       string
	Recent          []domain.Utterance
	Stress          float64
	Zone            domain.Zone
	ActiveIncident  string
	AttentionOpen   bool
	PendingConfirm  *PendingConfirm
	LastUtteranceID string
	Consent         map[string]bool
}

func newContext(sessionID string) *Context {
	return &Context{sessionID: sessionID}
}

// Snapshot takes a consistent read view at time now.
func (c *Context) Snapshot(now time.Time) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		SessionID:       c.sessionID,
		Stress:          c.emotion.decayed(now),
		Zone:            c.zone,
		ActiveIncident:  c.activeIncident,
		AttentionOpen:   now.Before(c.attentionUntil),
		LastUtteranceID: c.lastUtterance,
	}
	snap.Recent = make([]domain.Utterance, 0, c.count)
	for i := 0; i < c.count; i++ {
		idx := (c.head - c.count + i + ringSize) % ringSize
		snap.Recent = append(snap.Recent, c.ring[idx])
	}
	if c.confirm != nil && now.Before(c.confirm.ExpiresAt) {
		cp := *c.confirm
		snap.PendingConfirm = &cp
	}
	if len(c.consent) > 0 {
		snap.Consent = make(map[string]bool, len(c.consent))
		for k, v := range c.consent {
			snap.Consent[k] = v
		}
	}
	return snap
}

// SetConsent records a consent flag, e.g. video_streaming or data_sharing.
func (c *Context) SetConsent(flag string, granted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consent == nil {
		c.consent = make(map[string]bool)
	}
	c.consent[flag] = granted
}

// Consent reads one consent flag; absent flags read as false.
func (c *Context) Consent(flag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consent[flag]
}

// AppendUtterance records an utterance in the ring, evicting the oldest once
// full.
func (c *Context) AppendUtterance(u domain.Utterance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.head] = u
	c.head = (c.head + 1) % ringSize
	if c.count < ringSize {
		c.count++
	}
	c.lastUtterance = u.ID
}

// SetEmotion stores a new emotion reading.
func (c *Context) SetEmotion(e Emotion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emotion = e
}

// SetZone stores the latest geofence zone signal.
func (c *Context) SetZone(z domain.Zone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zone = z
}

// RefreshAttention opens or extends the attention window until now+d.
func (c *Context) RefreshAttention(now time.Time, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := now.Add(d)
	if until.After(c.attentionUntil) {
		c.attentionUntil = until
	}
}

// SetActiveIncident records the live incident handle; empty clears it.
func (c *Context) SetActiveIncident(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeIncident = id
}

// ActiveIncident returns the live incident handle, if any.
func (c *Context) ActiveIncident() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeIncident
}

// SetPendingConfirm arms the confirmation window.
func (c *Context) SetPendingConfirm(p *PendingConfirm) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirm = p
}

// TakePendingConfirm removes and returns the pending confirmation. The second
// result reports whether one existed and was still inside its window;
// an expired confirmation is discarded either way.
func (c *Context) TakePendingConfirm(now time.Time) (*PendingConfirm, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.confirm
	c.confirm = nil
	if p == nil {
		return nil, false
	}
	if now.After(p.ExpiresAt) {
		return p, false
	}
	return p, true
}

// ExpiredConfirm reports whether a confirmation is armed but past its window,
// without consuming it.
func (c *Context) ExpiredConfirm(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confirm != nil && now.After(c.confirm.ExpiresAt)
}
