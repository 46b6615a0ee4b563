package session_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/session"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

func utterance(i int) domain.Utterance {
	return domain.Utterance{
		ID:        fmt.Sprintf("u-%d", i),
		SessionID: "s-1",
		Text:      fmt.Sprintf("text %d", i),
		Lang:      domain.LanguageMandarin,
	}
}

func TestContext_RingKeepsLastTen(t *testing.T) {
	m := session.NewManager()
	c := m.Get("s-1")

	for i := 0; i < 15; i++ {
		c.AppendUtterance(utterance(i))
	}

	snap := c.Snapshot(time.Now())
	require.Len(t, snap.Recent, 10)
	assert.Equal(t, "u-5", snap.Recent[0].ID)
	assert.Equal(t, "u-14", snap.Recent[9].ID)
	assert.Equal(t, "u-14", snap.LastUtteranceID)
}

func TestContext_SnapshotIsIsolated(t *testing.T) {
	m := session.NewManager()
	c := m.Get("s-1")
	c.AppendUtterance(utterance(1))

	snap := c.Snapshot(time.Now())
	c.AppendUtterance(utterance(2))

	assert.Len(t, snap.Recent, 1)
}

func TestContext_EmotionDecays(t *testing.T) {
	m := session.NewManager()
	c := m.Get("s-1")

	now := time.Now()
	c.SetEmotion(session.Emotion{Stress: 0.8, ObservedAt: now})

	fresh := c.Snapshot(now)
	assert.InDelta(t, 0.8, fresh.Stress, 0.01)

	// One half-life later the reading has halved.
	later := c.Snapshot(now.Add(2 * time.Minute))
	assert.InDelta(t, 0.4, later.Stress, 0.02)

	// Ancient readings decay toward zero.
	ancient := c.Snapshot(now.Add(time.Hour))
	assert.Less(t, ancient.Stress, 0.01)
}

func TestContext_ConfirmWindowLifecycle(t *testing.T) {
	m := session.NewManager()
	c := m.Get("s-1")
	now := time.Now()

	c.SetPendingConfirm(&session.PendingConfirm{
		Payload:   "unlock",
		Prompt:    "confirm?",
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * time.Second),
	})

	snap := c.Snapshot(now.Add(10 * time.Second))
	require.NotNil(t, snap.PendingConfirm)
	assert.Equal(t, "unlock", snap.PendingConfirm.Payload)

	p, live := c.TakePendingConfirm(now.Add(20 * time.Second))
	require.True(t, live)
	assert.Equal(t, "unlock", p.Payload)

	// Taken means gone.
	_, live = c.TakePendingConfirm(now.Add(21 * time.Second))
	assert.False(t, live)
}

func TestContext_ConfirmWindowExpiry(t *testing.T) {
	m := session.NewManager()
	c := m.Get("s-1")
	now := time.Now()

	c.SetPendingConfirm(&session.PendingConfirm{
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * time.Second),
	})

	// Exactly on the boundary the window is still open.
	assert.False(t, c.ExpiredConfirm(now.Add(30*time.Second)))
	snap := c.Snapshot(now.Add(29 * time.Second))
	assert.NotNil(t, snap.PendingConfirm)

	// Past the boundary it is expired and Take reports dead.
	assert.True(t, c.ExpiredConfirm(now.Add(31*time.Second)))
	_, live := c.TakePendingConfirm(now.Add(31 * time.Second))
	assert.False(t, live)
}

func TestContext_AttentionWindow(t *testing.T) {
	m := session.NewManager()
	c := m.Get("s-1")
	now := time.Now()

	assert.False(t, c.Snapshot(now).AttentionOpen)

	c.RefreshAttention(now, time.Minute)
	assert.True(t, c.Snapshot(now.Add(30*time.Second)).AttentionOpen)
	assert.False(t, c.Snapshot(now.Add(2*time.Minute)).AttentionOpen)

	// A shorter refresh never shrinks the window.
	c.RefreshAttention(now.Add(30*time.Second), time.Second)
	assert.True(t, c.Snapshot(now.Add(50*time.Second)).AttentionOpen)
}

func TestContext_ConsentFlags(t *testing.T) {
	m := session.NewManager()
	c := m.Get("s-1")

	assert.False(t, c.Consent("video_streaming"))
	c.SetConsent("video_streaming", true)
	assert.True(t, c.Consent("video_streaming"))

	snap := c.Snapshot(time.Now())
	assert.True(t, snap.Consent["video_streaming"])

	c.SetConsent("video_streaming", false)
	assert.False(t, c.Consent("video_streaming"))
}

func TestManager_GetIsStable(t *testing.T) {
	m := session.NewManager()
	a := m.Get("s-1")
	b := m.Get("s-1")
	other := m.Get("s-2")

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
}

func TestManager_AcquireSerializes(t *testing.T) {
	m := session.NewManager()

	release := m.Acquire("s-1")
	acquired := make(chan struct{})
	go func() {
		r := m.Acquire("s-1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while first holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded")
	}
}
