package audit_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/audit"
)

func TestRecorder_PerIncidentSequencesAreGapFree(t *testing.T) {
	rec := audit.NewRecorder(128, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec.Emit(ctx, audit.Record{IncidentID: "inc-a", Stage: audit.StageEmergency, Outcome: "step"})
		rec.Emit(ctx, audit.Record{IncidentID: "inc-b", Stage: audit.StageEmergency, Outcome: "step"})
	}
	rec.Emit(ctx, audit.Record{Stage: audit.StageIngress, Outcome: "no-incident"})

	store := audit.NewMemoryStore()
	drain(t, rec, store, 11)

	for _, inc := range []string{"inc-a", "inc-b"} {
		recs, err := store.ListByIncident(context.Background(), inc)
		require.NoError(t, err)
		require.Len(t, recs, 5)
		for i, r := range recs {
			assert.Equal(t, uint64(i+1), r.Seq, "incident %s", inc)
			assert.False(t, r.Time.IsZero())
		}
	}
}

// drain runs a worker until the expected number of records is persisted.
func drain(t *testing.T, rec *audit.Recorder, store audit.Store, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = audit.NewWorker(store, rec.Inbox()).Run(ctx)
	}()
	require.Eventually(t, func() bool {
		recs, err := store.ListRecent(context.Background(), want+10)
		return err == nil && len(recs) >= want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHash_StableAndSensitive(t *testing.T) {
	a := audit.Hash(map[string]string{"x": "1", "y": "2"})
	b := audit.Hash(map[string]string{"y": "2", "x": "1"})
	c := audit.Hash(map[string]string{"x": "1", "y": "3"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, a)
}

func TestMemoryStore_ListRecent(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, store.Append(ctx, audit.Record{Seq: uint64(i + 1), Outcome: fmt.Sprintf("o-%d", i)}))
	}

	recs, err := store.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "o-6", recs[2].Outcome)
}

func TestFileStore_AppendAndList(t *testing.T) {
	dir := t.TempDir()
	store, err := audit.NewFileStore(dir, 0)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, audit.Record{
			Seq:        uint64(i + 1),
			Time:       now,
			IncidentID: "inc-1",
			Stage:      audit.StageEmergency,
			Outcome:    fmt.Sprintf("step-%d", i),
		}))
	}
	require.NoError(t, store.Append(ctx, audit.Record{Seq: 1, Time: now, Stage: audit.StageIngress, Outcome: "other"}))

	recs, err := store.ListByIncident(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Seq)
	}

	all, err := store.ListRecent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestFileStore_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	// Tiny segment bound forces a rotation on every append.
	store, err := audit.NewFileStore(dir, 64)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, audit.Record{
			Seq:     uint64(i + 1),
			Time:    now,
			Stage:   audit.StageIngress,
			Outcome: "padding-padding-padding-padding",
		}))
	}

	recs, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// More than one segment must exist.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1)
}

func TestTeeStore_FansOut(t *testing.T) {
	a := audit.NewMemoryStore()
	b := audit.NewMemoryStore()
	tee := audit.NewTee(a, b)

	ctx := context.Background()
	require.NoError(t, tee.Append(ctx, audit.Record{Seq: 1, Outcome: "x"}))

	for _, s := range []*audit.MemoryStore{a, b} {
		recs, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	}
}
