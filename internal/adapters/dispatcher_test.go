package adapters_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/dryrun"
	"github.com/SearocIsMe/elderly-companion/internal/bus"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/policy/policytest"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
	"github.com/SearocIsMe/elderly-companion/pkg/platform/sentinel"
)

// startDispatcher builds a running dispatcher over a dry-run recorder.
func startDispatcher(t *testing.T, rec *dryrun.Recorder) (*adapters.Dispatcher, *policy.Store) {
	t.Helper()
	store := policy.NewStore(policytest.Snapshot(t))
	d := adapters.NewDispatcher(rec.Registry(), store, bus.New(64))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()
	return d, store
}

func smartHomeJob(id string) adapters.Job {
	return adapters.Job{
		ID:        id,
		Kind:      adapters.KindSmartHome,
		SessionID: "s-1",
		Payload:   adapters.SmartHomePayload{Device: "living_room_light", Action: "on"},
		Deadline:  time.Now().Add(2 * time.Second),
	}
}

func TestDispatcher_ExecutesJob(t *testing.T) {
	rec := dryrun.New()
	d, _ := startDispatcher(t, rec)

	done, err := d.Submit(context.Background(), smartHomeJob("j-1"))
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.True(t, res.OK)
		assert.Equal(t, 1, res.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	applied, _, _, _ := rec.Snapshot()
	require.Len(t, applied, 1)
	assert.Equal(t, domain.DeviceID("living_room_light"), applied[0].Device)
}

func TestDispatcher_RetriesTransientThenSucceeds(t *testing.T) {
	rec := dryrun.New()
	var calls atomic.Int32
	rec.FailSmartHome = func(domain.DeviceID, string) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("%w: flaky gateway", sentinel.ErrUnavailable)
		}
		return nil
	}
	d, _ := startDispatcher(t, rec)

	done, err := d.Submit(context.Background(), smartHomeJob("j-retry"))
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.True(t, res.OK)
		assert.Equal(t, 3, res.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}

func TestDispatcher_PermanentFailureSkipsRetries(t *testing.T) {
	rec := dryrun.New()
	var calls atomic.Int32
	rec.FailSmartHome = func(domain.DeviceID, string) error {
		calls.Add(1)
		return fmt.Errorf("%w: bad credentials", sentinel.ErrPermanent)
	}
	d, _ := startDispatcher(t, rec)

	done, err := d.Submit(context.Background(), smartHomeJob("j-perm"))
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.False(t, res.OK)
		assert.Equal(t, adapters.ClassPermanent, res.Class)
		assert.Equal(t, int32(1), calls.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
}

func TestDispatcher_TransientFailureExhaustsBudget(t *testing.T) {
	rec := dryrun.New()
	rec.FailSmartHome = func(domain.DeviceID, string) error {
		return fmt.Errorf("%w: gateway down", sentinel.ErrUnavailable)
	}
	d, _ := startDispatcher(t, rec)

	done, err := d.Submit(context.Background(), smartHomeJob("j-exhaust"))
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.False(t, res.OK)
		assert.Equal(t, adapters.ClassTransient, res.Class)
		// Policy fixture allows 2 retries for smart_home.
		assert.Equal(t, 3, res.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}

func TestDispatcher_FullQueueReturnsAdapterBusy(t *testing.T) {
	rec := dryrun.New()
	store := policy.NewStore(policytest.Snapshot(t))
	// Not running: queues fill and stay full.
	d := adapters.NewDispatcher(rec.Registry(), store, bus.New(4))

	var busy error
	for i := 0; i < 200; i++ {
		_, err := d.Submit(context.Background(), smartHomeJob(fmt.Sprintf("j-%d", i)))
		if err != nil {
			busy = err
			break
		}
	}
	require.Error(t, busy)
	assert.True(t, dErrors.Is(busy, dErrors.CodeAdapterBusy))
}

func TestDispatcher_PriorityLaneAcceptsWhenRegularQueueFull(t *testing.T) {
	rec := dryrun.New()
	store := policy.NewStore(policytest.Snapshot(t))
	d := adapters.NewDispatcher(rec.Registry(), store, bus.New(4))

	for {
		if _, err := d.Submit(context.Background(), smartHomeJob("filler")); err != nil {
			break
		}
	}

	job := smartHomeJob("j-priority")
	job.Priority = true
	job.IncidentID = "inc-1"
	job.StepSeq = 1
	_, err := d.Submit(context.Background(), job)
	assert.NoError(t, err)
}

func TestDispatcher_IdempotentIncidentSteps(t *testing.T) {
	rec := dryrun.New()
	d, _ := startDispatcher(t, rec)

	job := smartHomeJob("j-idem")
	job.IncidentID = "inc-1"
	job.StepSeq = 7
	job.Priority = true

	done1, err := d.Submit(context.Background(), job)
	require.NoError(t, err)
	res1 := <-done1
	require.True(t, res1.OK)
	assert.False(t, res1.Deduplicated)

	// Replaying the same (incident, step) is a no-op.
	job.ID = "j-idem-replay"
	done2, err := d.Submit(context.Background(), job)
	require.NoError(t, err)
	res2 := <-done2
	assert.True(t, res2.OK)
	assert.True(t, res2.Deduplicated)

	applied, _, _, _ := rec.Snapshot()
	assert.Len(t, applied, 1)
}

func TestDispatcher_PerDeviceCommandsSerialize(t *testing.T) {
	rec := dryrun.New()
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	rec.FailSmartHome = func(domain.DeviceID, string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	d, _ := startDispatcher(t, rec)

	var chans []<-chan adapters.Result
	for i := 0; i < 5; i++ {
		done, err := d.Submit(context.Background(), smartHomeJob(fmt.Sprintf("j-dev-%d", i)))
		require.NoError(t, err)
		chans = append(chans, done)
	}
	for _, ch := range chans {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("job stalled")
		}
	}

	assert.Equal(t, 1, maxInFlight, "same-device commands must not overlap")
}

func TestDispatcher_ApplySceneBestEffortRatio(t *testing.T) {
	rec := dryrun.New()
	// front_door_lock fails permanently; the two lights succeed. 2/3 beats
	// the 0.5 minimum.
	rec.FailSmartHome = func(device domain.DeviceID, _ string) error {
		if device == "front_door_lock" {
			return fmt.Errorf("%w: lock offline", sentinel.ErrPermanent)
		}
		return nil
	}
	d, _ := startDispatcher(t, rec)

	outcome := d.ApplyScene(context.Background(), "s-1", "inc-scene", 1, time.Now().Add(2*time.Second))
	assert.True(t, outcome.OK)
	assert.Equal(t, 3, outcome.Total)
	assert.Equal(t, 2, outcome.Succeeded)
}

func TestDispatcher_ApplySceneFailsBelowRatio(t *testing.T) {
	rec := dryrun.New()
	rec.FailSmartHome = func(domain.DeviceID, string) error {
		return fmt.Errorf("%w: everything offline", sentinel.ErrPermanent)
	}
	d, _ := startDispatcher(t, rec)

	outcome := d.ApplyScene(context.Background(), "s-1", "inc-scene2", 1, time.Now().Add(2*time.Second))
	assert.False(t, outcome.OK)
	assert.Equal(t, 0, outcome.Succeeded)
}

func TestClassifyErr(t *testing.T) {
	assert.Equal(t, adapters.ClassNone, adapters.ClassifyErr(nil))
	assert.Equal(t, adapters.ClassPermanent, adapters.ClassifyErr(fmt.Errorf("x: %w", sentinel.ErrPermanent)))
	assert.Equal(t, adapters.ClassTransient, adapters.ClassifyErr(fmt.Errorf("x: %w", sentinel.ErrUnavailable)))
	assert.Equal(t, adapters.ClassTransient, adapters.ClassifyErr(errors.New("mystery")))
	assert.Equal(t, adapters.ClassTransient, adapters.ClassifyErr(context.DeadlineExceeded))
}
