package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/bus"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := bus.New(8)
	ch, cancel := b.Subscribe(bus.TopicUtterance)
	defer cancel()

	b.Publish(context.Background(), bus.Event{Topic: bus.TopicUtterance, SessionID: "s-1", Payload: "hello"})

	select {
	case ev := <-ch:
		assert.Equal(t, "s-1", ev.SessionID)
		assert.Equal(t, "hello", ev.Payload)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBus_PerTopicOrderingPreserved(t *testing.T) {
	b := bus.New(64)
	ch, cancel := b.Subscribe(bus.TopicIncidentEvent)
	defer cancel()

	for i := 0; i < 50; i++ {
		b.Publish(context.Background(), bus.Event{
			Topic:      bus.TopicIncidentEvent,
			IncidentID: "inc-1",
			Payload:    i,
		})
	}
	for i := 0; i < 50; i++ {
		select {
		case ev := <-ch:
			require.Equal(t, i, ev.Payload)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBus_SubscribersAreIndependent(t *testing.T) {
	b := bus.New(8)
	a, cancelA := b.Subscribe(bus.TopicAdapterResult)
	defer cancelA()
	c, cancelC := b.Subscribe(bus.TopicAdapterResult)
	defer cancelC()

	b.Publish(context.Background(), bus.Event{Topic: bus.TopicAdapterResult, Payload: 1})

	for _, ch := range []<-chan bus.Event{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, 1, ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestBus_BestEffortTopicDropsWhenFull(t *testing.T) {
	b := bus.New(1)
	_, cancel := b.Subscribe(bus.TopicUtterance)
	defer cancel()

	// One fills the buffer, the second must be dropped, not block.
	b.Publish(context.Background(), bus.Event{Topic: bus.TopicUtterance, Payload: 1})
	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), bus.Event{Topic: bus.TopicUtterance, Payload: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on best-effort topic")
	}
	assert.Equal(t, 1, b.Dropped(bus.TopicUtterance))
}

func TestBus_GuaranteedTopicBlocksUntilDrained(t *testing.T) {
	b := bus.New(1)
	ch, cancel := b.Subscribe(bus.TopicIncidentEvent)
	defer cancel()

	b.Publish(context.Background(), bus.Event{Topic: bus.TopicIncidentEvent, Payload: 1})

	published := make(chan struct{})
	go func() {
		b.Publish(context.Background(), bus.Event{Topic: bus.TopicIncidentEvent, Payload: 2})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("guaranteed publish should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining unblocks the publisher.
	<-ch
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not complete after drain")
	}
	assert.Equal(t, 0, b.Dropped(bus.TopicIncidentEvent))
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := bus.New(4)
	ch, cancel := b.Subscribe(bus.TopicAuditRecord)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic or deliver.
	b.Publish(context.Background(), bus.Event{Topic: bus.TopicAuditRecord, Payload: 1})
}
