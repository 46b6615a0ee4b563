// Package bus is the in-process typed publish/subscribe fabric that decouples
// the I/O edges from the pipeline core. Delivery is at-least-once within the
// process; ordering is preserved per (topic, incident), not across topics.
package bus

import (
	"context"
	"sync"
	"time"
)

// Topic names the event streams flowing through the core.
type Topic string

// Topics.
const (
	TopicUtterance      Topic = "audio.utterance"
	TopicGuardVerdict   Topic = "guard.verdict"
	TopicIntentResolved Topic = "intent.resolved"
	TopicAdapterResult  Topic = "adapter.result"
	TopicIncidentEvent  Topic = "incident.event"
	TopicAuditRecord    Topic = "audit.record"
)

// Event is one message on a topic. Payload is a typed struct owned by the
// publishing package; subscribers type-switch on it.
type Event struct {
	Topic      Topic
	SessionID  string
	IncidentID string
	At         time.Time
	Payload    any
}

// subscriber is one delivery channel plus its drop accounting.
type subscriber struct {
	ch      chan Event
	dropped int
}

// Bus is a process-local event bus. Publish holds the bus lock for the
// duration of the fan-out: publishers are serialized, which both preserves
// per-topic ordering for every subscriber and keeps the drop counters safe
// to update in place.
type Bus struct {
	mu      sync.Mutex
	subs    map[Topic][]*subscriber
	buffer  int
	dropped map[Topic]int
}

// New creates a bus whose subscriber channels buffer the given number of
// events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:    make(map[Topic][]*subscriber),
		buffer:  buffer,
		dropped: make(map[Topic]int),
	}
}

// Subscribe registers a new subscriber on a topic. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of its topic. Incident and
// audit events must not be lost, so delivery to a full subscriber blocks
// until there is room or ctx expires; other topics drop on a full channel and
// account for it.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	guaranteed := ev.Topic == TopicIncidentEvent || ev.Topic == TopicAuditRecord
	for _, sub := range b.subs[ev.Topic] {
		if guaranteed {
			select {
			case sub.ch <- ev:
			case <-ctx.Done():
				sub.dropped++
				b.dropped[ev.Topic]++
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			b.dropped[ev.Topic]++
		}
	}
}

// Dropped returns how many events were dropped on a topic across all
// subscribers since startup.
func (b *Bus) Dropped(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[topic]
}
