// Package bus is a process-wide publish/subscribe hub.
//
// It fans out "item created elsewhere" notifications without coupling the
// originator to every possible subscriber. Delivery is fire-and-forget: an
// event published while a topic has no subscribers is lost, and a subscriber
// that falls behind its buffer drops events rather than blocking publishers.
package bus

import (
	"sync"
)

// DefaultBuffer is the per-subscriber channel buffer used when Subscribe is
// called with a non-positive size.
const DefaultBuffer = 64

// Event is a single published event.
type Event struct {
	// Topic is the topic the event was published to.
	Topic string
	// Payload is the publisher-defined payload.
	Payload any
}

// Bus routes events from publishers to topic subscribers.
//
// The zero value is not usable; construct with New.
type Bus struct {
	mu     sync.Mutex
	nextID int
	topics map[string]map[int]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[int]*Subscription)}
}

// Subscription is a single subscriber's handle on a topic.
type Subscription struct {
	bus   *Bus
	topic string
	id    int
	ch    chan Event
	once  sync.Once
}

// C returns the subscriber's event channel.
//
// Events arrive in publish order. The channel is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel.
//
// Unsubscribing more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.topics[s.topic]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.bus.topics, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new subscriber on a topic.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:   b,
		topic: topic,
		id:    b.nextID,
		ch:    make(chan Event, buffer),
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every current subscriber of the topic.
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- event:
		default:
		}
	}
}
