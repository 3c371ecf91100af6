// Package bus is a named-topic notification bus. Delivery is best-effort
// and at-most-once per subscriber: a subscriber whose buffer is full
// misses the event. Consumers that cannot afford to miss events should
// fall back to the durable flag store.
package bus

import (
	"errors"
	"sync"
	"time"
)

// ErrReleased is returned by Post after the handle has been released.
var ErrReleased = errors.New("topic handle released")

const subscriberBuffer = 16

// Message is a single event delivered to a subscriber.
type Message struct {
	Topic   string
	Payload any
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[chan Message]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[chan Message]struct{})}
}

// Subscribe registers a new subscriber on a topic and returns its channel.
func (b *Bus) Subscribe(topic string) chan Message {
	ch := make(chan Message, subscriberBuffer)
	b.mu.Lock()
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[chan Message]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(topic string, ch chan Message) {
	b.mu.Lock()
	if subs, ok := b.topics[topic]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
}

// Publish delivers a payload to every subscriber of a topic.
// Lagging subscribers are skipped.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
			// subscriber is behind, drop
		}
	}
}

// Topic is a short-lived publisher handle for a single topic. It exists so
// an operation can post a burst of events and release the handle on a
// delay, after in-flight delivery had its chance.
type Topic struct {
	bus  *Bus
	name string

	mu       sync.Mutex
	released bool
}

// Open returns a publisher handle for a topic.
func (b *Bus) Open(name string) *Topic {
	return &Topic{bus: b, name: name}
}

// Post publishes a payload through the handle.
func (t *Topic) Post(payload any) error {
	t.mu.Lock()
	released := t.released
	t.mu.Unlock()
	if released {
		return ErrReleased
	}
	t.bus.Publish(t.name, payload)
	return nil
}

// Release invalidates the handle. Idempotent.
func (t *Topic) Release() {
	t.mu.Lock()
	t.released = true
	t.mu.Unlock()
}

// ReleaseAfter invalidates the handle once the delay elapses.
func (t *Topic) ReleaseAfter(d time.Duration) {
	time.AfterFunc(d, t.Release)
}
