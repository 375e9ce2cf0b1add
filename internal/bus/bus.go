// Package bus fans report and run events out to in-process consumers such
// as notifiers and tests. Delivery never blocks the publisher.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is one published message. Seq increases with every Publish on the
// same Bus.
type Event struct {
	Seq     uint64
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with one of its prefixes.
type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Uint64
}

// Ch returns the receive side of the subscription. It is closed by
// Unsubscribe or Bus.Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many matching events were discarded because the
// subscriber's buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

type Bus struct {
	seq atomic.Uint64

	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64
	closed bool
}

func New() *Bus {
	return &Bus{}
}

// Subscribe matches any of the given topic prefixes. With no prefixes, or
// an empty one, every topic matches.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	return b.SubscribeBuffered(defaultBufferSize, prefixes...)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(size int, prefixes ...string) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefixes: slices.Clone(prefixes), ch: make(chan Event, size)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := slices.Index(b.subs, sub)
	if idx < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, idx, idx+1)
	close(sub.ch)
}

// Publish hands the event to every matching subscriber whose buffer has
// room. A nil or closed Bus ignores the call.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Seq: b.seq.Add(1), Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Later subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
