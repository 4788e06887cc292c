// Package events provides the fire-and-forget refresh broadcaster.
// Delivery is best-effort and at-most-once: subscribers with full
// buffers miss events and are expected to re-poll authoritative state.
package events

import (
	"sync"
	"time"

	"github.com/packsync/packsync/internal/metrics"
)

const (
	ScopeWorld = "world"
	ScopePack  = "pack"
)

// Event tells observers that an entity's visible state changed and the
// search view for it should be refreshed.
type Event struct {
	Scope     string `json:"scope"`
	PackID    string `json:"mpID"`
	EntityID  string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type subscriber struct {
	connID string
	ch     chan Event
}

// Broadcaster fans refresh events out to connected observers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan Event]subscriber
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]subscriber)}
}

// Subscribe registers an observer identified by its connection id and
// returns its event channel. The caller must Unsubscribe when done.
func (b *Broadcaster) Subscribe(connID string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = subscriber{connID: connID, ch: ch}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
	return ch
}

// Unsubscribe removes an observer and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
}

// Publish sends the event to every subscriber except the originator.
// Non-blocking: events are dropped for slow consumers.
func (b *Broadcaster) Publish(event Event, exceptConnID string) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if exceptConnID != "" && sub.connID == exceptConnID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop for slow consumer
		}
	}
	metrics.RecordEventPublished()
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
