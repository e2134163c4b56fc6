package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindStateChanged     Kind = "state_changed"
	KindConnected        Kind = "connected"
	KindDiscovered       Kind = "discovered"
	KindConflict         Kind = "conflict"
	KindSyncComplete     Kind = "sync_complete"
	KindFailover         Kind = "failover"
	KindFailoverRestored Kind = "failover_restored"
	KindFailoverRejected Kind = "failover_rejected"
)

// Event is published on the bus. Data carries a kind-specific payload.
type Event struct {
	Kind      Kind      `json:"type"`
	Station   string    `json:"station"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(kind Kind, station string, data any) Event {
	return Event{Kind: kind, Station: station, Timestamp: time.Now(), Data: data}
}

const subscriberBuffer = 128

type subscription struct {
	ch    chan Event
	kinds map[Kind]bool // empty = all kinds
}

// Bus fans events out to zero or more subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving events of the given kinds, or of
// every kind when none is given.
func (b *Bus) Subscribe(kinds ...Kind) <-chan Event {
	sub := &subscription{
		ch:    make(chan Event, subscriberBuffer),
		kinds: make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub.ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Skip if channel is full
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
