// Package events is the event bus the daemon streams to admin clients.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	TypeDecision  = "decision"  // Gate outcome for one message or batch
	TypeLifecycle = "lifecycle" // Session started or stopped
	TypeSetting   = "setting"   // Setting changed through the admin surface
	TypeError     = "error"
)

// Event is a single event broadcast to subscribers.
type Event struct {
	Type    string `json:"type"`
	Owner   int64  `json:"owner,omitempty"`
	Cycle   string `json:"cycle,omitempty"`   // decision cycle id
	Outcome string `json:"outcome,omitempty"` // for decisions
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"` // info, warn, error
	TS      string `json:"ts"`
}

// Marshal serializes an event to JSON, stamping TS if unset.
func (e Event) Marshal() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans out events to subscribers. Subscribers that fall behind miss
// events; the recent buffer lets new ones catch up.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewBus creates a bus keeping the last 200 events.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber. The caller must Unsubscribe with the
// returned done channel.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns up to n of the latest events, oldest first. n <= 0 returns
// everything buffered.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	result := make([]Event, n)
	copy(result, b.recent[len(b.recent)-n:])
	return result
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
