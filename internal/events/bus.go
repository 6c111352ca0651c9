// Package events broadcasts connection lifecycle and tool activity to
// interested observers such as the WebSocket stream and the MQTT status
// feed. A nil *Bus accepts and discards everything, so publishers never
// need to check whether anyone is listening.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceRegistry = "registry"
	SourceWatch    = "connwatch"
)

// Kinds.
const (
	// KindStatus reports a connection record change.
	// Data: server_id, status, error, tools.
	KindStatus = "status"
	// KindToolCall reports the start of a tool call.
	// Data: server_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone reports the end of a tool call.
	// Data: server_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindHealth reports a liveness transition seen by the monitor.
	// Data: server_id, alive.
	KindHealth = "health"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	ServerID  string         `json:"server_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a subscriber's view of the bus. Events arrive on C
// until Close is called.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C. Calling it more than
// once is harmless.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.remove(s)
	}
}

// Bus fans events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers e to every subscriber that has room for it. A zero
// Timestamp is set to the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit is shorthand for publishing an event about one server.
func (b *Bus) Emit(source, kind, serverID string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, ServerID: serverID, Data: data})
}

// Subscribe registers a subscriber with a buffer of bufSize events. On
// a nil bus the subscription never receives anything.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	if b == nil {
		return &Subscription{C: ch, ch: ch}
	}
	s := &Subscription{C: ch, bus: b, ch: ch}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
