package callctl

import (
	"context"
	"sync"

	"github.com/vocalis-ai/vocalis/internal/observe"
)

// EventType names a call lifecycle event.
type EventType string

const (
	EventCallStarted     EventType = "call:started"
	EventCallAnswered    EventType = "call:answered"
	EventCallEnded       EventType = "call:ended"
	EventCallError       EventType = "call:error"
	EventLatencyExceeded EventType = "latency:exceeded"
)

// Event is one call lifecycle notification.
type Event struct {
	Type           EventType
	SessionID      string
	AgentID        string
	OrganizationID string
	RoomName       string

	// Op and DurationMs are set on latency:exceeded events.
	Op         string
	DurationMs float64

	// Err is set on call:error events.
	Err error
}

// Broker fans call events out to registered subscribers over bounded
// channels. Publishing never blocks: an event that does not fit a
// subscriber's buffer is dropped for that subscriber and counted.
// Safe for concurrent use.
type Broker struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped int
	closed  bool
}

// NewBroker creates a broker. metrics may be nil in tests.
func NewBroker(metrics *observe.Metrics) *Broker {
	return &Broker{
		metrics: metrics,
		subs:    make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus an unsubscribe function. Unsubscribing closes the
// channel; it is safe to call more than once.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Publish copies ev to every subscriber without blocking.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			if b.metrics != nil {
				b.metrics.RecordEventDrop(context.Background(), string(ev.Type))
			}
		}
	}
}

// Dropped returns how many events have been discarded across all
// subscribers since construction.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
