// Package events fans scheduler state changes out to subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and the drop is counted.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TicketCreated indicates a ticket was stored.
	TicketCreated Type = "ticket_created"
	// TicketTransitioned indicates a ticket changed status.
	TicketTransitioned Type = "ticket_transitioned"
	// ClarificationRequested indicates the clarity gate asked the user for more detail.
	ClarificationRequested Type = "clarification_requested"
	// ReplyAdded indicates a reply was added to a ticket thread.
	ReplyAdded Type = "reply_added"
	// RunStarted indicates a run was opened.
	RunStarted Type = "run_started"
	// RunCompleted indicates a run finished every hop.
	RunCompleted Type = "run_completed"
	// RunFailed indicates a run stopped on a failing hop.
	RunFailed Type = "run_failed"
	// StepCompleted indicates one agent hop finished.
	StepCompleted Type = "step_completed"
	// StepFailed indicates one agent hop failed.
	StepFailed Type = "step_failed"
	// Verified indicates a verification attempt finished.
	Verified Type = "verified"
	// Escalated indicates a ticket or limit was handed to a human.
	Escalated Type = "escalated"
	// QueueOverload indicates pending work crossed the overload threshold.
	QueueOverload Type = "queue_overload"
	// SlotsMoved indicates slots were lent or reclaimed between teams.
	SlotsMoved Type = "slots_moved"
	// BossState indicates the supervisor changed between waiting and active.
	BossState Type = "boss_state"
	// BossCycle carries the report of one supervisor cycle.
	BossCycle Type = "boss_cycle"
	// Digest carries the periodic status digest.
	Digest Type = "digest"
)

// Event is one state change.
type Event struct {
	Type     Type           `json:"type"`
	TicketID string         `json:"ticket_id,omitempty"`
	Team     string         `json:"team,omitempty"`
	Agent    string         `json:"agent,omitempty"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Bus is a non-blocking fan-out of events to buffered subscriber channels.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	closed    bool
	published atomic.Uint64
	dropped   atomic.Uint64
	logger    *slog.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber with the given buffer size and
// returns its channel plus a function that unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				b.logger.Warn("subscriber buffer full, dropped event", "type", e.Type, "dropped_total", n)
			}
		}
	}
}

// Published returns the number of events published.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Dropped returns the number of deliveries skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}
