// Package boss implements the supervisor loop that periodically
// dispatches work, watches queue load, escalates stuck tickets and
// rebalances slots between teams.
//
// The loop waits on a fresh timer each round, selected together with a
// wake channel. Wake cuts the wait short; the interrupted timer is
// stopped and drained so it can never fire a second cycle later.
package boss

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/notify"
	"github.com/ShayCichocki/switchboard/internal/queue"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const auditAgent = "boss"

// State is the supervisor loop state.
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
)

// Dispatcher is the part of the orchestrator the supervisor drives.
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
	Escalate(ctx context.Context, ticketID, reason string) (*models.Ticket, error)
}

// Store is the persistence the supervisor reads and audits to.
type Store interface {
	state.TicketStore
	state.AuditStore
}

// Config holds the supervisor thresholds.
type Config struct {
	// Interval is the idle countdown between cycles.
	Interval time.Duration
	// OverloadThreshold is the pending count above which a team is overloaded.
	OverloadThreshold int
	// StuckPhase is how long a ticket may stay processing or verifying.
	StuckPhase time.Duration
	// EscalationThreshold is the failed plus escalated count that alerts.
	EscalationThreshold int
}

// DefaultConfig returns a 5 minute interval, overload above 20 pending,
// a 30 minute stuck phase and an alert at 5 escalation candidates.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		OverloadThreshold:   20,
		StuckPhase:          30 * time.Minute,
		EscalationThreshold: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.OverloadThreshold <= 0 {
		c.OverloadThreshold = d.OverloadThreshold
	}
	if c.StuckPhase <= 0 {
		c.StuckPhase = d.StuckPhase
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = d.EscalationThreshold
	}
	return c
}

// CycleReport summarizes one supervisor cycle.
type CycleReport struct {
	Cycle      int           `json:"cycle"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Dispatched int           `json:"dispatched"`
	Pending    int           `json:"pending"`
	Overloaded []models.Team `json:"overloaded,omitempty"`
	Stuck      []string      `json:"stuck,omitempty"`
	// Candidates is the failed plus escalated ticket count.
	Candidates int          `json:"escalation_candidates"`
	AlertFired bool         `json:"alert_fired"`
	Moves      []queue.Move `json:"moves,omitempty"`
	Errors     []string     `json:"errors,omitempty"`
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State        `json:"state"`
	Paused      bool         `json:"paused"`
	Cycles      int          `json:"cycles"`
	NextCycleAt *time.Time   `json:"next_cycle_at,omitempty"`
	AlertArmed  bool         `json:"alert_armed"`
	LastReport  *CycleReport `json:"last_report,omitempty"`
}

// Option configures a Boss.
type Option func(*Boss)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Boss) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(b *Boss) {
		if p != nil {
			b.events = p
		}
	}
}

// WithNotifier sets where alerts are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(b *Boss) {
		if n != nil {
			b.notifier = n
		}
	}
}

// WithClock overrides the time source used for stuck detection, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Boss) { b.now = now }
}

// Boss is the supervisor.
type Boss struct {
	cfg      Config
	dispatch Dispatcher
	store    Store
	queue    *queue.Manager
	events   events.Publisher
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	wake chan struct{}

	// cycleMu serializes cycles started by Run and by CycleNow.
	cycleMu sync.Mutex

	mu         sync.Mutex
	state      State
	paused     bool
	cycles     int
	nextAt     time.Time
	armed      bool
	overloaded map[models.Team]bool
	last       *CycleReport
}

// New creates a supervisor.
func New(cfg Config, d Dispatcher, store Store, q *queue.Manager, opts ...Option) *Boss {
	b := &Boss{
		cfg:        cfg.withDefaults(),
		dispatch:   d,
		store:      store,
		queue:      q,
		events:     events.Discard{},
		notifier:   notify.Nop{},
		logger:     slog.Default(),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		state:      StateWaiting,
		armed:      true,
		overloaded: make(map[models.Team]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "boss")
	return b
}

// Run loops until ctx is cancelled. Each round waits for the interval or
// a wake, then runs a cycle unless paused.
func (b *Boss) Run(ctx context.Context) error {
	b.logger.Info("supervisor started", "interval", b.cfg.Interval)
	for {
		b.setWaiting(b.now().Add(b.cfg.Interval))
		timer := time.NewTimer(b.cfg.Interval)

		select {
		case <-ctx.Done():
			stopTimer(timer)
			b.logger.Info("supervisor stopped")
			return nil
		case <-timer.C:
		case <-b.wake:
			stopTimer(timer)
		}

		if b.Paused() {
			continue
		}
		b.Cycle(ctx)
	}
}

// stopTimer stops t and drains a tick that fired before Stop.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Wake cuts the current countdown short. Wakes that arrive while one is
// already pending are coalesced.
func (b *Boss) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Pause stops cycles from running until Resume.
func (b *Boss) Pause() {
	b.mu.Lock()
	changed := !b.paused
	b.paused = true
	b.mu.Unlock()
	if changed {
		b.logger.Info("supervisor paused")
		b.record("", "paused", "")
		b.events.Publish(events.Event{Type: events.BossState, Message: "paused"})
	}
}

// Resume re-enables cycles and wakes the loop.
func (b *Boss) Resume() {
	b.mu.Lock()
	changed := b.paused
	b.paused = false
	b.mu.Unlock()
	if changed {
		b.logger.Info("supervisor resumed")
		b.record("", "resumed", "")
		b.events.Publish(events.Event{Type: events.BossState, Message: "resumed"})
	}
	b.Wake()
}

// Paused reports whether cycles are suspended.
func (b *Boss) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Status returns the current supervisor state.
func (b *Boss) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{State: b.state, Paused: b.paused, Cycles: b.cycles, AlertArmed: b.armed}
	if b.state == StateWaiting && !b.nextAt.IsZero() {
		next := b.nextAt
		s.NextCycleAt = &next
	}
	if b.last != nil {
		last := *b.last
		s.LastReport = &last
	}
	return s
}

func (b *Boss) setWaiting(next time.Time) {
	b.mu.Lock()
	b.state = StateWaiting
	b.nextAt = next
	b.mu.Unlock()
}

func (b *Boss) setActive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateActive
	b.nextAt = time.Time{}
	b.cycles++
	return b.cycles
}

// Cycle runs one supervisor cycle and returns its report.
func (b *Boss) Cycle(ctx context.Context) CycleReport {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()

	report := CycleReport{Cycle: b.setActive(), StartedAt: b.now()}
	b.events.Publish(events.Event{Type: events.BossState, Message: string(StateActive)})

	n, err := b.dispatch.Dispatch(ctx)
	report.Dispatched = n
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("dispatch: %v", err))
	}

	b.checkOverload(ctx, &report)
	b.checkStuck(ctx, &report)
	b.checkEscalations(ctx, &report)

	report.Moves = b.queue.Rebalance()
	for _, mv := range report.Moves {
		b.logger.Info("slots moved", "kind", mv.Kind, "from", mv.From, "to", mv.To, "slots", mv.Slots, "reason", mv.Reason)
		b.record("", "slots_moved", fmt.Sprintf("%s %d %s -> %s: %s", mv.Kind, mv.Slots, mv.From, mv.To, mv.Reason))
		b.events.Publish(events.Event{
			Type:    events.SlotsMoved,
			Team:    string(mv.To),
			Message: mv.Reason,
			Data:    map[string]any{"kind": string(mv.Kind), "from": string(mv.From), "to": string(mv.To), "slots": mv.Slots},
		})
	}
	if len(report.Moves) > 0 && report.Dispatched == 0 {
		// Borrowed slots are only useful if something is admitted into them.
		if n, err := b.dispatch.Dispatch(ctx); err == nil {
			report.Dispatched += n
		}
	}

	report.Duration = b.now().Sub(report.StartedAt)
	b.mu.Lock()
	b.last = &report
	b.mu.Unlock()

	b.logger.Debug("cycle complete",
		"cycle", report.Cycle,
		"dispatched", report.Dispatched,
		"pending", report.Pending,
		"stuck", len(report.Stuck),
		"candidates", report.Candidates,
		"moves", len(report.Moves),
	)
	b.events.Publish(events.Event{
		Type:    events.BossCycle,
		Message: fmt.Sprintf("cycle %d", report.Cycle),
		Data: map[string]any{
			"cycle":      report.Cycle,
			"dispatched": report.Dispatched,
			"pending":    report.Pending,
			"overloaded": len(report.Overloaded),
			"stuck":      len(report.Stuck),
			"candidates": report.Candidates,
			"moves":      len(report.Moves),
		},
	})
	return report
}

// checkOverload flags teams whose pending count is above the threshold.
// A warning event is published every cycle; the audit entry and the
// notification only when a team first becomes overloaded.
func (b *Boss) checkOverload(ctx context.Context, report *CycleReport) {
	snap := b.queue.Snapshot()
	current := make(map[models.Team]bool)
	for _, q := range snap {
		report.Pending += q.Pending
		if q.Pending <= b.cfg.OverloadThreshold {
			continue
		}
		current[q.Team] = true
		report.Overloaded = append(report.Overloaded, q.Team)
		b.events.Publish(events.Event{
			Type:    events.QueueOverload,
			Team:    string(q.Team),
			Message: fmt.Sprintf("%d pending, threshold %d", q.Pending, b.cfg.OverloadThreshold),
			Data:    map[string]any{"pending": q.Pending, "active": q.Active, "effective_slots": q.EffectiveSlots},
		})
	}

	b.mu.Lock()
	var entered []models.Team
	for team := range current {
		if !b.overloaded[team] {
			entered = append(entered, team)
		}
	}
	b.overloaded = current
	b.mu.Unlock()
	sort.Slice(entered, func(i, j int) bool { return entered[i] < entered[j] })

	for _, team := range entered {
		var pending int
		for _, q := range snap {
			if q.Team == team {
				pending = q.Pending
			}
		}
		detail := fmt.Sprintf("%s has %d pending tickets", team, pending)
		b.logger.Warn("queue overloaded", "team", team, "pending", pending, "threshold", b.cfg.OverloadThreshold)
		b.record("", "queue_overload", detail)
		b.notify(ctx, notify.Message{
			Level:  notify.LevelWarning,
			Title:  "Queue overloaded",
			Text:   detail,
			Fields: map[string]string{"team": string(team), "pending": fmt.Sprint(pending)},
		})
	}
}

// checkStuck escalates tickets that have been processing, verifying or
// waiting in review for longer than the stuck phase.
func (b *Boss) checkStuck(ctx context.Context, report *CycleReport) {
	tickets, err := b.store.ListTickets(state.TicketFilter{
		Status: []models.TicketStatus{models.TicketStatusProcessing, models.TicketStatusVerifying, models.TicketStatusInReview},
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list active tickets: %v", err))
		return
	}
	now := b.now()
	for _, t := range tickets {
		age := now.Sub(t.PhaseStartedAt)
		if age <= b.cfg.StuckPhase {
			continue
		}
		reason := fmt.Sprintf("stuck in %s for %s", t.Status, age.Round(time.Minute))
		if _, err := b.dispatch.Escalate(ctx, t.ID, reason); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("escalate %s: %v", t.ID, err))
			continue
		}
		b.logger.Warn("escalated stuck ticket", "ticket", t.ID, "number", t.Number, "status", t.Status, "age", age)
		b.record(t.ID, "stuck_escalated", reason)
		report.Stuck = append(report.Stuck, t.ID)
	}
}

// checkEscalations counts failed and escalated tickets. The alert fires
// once when the count reaches the threshold and re-arms after it drops
// back below.
func (b *Boss) checkEscalations(ctx context.Context, report *CycleReport) {
	counts, err := b.store.CountByStatus()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("count tickets: %v", err))
		return
	}
	report.Candidates = counts[models.TicketStatusFailed] + counts[models.TicketStatusEscalated]

	b.mu.Lock()
	fire := false
	switch {
	case report.Candidates >= b.cfg.EscalationThreshold && b.armed:
		b.armed = false
		fire = true
	case report.Candidates < b.cfg.EscalationThreshold:
		b.armed = true
	}
	b.mu.Unlock()
	if !fire {
		return
	}

	report.AlertFired = true
	detail := fmt.Sprintf("%d tickets failed or escalated (threshold %d)", report.Candidates, b.cfg.EscalationThreshold)
	b.logger.Warn("escalation threshold reached", "candidates", report.Candidates, "threshold", b.cfg.EscalationThreshold)
	b.record("", "escalation_alert", detail)
	b.events.Publish(events.Event{
		Type:    events.Escalated,
		Message: detail,
		Data: map[string]any{
			"failed":    counts[models.TicketStatusFailed],
			"escalated": counts[models.TicketStatusEscalated],
		},
	})
	b.notify(ctx, notify.Message{
		Level: notify.LevelCritical,
		Title: "Escalations need attention",
		Text:  detail,
		Fields: map[string]string{
			"failed":    fmt.Sprint(counts[models.TicketStatusFailed]),
			"escalated": fmt.Sprint(counts[models.TicketStatusEscalated]),
		},
	})
}

func (b *Boss) notify(ctx context.Context, m notify.Message) {
	if err := b.notifier.Notify(ctx, m); err != nil {
		b.logger.Error("notification failed", "title", m.Title, "error", err)
	}
}

func (b *Boss) record(ticketID, action, detail string) {
	if err := b.store.AppendAudit(&models.AuditEntry{
		TicketID: ticketID,
		Agent:    auditAgent,
		Action:   action,
		Detail:   detail,
	}); err != nil {
		b.logger.Error("failed to append audit entry", "action", action, "error", err)
	}
}
