// Package queue implements per-team priority queues with elastic slot
// capacity and admission control.
//
// All counters for every team live behind one mutex in Manager. Slot
// moves between teams (lend, reclaim, rebalance) and admissions are
// therefore serialized, and two teams can never double-count a slot.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const defaultCooldown = 30 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithCooldown sets the minimum time between rebalance decisions.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) { m.cooldown = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// EnqueueHook is called after a ticket enters a team queue.
type EnqueueHook func(team models.Team, ticketID string)

type teamState struct {
	allocated int
	borrowed  int
	lent      int
	active    int
	pending   ticketHeap
	blocked   map[string]struct{}
	cancelled map[string]struct{}
}

func (t *teamState) effective() int {
	return t.allocated + t.borrowed - t.lent
}

func (t *teamState) spare() int {
	return t.effective() - t.active
}

// Manager owns every team queue and slot counter.
type Manager struct {
	mu            sync.Mutex
	teams         map[models.Team]*teamState
	pending       map[string]*entry
	loans         map[models.Team]map[models.Team]int
	seq           uint64
	hooks         []EnqueueHook
	cooldown      time.Duration
	lastRebalance time.Time
	now           func() time.Time
}

// NewManager creates a manager for every known team. Teams missing from
// slots start with zero allocated slots.
func NewManager(slots map[models.Team]int, opts ...Option) (*Manager, error) {
	m := &Manager{
		teams:    make(map[models.Team]*teamState),
		pending:  make(map[string]*entry),
		loans:    make(map[models.Team]map[models.Team]int),
		cooldown: defaultCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for team, n := range slots {
		if !team.Valid() {
			return nil, errors.NewValidationError("slots", fmt.Sprintf("unknown team %q", team))
		}
		if n < 0 {
			return nil, errors.NewValidationError("slots", fmt.Sprintf("team %s has negative slots %d", team, n))
		}
	}
	for _, team := range models.AllTeams() {
		m.teams[team] = &teamState{
			allocated: slots[team],
			blocked:   make(map[string]struct{}),
			cancelled: make(map[string]struct{}),
		}
	}
	return m, nil
}

// OnEnqueue registers a hook fired after every successful Enqueue.
func (m *Manager) OnEnqueue(hook EnqueueHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Manager) team(team models.Team) (*teamState, error) {
	ts, ok := m.teams[team]
	if !ok {
		return nil, errors.NewValidationError("team", fmt.Sprintf("unknown team %q", team))
	}
	return ts, nil
}

// Enqueue adds a ticket to a team queue. A ticket already pending
// anywhere is rejected with ErrDuplicate. Blocked or cancelled markers
// for the ticket are cleared.
func (m *Manager) Enqueue(team models.Team, ticketID string, priority models.Priority) error {
	if ticketID == "" {
		return errors.NewValidationError("ticket_id", "required")
	}
	if !priority.Valid() {
		return errors.NewValidationError("priority", fmt.Sprintf("invalid priority %d", priority))
	}

	m.mu.Lock()
	ts, err := m.team(team)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e, ok := m.pending[ticketID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("enqueue %s on %s: already pending on %s: %w", ticketID, team, e.team, errors.ErrDuplicate)
	}
	for _, other := range m.teams {
		delete(other.blocked, ticketID)
		delete(other.cancelled, ticketID)
	}

	m.seq++
	e := &entry{ticketID: ticketID, team: team, priority: priority, seq: m.seq}
	heap.Push(&ts.pending, e)
	m.pending[ticketID] = e
	hooks := append([]EnqueueHook(nil), m.hooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(team, ticketID)
	}
	return nil
}

// Admit pops the head of a team queue if a slot is free and marks it
// active. An empty queue returns "" and a nil error. A full team returns
// an *errors.AdmissionDeferred and leaves the queue untouched.
func (m *Manager) Admit(team models.Team) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, err := m.team(team)
	if err != nil {
		return "", err
	}
	if ts.pending.Len() == 0 {
		return "", nil
	}
	if ts.active >= ts.effective() {
		return "", &errors.AdmissionDeferred{Team: string(team), Active: ts.active, Effective: ts.effective()}
	}

	e := heap.Pop(&ts.pending).(*entry)
	delete(m.pending, e.ticketID)
	ts.active++
	return e.ticketID, nil
}

// Acquire takes a slot for a ticket that did not come from the queue,
// for example one claimed by an external runner.
func (m *Manager) Acquire(team models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, err := m.team(team)
	if err != nil {
		return err
	}
	if ts.active >= ts.effective() {
		return &errors.AdmissionDeferred{Team: string(team), Active: ts.active, Effective: ts.effective()}
	}
	ts.active++
	return nil
}

// Release frees an active slot.
func (m *Manager) Release(team models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, err := m.team(team)
	if err != nil {
		return err
	}
	if ts.active == 0 {
		return fmt.Errorf("release %s: no active tickets: %w", team, errors.ErrNoCapacity)
	}
	ts.active--
	return nil
}

// Remove drops a pending ticket from whichever queue holds it.
func (m *Manager) Remove(ticketID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(ticketID)
}

func (m *Manager) removeLocked(ticketID string) bool {
	e, ok := m.pending[ticketID]
	if !ok {
		return false
	}
	heap.Remove(&m.teams[e.team].pending, e.index)
	delete(m.pending, ticketID)
	return true
}

// MarkBlocked removes a ticket from the pending queue and counts it as
// blocked on team.
func (m *Manager) MarkBlocked(team models.Team, ticketID string) error {
	return m.mark(team, ticketID, func(ts *teamState) map[string]struct{} { return ts.blocked })
}

// MarkCancelled removes a ticket from the pending queue and counts it as
// cancelled on team.
func (m *Manager) MarkCancelled(team models.Team, ticketID string) error {
	return m.mark(team, ticketID, func(ts *teamState) map[string]struct{} { return ts.cancelled })
}

func (m *Manager) mark(team models.Team, ticketID string, set func(*teamState) map[string]struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, err := m.team(team)
	if err != nil {
		return err
	}
	m.removeLocked(ticketID)
	delete(ts.blocked, ticketID)
	delete(ts.cancelled, ticketID)
	set(ts)[ticketID] = struct{}{}
	return nil
}

// Unblock clears blocked and cancelled markers for a ticket and reports
// the team it was counted against. The caller re-enqueues it.
func (m *Manager) Unblock(ticketID string) (models.Team, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, team := range models.AllTeams() {
		ts := m.teams[team]
		_, b := ts.blocked[ticketID]
		_, c := ts.cancelled[ticketID]
		if b || c {
			delete(ts.blocked, ticketID)
			delete(ts.cancelled, ticketID)
			return team, true
		}
	}
	return "", false
}

// IsPending reports whether a ticket waits in any queue.
func (m *Manager) IsPending(ticketID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[ticketID]
	return ok
}

// PendingIDs returns a team's pending tickets in admission order.
func (m *Manager) PendingIDs(team models.Team) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.teams[team]
	if !ok {
		return nil
	}
	cp := make(ticketHeap, len(ts.pending))
	for i, e := range ts.pending {
		c := *e
		c.index = i
		cp[i] = &c
	}
	ids := make([]string, 0, len(cp))
	for cp.Len() > 0 {
		ids = append(ids, heap.Pop(&cp).(*entry).ticketID)
	}
	return ids
}

// TotalPending returns the pending count across all teams.
func (m *Manager) TotalPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Snapshot returns every team's counters in team order.
func (m *Manager) Snapshot() []models.TeamQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.TeamQueue, 0, len(m.teams))
	for _, team := range models.AllTeams() {
		out = append(out, m.snapshotLocked(team))
	}
	return out
}

// SnapshotTeam returns one team's counters.
func (m *Manager) SnapshotTeam(team models.Team) (models.TeamQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.teams[team]; !ok {
		return models.TeamQueue{}, false
	}
	return m.snapshotLocked(team), true
}

func (m *Manager) snapshotLocked(team models.Team) models.TeamQueue {
	ts := m.teams[team]
	return models.TeamQueue{
		Team:           team,
		Pending:        ts.pending.Len(),
		Active:         ts.active,
		AllocatedSlots: ts.allocated,
		BorrowedSlots:  ts.borrowed,
		LentSlots:      ts.lent,
		EffectiveSlots: ts.effective(),
		Blocked:        len(ts.blocked),
		Cancelled:      len(ts.cancelled),
	}
}
