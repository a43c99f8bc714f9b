package queue

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// MoveKind identifies a slot move.
type MoveKind string

const (
	// MoveLend transfers slots from an idle team to a starved one.
	MoveLend MoveKind = "lend"
	// MoveReclaim returns previously lent slots to their owner.
	MoveReclaim MoveKind = "reclaim"
)

// Move is one slot transfer made by Rebalance.
type Move struct {
	Kind   MoveKind    `json:"kind"`
	From   models.Team `json:"from"`
	To     models.Team `json:"to"`
	Slots  int         `json:"slots"`
	Reason string      `json:"reason"`
}

// Lend moves n free slots from one team to another. The lender keeps
// enough capacity for its active tickets.
func (m *Manager) Lend(from, to models.Team, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lendLocked(from, to, n)
}

func (m *Manager) lendLocked(from, to models.Team, n int) error {
	lender, borrower, err := m.pair(from, to, n)
	if err != nil {
		return err
	}
	if lender.spare() < n {
		return fmt.Errorf("lend %d slots %s->%s: %d spare: %w", n, from, to, lender.spare(), errors.ErrNoCapacity)
	}

	lender.lent += n
	borrower.borrowed += n
	if m.loans[from] == nil {
		m.loans[from] = make(map[models.Team]int)
	}
	m.loans[from][to] += n
	return nil
}

// Reclaim returns n slots previously lent by from to to. Slots in use
// by the borrower cannot be reclaimed.
func (m *Manager) Reclaim(from, to models.Team, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimLocked(from, to, n)
}

func (m *Manager) reclaimLocked(from, to models.Team, n int) error {
	lender, borrower, err := m.pair(from, to, n)
	if err != nil {
		return err
	}
	if out := m.loans[from][to]; out < n {
		return fmt.Errorf("reclaim %d slots %s<-%s: only %d on loan: %w", n, from, to, out, errors.ErrNoCapacity)
	}
	if borrower.spare() < n {
		return fmt.Errorf("reclaim %d slots %s<-%s: borrower has %d spare: %w", n, from, to, borrower.spare(), errors.ErrNoCapacity)
	}

	lender.lent -= n
	borrower.borrowed -= n
	m.loans[from][to] -= n
	if m.loans[from][to] == 0 {
		delete(m.loans[from], to)
	}
	return nil
}

func (m *Manager) pair(from, to models.Team, n int) (*teamState, *teamState, error) {
	if n <= 0 {
		return nil, nil, errors.NewValidationError("slots", "must be positive")
	}
	if from == to {
		return nil, nil, errors.NewValidationError("team", "cannot move slots within one team")
	}
	lender, err := m.team(from)
	if err != nil {
		return nil, nil, err
	}
	borrower, err := m.team(to)
	if err != nil {
		return nil, nil, err
	}
	return lender, borrower, nil
}

// Loans returns outstanding loans as lender -> borrower -> slots.
func (m *Manager) Loans() map[models.Team]map[models.Team]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.Team]map[models.Team]int, len(m.loans))
	for from, to := range m.loans {
		if len(to) == 0 {
			continue
		}
		inner := make(map[models.Team]int, len(to))
		for t, n := range to {
			inner[t] = n
		}
		out[from] = inner
	}
	return out
}

// Rebalance moves at most one slot per team pair to relieve starved
// teams. A team is starved when it has pending work and no free slot,
// and idle when it has no pending work and at least one free slot.
//
// Owners with pending work first reclaim free slots they lent out.
// Remaining starved teams, most pending first, then borrow one slot from
// the idle team with the most spare capacity. The cooldown prevents
// slots from bouncing between teams on consecutive cycles.
func (m *Manager) Rebalance() []Move {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastRebalance.IsZero() && now.Sub(m.lastRebalance) < m.cooldown {
		return nil
	}

	var moves []Move
	teams := models.AllTeams()

	for _, owner := range teams {
		ts := m.teams[owner]
		if ts.pending.Len() == 0 || ts.spare() > 0 {
			continue
		}
		for _, borrower := range teams {
			if m.loans[owner][borrower] == 0 || m.teams[borrower].spare() < 1 {
				continue
			}
			if err := m.reclaimLocked(owner, borrower, 1); err != nil {
				continue
			}
			moves = append(moves, Move{
				Kind:   MoveReclaim,
				From:   owner,
				To:     borrower,
				Slots:  1,
				Reason: fmt.Sprintf("%s has %d pending and no free slot", owner, ts.pending.Len()),
			})
			break
		}
	}

	var starved, idle []models.Team
	for _, team := range teams {
		ts := m.teams[team]
		switch {
		case ts.pending.Len() > 0 && ts.spare() <= 0:
			starved = append(starved, team)
		case ts.pending.Len() == 0 && ts.spare() > 0:
			idle = append(idle, team)
		}
	}
	sort.SliceStable(starved, func(i, j int) bool {
		return m.teams[starved[i]].pending.Len() > m.teams[starved[j]].pending.Len()
	})

	for _, to := range starved {
		sort.SliceStable(idle, func(i, j int) bool {
			return m.teams[idle[i]].spare() > m.teams[idle[j]].spare()
		})
		for _, from := range idle {
			if m.teams[from].spare() < 1 {
				continue
			}
			if err := m.lendLocked(from, to, 1); err != nil {
				continue
			}
			moves = append(moves, Move{
				Kind:   MoveLend,
				From:   from,
				To:     to,
				Slots:  1,
				Reason: fmt.Sprintf("%s idle, %s has %d pending", from, to, m.teams[to].pending.Len()),
			})
			break
		}
	}

	if len(moves) > 0 {
		m.lastRebalance = now
	}
	return moves
}
