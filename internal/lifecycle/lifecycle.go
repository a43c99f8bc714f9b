// Package lifecycle holds the ticket state machine transition table.
package lifecycle

import (
	"fmt"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var ticketTransitions = map[models.TicketStatus]map[models.TicketStatus]bool{
	models.TicketStatusOpen: {
		models.TicketStatusQueued:    true,
		models.TicketStatusEscalated: true,
		models.TicketStatusOnHold:    true,
		models.TicketStatusBlocked:   true,
	},
	models.TicketStatusQueued: {
		models.TicketStatusProcessing: true,
		models.TicketStatusEscalated:  true,
		models.TicketStatusOnHold:     true,
		models.TicketStatusBlocked:    true,
	},
	models.TicketStatusProcessing: {
		models.TicketStatusVerifying: true,
		models.TicketStatusQueued:    true,
		models.TicketStatusFailed:    true,
		models.TicketStatusEscalated: true,
		models.TicketStatusOnHold:    true,
	},
	models.TicketStatusVerifying: {
		models.TicketStatusResolved:  true,
		models.TicketStatusQueued:    true,
		models.TicketStatusFailed:    true,
		models.TicketStatusEscalated: true,
		models.TicketStatusInReview:  true,
	},
	models.TicketStatusInReview: {
		models.TicketStatusResolved:  true,
		models.TicketStatusQueued:    true,
		models.TicketStatusFailed:    true,
		models.TicketStatusEscalated: true,
	},
	models.TicketStatusBlocked: {
		models.TicketStatusOpen:      true,
		models.TicketStatusQueued:    true,
		models.TicketStatusEscalated: true,
	},
	models.TicketStatusOnHold: {
		models.TicketStatusOpen:      true,
		models.TicketStatusQueued:    true,
		models.TicketStatusEscalated: true,
	},
	models.TicketStatusFailed: {
		models.TicketStatusOpen:      true,
		models.TicketStatusEscalated: true,
	},
	// Reopening a terminal ticket is only reachable through an explicit retry.
	models.TicketStatusEscalated: {
		models.TicketStatusOpen: true,
	},
	models.TicketStatusResolved: {
		models.TicketStatusOpen: true,
	},
}

// CanTransition reports whether a ticket may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to models.TicketStatus) bool {
	if from == to {
		return true
	}
	next, ok := ticketTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Validate returns ErrInvalidTransition wrapped with the edge when the move is not allowed.
func Validate(from, to models.TicketStatus) error {
	if !to.Valid() {
		return errors.NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, errors.ErrInvalidTransition)
	}
	return nil
}

// Targets returns the statuses reachable from the given one.
func Targets(from models.TicketStatus) []models.TicketStatus {
	var out []models.TicketStatus
	for _, s := range allStatuses {
		if s != from && ticketTransitions[from][s] {
			out = append(out, s)
		}
	}
	return out
}

var allStatuses = []models.TicketStatus{
	models.TicketStatusOpen, models.TicketStatusQueued, models.TicketStatusProcessing,
	models.TicketStatusVerifying, models.TicketStatusResolved, models.TicketStatusFailed,
	models.TicketStatusEscalated, models.TicketStatusOnHold, models.TicketStatusBlocked,
	models.TicketStatusInReview,
}

// IsTerminal reports whether no further automatic action is scheduled.
func IsTerminal(s models.TicketStatus) bool {
	return s == models.TicketStatusResolved || s == models.TicketStatusEscalated
}

// IsInFlight reports whether a pipeline may currently own the ticket.
func IsInFlight(s models.TicketStatus) bool {
	return s == models.TicketStatusProcessing || s == models.TicketStatusVerifying
}

// CanRetry reports whether a user-initiated retry may reopen the ticket.
func CanRetry(s models.TicketStatus) bool {
	return s == models.TicketStatusFailed || s == models.TicketStatusEscalated
}
