package state

import (
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// RunWithSteps pairs a run with its ordered steps.
type RunWithSteps struct {
	Run   models.Run    `json:"run"`
	Steps []models.Step `json:"steps"`
}

// TicketBundle is a self-contained export of a ticket and its history.
type TicketBundle struct {
	Ticket  models.Ticket  `json:"ticket"`
	Replies []models.Reply `json:"replies"`
	Runs    []RunWithSteps `json:"runs"`
}

// ExportTicket collects a ticket with its replies, runs and steps.
func (db *DB) ExportTicket(id string) (*TicketBundle, error) {
	t, err := db.GetTicket(id)
	if err != nil {
		return nil, err
	}
	replies, err := db.ListReplies(id)
	if err != nil {
		return nil, err
	}
	runs, err := db.ListRuns(id)
	if err != nil {
		return nil, err
	}

	b := &TicketBundle{Ticket: *t, Replies: replies}
	for _, r := range runs {
		steps, err := db.ListSteps(r.ID)
		if err != nil {
			return nil, err
		}
		b.Runs = append(b.Runs, RunWithSteps{Run: r, Steps: steps})
	}
	return b, nil
}

// Validate checks that a bundle is internally consistent: every reply
// and run belongs to the ticket, every step to its enclosing run, and run
// and step numbers start at 1 and increase strictly.
func (b *TicketBundle) Validate() error {
	if err := ValidateTicket(&b.Ticket); err != nil {
		return err
	}
	var errs errors.ValidationErrors
	id := b.Ticket.ID
	if id == "" {
		errs = append(errs, errors.NewValidationError("ticket.id", "is required"))
	}
	for i, r := range b.Replies {
		if r.TicketID != id {
			errs = append(errs, errors.NewValidationError(fmt.Sprintf("replies[%d].ticket_id", i), fmt.Sprintf("%q does not match ticket %q", r.TicketID, id)))
		}
		if !r.Author.Valid() {
			errs = append(errs, errors.NewValidationError(fmt.Sprintf("replies[%d].author", i), fmt.Sprintf("unknown author %q", r.Author)))
		}
	}
	lastRun := 0
	for i, rs := range b.Runs {
		field := fmt.Sprintf("runs[%d]", i)
		if rs.Run.TicketID != id {
			errs = append(errs, errors.NewValidationError(field+".ticket_id", fmt.Sprintf("%q does not match ticket %q", rs.Run.TicketID, id)))
		}
		if rs.Run.RunNumber <= lastRun {
			errs = append(errs, errors.NewValidationError(field+".run_number", fmt.Sprintf("%d must be above %d", rs.Run.RunNumber, lastRun)))
		}
		lastRun = rs.Run.RunNumber
		lastStep := 0
		for j, st := range rs.Steps {
			sfield := fmt.Sprintf("%s.steps[%d]", field, j)
			if st.RunID != rs.Run.ID {
				errs = append(errs, errors.NewValidationError(sfield+".run_id", fmt.Sprintf("%q does not match run %q", st.RunID, rs.Run.ID)))
			}
			if st.StepNumber <= lastStep {
				errs = append(errs, errors.NewValidationError(sfield+".step_number", fmt.Sprintf("%d must be above %d", st.StepNumber, lastStep)))
			}
			lastStep = st.StepNumber
		}
	}
	return errs.OrNil()
}

// ImportTicket restores an exported bundle, keeping every ID. The ticket
// keeps its number when it is above every stored number; otherwise it is
// renumbered to the next free one so numbers stay in creation order. It
// fails with ErrDuplicate if the ticket already exists.
func (db *DB) ImportTicket(b *TicketBundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return db.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM tickets WHERE id = ?", b.Ticket.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check ticket: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("import ticket %s: %w", b.Ticket.ID, errors.ErrDuplicate)
		}
		var maxNumber int64
		if err := tx.QueryRow("SELECT COALESCE(MAX(number), 0) FROM tickets").Scan(&maxNumber); err != nil {
			return fmt.Errorf("check ticket numbers: %w", err)
		}
		if b.Ticket.Number <= maxNumber {
			b.Ticket.Number = maxNumber + 1
		}
		if b.Ticket.ParentID != "" {
			if err := checkParent(tx, b.Ticket.ID, b.Ticket.ParentID); err != nil {
				return err
			}
		}
		if err := insertTicket(tx, &b.Ticket); err != nil {
			return fmt.Errorf("import ticket: %w", err)
		}
		for i := range b.Replies {
			if err := insertReply(tx, &b.Replies[i]); err != nil {
				return fmt.Errorf("import reply: %w", err)
			}
		}
		for i := range b.Runs {
			run := &b.Runs[i]
			if err := insertRun(tx, &run.Run); err != nil {
				return fmt.Errorf("import run %d: %w", run.Run.RunNumber, err)
			}
			for j := range run.Steps {
				if err := insertStep(tx, &run.Steps[j]); err != nil {
					return fmt.Errorf("import step %d/%d: %w", run.Run.RunNumber, run.Steps[j].StepNumber, err)
				}
			}
		}
		return nil
	})
}
