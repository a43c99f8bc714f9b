package state

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const runColumns = `id, ticket_id, run_number, status, duration_ms, tokens_used,
	error_message, error_stack, verify_attempt, verify_passed, verify_score,
	failure_details, started_at, completed_at`

const stepColumns = `id, run_id, step_number, agent_name, deliverable_type, status,
	response, error, duration_ms, tokens_used, started_at, completed_at`

// CreateRun opens a new Run for a ticket. The run number is allocated
// inside the same transaction as the insert, so concurrent dispatches of
// the same ticket never share a number.
func (db *DB) CreateRun(ticketID string) (*models.Run, error) {
	r := &models.Run{
		ID:        uuid.New().String(),
		TicketID:  ticketID,
		Status:    models.RunStatusProcessing,
		StartedAt: now(),
	}

	err := db.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM tickets WHERE id = ?", ticketID).Scan(&exists); err != nil {
			return fmt.Errorf("check ticket: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("ticket %s: %w", ticketID, errors.ErrNotFound)
		}
		if err := tx.QueryRow("SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE ticket_id = ?", ticketID).Scan(&r.RunNumber); err != nil {
			return fmt.Errorf("allocate run number: %w", err)
		}
		if err := insertRun(tx, r); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func insertRun(ex execer, r *models.Run) error {
	_, err := ex.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.TicketID, r.RunNumber, string(r.Status), r.DurationMs, r.TokensUsed,
		r.ErrorMessage, r.ErrorStack, r.VerifyAttempt, r.VerifyPassed, r.VerifyScore,
		r.FailureDetails, formatTime(r.StartedAt), formatNullableTime(r.CompletedAt),
	)
	return err
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		r           models.Run
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.TicketID, &r.RunNumber, &status, &r.DurationMs, &r.TokensUsed,
		&r.ErrorMessage, &r.ErrorStack, &r.VerifyAttempt, &r.VerifyPassed, &r.VerifyScore,
		&r.FailureDetails, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.CompletedAt = parseNullableTime(completedAt)
	return &r, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(id string) (*models.Run, error) {
	r, err := scanRun(db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun writes the mutable fields of a run.
func (db *DB) UpdateRun(r *models.Run) error {
	if !r.Status.Valid() {
		return errors.NewValidationError("status", fmt.Sprintf("unknown run status %q", r.Status))
	}
	result, err := db.Exec(`
		UPDATE runs SET
			status = ?, duration_ms = ?, tokens_used = ?, error_message = ?, error_stack = ?,
			verify_attempt = ?, verify_passed = ?, verify_score = ?, failure_details = ?,
			completed_at = ?
		WHERE id = ?
	`,
		string(r.Status), r.DurationMs, r.TokensUsed, r.ErrorMessage, r.ErrorStack,
		r.VerifyAttempt, r.VerifyPassed, r.VerifyScore, r.FailureDetails,
		formatNullableTime(r.CompletedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, errors.ErrNotFound)
	}
	return nil
}

// ListRuns returns a ticket's runs ordered by run number.
func (db *DB) ListRuns(ticketID string) ([]models.Run, error) {
	rows, err := db.Query("SELECT "+runColumns+" FROM runs WHERE ticket_id = ? ORDER BY run_number ASC", ticketID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CreateStep appends a Step to a run with the next step number.
func (db *DB) CreateStep(runID, agentName, deliverable string) (*models.Step, error) {
	s := &models.Step{
		ID:              uuid.New().String(),
		RunID:           runID,
		AgentName:       agentName,
		DeliverableType: deliverable,
		Status:          models.StepStatusPending,
	}

	err := db.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", runID).Scan(&exists); err != nil {
			return fmt.Errorf("check run: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("run %s: %w", runID, errors.ErrNotFound)
		}
		if err := tx.QueryRow("SELECT COALESCE(MAX(step_number), 0) + 1 FROM steps WHERE run_id = ?", runID).Scan(&s.StepNumber); err != nil {
			return fmt.Errorf("allocate step number: %w", err)
		}
		if err := insertStep(tx, s); err != nil {
			return fmt.Errorf("create step: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func insertStep(ex execer, s *models.Step) error {
	_, err := ex.Exec(`
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.RunID, s.StepNumber, s.AgentName, s.DeliverableType, string(s.Status),
		s.Response, s.Error, s.DurationMs, s.TokensUsed,
		formatNullableTime(s.StartedAt), formatNullableTime(s.CompletedAt),
	)
	return err
}

func scanStep(row rowScanner) (*models.Step, error) {
	var (
		s                      models.Step
		status                 string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.RunID, &s.StepNumber, &s.AgentName, &s.DeliverableType, &status,
		&s.Response, &s.Error, &s.DurationMs, &s.TokensUsed, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.StepStatus(status)
	s.StartedAt = parseNullableTime(startedAt)
	s.CompletedAt = parseNullableTime(completedAt)
	return &s, nil
}

// UpdateStep writes the mutable fields of a step.
func (db *DB) UpdateStep(s *models.Step) error {
	if !s.Status.Valid() {
		return errors.NewValidationError("status", fmt.Sprintf("unknown step status %q", s.Status))
	}
	result, err := db.Exec(`
		UPDATE steps SET
			status = ?, response = ?, error = ?, duration_ms = ?, tokens_used = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?
	`,
		string(s.Status), s.Response, s.Error, s.DurationMs, s.TokensUsed,
		formatNullableTime(s.StartedAt), formatNullableTime(s.CompletedAt), s.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("step %s: %w", s.ID, errors.ErrNotFound)
	}
	return nil
}

// ListSteps returns a run's steps ordered by step number.
func (db *DB) ListSteps(runID string) ([]models.Step, error) {
	return db.querySteps("SELECT "+stepColumns+" FROM steps WHERE run_id = ? ORDER BY step_number ASC", runID)
}

// ListFailedSteps returns every failed step of a ticket, oldest run first.
func (db *DB) ListFailedSteps(ticketID string) ([]models.Step, error) {
	return db.querySteps(`
		SELECT s.id, s.run_id, s.step_number, s.agent_name, s.deliverable_type, s.status,
			s.response, s.error, s.duration_ms, s.tokens_used, s.started_at, s.completed_at
		FROM steps s JOIN runs r ON r.id = s.run_id
		WHERE r.ticket_id = ? AND s.status = 'failed'
		ORDER BY r.run_number ASC, s.step_number ASC
	`, ticketID)
}

func (db *DB) querySteps(query string, args ...any) ([]models.Step, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}
