package state

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/lifecycle"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// maxParentDepth bounds the ancestor walk when validating parents.
const maxParentDepth = 64

// TicketFilter narrows ListTickets. Zero values match everything.
type TicketFilter struct {
	Status        []models.TicketStatus
	Team          models.Team
	OperationType models.OperationType
	ParentID      string
	Limit         int
}

const ticketColumns = `id, number, title, body, priority, status, processing_status,
	assigned_queue, operation_type, creator, parent_id, auto_created, clarity_score,
	clarification_rounds, flagged_review, failed_runs, verification_attempts,
	last_error, last_error_at, phase_started_at, created_at, updated_at`

// ValidateTicket checks the fields a caller may set on a new ticket.
func ValidateTicket(t *models.Ticket) error {
	var errs errors.ValidationErrors
	if strings.TrimSpace(t.Title) == "" {
		errs = append(errs, errors.NewValidationError("title", "is required"))
	}
	if !t.Priority.Valid() {
		errs = append(errs, errors.NewValidationError("priority", fmt.Sprintf("must be P1, P2 or P3, got %d", t.Priority)))
	}
	if !t.Status.Valid() {
		errs = append(errs, errors.NewValidationError("status", fmt.Sprintf("unknown status %q", t.Status)))
	}
	if !t.ProcessingStatus.Valid() {
		errs = append(errs, errors.NewValidationError("processing_status", fmt.Sprintf("unknown value %q", t.ProcessingStatus)))
	}
	if t.AssignedQueue != "" && !t.AssignedQueue.Valid() {
		errs = append(errs, errors.NewValidationError("assigned_queue", fmt.Sprintf("unknown team %q", t.AssignedQueue)))
	}
	if t.OperationType != "" && !t.OperationType.Valid() {
		errs = append(errs, errors.NewValidationError("operation_type", fmt.Sprintf("unknown operation type %q", t.OperationType)))
	}
	if t.ClarityScore < 0 || t.ClarityScore > 100 {
		errs = append(errs, errors.NewValidationError("clarity_score", "must be within 0..100"))
	}
	if t.ParentID != "" && t.ParentID == t.ID {
		errs = append(errs, errors.NewValidationError("parent_id", "ticket cannot be its own parent"))
	}
	return errs.OrNil()
}

// CreateTicket inserts a ticket, assigning its ID and sequential number.
// Unset priority defaults to P2 and unset status to open.
func (db *DB) CreateTicket(t *models.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == 0 {
		t.Priority = models.PriorityP2
	}
	if t.Status == "" {
		t.Status = models.TicketStatusOpen
	}
	if t.ProcessingStatus == "" {
		t.ProcessingStatus = models.ProcessingNone
	}
	if err := ValidateTicket(t); err != nil {
		return err
	}

	ts := now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = ts
	}
	t.UpdatedAt = ts
	if t.PhaseStartedAt.IsZero() {
		t.PhaseStartedAt = ts
	}

	return db.Transaction(func(tx *sql.Tx) error {
		if t.ParentID != "" {
			if err := checkParent(tx, t.ID, t.ParentID); err != nil {
				return err
			}
		}

		var next int64
		if err := tx.QueryRow("SELECT COALESCE(MAX(number), 0) + 1 FROM tickets").Scan(&next); err != nil {
			return fmt.Errorf("allocate ticket number: %w", err)
		}
		t.Number = next

		if err := insertTicket(tx, t); err != nil {
			return fmt.Errorf("create ticket: %w", err)
		}
		return nil
	})
}

// checkParent verifies the parent exists and that linking childID under
// it would not close a cycle.
func checkParent(q queryRower, childID, parentID string) error {
	cur := parentID
	for depth := 0; cur != ""; depth++ {
		if cur == childID {
			return fmt.Errorf("ticket %s under %s: %w", childID, parentID, errors.ErrCycle)
		}
		if depth >= maxParentDepth {
			return fmt.Errorf("ticket %s: parent chain deeper than %d: %w", childID, maxParentDepth, errors.ErrCycle)
		}
		var next sql.NullString
		err := q.QueryRow("SELECT parent_id FROM tickets WHERE id = ?", cur).Scan(&next)
		if err == sql.ErrNoRows {
			if cur == parentID {
				return errors.NewValidationError("parent_id", fmt.Sprintf("parent ticket %q does not exist", parentID))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk parent chain: %w", err)
		}
		cur = next.String
	}
	return nil
}

func insertTicket(ex execer, t *models.Ticket) error {
	_, err := ex.Exec(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Number, t.Title, t.Body, int(t.Priority), string(t.Status), string(t.ProcessingStatus),
		string(t.AssignedQueue), string(t.OperationType), t.Creator, nullString(t.ParentID),
		t.AutoCreated, t.ClarityScore, t.ClarificationRounds, t.FlaggedReview, t.FailedRuns,
		t.VerificationAttempts, t.LastError, formatNullableTime(t.LastErrorAt),
		formatTime(t.PhaseStartedAt), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("ticket %s (#%d): %w", t.ID, t.Number, errors.ErrDuplicate)
	}
	return err
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var (
		t                                  models.Ticket
		priority                           int
		status, processing, queue, op      string
		parentID, lastErrorAt              sql.NullString
		phaseStarted, createdAt, updatedAt string
	)
	err := row.Scan(
		&t.ID, &t.Number, &t.Title, &t.Body, &priority, &status, &processing,
		&queue, &op, &t.Creator, &parentID, &t.AutoCreated, &t.ClarityScore,
		&t.ClarificationRounds, &t.FlaggedReview, &t.FailedRuns, &t.VerificationAttempts,
		&t.LastError, &lastErrorAt, &phaseStarted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Priority = models.Priority(priority)
	t.Status = models.TicketStatus(status)
	t.ProcessingStatus = models.ProcessingStatus(processing)
	t.AssignedQueue = models.Team(queue)
	t.OperationType = models.OperationType(op)
	t.ParentID = parentID.String
	t.LastErrorAt = parseNullableTime(lastErrorAt)
	if t.PhaseStartedAt, err = parseTime(phaseStarted); err != nil {
		return nil, fmt.Errorf("parse phase_started_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

// GetTicket retrieves a ticket by ID.
func (db *DB) GetTicket(id string) (*models.Ticket, error) {
	return getTicket(db.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id), id)
}

// GetTicketByNumber retrieves a ticket by its sequential number.
func (db *DB) GetTicketByNumber(number int64) (*models.Ticket, error) {
	return getTicket(db.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE number = ?", number), fmt.Sprintf("#%d", number))
}

func getTicket(row *sql.Row, key string) (*models.Ticket, error) {
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket %s: %w", key, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// ListTickets returns tickets matching the filter ordered by number.
func (db *DB) ListTickets(f TicketFilter) ([]models.Ticket, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, s := range f.Status {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Team != "" {
		where = append(where, "assigned_queue = ?")
		args = append(args, string(f.Team))
	}
	if f.OperationType != "" {
		where = append(where, "operation_type = ?")
		args = append(args, string(f.OperationType))
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}

	query := "SELECT " + ticketColumns + " FROM tickets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY number ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// updateTicketRow writes every mutable column of t.
func updateTicketRow(ex execer, t *models.Ticket) error {
	_, err := ex.Exec(`
		UPDATE tickets SET
			title = ?, body = ?, priority = ?, status = ?, processing_status = ?,
			assigned_queue = ?, operation_type = ?, creator = ?, parent_id = ?,
			auto_created = ?, clarity_score = ?, clarification_rounds = ?,
			flagged_review = ?, failed_runs = ?, verification_attempts = ?,
			last_error = ?, last_error_at = ?, phase_started_at = ?, updated_at = ?
		WHERE id = ?
	`,
		t.Title, t.Body, int(t.Priority), string(t.Status), string(t.ProcessingStatus),
		string(t.AssignedQueue), string(t.OperationType), t.Creator, nullString(t.ParentID),
		t.AutoCreated, t.ClarityScore, t.ClarificationRounds,
		t.FlaggedReview, t.FailedRuns, t.VerificationAttempts,
		t.LastError, formatNullableTime(t.LastErrorAt), formatTime(t.PhaseStartedAt), formatTime(t.UpdatedAt),
		t.ID,
	)
	return err
}

// ModifyTicket loads a ticket, applies mutate and writes it back in one
// transaction. Status and parent changes made by mutate are discarded;
// those go through TransitionTicket and SetParent.
func (db *DB) ModifyTicket(id string, mutate func(t *models.Ticket) error) (*models.Ticket, error) {
	var out *models.Ticket
	err := db.Transaction(func(tx *sql.Tx) error {
		t, err := getTicket(tx.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id), id)
		if err != nil {
			return err
		}
		status, parent, phase := t.Status, t.ParentID, t.PhaseStartedAt
		if err := mutate(t); err != nil {
			return err
		}
		t.Status, t.ParentID, t.PhaseStartedAt = status, parent, phase
		if err := ValidateTicket(t); err != nil {
			return err
		}
		t.UpdatedAt = now()
		if err := updateTicketRow(tx, t); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		out = t
		return nil
	})
	return out, err
}

// TransitionTicket moves a ticket to a new status if the lifecycle allows
// it. mutate, if set, runs on the loaded ticket before it is written.
// A rejected transition leaves the row untouched.
func (db *DB) TransitionTicket(id string, to models.TicketStatus, mutate func(t *models.Ticket)) (*models.Ticket, error) {
	return db.transition(id, "", to, mutate)
}

// TransitionTicketFrom is TransitionTicket with a compare-and-set on the
// current status. It fails with ErrInvalidTransition when the ticket has
// moved on since the caller last looked.
func (db *DB) TransitionTicketFrom(id string, from, to models.TicketStatus, mutate func(t *models.Ticket)) (*models.Ticket, error) {
	return db.transition(id, from, to, mutate)
}

func (db *DB) transition(id string, from, to models.TicketStatus, mutate func(t *models.Ticket)) (*models.Ticket, error) {
	var out *models.Ticket
	err := db.Transaction(func(tx *sql.Tx) error {
		t, err := getTicket(tx.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id), id)
		if err != nil {
			return err
		}
		if from != "" && t.Status != from {
			return fmt.Errorf("ticket %s is %s, expected %s: %w", id, t.Status, from, errors.ErrInvalidTransition)
		}
		if err := lifecycle.Validate(t.Status, to); err != nil {
			return fmt.Errorf("ticket %s: %w", id, err)
		}

		ts := now()
		if t.Status != to {
			t.Status = to
			t.PhaseStartedAt = ts
		}
		if mutate != nil {
			mutate(t)
			t.Status = to
		}
		t.UpdatedAt = ts
		if err := updateTicketRow(tx, t); err != nil {
			return fmt.Errorf("transition ticket: %w", err)
		}
		out = t
		return nil
	})
	return out, err
}

// SetParent links a ticket under another, rejecting cycles.
func (db *DB) SetParent(id, parentID string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := getTicket(tx.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id), id); err != nil {
			return err
		}
		if parentID != "" {
			if err := checkParent(tx, id, parentID); err != nil {
				return err
			}
		}
		_, err := tx.Exec("UPDATE tickets SET parent_id = ?, updated_at = ? WHERE id = ?",
			nullString(parentID), formatTime(now()), id)
		if err != nil {
			return fmt.Errorf("set parent: %w", err)
		}
		return nil
	})
}

// CountByStatus returns the number of tickets in each status.
func (db *DB) CountByStatus() (map[models.TicketStatus]int, error) {
	rows, err := db.Query("SELECT status, COUNT(*) FROM tickets GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tickets: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TicketStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TicketStatus(status)] = n
	}
	return counts, rows.Err()
}

// AddReply appends a reply to a ticket's thread.
func (db *DB) AddReply(r *models.Reply) error {
	if !r.Author.Valid() {
		return errors.NewValidationError("author", fmt.Sprintf("unknown author %q", r.Author))
	}
	if strings.TrimSpace(r.Body) == "" {
		return errors.NewValidationError("body", "is required")
	}
	if r.ClarityScore != nil && (*r.ClarityScore < 0 || *r.ClarityScore > 100) {
		return errors.NewValidationError("clarity_score", "must be within 0..100")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}

	return db.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM tickets WHERE id = ?", r.TicketID).Scan(&exists); err != nil {
			return fmt.Errorf("check ticket: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("ticket %s: %w", r.TicketID, errors.ErrNotFound)
		}
		if err := insertReply(tx, r); err != nil {
			return fmt.Errorf("add reply: %w", err)
		}
		return nil
	})
}

func insertReply(ex execer, r *models.Reply) error {
	var score any
	if r.ClarityScore != nil {
		score = *r.ClarityScore
	}
	_, err := ex.Exec(`
		INSERT INTO replies (id, ticket_id, author, body, clarity_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.TicketID, string(r.Author), r.Body, score, formatTime(r.CreatedAt))
	return err
}

// ListReplies returns a ticket's replies oldest first.
func (db *DB) ListReplies(ticketID string) ([]models.Reply, error) {
	rows, err := db.Query(`
		SELECT id, ticket_id, author, body, clarity_score, created_at
		FROM replies WHERE ticket_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	var replies []models.Reply
	for rows.Next() {
		var (
			r         models.Reply
			author    string
			score     sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.TicketID, &author, &r.Body, &score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		r.Author = models.ReplyAuthor(author)
		if score.Valid {
			v := int(score.Int64)
			r.ClarityScore = &v
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse reply time: %w", err)
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}
