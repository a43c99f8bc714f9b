package state

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	TicketID string
	Agent    string
	Action   string
	AfterSeq int64
	Limit    int
}

// AppendAudit adds an entry to the activity trail. Entries cannot be
// updated or deleted afterwards; the schema rejects both.
func (db *DB) AppendAudit(e *models.AuditEntry) error {
	if strings.TrimSpace(e.Agent) == "" {
		return errors.NewValidationError("agent", "is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.NewValidationError("action", "is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}

	result, err := db.Exec(`
		INSERT INTO audit_log (id, ticket_id, agent, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.TicketID, e.Agent, e.Action, e.Detail, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	if seq, err := result.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

// ListAudit returns audit entries in append order.
func (db *DB) ListAudit(f AuditFilter) ([]models.AuditEntry, error) {
	where := []string{"seq > ?"}
	args := []any{f.AfterSeq}
	if f.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, f.TicketID)
	}
	if f.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}

	query := "SELECT seq, id, ticket_id, agent, action, detail, created_at FROM audit_log WHERE " +
		strings.Join(where, " AND ") + " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e         models.AuditEntry
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.TicketID, &e.Agent, &e.Action, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse audit time: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountAudit returns the number of entries for a ticket, or all entries
// when ticketID is empty.
func (db *DB) CountAudit(ticketID string) (int, error) {
	var n int
	var err error
	if ticketID == "" {
		err = db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n)
	} else {
		err = db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE ticket_id = ?", ticketID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
