package state

import (
	"io"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// TicketStore handles ticket and reply persistence.
type TicketStore interface {
	CreateTicket(t *models.Ticket) error
	GetTicket(id string) (*models.Ticket, error)
	GetTicketByNumber(number int64) (*models.Ticket, error)
	ListTickets(f TicketFilter) ([]models.Ticket, error)
	ModifyTicket(id string, mutate func(t *models.Ticket) error) (*models.Ticket, error)
	TransitionTicket(id string, to models.TicketStatus, mutate func(t *models.Ticket)) (*models.Ticket, error)
	TransitionTicketFrom(id string, from, to models.TicketStatus, mutate func(t *models.Ticket)) (*models.Ticket, error)
	SetParent(id, parentID string) error
	CountByStatus() (map[models.TicketStatus]int, error)
	AddReply(r *models.Reply) error
	ListReplies(ticketID string) ([]models.Reply, error)
}

// RunStore handles run and step persistence.
type RunStore interface {
	CreateRun(ticketID string) (*models.Run, error)
	GetRun(id string) (*models.Run, error)
	UpdateRun(r *models.Run) error
	ListRuns(ticketID string) ([]models.Run, error)
	CreateStep(runID, agentName, deliverable string) (*models.Step, error)
	UpdateStep(s *models.Step) error
	ListSteps(runID string) ([]models.Step, error)
	ListFailedSteps(ticketID string) ([]models.Step, error)
}

// TreeStore handles agent tree persistence.
type TreeStore interface {
	ReplaceTree(nodes []models.AgentTreeNode) error
	UpdateTreeNode(n *models.AgentTreeNode) error
	ListTreeNodes() ([]models.AgentTreeNode, error)
}

// AuditStore handles the append-only activity trail.
type AuditStore interface {
	AppendAudit(e *models.AuditEntry) error
	ListAudit(f AuditFilter) ([]models.AuditEntry, error)
	CountAudit(ticketID string) (int, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store composes every persistence concern. Components depend on the
// narrowest sub-interface they need.
type Store interface {
	io.Closer
	Migrator
	TicketStore
	RunStore
	TreeStore
	AuditStore
	ExportTicket(id string) (*TicketBundle, error)
	ImportTicket(b *TicketBundle) error
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store       = (*DB)(nil)
	_ TicketStore = (*DB)(nil)
	_ RunStore    = (*DB)(nil)
	_ TreeStore   = (*DB)(nil)
	_ AuditStore  = (*DB)(nil)
)
