package models

import "time"

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	// TicketStatusOpen indicates the ticket has been created but not queued.
	TicketStatusOpen TicketStatus = "open"
	// TicketStatusQueued indicates the ticket is waiting for a team slot.
	TicketStatusQueued TicketStatus = "queued"
	// TicketStatusProcessing indicates a Run is in flight.
	TicketStatusProcessing TicketStatus = "processing"
	// TicketStatusVerifying indicates a completed Run is being verified.
	TicketStatusVerifying TicketStatus = "verifying"
	// TicketStatusResolved indicates verification passed.
	TicketStatusResolved TicketStatus = "resolved"
	// TicketStatusFailed indicates retry budgets are exhausted.
	TicketStatusFailed TicketStatus = "failed"
	// TicketStatusEscalated indicates the ticket was handed to a human.
	TicketStatusEscalated TicketStatus = "escalated"
	// TicketStatusOnHold indicates a manual pause.
	TicketStatusOnHold TicketStatus = "on_hold"
	// TicketStatusBlocked indicates the ticket waits on sub-ticket work.
	TicketStatusBlocked TicketStatus = "blocked"
	// TicketStatusInReview indicates a human must look at the result.
	TicketStatusInReview TicketStatus = "in_review"
)

// Valid returns true if the status is a known value.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusQueued, TicketStatusProcessing,
		TicketStatusVerifying, TicketStatusResolved, TicketStatusFailed,
		TicketStatusEscalated, TicketStatusOnHold, TicketStatusBlocked,
		TicketStatusInReview:
		return true
	default:
		return false
	}
}

// ProcessingStatus refines the status with what the ticket is waiting on.
type ProcessingStatus string

const (
	// ProcessingNone means nothing is outstanding.
	ProcessingNone ProcessingStatus = "none"
	// ProcessingAwaitingUser means a clarification request is unanswered.
	ProcessingAwaitingUser ProcessingStatus = "awaiting_user"
	// ProcessingHolding means the ticket is parked pending a human answer.
	ProcessingHolding ProcessingStatus = "holding"
)

// Valid returns true if the processing status is a known value.
func (p ProcessingStatus) Valid() bool {
	switch p {
	case ProcessingNone, ProcessingAwaitingUser, ProcessingHolding:
		return true
	default:
		return false
	}
}

// Priority orders tickets within a team queue. Lower values run first.
type Priority int

const (
	// PriorityP1 is the most urgent priority.
	PriorityP1 Priority = 1
	// PriorityP2 is the default priority.
	PriorityP2 Priority = 2
	// PriorityP3 is the least urgent priority.
	PriorityP3 Priority = 3
)

// Valid returns true if the priority is P1, P2 or P3.
func (p Priority) Valid() bool {
	return p >= PriorityP1 && p <= PriorityP3
}

// String returns the P-prefixed form of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	case PriorityP3:
		return "P3"
	default:
		return "P?"
	}
}

// ParsePriority accepts "P1".."P3" or "1".."3".
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "P1", "p1", "1":
		return PriorityP1, true
	case "P2", "p2", "2":
		return PriorityP2, true
	case "P3", "p3", "3":
		return PriorityP3, true
	default:
		return 0, false
	}
}

// Team names a concurrency pool.
type Team string

const (
	TeamOrchestrator   Team = "orchestrator"
	TeamPlanning       Team = "planning"
	TeamVerification   Team = "verification"
	TeamCodingDirector Team = "coding_director"
)

// AllTeams lists the fixed team set in display order.
func AllTeams() []Team {
	return []Team{TeamOrchestrator, TeamPlanning, TeamVerification, TeamCodingDirector}
}

// Valid returns true if the team is one of the fixed set.
func (t Team) Valid() bool {
	switch t {
	case TeamOrchestrator, TeamPlanning, TeamVerification, TeamCodingDirector:
		return true
	default:
		return false
	}
}

// OperationType describes the kind of work a ticket asks for.
type OperationType string

const (
	OpCode     OperationType = "code"
	OpBugfix   OperationType = "bugfix"
	OpRefactor OperationType = "refactor"
	OpTest     OperationType = "test"
	OpPlan     OperationType = "plan"
	OpResearch OperationType = "research"
	OpDocs     OperationType = "docs"
	OpReview   OperationType = "review"
	OpGeneral  OperationType = "general"
)

// AllOperationTypes lists every operation type.
func AllOperationTypes() []OperationType {
	return []OperationType{OpCode, OpBugfix, OpRefactor, OpTest, OpPlan, OpResearch, OpDocs, OpReview, OpGeneral}
}

// Valid returns true if the operation type is known.
func (o OperationType) Valid() bool {
	for _, known := range AllOperationTypes() {
		if o == known {
			return true
		}
	}
	return false
}

// Ticket is a unit of requested work.
type Ticket struct {
	// ID is the globally unique identifier.
	ID string `json:"id"`
	// Number is the sequential human-facing number.
	Number int64 `json:"number"`
	// Title is the short summary of the request.
	Title string `json:"title"`
	// Body holds the full request text.
	Body string `json:"body,omitempty"`
	// Priority orders the ticket within its team queue.
	Priority Priority `json:"priority"`
	// Status is the lifecycle state.
	Status TicketStatus `json:"status"`
	// ProcessingStatus is what the ticket is currently waiting on.
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	// AssignedQueue is the team the ticket was routed to.
	AssignedQueue Team `json:"assigned_queue,omitempty"`
	// OperationType is explicit or detected at admission.
	OperationType OperationType `json:"operation_type,omitempty"`
	// Creator identifies who created the ticket.
	Creator string `json:"creator,omitempty"`
	// ParentID links a sub-ticket to its parent.
	ParentID string `json:"parent_id,omitempty"`
	// AutoCreated marks tickets opened by a detector rather than a user.
	AutoCreated bool `json:"auto_created"`
	// ClarityScore is the most recent gate score.
	ClarityScore int `json:"clarity_score"`
	// ClarificationRounds counts clarification requests sent.
	ClarificationRounds int `json:"clarification_rounds"`
	// FlaggedReview marks tickets admitted in the mid clarity band.
	FlaggedReview bool `json:"flagged_review"`
	// FailedRuns counts Runs that failed since the last admission.
	FailedRuns int `json:"failed_runs"`
	// VerificationAttempts counts verification passes run so far.
	VerificationAttempts int `json:"verification_attempts"`
	// LastError is the most recent failure message.
	LastError string `json:"last_error,omitempty"`
	// LastErrorAt is when LastError was recorded.
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	// PhaseStartedAt is when the ticket entered its current status.
	PhaseStartedAt time.Time `json:"phase_started_at"`
	// CreatedAt is when the ticket was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the ticket was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// ReplyAuthor identifies who wrote a reply.
type ReplyAuthor string

const (
	AuthorUser   ReplyAuthor = "user"
	AuthorAgent  ReplyAuthor = "agent"
	AuthorSystem ReplyAuthor = "system"
)

// Valid returns true if the author is known.
func (a ReplyAuthor) Valid() bool {
	switch a {
	case AuthorUser, AuthorAgent, AuthorSystem:
		return true
	default:
		return false
	}
}

// Reply is one message in a ticket's thread.
type Reply struct {
	ID       string      `json:"id"`
	TicketID string      `json:"ticket_id"`
	Author   ReplyAuthor `json:"author"`
	Body     string      `json:"body"`
	// ClarityScore is set when the gate scored this reply.
	ClarityScore *int      `json:"clarity_score,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEntry is one immutable line in the activity trail.
type AuditEntry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	TicketID  string    `json:"ticket_id,omitempty"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
