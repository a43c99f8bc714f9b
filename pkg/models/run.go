package models

import "time"

// RunStatus represents the state of one execution attempt.
type RunStatus string

const (
	RunStatusQueued        RunStatus = "queued"
	RunStatusProcessing    RunStatus = "processing"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
	RunStatusReviewFlagged RunStatus = "review_flagged"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusProcessing, RunStatusCompleted, RunStatusFailed, RunStatusReviewFlagged:
		return true
	default:
		return false
	}
}

// Run is one end-to-end execution attempt of a ticket.
type Run struct {
	// ID is the globally unique identifier.
	ID string `json:"id"`
	// TicketID is the owning ticket.
	TicketID string `json:"ticket_id"`
	// RunNumber starts at 1 and increases per ticket.
	RunNumber int `json:"run_number"`
	// Status is the run state.
	Status RunStatus `json:"status"`
	// DurationMs is the wall time of the run.
	DurationMs int64 `json:"duration_ms"`
	// TokensUsed sums the tokens of every step.
	TokensUsed int64 `json:"tokens_used"`
	// ErrorMessage is set when the run failed.
	ErrorMessage string `json:"error_message,omitempty"`
	// ErrorStack carries the failing step chain or a panic trace.
	ErrorStack string `json:"error_stack,omitempty"`
	// VerifyAttempt is the verification attempt number, 0 if never verified.
	VerifyAttempt int `json:"verify_attempt"`
	// VerifyPassed is the verification judgement.
	VerifyPassed bool `json:"verify_passed"`
	// VerifyScore is the verification quality score in [0,100].
	VerifyScore int `json:"verify_score"`
	// FailureDetails lists what verification found missing.
	FailureDetails string `json:"failure_details,omitempty"`
	// StartedAt is when the run was opened.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepStatus represents the state of one agent hop.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusProcessing, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Step is one agent hop within a Run.
type Step struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	StepNumber      int        `json:"step_number"`
	AgentName       string     `json:"agent_name"`
	DeliverableType string     `json:"deliverable_type,omitempty"`
	Status          StepStatus `json:"status"`
	Response        string     `json:"response,omitempty"`
	Error           string     `json:"error,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
	TokensUsed      int64      `json:"tokens_used"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TeamQueue is a point-in-time view of one team's queue and slots.
type TeamQueue struct {
	Team           Team `json:"team"`
	Pending        int  `json:"pending"`
	Active         int  `json:"active"`
	AllocatedSlots int  `json:"allocated_slots"`
	BorrowedSlots  int  `json:"borrowed_slots"`
	LentSlots      int  `json:"lent_slots"`
	EffectiveSlots int  `json:"effective_slots"`
	Blocked        int  `json:"blocked"`
	Cancelled      int  `json:"cancelled"`
}
