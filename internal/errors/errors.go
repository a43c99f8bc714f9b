// Package errors defines the switchboard error taxonomy.
//
// Every failure in the scheduling core falls into one of six kinds:
//   - ValidationError: malformed input, rejected at the boundary and never persisted
//   - AdmissionDeferred: no free slot, the ticket stays queued
//   - ClarityGateBlocked: the ticket is underspecified and waits on the user
//   - AgentStepFailure: transient tool or model failure, retried per Run budget
//   - VerificationFailed: quality gate rejection, retried per attempt budget
//   - EscalationLimitExceeded: surfaced to a human, no further automatic retries
//
// Only ValidationError and EscalationLimitExceeded reach the user-visible layer
// directly. The rest are recovered locally until their budget runs out.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers need only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors
var (
	// ErrNotFound indicates a record does not exist.
	ErrNotFound = New("not found")
	// ErrInvalidTransition indicates a state change not allowed by the lifecycle table.
	ErrInvalidTransition = New("invalid transition")
	// ErrCycle indicates an insert would create a parent cycle.
	ErrCycle = New("parent cycle detected")
	// ErrDuplicate indicates a unique key already exists.
	ErrDuplicate = New("duplicate")
	// ErrNoCapacity indicates a slot mutation would break the capacity invariant.
	ErrNoCapacity = New("insufficient capacity")
)

// Kind classifies an error within the taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAdmissionDeferred
	KindClarityGateBlocked
	KindAgentStepFailure
	KindVerificationFailed
	KindEscalationLimitExceeded
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAdmissionDeferred:
		return "AdmissionDeferred"
	case KindClarityGateBlocked:
		return "ClarityGateBlocked"
	case KindAgentStepFailure:
		return "AgentStepFailure"
	case KindVerificationFailed:
		return "VerificationFailed"
	case KindEscalationLimitExceeded:
		return "EscalationLimitExceeded"
	default:
		return "Unknown"
	}
}

// ValidationError reports a malformed field.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects several field problems into one error.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// OrNil returns nil when no problems were collected.
func (v ValidationErrors) OrNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// AdmissionDeferred reports that a team had no free slot.
type AdmissionDeferred struct {
	Team      string
	Active    int
	Effective int
}

func (e *AdmissionDeferred) Error() string {
	return fmt.Sprintf("admission deferred: team %s at %d/%d slots", e.Team, e.Active, e.Effective)
}

// ClarityGateBlocked reports that a ticket scored below the clarification threshold.
type ClarityGateBlocked struct {
	TicketID string
	Score    int
	Round    int
}

func (e *ClarityGateBlocked) Error() string {
	return fmt.Sprintf("clarity gate blocked ticket %s: score %d (round %d)", e.TicketID, e.Score, e.Round)
}

// AgentStepFailure wraps an error raised while an agent executed a step.
type AgentStepFailure struct {
	Agent     string
	Transient bool
	Err       error
}

// NewAgentStepFailure wraps err as a step failure for agent.
func NewAgentStepFailure(agent string, transient bool, err error) *AgentStepFailure {
	return &AgentStepFailure{Agent: agent, Transient: transient, Err: err}
}

func (e *AgentStepFailure) Error() string {
	return fmt.Sprintf("agent %s step failed: %v", e.Agent, e.Err)
}

func (e *AgentStepFailure) Unwrap() error { return e.Err }

// VerificationFailed reports a quality gate rejection.
type VerificationFailed struct {
	Attempt int
	Score   int
	Details string
}

func (e *VerificationFailed) Error() string {
	return fmt.Sprintf("verification failed at attempt %d (score %d): %s", e.Attempt, e.Score, e.Details)
}

// EscalationLimitExceeded reports that automatic handling is exhausted.
type EscalationLimitExceeded struct {
	Reason string
	Count  int
	Limit  int
}

func (e *EscalationLimitExceeded) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("escalation limit exceeded: %s (%d/%d)", e.Reason, e.Count, e.Limit)
	}
	return "escalation limit exceeded: " + e.Reason
}

// KindOf returns the taxonomy kind of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		ve  *ValidationError
		ves ValidationErrors
		ad  *AdmissionDeferred
		cg  *ClarityGateBlocked
		sf  *AgentStepFailure
		vf  *VerificationFailed
		el  *EscalationLimitExceeded
	)
	switch {
	case As(err, &ve), As(err, &ves):
		return KindValidation
	case As(err, &ad):
		return KindAdmissionDeferred
	case As(err, &cg):
		return KindClarityGateBlocked
	case As(err, &sf):
		return KindAgentStepFailure
	case As(err, &vf):
		return KindVerificationFailed
	case As(err, &el):
		return KindEscalationLimitExceeded
	default:
		return KindUnknown
	}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsRetryable reports whether err is a transient step failure worth retrying.
func IsRetryable(err error) bool {
	var sf *AgentStepFailure
	if As(err, &sf) {
		return sf.Transient
	}
	return false
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}
