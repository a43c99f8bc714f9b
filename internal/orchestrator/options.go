package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/clarity"
	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/internal/protect"
	"github.com/ShayCichocki/switchboard/internal/queue"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/verification"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	state.TicketStore
	state.RunStore
	state.AuditStore
}

// RequiredConfig contains the collaborators an Orchestrator cannot run without.
type RequiredConfig struct {
	Store    Store
	Queue    *queue.Manager
	Tree     *hierarchy.Tree
	Gate     *clarity.Gate
	Executor agent.Executor
}

// Policy holds the run retry and step execution limits.
type Policy struct {
	// MaxTicketRetries is the number of failed runs after which a ticket fails.
	MaxTicketRetries int
	// StepTimeout bounds a single step. Exceeding it fails the step.
	StepTimeout time.Duration
	// StepAttempts bounds transient retries inside a step.
	StepAttempts int
	// StepBackoff is the linear backoff unit between step attempts.
	StepBackoff time.Duration
}

// DefaultPolicy returns 3 run retries, a 10 minute step timeout and
// 3 step attempts with 2s linear backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxTicketRetries: 3,
		StepTimeout:      10 * time.Minute,
		StepAttempts:     3,
		StepBackoff:      2 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxTicketRetries <= 0 {
		p.MaxTicketRetries = d.MaxTicketRetries
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = d.StepTimeout
	}
	if p.StepAttempts <= 0 {
		p.StepAttempts = d.StepAttempts
	}
	if p.StepBackoff < 0 {
		p.StepBackoff = 0
	}
	return p
}

// EscalationHook is called when a ticket is escalated or exhausts its
// run budget. It must not block.
type EscalationHook func(ctx context.Context, t models.Ticket, reason string)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*Orchestrator)

// WithPolicy sets the run retry and step limits.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p.withDefaults() }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

// WithRoles sets the role permission and model table.
func WithRoles(r *agent.RoleTable) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.roles = r
		}
	}
}

// WithVerifier sets the verifier for completed runs.
func WithVerifier(v verification.Verifier) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.verifier = v
		}
	}
}

// WithVerificationPolicy sets the verification attempt budget.
func WithVerificationPolicy(p verification.Policy) Option {
	return func(o *Orchestrator) { o.vpolicy = verification.NewPolicy(p.MaxRetries) }
}

// WithTable replaces the dispatch table.
func WithTable(t Table) Option {
	return func(o *Orchestrator) { o.table = t }
}

// WithEscalationHook registers a hook fired on every escalation signal.
func WithEscalationHook(h EscalationHook) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hooks = append(o.hooks, h)
		}
	}
}

// WithProtectedAreas flags tickets that mention sensitive paths for review.
func WithProtectedAreas(d *protect.Detector) Option {
	return func(o *Orchestrator) { o.protect = d }
}
