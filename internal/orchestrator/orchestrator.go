// Package orchestrator drives tickets through the clarity gate, the team
// queues, agent pipelines and verification.
//
// Every status change goes through the store's compare-and-set
// transitions, so a ticket moved by one actor (a hold, an escalation, a
// verification result) is never overwritten by another that raced it.
// Each transition and action is appended to the audit log.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/clarity"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/internal/protect"
	"github.com/ShayCichocki/switchboard/internal/queue"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/verification"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// auditAgent is the agent name the orchestrator writes audit entries under.
const auditAgent = "orchestrator"

// Orchestrator coordinates ticket intake and execution.
type Orchestrator struct {
	store    Store
	queue    *queue.Manager
	tree     *hierarchy.Tree
	gate     *clarity.Gate
	exec     agent.Executor
	roles    *agent.RoleTable
	verifier verification.Verifier
	vpolicy  verification.Policy
	table    Table
	policy   Policy
	events   events.Publisher
	hooks    []EscalationHook
	protect  *protect.Detector
	logger   *slog.Logger

	// ctx bounds every pipeline goroutine; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	inflight map[string]*atomic.Bool
	readmit  map[string]struct{}
	claims   map[string]claim
}

// New creates an Orchestrator. The dispatch table is bound to the tree
// definition and validated here; an invalid table is an error.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Store == nil || req.Queue == nil || req.Tree == nil || req.Executor == nil {
		return nil, fmt.Errorf("orchestrator: store, queue, tree and executor are required")
	}
	gate := req.Gate
	if gate == nil {
		gate = clarity.NewGate(nil, clarity.DefaultThresholds())
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    req.Store,
		queue:    req.Queue,
		tree:     req.Tree,
		gate:     gate,
		exec:     req.Executor,
		roles:    agent.DefaultRoles(),
		verifier: verification.NewCriteriaVerifier(0, 0),
		vpolicy:  verification.NewPolicy(0),
		table:    DefaultTable(),
		policy:   DefaultPolicy(),
		events:   events.Discard{},
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*atomic.Bool),
		readmit:  make(map[string]struct{}),
		claims:   make(map[string]claim),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")

	table, err := o.table.Bind(o.tree.Definition())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dispatch table: %w", err)
	}
	o.table = table
	return o, nil
}

// Table returns the bound dispatch table.
func (o *Orchestrator) Table() Table {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.table
}

// pipelineFor returns the pipeline for op, falling back to the general
// pipeline for operations the table does not know.
func (o *Orchestrator) pipelineFor(op models.OperationType) Pipeline {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.table.Lookup(op); ok {
		return p
	}
	p, _ := o.table.Lookup(models.OpGeneral)
	return p
}

// BuildTree replaces the agent tree with def and rebinds the dispatch
// table to its domains. The table is only swapped if both succeed.
func (o *Orchestrator) BuildTree(def *hierarchy.Definition) error {
	table, err := o.Table().Bind(def)
	if err != nil {
		return fmt.Errorf("dispatch table: %w", err)
	}
	if err := o.tree.Build(def); err != nil {
		return err
	}
	o.mu.Lock()
	o.table = table
	o.mu.Unlock()
	return nil
}

// Close cancels running pipelines and waits for them to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every pipeline started so far has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// InFlight returns the number of running pipelines.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Submit validates and stores a new ticket, then runs the clarity gate.
// A ValidationError means nothing was persisted.
func (o *Orchestrator) Submit(ctx context.Context, t *models.Ticket) (*models.Ticket, clarity.Evaluation, error) {
	if t.Status != "" && t.Status != models.TicketStatusOpen {
		return nil, clarity.Evaluation{}, errors.NewValidationError("status", "new tickets start open")
	}
	t.Status = models.TicketStatusOpen
	if err := o.store.CreateTicket(t); err != nil {
		return nil, clarity.Evaluation{}, err
	}
	o.record(t.ID, auditAgent, "created", fmt.Sprintf("#%d %s (%s)", t.Number, t.Title, t.Priority))
	o.emit(events.Event{Type: events.TicketCreated, TicketID: t.ID, Message: t.Title})

	ev, err := o.gateTicket(ctx, t.ID, nil)
	if err != nil {
		return t, ev, err
	}
	stored, err := o.store.GetTicket(t.ID)
	if err != nil {
		return t, ev, err
	}
	return stored, ev, nil
}

// AddReply appends a reply to a ticket thread. A user or agent reply on
// an open ticket re-runs the clarity gate, so the ticket can cross a
// threshold mid-conversation. System replies are the gate's own output
// and never re-run it. A user reply on a holding ticket clears the hold.
func (o *Orchestrator) AddReply(ctx context.Context, ticketID string, author models.ReplyAuthor, body string) (*models.Reply, *clarity.Evaluation, error) {
	if author == "" {
		author = models.AuthorUser
	}
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return nil, nil, err
	}
	reply := &models.Reply{TicketID: ticketID, Author: author, Body: body}

	if author == models.AuthorSystem || t.Status != models.TicketStatusOpen {
		if err := o.store.AddReply(reply); err != nil {
			return nil, nil, err
		}
		o.emit(events.Event{Type: events.ReplyAdded, TicketID: ticketID, Message: string(author)})
		if author == models.AuthorUser && t.ProcessingStatus == models.ProcessingHolding {
			if _, err := o.store.ModifyTicket(ticketID, func(t *models.Ticket) error {
				t.ProcessingStatus = models.ProcessingNone
				return nil
			}); err != nil {
				return reply, nil, err
			}
			o.record(ticketID, auditAgent, "hold_cleared", "user replied")
		}
		return reply, nil, nil
	}

	ev, err := o.gateTicket(ctx, ticketID, reply)
	if err != nil {
		return nil, nil, err
	}
	return reply, &ev, nil
}

// gateTicket scores an open ticket and applies the decision. When pending
// is set it is scored as the newest reply and stored with its score.
func (o *Orchestrator) gateTicket(ctx context.Context, ticketID string, pending *models.Reply) (clarity.Evaluation, error) {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return clarity.Evaluation{}, err
	}
	replies, err := o.store.ListReplies(ticketID)
	if err != nil {
		return clarity.Evaluation{}, err
	}
	in := clarity.Input{Title: t.Title, Body: t.Body}
	for _, r := range replies {
		if r.Author != models.AuthorSystem {
			in.Replies = append(in.Replies, r.Body)
		}
	}
	if pending != nil {
		in.Replies = append(in.Replies, pending.Body)
	}

	ev, err := o.gate.Evaluate(ctx, in, t.ClarificationRounds)
	if err != nil {
		return ev, err
	}
	if pending != nil {
		score := ev.Score
		pending.ClarityScore = &score
		if err := o.store.AddReply(pending); err != nil {
			return ev, err
		}
		o.emit(events.Event{Type: events.ReplyAdded, TicketID: ticketID, Message: string(pending.Author)})
	}
	if t.Status != models.TicketStatusOpen {
		return ev, nil
	}

	switch ev.Decision {
	case clarity.DecisionProceed, clarity.DecisionProceedFlagged:
		flagged := ev.Decision == clarity.DecisionProceedFlagged
		err = o.admitToQueue(t, ev.Score, flagged)

	case clarity.DecisionClarify:
		err = o.requestClarification(t, ev)

	case clarity.DecisionEscalate:
		reason := fmt.Sprintf("clarity %d after %d clarification rounds", ev.Score, t.ClarificationRounds)
		_, err = o.escalate(ctx, t.ID, models.TicketStatusOpen, reason, func(t *models.Ticket) {
			t.ClarityScore = ev.Score
		})
	}
	return ev, err
}

// admitToQueue classifies an open ticket and moves it onto its team queue.
func (o *Orchestrator) admitToQueue(t *models.Ticket, score int, flagged bool) error {
	class := Classify(t)
	o.mu.Lock()
	p, ok := o.table.Lookup(class.Op)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pipeline for operation %s", class.Op)
	}
	var findings []protect.Finding
	if o.protect != nil {
		findings = o.protect.Scan(t.Title + "\n" + t.Body)
		flagged = flagged || len(findings) > 0
	}
	queued, err := o.store.TransitionTicketFrom(t.ID, models.TicketStatusOpen, models.TicketStatusQueued, func(t *models.Ticket) {
		t.ClarityScore = score
		t.FlaggedReview = flagged
		t.ProcessingStatus = models.ProcessingNone
		t.OperationType = class.Op
		t.AssignedQueue = p.Team
	})
	if err != nil {
		o.logger.Warn("queue transition rejected", "ticket", t.ID, "error", err)
		return err
	}
	o.record(t.ID, auditAgent, "classified", fmt.Sprintf("%s (%s, confidence %.2f)", class.Op, class.Reason, class.Confidence))
	if len(findings) > 0 {
		paths := make([]string, len(findings))
		for i, f := range findings {
			paths[i] = f.String()
		}
		o.record(t.ID, auditAgent, "protected_area", strings.Join(paths, "; "))
	}
	detail := fmt.Sprintf("clarity %d, team %s", score, p.Team)
	if flagged {
		detail += ", flagged for review"
	}
	o.transitioned(queued, models.TicketStatusOpen, detail)

	if err := o.queue.Enqueue(p.Team, t.ID, queued.Priority); err != nil && !errors.Is(err, errors.ErrDuplicate) {
		return fmt.Errorf("enqueue ticket %s: %w", t.ID, err)
	}
	return nil
}

func (o *Orchestrator) requestClarification(t *models.Ticket, ev clarity.Evaluation) error {
	score := ev.Score
	if err := o.store.AddReply(&models.Reply{
		TicketID:     t.ID,
		Author:       models.AuthorSystem,
		Body:         ev.Request,
		ClarityScore: &score,
	}); err != nil {
		return err
	}
	if _, err := o.store.ModifyTicket(t.ID, func(t *models.Ticket) error {
		t.ClarityScore = ev.Score
		t.ClarificationRounds = ev.Round
		t.ProcessingStatus = models.ProcessingAwaitingUser
		return nil
	}); err != nil {
		return err
	}
	o.record(t.ID, "clarity-gate", "clarification_requested", fmt.Sprintf("score %d, round %d", ev.Score, ev.Round))
	o.emit(events.Event{
		Type:     events.ClarificationRequested,
		TicketID: t.ID,
		Message:  ev.Request,
		Data:     map[string]any{"score": ev.Score, "round": ev.Round},
	})
	o.logger.Info("clarification requested", "ticket", t.ID, "score", ev.Score, "round", ev.Round)
	return nil
}

// Retry reopens a failed or escalated ticket with fresh budgets and
// runs it through the gate again.
func (o *Orchestrator) Retry(ctx context.Context, ticketID string) (*models.Ticket, error) {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TicketStatusFailed && t.Status != models.TicketStatusEscalated {
		return nil, fmt.Errorf("retry ticket %s: status is %s: %w", ticketID, t.Status, errors.ErrInvalidTransition)
	}
	return o.reopen(ctx, t, "retry")
}

// Reopen moves a resolved ticket back to open and re-gates it.
func (o *Orchestrator) Reopen(ctx context.Context, ticketID string) (*models.Ticket, error) {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TicketStatusResolved {
		return nil, fmt.Errorf("reopen ticket %s: status is %s: %w", ticketID, t.Status, errors.ErrInvalidTransition)
	}
	return o.reopen(ctx, t, "reopened")
}

func (o *Orchestrator) reopen(ctx context.Context, t *models.Ticket, action string) (*models.Ticket, error) {
	from := t.Status
	opened, err := o.store.TransitionTicketFrom(t.ID, from, models.TicketStatusOpen, func(t *models.Ticket) {
		t.FailedRuns = 0
		t.VerificationAttempts = 0
		t.ClarificationRounds = 0
		t.ProcessingStatus = models.ProcessingNone
	})
	if err != nil {
		return nil, err
	}
	o.queue.Unblock(t.ID)
	o.record(t.ID, auditAgent, action, fmt.Sprintf("%s -> open", from))
	o.transitioned(opened, from, action)

	if _, err := o.gateTicket(ctx, t.ID, nil); err != nil {
		return nil, err
	}
	return o.store.GetTicket(t.ID)
}

// Hold pauses a ticket. A queued ticket leaves its queue; a processing
// ticket stops before its next hop. Verification is not interruptible.
func (o *Orchestrator) Hold(ctx context.Context, ticketID, reason string) (*models.Ticket, error) {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	from := t.Status
	held, err := o.store.TransitionTicketFrom(ticketID, from, models.TicketStatusOnHold, nil)
	if err != nil {
		return nil, err
	}
	o.stop(ticketID)
	if held.AssignedQueue != "" {
		if err := o.queue.MarkCancelled(held.AssignedQueue, ticketID); err != nil {
			o.logger.Warn("failed to mark ticket cancelled", "ticket", ticketID, "error", err)
		}
	}
	if reason == "" {
		reason = "manual hold"
	}
	o.record(ticketID, auditAgent, "held", reason)
	o.transitioned(held, from, reason)
	return held, nil
}

// Resume returns an on-hold ticket to its queue, or to the gate if it
// never got past it.
func (o *Orchestrator) Resume(ctx context.Context, ticketID string) (*models.Ticket, error) {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TicketStatusOnHold {
		return nil, fmt.Errorf("resume ticket %s: status is %s: %w", ticketID, t.Status, errors.ErrInvalidTransition)
	}
	o.queue.Unblock(ticketID)

	if t.AssignedQueue == "" {
		opened, err := o.store.TransitionTicketFrom(ticketID, models.TicketStatusOnHold, models.TicketStatusOpen, nil)
		if err != nil {
			return nil, err
		}
		o.transitioned(opened, models.TicketStatusOnHold, "resumed")
		if _, err := o.gateTicket(ctx, ticketID, nil); err != nil {
			return nil, err
		}
		return o.store.GetTicket(ticketID)
	}

	queued, err := o.store.TransitionTicketFrom(ticketID, models.TicketStatusOnHold, models.TicketStatusQueued, nil)
	if err != nil {
		return nil, err
	}
	o.record(ticketID, auditAgent, "resumed", "team "+string(queued.AssignedQueue))
	o.transitioned(queued, models.TicketStatusOnHold, "resumed")
	if err := o.queue.Enqueue(queued.AssignedQueue, ticketID, queued.Priority); err != nil && !errors.Is(err, errors.ErrDuplicate) {
		return queued, err
	}
	return queued, nil
}

// Resolve accepts a ticket parked in review, closing it with its last run.
func (o *Orchestrator) Resolve(ctx context.Context, ticketID, note string) (*models.Ticket, error) {
	resolved, err := o.store.TransitionTicketFrom(ticketID, models.TicketStatusInReview, models.TicketStatusResolved, func(t *models.Ticket) {
		t.ProcessingStatus = models.ProcessingNone
		t.LastError = ""
		t.LastErrorAt = nil
	})
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = "accepted in review"
	}
	o.record(ticketID, auditAgent, "review_resolved", note)
	o.transitioned(resolved, models.TicketStatusInReview, note)
	return resolved, ctx.Err()
}

// Requeue sends a ticket parked in review back to its team queue for a
// fresh run. The run budget is reset; verification attempts are kept.
func (o *Orchestrator) Requeue(ctx context.Context, ticketID, reason string) (*models.Ticket, error) {
	queued, err := o.store.TransitionTicketFrom(ticketID, models.TicketStatusInReview, models.TicketStatusQueued, func(t *models.Ticket) {
		t.ProcessingStatus = models.ProcessingNone
		t.FailedRuns = 0
	})
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "sent back from review"
	}
	o.record(ticketID, auditAgent, "review_requeued", reason)
	o.transitioned(queued, models.TicketStatusInReview, reason)
	if err := o.queue.Enqueue(queued.AssignedQueue, ticketID, queued.Priority); err != nil && !errors.Is(err, errors.ErrDuplicate) {
		return queued, err
	}
	return queued, ctx.Err()
}

// Escalate hands a ticket to a human. Any in-flight pipeline stops at its
// next hop boundary.
func (o *Orchestrator) Escalate(ctx context.Context, ticketID, reason string) (*models.Ticket, error) {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual escalation"
	}
	return o.escalate(ctx, ticketID, t.Status, reason, nil)
}

func (o *Orchestrator) escalate(ctx context.Context, ticketID string, from models.TicketStatus, reason string, mutate func(*models.Ticket)) (*models.Ticket, error) {
	ts := time.Now().UTC()
	esc, err := o.store.TransitionTicketFrom(ticketID, from, models.TicketStatusEscalated, func(t *models.Ticket) {
		t.LastError = reason
		t.LastErrorAt = &ts
		t.ProcessingStatus = models.ProcessingNone
		if mutate != nil {
			mutate(t)
		}
	})
	if err != nil {
		return nil, err
	}
	o.stop(ticketID)
	o.queue.Remove(ticketID)
	o.record(ticketID, auditAgent, "escalated", reason)
	o.transitioned(esc, from, reason)
	o.signalEscalation(ctx, esc, reason)
	return esc, nil
}

// signalEscalation publishes an escalation and runs the hooks.
func (o *Orchestrator) signalEscalation(ctx context.Context, t *models.Ticket, reason string) {
	o.logger.Warn("escalation", "ticket", t.ID, "number", t.Number, "status", t.Status, "reason", reason)
	o.emit(events.Event{Type: events.Escalated, TicketID: t.ID, Team: string(t.AssignedQueue), Message: reason})
	for _, h := range o.hooks {
		h(ctx, *t, reason)
	}
}

// Recover rebuilds queue state after a restart. Queued tickets are
// re-enqueued; tickets caught mid-run go back to queued.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	tickets, err := o.store.ListTickets(state.TicketFilter{
		Status: []models.TicketStatus{models.TicketStatusQueued, models.TicketStatusProcessing, models.TicketStatusVerifying},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range tickets {
		t := &tickets[i]
		if t.AssignedQueue == "" {
			continue
		}
		if t.Status != models.TicketStatusQueued {
			from := t.Status
			if t, err = o.store.TransitionTicketFrom(t.ID, from, models.TicketStatusQueued, nil); err != nil {
				o.logger.Warn("failed to requeue interrupted ticket", "ticket", tickets[i].ID, "error", err)
				continue
			}
			o.transitioned(t, from, "recovered after restart")
		}
		if err := o.queue.Enqueue(t.AssignedQueue, t.ID, t.Priority); err != nil && !errors.Is(err, errors.ErrDuplicate) {
			o.logger.Warn("failed to re-enqueue ticket", "ticket", t.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		o.logger.Info("recovered queued tickets", "count", n)
	}
	return n, ctx.Err()
}

// stop flags an in-flight pipeline to stop before its next hop. An
// external claim on the ticket is dropped and its slot freed; a late
// report for it is ignored by Complete.
func (o *Orchestrator) stop(ticketID string) {
	o.mu.Lock()
	if flag, ok := o.inflight[ticketID]; ok {
		flag.Store(true)
	}
	c, claimed := o.claims[ticketID]
	delete(o.claims, ticketID)
	o.mu.Unlock()
	if !claimed {
		return
	}

	o.releaseSlot(c.team)
	done := time.Now().UTC()
	c.step.Status = models.StepStatusSkipped
	c.step.CompletedAt = &done
	c.step.DurationMs = done.Sub(c.started).Milliseconds()
	if err := o.store.UpdateStep(c.step); err != nil {
		o.logger.Error("failed to update step", "step", c.step.ID, "error", err)
	}
	c.run.Status = models.RunStatusFailed
	c.run.ErrorMessage = errStopped.Error()
	c.run.CompletedAt = &done
	c.run.DurationMs = done.Sub(c.run.StartedAt).Milliseconds()
	if err := o.store.UpdateRun(c.run); err != nil {
		o.logger.Error("failed to update run", "run", c.run.ID, "error", err)
	}
	o.record(ticketID, auditAgent, "claim_dropped", c.step.AgentName)
}

func (o *Orchestrator) record(ticketID, agentName, action, detail string) {
	if err := o.store.AppendAudit(&models.AuditEntry{
		TicketID: ticketID,
		Agent:    agentName,
		Action:   action,
		Detail:   detail,
	}); err != nil {
		o.logger.Error("failed to append audit entry", "ticket", ticketID, "action", action, "error", err)
	}
}

func (o *Orchestrator) transitioned(t *models.Ticket, from models.TicketStatus, detail string) {
	o.record(t.ID, auditAgent, "transition", fmt.Sprintf("%s -> %s: %s", from, t.Status, detail))
	o.emit(events.Event{
		Type:     events.TicketTransitioned,
		TicketID: t.ID,
		Team:     string(t.AssignedQueue),
		Message:  detail,
		Data:     map[string]any{"from": string(from), "to": string(t.Status)},
	})
}

func (o *Orchestrator) emit(e events.Event) {
	o.events.Publish(e)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
