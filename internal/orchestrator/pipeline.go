package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/sourcegraph/conc/panics"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/verification"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// conversationLimit caps each prompt and response kept on a tree node.
const conversationLimit = 2000

// errStopped is returned by a run interrupted by a hold or escalation.
var errStopped = errors.New("pipeline stopped")

// Dispatch admits queued tickets on every team until each team is either
// empty or out of slots, and starts a pipeline for every admission. It
// returns the number of pipelines started.
func (o *Orchestrator) Dispatch(ctx context.Context) (int, error) {
	started := 0
	for _, team := range models.AllTeams() {
		for {
			if err := ctx.Err(); err != nil {
				return started, err
			}
			if err := o.ctx.Err(); err != nil {
				return started, err
			}
			id, err := o.queue.Admit(team)
			if err != nil {
				var deferred *errors.AdmissionDeferred
				if errors.As(err, &deferred) {
					break
				}
				return started, err
			}
			if id == "" {
				break
			}
			if o.launch(id, team) {
				started++
			}
		}
	}
	return started, nil
}

// launch runs a pipeline for an admitted ticket and reports whether it
// started one. The slot taken by Admit is released exactly once when the
// pipeline returns, panics included. An admission for a ticket whose
// previous pipeline has not returned yet is deferred: the slot goes back
// now and the ticket is re-enqueued once that pipeline exits.
func (o *Orchestrator) launch(ticketID string, team models.Team) bool {
	o.mu.Lock()
	if _, busy := o.inflight[ticketID]; busy {
		o.readmit[ticketID] = struct{}{}
		o.mu.Unlock()
		o.logger.Debug("ticket still in flight, deferring admission", "ticket", ticketID)
		o.releaseSlot(team)
		return false
	}
	flag := &atomic.Bool{}
	o.inflight[ticketID] = flag
	o.mu.Unlock()

	o.wg.Go(func() {
		defer o.leave(ticketID, team)

		var pc panics.Catcher
		pc.Try(func() { o.runPipeline(o.ctx, ticketID, flag) })
		if r := pc.Recovered(); r != nil {
			o.logger.Error("pipeline panicked", "ticket", ticketID, "panic", r.Value)
			o.record(ticketID, auditAgent, "panic", fmt.Sprint(r.Value))
			o.logger.Debug("pipeline panic stack", "ticket", ticketID, "stack", string(r.Stack))
			o.countRunFailure(o.ctx, ticketID, fmt.Sprintf("pipeline panic: %v", r.Value), true)
		}
	})
	return true
}

// leave unregisters a finished pipeline, frees its slot and replays any
// admission that arrived while it was running.
func (o *Orchestrator) leave(ticketID string, team models.Team) {
	o.mu.Lock()
	delete(o.inflight, ticketID)
	_, replay := o.readmit[ticketID]
	delete(o.readmit, ticketID)
	o.mu.Unlock()

	o.releaseSlot(team)
	if !replay {
		return
	}
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		o.logger.Warn("failed to load deferred ticket", "ticket", ticketID, "error", err)
		return
	}
	if t.Status != models.TicketStatusQueued || t.AssignedQueue == "" || o.queue.IsPending(ticketID) {
		return
	}
	if err := o.queue.Enqueue(t.AssignedQueue, t.ID, t.Priority); err != nil && !errors.Is(err, errors.ErrDuplicate) {
		o.logger.Error("failed to re-enqueue deferred ticket", "ticket", ticketID, "error", err)
		return
	}
	o.logger.Debug("replayed deferred admission", "ticket", ticketID, "team", t.AssignedQueue)
}

func (o *Orchestrator) releaseSlot(team models.Team) {
	if err := o.queue.Release(team); err != nil {
		o.logger.Error("failed to release slot", "team", team, "error", err)
	}
}

// runPipeline moves an admitted ticket to processing and executes runs
// until one completes, the run budget is spent, or the ticket is stopped.
func (o *Orchestrator) runPipeline(ctx context.Context, ticketID string, flag *atomic.Bool) {
	t, err := o.store.TransitionTicketFrom(ticketID, models.TicketStatusQueued, models.TicketStatusProcessing, nil)
	if err != nil {
		// Held or escalated between admission and start.
		o.logger.Info("admitted ticket no longer queued", "ticket", ticketID, "error", err)
		return
	}
	o.transitioned(t, models.TicketStatusQueued, "admitted")

	p := o.pipelineFor(t.OperationType)

	for {
		if flag.Load() || ctx.Err() != nil {
			return
		}
		run, outputs, err := o.executeRun(ctx, t, p, flag)
		if run == nil {
			o.countRunFailure(ctx, ticketID, err.Error(), true)
			return
		}
		if err == nil {
			o.finishVerification(ctx, ticketID, run, outputs)
			return
		}
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			// Hold and escalate own the status; shutdown leaves the
			// ticket processing for Recover.
			return
		}
		if exhausted := o.countRunFailure(ctx, ticketID, err.Error(), false); exhausted {
			return
		}
		if t, err = o.store.GetTicket(ticketID); err != nil || t.Status != models.TicketStatusProcessing {
			return
		}
	}
}

// executeRun opens a run and executes every hop of the pipeline in order.
// Each hop sees the outputs of the hops before it. A nil run means the run
// could not be created.
func (o *Orchestrator) executeRun(ctx context.Context, t *models.Ticket, p Pipeline, flag *atomic.Bool) (*models.Run, []string, error) {
	run, err := o.store.CreateRun(t.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	o.record(t.ID, auditAgent, "run_started", fmt.Sprintf("run %d, %d hops", run.RunNumber, len(p.Hops)))
	o.emit(events.Event{Type: events.RunStarted, TicketID: t.ID, Team: string(p.Team), Data: map[string]any{"run": run.RunNumber}})

	replies := o.userReplies(t.ID)
	var (
		outputs []string
		chain   []string
	)
	for i, hop := range p.Hops {
		if flag.Load() {
			err = errStopped
			break
		}
		var out agent.StepResult
		var name string
		name, out, err = o.executeHop(ctx, t, run, i+1, hop, replies, outputs)
		chain = append(chain, name)
		run.TokensUsed += out.Tokens()
		if err != nil {
			break
		}
		outputs = append(outputs, out.Output)
	}

	done := time.Now().UTC()
	run.CompletedAt = &done
	run.DurationMs = done.Sub(run.StartedAt).Milliseconds()
	if err != nil {
		run.Status = models.RunStatusFailed
		run.ErrorMessage = err.Error()
		run.ErrorStack = strings.Join(chain, " > ")
	} else {
		run.Status = models.RunStatusCompleted
	}
	if uerr := o.store.UpdateRun(run); uerr != nil {
		o.logger.Error("failed to update run", "run", run.ID, "error", uerr)
	}

	if err != nil {
		o.record(t.ID, auditAgent, "run_failed", fmt.Sprintf("run %d: %v", run.RunNumber, err))
		o.emit(events.Event{Type: events.RunFailed, TicketID: t.ID, Team: string(p.Team), Message: err.Error(), Data: map[string]any{"run": run.RunNumber}})
		return run, outputs, err
	}
	o.record(t.ID, auditAgent, "run_completed", fmt.Sprintf("run %d, %d tokens", run.RunNumber, run.TokensUsed))
	o.emit(events.Event{Type: events.RunCompleted, TicketID: t.ID, Team: string(p.Team), Data: map[string]any{"run": run.RunNumber, "tokens": run.TokensUsed}})
	return run, outputs, nil
}

// executeHop routes a hop to a tree node and runs it as one step.
func (o *Orchestrator) executeHop(ctx context.Context, t *models.Ticket, run *models.Run, number int, hop Hop, replies, previous []string) (string, agent.StepResult, error) {
	route, err := o.tree.RouteAt(t.OperationType, hop.Role, hop.Capability)
	if err != nil {
		return hop.Role.String(), agent.StepResult{}, fmt.Errorf("route %s hop: %w", hop.Role, err)
	}
	node := route.Node
	if !route.Exact {
		o.logger.Debug("hop routed to fallback node", "ticket", t.ID, "role", hop.Role, "node", node.Name)
	}

	step, err := o.store.CreateStep(run.ID, node.Name, hop.Deliverable)
	if err != nil {
		return node.Name, agent.StepResult{}, fmt.Errorf("create step: %w", err)
	}
	started := time.Now().UTC()
	step.Status = models.StepStatusProcessing
	step.StartedAt = &started
	if err := o.store.UpdateStep(step); err != nil {
		o.logger.Error("failed to update step", "step", step.ID, "error", err)
	}

	role := o.roles.Role(hop.Role)
	req := agent.StepRequest{
		TicketID:    t.ID,
		RunID:       run.ID,
		StepNumber:  number,
		Agent:       node.Name,
		Role:        hop.Role,
		Capability:  hop.Capability,
		Deliverable: hop.Deliverable,
		Model:       role.Model,
		System:      agent.DefaultSystemPrompt(node.Name, hop.Role, role.Permissions),
		Prompt: agent.DefaultPrompt(agent.PromptInput{
			Title:       t.Title,
			Body:        t.Body,
			Replies:     replies,
			Deliverable: hop.Deliverable,
			Previous:    previous,
		}),
	}

	by, oerr := o.tree.Occupy(node.ID)
	tracked := oerr == nil
	if by != "" {
		o.logger.Debug("hop delegated", "ticket", t.ID, "node", node.Name, "parent", by)
	}
	o.converse(node.ID, "user", req.Prompt)

	res, err := o.runStep(ctx, req)

	finished := time.Now().UTC()
	step.CompletedAt = &finished
	step.DurationMs = finished.Sub(started).Milliseconds()
	step.TokensUsed = res.Tokens()
	if err != nil {
		step.Status = models.StepStatusFailed
		step.Error = err.Error()
	} else {
		step.Status = models.StepStatusCompleted
		step.Response = res.Output
		o.converse(node.ID, "assistant", res.Output)
	}
	if uerr := o.store.UpdateStep(step); uerr != nil {
		o.logger.Error("failed to update step", "step", step.ID, "error", uerr)
	}

	if tracked {
		if ferr := o.tree.Finish(node.ID, err == nil, res.Tokens()); ferr != nil {
			o.logger.Warn("failed to finish tree node", "node", node.Name, "error", ferr)
		}
	} else if res.Tokens() > 0 {
		_ = o.tree.AddTokens(node.ID, res.Tokens())
	}

	data := map[string]any{"step": number, "deliverable": hop.Deliverable, "tokens": res.Tokens()}
	if err != nil {
		o.record(t.ID, node.Name, "step_failed", fmt.Sprintf("step %d (%s): %v", number, hop.Deliverable, err))
		o.emit(events.Event{Type: events.StepFailed, TicketID: t.ID, Agent: node.Name, Message: err.Error(), Data: data})
		return node.Name, res, err
	}
	o.record(t.ID, node.Name, "step_completed", fmt.Sprintf("step %d (%s), %d tokens", number, hop.Deliverable, res.Tokens()))
	o.emit(events.Event{Type: events.StepCompleted, TicketID: t.ID, Agent: node.Name, Data: data})
	return node.Name, res, nil
}

// runStep executes a step with the step timeout, retrying transient
// failures with linear backoff. A timeout is not retried here; it fails
// the step and counts against the run budget.
func (o *Orchestrator) runStep(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
	var (
		res     agent.StepResult
		lastErr error
	)
	retryable := func(attempt uint) bool {
		return attempt == 0 || (errors.IsRetryable(lastErr) && ctx.Err() == nil)
	}

	err := retry.Retry(func(attempt uint) error {
		stepCtx, cancel := context.WithTimeout(ctx, o.policy.StepTimeout)
		defer cancel()

		out, err := o.exec.Execute(stepCtx, req)
		if err != nil {
			if ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				err = errors.NewAgentStepFailure(req.Agent, false, fmt.Errorf("timed out after %s: %w", o.policy.StepTimeout, err))
			}
			if attempt > 0 {
				o.logger.Debug("step attempt failed", "agent", req.Agent, "attempt", attempt+1, "error", err)
			}
			lastErr = err
			return err
		}
		res = out
		return nil
	},
		retryable,
		strategy.Limit(uint(o.policy.StepAttempts)),
		strategy.Backoff(backoff.Linear(o.policy.StepBackoff)),
	)
	if err != nil {
		var sf *errors.AgentStepFailure
		if !errors.As(err, &sf) {
			err = errors.NewAgentStepFailure(req.Agent, false, err)
		}
		return res, err
	}
	return res, nil
}

// countRunFailure records a failed run against the ticket. Once the run
// budget is spent the ticket fails and an escalation signal fires; it
// reports whether that happened. With requeue set, a ticket with budget
// left goes back to its queue instead of being retried in place.
func (o *Orchestrator) countRunFailure(ctx context.Context, ticketID, reason string, requeue bool) bool {
	ts := time.Now().UTC()
	t, err := o.store.ModifyTicket(ticketID, func(t *models.Ticket) error {
		t.FailedRuns++
		t.LastError = reason
		t.LastErrorAt = &ts
		return nil
	})
	if err != nil {
		o.logger.Error("failed to count run failure", "ticket", ticketID, "error", err)
		return true
	}
	if t.Status != models.TicketStatusProcessing {
		return true
	}

	if t.FailedRuns >= o.policy.MaxTicketRetries {
		reason = fmt.Sprintf("run failed %d times: %s", t.FailedRuns, reason)
		failed, err := o.store.TransitionTicketFrom(ticketID, models.TicketStatusProcessing, models.TicketStatusFailed, nil)
		if err != nil {
			o.logger.Warn("failed to fail ticket", "ticket", ticketID, "error", err)
			return true
		}
		o.transitioned(failed, models.TicketStatusProcessing, "run budget exhausted")
		o.signalEscalation(ctx, failed, reason)
		return true
	}

	o.logger.Info("run failed, retrying", "ticket", ticketID, "failed_runs", t.FailedRuns, "max", o.policy.MaxTicketRetries)
	if requeue {
		o.requeue(t, models.TicketStatusProcessing, reason, nil)
	}
	return false
}

// requeue moves a ticket back to queued from the given status and puts it
// back on its team queue.
func (o *Orchestrator) requeue(t *models.Ticket, from models.TicketStatus, reason string, mutate func(*models.Ticket)) {
	queued, err := o.store.TransitionTicketFrom(t.ID, from, models.TicketStatusQueued, mutate)
	if err != nil {
		o.logger.Warn("failed to requeue ticket", "ticket", t.ID, "error", err)
		return
	}
	o.transitioned(queued, from, reason)
	if err := o.queue.Enqueue(queued.AssignedQueue, queued.ID, queued.Priority); err != nil && !errors.Is(err, errors.ErrDuplicate) {
		o.logger.Error("failed to re-enqueue ticket", "ticket", t.ID, "error", err)
	}
}

// finishVerification verifies a completed run and applies the outcome:
// resolve, requeue for another run, or fail once the attempt budget is
// spent. A verifier error parks the ticket for human review.
func (o *Orchestrator) finishVerification(ctx context.Context, ticketID string, run *models.Run, outputs []string) {
	t, err := o.store.TransitionTicketFrom(ticketID, models.TicketStatusProcessing, models.TicketStatusVerifying, nil)
	if err != nil {
		o.logger.Info("completed ticket no longer processing", "ticket", ticketID, "error", err)
		return
	}
	o.transitioned(t, models.TicketStatusProcessing, fmt.Sprintf("run %d completed", run.RunNumber))

	attempt, err := o.vpolicy.NextAttempt(t.VerificationAttempts)
	if err != nil {
		o.failVerifying(ctx, t, err.Error(), t.VerificationAttempts)
		return
	}

	res, err := o.verifier.Verify(ctx, verification.Input{
		TicketID: t.ID,
		Title:    t.Title,
		Body:     t.Body,
		Outputs:  outputs,
		Attempt:  attempt,
	})
	if err != nil {
		ts := time.Now().UTC()
		held, terr := o.store.TransitionTicketFrom(t.ID, models.TicketStatusVerifying, models.TicketStatusInReview, func(t *models.Ticket) {
			t.ProcessingStatus = models.ProcessingHolding
			t.LastError = "verifier error: " + err.Error()
			t.LastErrorAt = &ts
		})
		if terr != nil {
			o.logger.Error("failed to park ticket for review", "ticket", t.ID, "error", terr)
			return
		}
		o.record(t.ID, "verifier", "verify_error", err.Error())
		o.transitioned(held, models.TicketStatusVerifying, "verifier error")
		return
	}

	run.VerifyAttempt = attempt
	run.VerifyPassed = res.Passed
	run.VerifyScore = res.Score
	run.FailureDetails = res.Details
	if res.Passed && t.FlaggedReview {
		run.Status = models.RunStatusReviewFlagged
	}
	if err := o.store.UpdateRun(run); err != nil {
		o.logger.Error("failed to record verification on run", "run", run.ID, "error", err)
	}
	o.record(t.ID, "verifier", "verified", fmt.Sprintf("attempt %d: %s", attempt, res.Summary))
	o.emit(events.Event{
		Type:     events.Verified,
		TicketID: t.ID,
		Team:     string(t.AssignedQueue),
		Message:  res.Summary,
		Data:     map[string]any{"attempt": attempt, "passed": res.Passed, "score": res.Score},
	})

	outcome, verr := o.vpolicy.Judge(attempt, res)
	switch outcome {
	case verification.OutcomeResolve:
		resolved, err := o.store.TransitionTicketFrom(t.ID, models.TicketStatusVerifying, models.TicketStatusResolved, func(t *models.Ticket) {
			t.VerificationAttempts = attempt
			t.ProcessingStatus = models.ProcessingNone
			t.LastError = ""
			t.LastErrorAt = nil
		})
		if err != nil {
			o.logger.Error("failed to resolve ticket", "ticket", t.ID, "error", err)
			return
		}
		o.transitioned(resolved, models.TicketStatusVerifying, fmt.Sprintf("verified with score %d", res.Score))
		o.logger.Info("ticket resolved", "ticket", t.ID, "number", t.Number, "score", res.Score, "attempt", attempt)

	case verification.OutcomeRequeue:
		ts := time.Now().UTC()
		o.requeue(t, models.TicketStatusVerifying, fmt.Sprintf("verification attempt %d failed", attempt), func(t *models.Ticket) {
			t.VerificationAttempts = attempt
			t.FailedRuns = 0
			t.LastError = verr.Error()
			t.LastErrorAt = &ts
		})

	case verification.OutcomeFail:
		o.failVerifying(ctx, t, verr.Error(), attempt)
	}
}

func (o *Orchestrator) failVerifying(ctx context.Context, t *models.Ticket, reason string, attempts int) {
	ts := time.Now().UTC()
	failed, err := o.store.TransitionTicketFrom(t.ID, models.TicketStatusVerifying, models.TicketStatusFailed, func(t *models.Ticket) {
		t.VerificationAttempts = attempts
		t.LastError = reason
		t.LastErrorAt = &ts
	})
	if err != nil {
		o.logger.Error("failed to fail ticket", "ticket", t.ID, "error", err)
		return
	}
	o.transitioned(failed, models.TicketStatusVerifying, "verification attempts exhausted")
	o.signalEscalation(ctx, failed, reason)
}

func (o *Orchestrator) userReplies(ticketID string) []string {
	replies, err := o.store.ListReplies(ticketID)
	if err != nil {
		o.logger.Warn("failed to load replies", "ticket", ticketID, "error", err)
		return nil
	}
	var out []string
	for _, r := range replies {
		if r.Author == models.AuthorUser {
			out = append(out, r.Body)
		}
	}
	return out
}

func (o *Orchestrator) converse(nodeID, role, content string) {
	if err := o.tree.AppendConversation(nodeID, role, truncate(content, conversationLimit)); err != nil {
		o.logger.Debug("failed to append conversation", "node", nodeID, "error", err)
	}
}
