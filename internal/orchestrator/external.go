package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// claim tracks a ticket handed to an external runner.
type claim struct {
	team    models.Team
	run     *models.Run
	step    *models.Step
	started time.Time
}

// Assignment is a ticket claimed by an external runner.
type Assignment struct {
	Ticket      models.Ticket `json:"ticket"`
	RunID       string        `json:"run_id"`
	StepID      string        `json:"step_id"`
	Agent       string        `json:"agent"`
	Deliverable string        `json:"deliverable"`
	Prompt      string        `json:"prompt"`
}

// Report is an external runner's result for a claimed ticket.
type Report struct {
	Output  string `json:"output"`
	Success bool   `json:"success"`
	Tokens  int64  `json:"tokens"`
	Error   string `json:"error,omitempty"`
}

// Claim admits the next ticket on team for an external runner. It
// returns nil when the queue is empty and *errors.AdmissionDeferred when
// the team has no free slot. The runner performs the pipeline's worker
// hop and reports back through Complete.
func (o *Orchestrator) Claim(ctx context.Context, team models.Team) (*Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := o.queue.Admit(team)
	if err != nil || id == "" {
		return nil, err
	}

	t, err := o.store.TransitionTicketFrom(id, models.TicketStatusQueued, models.TicketStatusProcessing, nil)
	if err != nil {
		o.releaseSlot(team)
		return nil, err
	}
	o.transitioned(t, models.TicketStatusQueued, "claimed by external runner")

	p := o.pipelineFor(t.OperationType)
	hop := p.WorkerHop()
	agentName := hop.Role.String()
	if route, err := o.tree.RouteAt(t.OperationType, hop.Role, hop.Capability); err == nil {
		agentName = route.Node.Name
	}

	run, err := o.store.CreateRun(t.ID)
	if err != nil {
		o.releaseSlot(team)
		o.requeue(t, models.TicketStatusProcessing, "claim failed", nil)
		return nil, err
	}
	step, err := o.store.CreateStep(run.ID, agentName, hop.Deliverable)
	if err != nil {
		o.releaseSlot(team)
		o.requeue(t, models.TicketStatusProcessing, "claim failed", nil)
		return nil, err
	}
	started := time.Now().UTC()
	step.Status = models.StepStatusProcessing
	step.StartedAt = &started
	if err := o.store.UpdateStep(step); err != nil {
		o.logger.Error("failed to update step", "step", step.ID, "error", err)
	}

	o.mu.Lock()
	o.claims[t.ID] = claim{team: team, run: run, step: step, started: started}
	o.mu.Unlock()

	o.record(t.ID, agentName, "claimed", fmt.Sprintf("run %d, %s", run.RunNumber, hop.Deliverable))
	o.emit(events.Event{Type: events.RunStarted, TicketID: t.ID, Team: string(team), Agent: agentName, Data: map[string]any{"run": run.RunNumber, "external": true}})

	return &Assignment{
		Ticket:      *t,
		RunID:       run.ID,
		StepID:      step.ID,
		Agent:       agentName,
		Deliverable: hop.Deliverable,
		Prompt: agent.DefaultPrompt(agent.PromptInput{
			Title:       t.Title,
			Body:        t.Body,
			Replies:     o.userReplies(t.ID),
			Deliverable: hop.Deliverable,
		}),
	}, nil
}

// Complete records an external runner's result. Reports for tickets that
// are not claimed or no longer processing are ignored, so a duplicate or
// late report never moves a ticket twice.
func (o *Orchestrator) Complete(ctx context.Context, ticketID string, rep Report) (*models.Ticket, error) {
	o.mu.Lock()
	c, claimed := o.claims[ticketID]
	delete(o.claims, ticketID)
	o.mu.Unlock()

	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		if claimed {
			o.releaseSlot(c.team)
		}
		return nil, err
	}
	if !claimed {
		o.logger.Debug("ignoring report for unclaimed ticket", "ticket", ticketID, "status", t.Status)
		return t, nil
	}
	o.releaseSlot(c.team)
	if t.Status != models.TicketStatusProcessing {
		o.logger.Info("ignoring report for ticket that moved on", "ticket", ticketID, "status", t.Status)
		return t, nil
	}

	done := time.Now().UTC()
	c.step.CompletedAt = &done
	c.step.DurationMs = done.Sub(c.started).Milliseconds()
	c.step.TokensUsed = rep.Tokens
	c.run.CompletedAt = &done
	c.run.DurationMs = done.Sub(c.run.StartedAt).Milliseconds()
	c.run.TokensUsed = rep.Tokens

	if rep.Success {
		c.step.Status = models.StepStatusCompleted
		c.step.Response = rep.Output
		c.run.Status = models.RunStatusCompleted
	} else {
		reason := rep.Error
		if strings.TrimSpace(reason) == "" {
			reason = "external runner reported failure"
		}
		c.step.Status = models.StepStatusFailed
		c.step.Error = reason
		c.run.Status = models.RunStatusFailed
		c.run.ErrorMessage = reason
		c.run.ErrorStack = c.step.AgentName
	}
	if err := o.store.UpdateStep(c.step); err != nil {
		o.logger.Error("failed to update step", "step", c.step.ID, "error", err)
	}
	if err := o.store.UpdateRun(c.run); err != nil {
		o.logger.Error("failed to update run", "run", c.run.ID, "error", err)
	}

	if rep.Success {
		o.record(ticketID, c.step.AgentName, "step_completed", fmt.Sprintf("external, %d tokens", rep.Tokens))
		o.emit(events.Event{Type: events.RunCompleted, TicketID: ticketID, Team: string(c.team), Agent: c.step.AgentName})
		o.finishVerification(ctx, ticketID, c.run, []string{rep.Output})
	} else {
		o.record(ticketID, c.step.AgentName, "step_failed", c.run.ErrorMessage)
		o.emit(events.Event{Type: events.RunFailed, TicketID: ticketID, Team: string(c.team), Agent: c.step.AgentName, Message: c.run.ErrorMessage})
		o.countRunFailure(ctx, ticketID, c.run.ErrorMessage, true)
	}
	return o.store.GetTicket(ticketID)
}

// Ask posts an agent question on a ticket thread and parks the ticket
// until a user replies. Asking the same question twice adds one reply.
func (o *Orchestrator) Ask(ctx context.Context, ticketID, agentName, question string) (*models.Reply, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.NewValidationError("question", "is required")
	}
	if _, err := o.store.GetTicket(ticketID); err != nil {
		return nil, err
	}
	replies, err := o.store.ListReplies(ticketID)
	if err != nil {
		return nil, err
	}
	for i := range replies {
		if replies[i].Author == models.AuthorAgent && replies[i].Body == question {
			return &replies[i], nil
		}
	}

	reply := &models.Reply{TicketID: ticketID, Author: models.AuthorAgent, Body: question}
	if err := o.store.AddReply(reply); err != nil {
		return nil, err
	}
	if _, err := o.store.ModifyTicket(ticketID, func(t *models.Ticket) error {
		t.ProcessingStatus = models.ProcessingHolding
		return nil
	}); err != nil {
		return reply, err
	}
	if agentName == "" {
		agentName = "agent"
	}
	o.record(ticketID, agentName, "question", truncate(question, 200))
	o.emit(events.Event{Type: events.ReplyAdded, TicketID: ticketID, Agent: agentName, Message: question})
	return reply, ctx.Err()
}

// TicketErrors is the failure history of one ticket.
type TicketErrors struct {
	Ticket      models.Ticket `json:"ticket"`
	FailedSteps []models.Step `json:"failed_steps"`
	FailedRuns  []models.Run  `json:"failed_runs"`
}

// Errors returns the last error and every failed run and step of a ticket.
func (o *Orchestrator) Errors(ticketID string) (*TicketErrors, error) {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.ListFailedSteps(ticketID)
	if err != nil {
		return nil, err
	}
	runs, err := o.store.ListRuns(ticketID)
	if err != nil {
		return nil, err
	}
	out := &TicketErrors{Ticket: *t, FailedSteps: steps}
	for _, r := range runs {
		if r.Status == models.RunStatusFailed || (r.VerifyAttempt > 0 && !r.VerifyPassed) {
			out.FailedRuns = append(out.FailedRuns, r)
		}
	}
	return out, nil
}
