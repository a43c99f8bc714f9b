// Package agent executes pipeline steps against a model backend and holds
// the static role permission and model tables.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// StepRequest is one agent hop within a run.
type StepRequest struct {
	TicketID    string
	RunID       string
	StepNumber  int
	Agent       string
	Role        models.Level
	Capability  models.Capability
	Deliverable string
	// Model overrides the executor's default model when set.
	Model  string
	System string
	Prompt string
}

// StepResult is the output of a successful step.
type StepResult struct {
	Output    string
	TokensIn  int64
	TokensOut int64
}

// Tokens returns input plus output tokens.
func (r StepResult) Tokens() int64 {
	return r.TokensIn + r.TokensOut
}

// Executor runs a single step. Transient failures are returned as
// *errors.AgentStepFailure with Transient set.
type Executor interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

// FuncExecutor adapts a function to the Executor interface.
type FuncExecutor func(ctx context.Context, req StepRequest) (StepResult, error)

// Execute calls f.
func (f FuncExecutor) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	return f(ctx, req)
}

// EchoExecutor is an offline executor that returns the prompt back as the
// deliverable. It is used when no model backend is configured.
type EchoExecutor struct{}

// Execute implements Executor.
func (EchoExecutor) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	out := fmt.Sprintf("[%s] %s\n\n%s", req.Agent, req.Deliverable, req.Prompt)
	return StepResult{
		Output:    out,
		TokensIn:  int64(len(strings.Fields(req.System + " " + req.Prompt))),
		TokensOut: int64(len(strings.Fields(out))),
	}, nil
}

// PromptInput is the context a default prompt is built from.
type PromptInput struct {
	Title       string
	Body        string
	Replies     []string
	Deliverable string
	// Previous holds outputs of earlier steps in the same run.
	Previous []string
}

// DefaultSystemPrompt returns a minimal system prompt for a role.
func DefaultSystemPrompt(agentName string, role models.Level, perms []Permission) string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return fmt.Sprintf("You are %s, acting as the %s in a ticket pipeline. Allowed actions: %s. Answer with the requested deliverable only.",
		agentName, role, strings.Join(names, ", "))
}

// DefaultPrompt returns a minimal user prompt for a step.
func DefaultPrompt(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket: %s\n\n%s\n", in.Title, in.Body)
	if len(in.Replies) > 0 {
		b.WriteString("\nClarifications:\n")
		for _, r := range in.Replies {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(in.Previous) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for i, p := range in.Previous {
			fmt.Fprintf(&b, "--- step %d ---\n%s\n", i+1, p)
		}
	}
	fmt.Fprintf(&b, "\nProduce: %s\n", in.Deliverable)
	return b.String()
}
