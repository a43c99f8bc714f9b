// Package tools is the surface agent runners use to pull work, report
// results and talk to other agents in the hierarchy.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Tickets is the part of the orchestrator the tools drive.
type Tickets interface {
	Claim(ctx context.Context, team models.Team) (*orchestrator.Assignment, error)
	Complete(ctx context.Context, ticketID string, rep orchestrator.Report) (*models.Ticket, error)
	Ask(ctx context.Context, ticketID, agentName, question string) (*models.Reply, error)
	Errors(ticketID string) (*orchestrator.TicketErrors, error)
}

// Agents resolves and records conversations with tree nodes.
type Agents interface {
	FindByName(query string) (models.AgentTreeNode, error)
	AppendConversation(id, role, content string) error
	AddTokens(id string, tokens int64) error
}

// Service implements the tool operations independent of any transport.
type Service struct {
	tickets Tickets
	agents  Agents
	exec    agent.Executor
	roles   *agent.RoleTable
	logger  *slog.Logger
	// root bounds scanCodeBase. Empty means the working directory.
	root string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRoles sets the role table used for callAgent prompts.
func WithRoles(r *agent.RoleTable) Option {
	return func(s *Service) { s.roles = r }
}

// WithRoot restricts scanCodeBase to paths under root.
func WithRoot(root string) Option {
	return func(s *Service) { s.root = root }
}

// NewService creates a tool service.
func NewService(tickets Tickets, agents Agents, exec agent.Executor, opts ...Option) *Service {
	s := &Service{
		tickets: tickets,
		agents:  agents,
		exec:    exec,
		roles:   agent.DefaultRoles(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tools")
	return s
}

// GetNextTask claims the next ticket for team. An empty team tries every
// team in order and skips teams that are full. It returns nil when there
// is nothing to do.
func (s *Service) GetNextTask(ctx context.Context, team string) (*orchestrator.Assignment, error) {
	teams := models.AllTeams()
	if team != "" {
		t := models.Team(team)
		if !t.Valid() {
			return nil, errors.NewValidationError("team", fmt.Sprintf("unknown team %q", team))
		}
		teams = []models.Team{t}
	}

	for _, t := range teams {
		a, err := s.tickets.Claim(ctx, t)
		var deferred *errors.AdmissionDeferred
		switch {
		case errors.As(err, &deferred):
			continue
		case err != nil:
			return nil, fmt.Errorf("claim %s: %w", t, err)
		case a != nil:
			s.logger.Info("task claimed", "ticket", a.Ticket.ID, "team", t, "agent", a.Agent)
			return a, nil
		}
	}
	return nil, nil
}

// ReportTaskDone records a runner's result.
func (s *Service) ReportTaskDone(ctx context.Context, ticketID string, rep orchestrator.Report) (*models.Ticket, error) {
	if strings.TrimSpace(ticketID) == "" {
		return nil, errors.NewValidationError("ticket_id", "required")
	}
	return s.tickets.Complete(ctx, ticketID, rep)
}

// AskQuestion raises a question to the ticket's user.
func (s *Service) AskQuestion(ctx context.Context, ticketID, agentName, question string) (*models.Reply, error) {
	if strings.TrimSpace(ticketID) == "" {
		return nil, errors.NewValidationError("ticket_id", "required")
	}
	if agentName == "" {
		agentName = "runner"
	}
	return s.tickets.Ask(ctx, ticketID, agentName, question)
}

// GetErrors returns the failure history of a ticket.
func (s *Service) GetErrors(ticketID string) (*orchestrator.TicketErrors, error) {
	if strings.TrimSpace(ticketID) == "" {
		return nil, errors.NewValidationError("ticket_id", "required")
	}
	return s.tickets.Errors(ticketID)
}

// CallResult is an agent's answer to CallAgent.
type CallResult struct {
	NodeID string       `json:"node_id"`
	Agent  string       `json:"agent"`
	Level  models.Level `json:"level"`
	Output string       `json:"output"`
	Tokens int64        `json:"tokens"`
}

// CallAgent sends message to the node best matching name and records the
// exchange in that node's conversation.
func (s *Service) CallAgent(ctx context.Context, name, message, extra string) (*CallResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, errors.NewValidationError("message", "required")
	}
	node, err := s.agents.FindByName(name)
	if err != nil {
		return nil, err
	}

	prompt := message
	if extra != "" {
		prompt = fmt.Sprintf("%s\n\nContext:\n%s", message, extra)
	}
	role := s.roles.Role(node.Level)
	res, err := s.exec.Execute(ctx, agent.StepRequest{
		Agent:       node.Name,
		Role:        node.Level,
		Capability:  node.Capability,
		Deliverable: "answer",
		Model:       role.Model,
		System:      agent.DefaultSystemPrompt(node.Name, node.Level, role.Permissions),
		Prompt:      prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", node.Name, err)
	}

	if err := s.agents.AppendConversation(node.ID, "user", prompt); err != nil {
		return nil, err
	}
	if err := s.agents.AppendConversation(node.ID, "assistant", res.Output); err != nil {
		return nil, err
	}
	if err := s.agents.AddTokens(node.ID, res.Tokens()); err != nil {
		s.logger.Warn("failed to record tokens", "node", node.ID, "error", err)
	}

	return &CallResult{
		NodeID: node.ID,
		Agent:  node.Name,
		Level:  node.Level,
		Output: res.Output,
		Tokens: res.Tokens(),
	}, nil
}
