package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
)

// args is the decoded argument object of one tool call.
type args map[string]any

func (a args) str(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

func (a args) boolean(key string) bool {
	v, _ := a[key].(bool)
	return v
}

func (a args) integer(key string) int64 {
	switch v := a[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func (a args) strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

type toolFunc func(ctx context.Context, a args) (any, error)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// wrap adapts a toolFunc to the MCP handler signature. Tool errors are
// returned as error results so the runner sees them as content.
func wrap(f toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := f(ctx, args(req.GetArguments()))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(out)
	}
}

func (s *Service) getNextTask(ctx context.Context, a args) (any, error) {
	task, err := s.GetNextTask(ctx, a.str("team"))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return map[string]any{"task": nil, "message": "no work available"}, nil
	}
	return task, nil
}

func (s *Service) reportTaskDone(ctx context.Context, a args) (any, error) {
	return s.ReportTaskDone(ctx, a.str("ticket_id"), orchestrator.Report{
		Output:  a.str("output"),
		Success: a.boolean("success"),
		Tokens:  a.integer("tokens"),
		Error:   a.str("error"),
	})
}

func (s *Service) askQuestion(ctx context.Context, a args) (any, error) {
	return s.AskQuestion(ctx, a.str("ticket_id"), a.str("agent"), a.str("question"))
}

func (s *Service) getErrors(_ context.Context, a args) (any, error) {
	return s.GetErrors(a.str("ticket_id"))
}

func (s *Service) callAgent(ctx context.Context, a args) (any, error) {
	return s.CallAgent(ctx, a.str("name"), a.str("message"), a.str("context"))
}

func (s *Service) scanCodeBase(ctx context.Context, a args) (any, error) {
	return s.ScanCodeBase(ctx, ScanRequest{
		Root:    a.str("root"),
		Include: a.strings("include"),
		Exclude: a.strings("exclude"),
		Limit:   int(a.integer("limit")),
	})
}

// NewMCPServer registers every tool of s on a new MCP server.
func NewMCPServer(s *Service, version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"switchboard",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	srv.AddTool(mcp.NewTool("getNextTask",
		mcp.WithDescription("Claim the next queued ticket. Returns the assignment or a no-work message."),
		mcp.WithString("team", mcp.Description("Team to pull from. Empty tries every team.")),
	), wrap(s.getNextTask))

	srv.AddTool(mcp.NewTool("reportTaskDone",
		mcp.WithDescription("Report the result of a claimed ticket."),
		mcp.WithString("ticket_id", mcp.Required()),
		mcp.WithString("output", mcp.Description("Deliverable produced for the ticket.")),
		mcp.WithBoolean("success", mcp.Required()),
		mcp.WithNumber("tokens", mcp.Description("Tokens consumed.")),
		mcp.WithString("error", mcp.Description("Failure reason when success is false.")),
	), wrap(s.reportTaskDone))

	srv.AddTool(mcp.NewTool("askQuestion",
		mcp.WithDescription("Ask the ticket's user a question and hold the ticket for the answer."),
		mcp.WithString("ticket_id", mcp.Required()),
		mcp.WithString("question", mcp.Required()),
		mcp.WithString("agent", mcp.Description("Name of the asking agent.")),
	), wrap(s.askQuestion))

	srv.AddTool(mcp.NewTool("getErrors",
		mcp.WithDescription("Failed runs and steps of a ticket."),
		mcp.WithString("ticket_id", mcp.Required()),
	), wrap(s.getErrors))

	srv.AddTool(mcp.NewTool("callAgent",
		mcp.WithDescription("Send a message to an agent in the hierarchy, matched by name."),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("message", mcp.Required()),
		mcp.WithString("context", mcp.Description("Extra context appended to the message.")),
	), wrap(s.callAgent))

	srv.AddTool(mcp.NewTool("scanCodeBase",
		mcp.WithDescription("List files under a root filtered by glob patterns."),
		mcp.WithString("root", mcp.Description("Directory to scan, relative to the workspace.")),
		mcp.WithArray("include", mcp.Description("Glob patterns to include."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("exclude", mcp.Description("Glob patterns to exclude."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("limit", mcp.Description("Maximum files returned.")),
	), wrap(s.scanCodeBase))

	return srv
}

// ServeStdio runs the MCP server on stdin and stdout until the client
// disconnects.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}
