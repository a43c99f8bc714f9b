// Package client talks to a running switchboard server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/switchboard/internal/boss"
	"github.com/ShayCichocki/switchboard/internal/clarity"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const defaultTimeout = 15 * time.Second

// Client is a thin JSON client for /api/v1.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL. A bare host:port gets an http scheme.
func New(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// BaseURL returns the server root the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (http %d): %s", e.Code, e.Status, e.Message)
}

// Health is the server liveness summary.
type Health struct {
	Status   string                      `json:"status"`
	Tickets  map[models.TicketStatus]int `json:"tickets"`
	Pending  int                         `json:"pending"`
	InFlight int                         `json:"in_flight"`
}

// Health fetches the liveness summary.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/healthz", nil, nil, &out)
	return out, err
}

// NewTicket is the create request.
type NewTicket struct {
	Title         string `json:"title"`
	Body          string `json:"body,omitempty"`
	Priority      string `json:"priority,omitempty"`
	OperationType string `json:"operation_type,omitempty"`
	Creator       string `json:"creator,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
}

// CreateTicket submits a ticket and returns it with the gate's evaluation.
func (c *Client) CreateTicket(ctx context.Context, t NewTicket) (*models.Ticket, clarity.Evaluation, error) {
	var out struct {
		Ticket  models.Ticket      `json:"ticket"`
		Clarity clarity.Evaluation `json:"clarity"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tickets", nil, t, &out); err != nil {
		return nil, clarity.Evaluation{}, err
	}
	return &out.Ticket, out.Clarity, nil
}

// ListOptions filters ListTickets.
type ListOptions struct {
	Status        []string
	Team          string
	OperationType string
	ParentID      string
	Limit         int
}

// ListTickets returns tickets matching opts.
func (c *Client) ListTickets(ctx context.Context, opts ListOptions) ([]models.Ticket, error) {
	q := url.Values{}
	if len(opts.Status) > 0 {
		q.Set("status", strings.Join(opts.Status, ","))
	}
	setIf(q, "team", opts.Team)
	setIf(q, "operation_type", opts.OperationType)
	setIf(q, "parent_id", opts.ParentID)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/tickets", q, nil, &out)
	return out.Tickets, err
}

// GetTicket fetches one ticket.
func (c *Client) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var out struct {
		Ticket models.Ticket `json:"ticket"`
	}
	if err := c.doJSON(ctx, http.MethodGet, ticketPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Ticket, nil
}

// Replies lists a ticket's conversation.
func (c *Client) Replies(ctx context.Context, id string) ([]models.Reply, error) {
	var out struct {
		Replies []models.Reply `json:"replies"`
	}
	err := c.doJSON(ctx, http.MethodGet, ticketPath(id)+"/replies", nil, nil, &out)
	return out.Replies, err
}

// AddReply posts a reply. The evaluation is non-nil when the reply
// re-ran the clarity gate.
func (c *Client) AddReply(ctx context.Context, id, author, body string) (*models.Reply, *clarity.Evaluation, error) {
	var out struct {
		Reply   models.Reply        `json:"reply"`
		Clarity *clarity.Evaluation `json:"clarity"`
	}
	payload := map[string]string{"author": author, "body": body}
	if err := c.doJSON(ctx, http.MethodPost, ticketPath(id)+"/replies", nil, payload, &out); err != nil {
		return nil, nil, err
	}
	return &out.Reply, out.Clarity, nil
}

// Action runs a lifecycle action (retry, reopen, hold, resume, escalate).
func (c *Client) Action(ctx context.Context, id, action, reason string) (*models.Ticket, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out struct {
		Ticket models.Ticket `json:"ticket"`
	}
	if err := c.doJSON(ctx, http.MethodPost, ticketPath(id)+"/"+url.PathEscape(action), nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Ticket, nil
}

// Export fetches a ticket bundle.
func (c *Client) Export(ctx context.Context, id string) (*state.TicketBundle, error) {
	var out state.TicketBundle
	if err := c.doJSON(ctx, http.MethodGet, ticketPath(id)+"/export", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Import loads a ticket bundle.
func (c *Client) Import(ctx context.Context, b *state.TicketBundle) (*models.Ticket, error) {
	var out struct {
		Ticket models.Ticket `json:"ticket"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tickets/import", nil, b, &out); err != nil {
		return nil, err
	}
	return &out.Ticket, nil
}

// QueueState is the team queue snapshot with outstanding slot loans.
type QueueState struct {
	Queues []models.TeamQueue                  `json:"queues"`
	Loans  map[models.Team]map[models.Team]int `json:"loans"`
}

// Queues fetches the queue snapshot.
func (c *Client) Queues(ctx context.Context) (QueueState, error) {
	var out QueueState
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/queues", nil, nil, &out)
	return out, err
}

// TreeState is the agent tree as the server reports it.
type TreeState struct {
	Root  string                 `json:"root"`
	Count int                    `json:"count"`
	Nodes []models.AgentTreeNode `json:"nodes"`
}

// Tree fetches the agent tree.
func (c *Client) Tree(ctx context.Context) (TreeState, error) {
	var out TreeState
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/tree", nil, nil, &out)
	return out, err
}

// BuildTree replaces the tree from a YAML definition; nil builds the
// default. It returns the new node count.
func (c *Client) BuildTree(ctx context.Context, definition []byte) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/tree/build", nil, "application/yaml", bytes.NewReader(definition), &out)
	return out.Count, err
}

// RebuildTree rebuilds the tree from its current definition.
func (c *Client) RebuildTree(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/tree/rebuild", nil, nil, &out)
	return out.Count, err
}

// ResetNode returns a tree node, by id or name, to idle with its retry
// and escalation counters cleared.
func (c *Client) ResetNode(ctx context.Context, ref string) (models.AgentTreeNode, error) {
	var out struct {
		Node models.AgentTreeNode `json:"node"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/tree/nodes/"+url.PathEscape(ref)+"/reset", nil, nil, &out)
	return out.Node, err
}

// AuditOptions filters Audit.
type AuditOptions struct {
	TicketID string
	Agent    string
	Action   string
	AfterSeq int64
	Limit    int
}

// Audit lists audit entries in sequence order.
func (c *Client) Audit(ctx context.Context, opts AuditOptions) ([]models.AuditEntry, error) {
	q := url.Values{}
	setIf(q, "ticket_id", opts.TicketID)
	setIf(q, "agent", opts.Agent)
	setIf(q, "action", opts.Action)
	if opts.AfterSeq > 0 {
		q.Set("after", strconv.FormatInt(opts.AfterSeq, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit", q, nil, &out)
	return out.Entries, err
}

// Boss fetches the supervisor status.
func (c *Client) Boss(ctx context.Context) (boss.Status, error) {
	var out boss.Status
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/boss", nil, nil, &out)
	return out, err
}

// WakeBoss asks the supervisor to run a cycle now.
func (c *Client) WakeBoss(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/boss/wake", nil, nil, nil)
}

func ticketPath(id string) string {
	return "/api/v1/tickets/" + url.PathEscape(strings.TrimSpace(id))
}

func setIf(q url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		q.Set(key, value)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	return c.do(ctx, method, path, query, "application/json", reader, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decodeError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Error.Code != "" {
		return &APIError{Status: status, Code: wrapper.Error.Code, Message: wrapper.Error.Message}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(payload))}
}
