package server

import (
	"net/http"
	"strings"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

type createTicketRequest struct {
	Title         string `json:"title"`
	Body          string `json:"body"`
	Priority      string `json:"priority"`
	OperationType string `json:"operation_type"`
	Creator       string `json:"creator"`
	ParentID      string `json:"parent_id"`
}

type patchTicketRequest struct {
	Title         *string `json:"title"`
	Body          *string `json:"body"`
	Priority      *string `json:"priority"`
	OperationType *string `json:"operation_type"`
}

type replyRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

type actionRequest struct {
	Reason string `json:"reason"`
}

func parsePriority(raw string) (models.Priority, error) {
	if strings.TrimSpace(raw) == "" {
		return models.PriorityP2, nil
	}
	p, ok := models.ParsePriority(strings.TrimSpace(raw))
	if !ok {
		return 0, errors.NewValidationError("priority", "must be P1, P2 or P3")
	}
	return p, nil
}

func parseTicketFilter(r *http.Request) (state.TicketFilter, error) {
	q := r.URL.Query()
	var f state.TicketFilter
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			st := models.TicketStatus(strings.TrimSpace(part))
			if st == "" {
				continue
			}
			if !st.Valid() {
				return f, errors.NewValidationError("status", "unknown status "+string(st))
			}
			f.Status = append(f.Status, st)
		}
	}
	if team := strings.TrimSpace(q.Get("team")); team != "" {
		f.Team = models.Team(team)
		if !f.Team.Valid() {
			return f, errors.NewValidationError("team", "unknown team "+team)
		}
	}
	if op := strings.TrimSpace(q.Get("operation_type")); op != "" {
		f.OperationType = models.OperationType(op)
		if !f.OperationType.Valid() {
			return f, errors.NewValidationError("operation_type", "unknown operation type "+op)
		}
	}
	f.ParentID = strings.TrimSpace(q.Get("parent_id"))
	limit, err := queryInt(r, "limit")
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	f, err := parseTicketFilter(r)
	if err != nil {
		writeError(w, "invalid_filter", err)
		return
	}
	tickets, err := s.deps.Store.ListTickets(f)
	if err != nil {
		writeError(w, "list_tickets_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var payload createTicketRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	prio, err := parsePriority(payload.Priority)
	if err != nil {
		writeError(w, "invalid_request", err)
		return
	}
	t := &models.Ticket{
		Title:         strings.TrimSpace(payload.Title),
		Body:          strings.TrimSpace(payload.Body),
		Priority:      prio,
		OperationType: models.OperationType(strings.TrimSpace(payload.OperationType)),
		Creator:       strings.TrimSpace(payload.Creator),
		ParentID:      strings.TrimSpace(payload.ParentID),
	}
	created, eval, err := s.deps.Orchestrator.Submit(r.Context(), t)
	if err != nil {
		writeError(w, "create_ticket_failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ticket": created, "clarity": eval})
}

func (s *Server) handleImportTicket(w http.ResponseWriter, r *http.Request) {
	var bundle state.TicketBundle
	if err := decodeJSON(w, r, &bundle); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.deps.Store.ImportTicket(&bundle); err != nil {
		writeError(w, "import_failed", err)
		return
	}
	t, err := s.deps.Store.GetTicket(bundle.Ticket.ID)
	if err != nil {
		writeError(w, "import_failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ticket": t})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTicket(r.PathValue("id"))
	if err != nil {
		writeError(w, "get_ticket_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": t})
}

// handlePatchTicket edits descriptive fields. Status changes go through
// the action endpoints.
func (s *Server) handlePatchTicket(w http.ResponseWriter, r *http.Request) {
	var payload patchTicketRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	var prio models.Priority
	if payload.Priority != nil {
		p, err := parsePriority(*payload.Priority)
		if err != nil {
			writeError(w, "invalid_request", err)
			return
		}
		prio = p
	}
	t, err := s.deps.Store.ModifyTicket(r.PathValue("id"), func(t *models.Ticket) error {
		if t.Status == models.TicketStatusResolved {
			return errors.NewValidationError("status", "resolved tickets cannot be edited")
		}
		if payload.Title != nil {
			t.Title = strings.TrimSpace(*payload.Title)
		}
		if payload.Body != nil {
			t.Body = strings.TrimSpace(*payload.Body)
		}
		if payload.Priority != nil {
			t.Priority = prio
		}
		if payload.OperationType != nil {
			t.OperationType = models.OperationType(strings.TrimSpace(*payload.OperationType))
		}
		return nil
	})
	if err != nil {
		writeError(w, "patch_ticket_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": t})
}

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetTicket(id); err != nil {
		writeError(w, "list_replies_failed", err)
		return
	}
	replies, err := s.deps.Store.ListReplies(id)
	if err != nil {
		writeError(w, "list_replies_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

func (s *Server) handleAddReply(w http.ResponseWriter, r *http.Request) {
	var payload replyRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	author := models.ReplyAuthor(strings.TrimSpace(payload.Author))
	if author == "" {
		author = models.AuthorUser
	}
	reply, eval, err := s.deps.Orchestrator.AddReply(r.Context(), r.PathValue("id"), author, strings.TrimSpace(payload.Body))
	if err != nil {
		writeError(w, "add_reply_failed", err)
		return
	}
	out := map[string]any{"reply": reply}
	if eval != nil {
		out["clarity"] = eval
	}
	writeJSON(w, http.StatusCreated, out)
}

// handleTicketAction runs a lifecycle action: retry, reopen, hold,
// resume or escalate.
func (s *Server) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	var payload actionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	id := r.PathValue("id")
	ctx := r.Context()
	o := s.deps.Orchestrator
	var (
		t   *models.Ticket
		err error
	)
	switch action := r.PathValue("action"); action {
	case "retry":
		t, err = o.Retry(ctx, id)
	case "reopen":
		t, err = o.Reopen(ctx, id)
	case "hold":
		t, err = o.Hold(ctx, id, payload.Reason)
	case "resume":
		t, err = o.Resume(ctx, id)
	case "escalate":
		t, err = o.Escalate(ctx, id, payload.Reason)
	case "resolve":
		t, err = o.Resolve(ctx, id, payload.Reason)
	case "requeue":
		t, err = o.Requeue(ctx, id, payload.Reason)
	default:
		writeAPIError(w, http.StatusNotFound, "unknown_action", "unknown action "+action)
		return
	}
	if err != nil {
		writeError(w, "ticket_action_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": t})
}

func (s *Server) handleExportTicket(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.deps.Store.ExportTicket(r.PathValue("id"))
	if err != nil {
		writeError(w, "export_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleTicketErrors(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Orchestrator.Errors(r.PathValue("id"))
	if err != nil {
		writeError(w, "ticket_errors_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetTicket(id); err != nil {
		writeError(w, "list_runs_failed", err)
		return
	}
	runs, err := s.deps.Store.ListRuns(id)
	if err != nil {
		writeError(w, "list_runs_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.PathValue("runID"))
	if err != nil {
		writeError(w, "list_steps_failed", err)
		return
	}
	if run.TicketID != r.PathValue("id") {
		writeAPIError(w, http.StatusNotFound, "not_found", "run does not belong to ticket")
		return
	}
	steps, err := s.deps.Store.ListSteps(run.ID)
	if err != nil {
		writeError(w, "list_steps_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}
