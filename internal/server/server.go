// Package server exposes tickets, queues, the agent tree and the
// supervisor over HTTP under /api/v1, plus a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/boss"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/queue"
	"github.com/ShayCichocki/switchboard/internal/state"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Supervisor is the read and control surface of the boss.
type Supervisor interface {
	Status() boss.Status
	Wake()
}

// Deps are the components the server reads and drives.
type Deps struct {
	Store        state.Store
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Manager
	Tree         *hierarchy.Tree
	Roles        *agent.RoleTable
	Boss         Supervisor
	Bus          *events.Bus
}

// Server routes API requests to the scheduler components.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates a server. A nil logger uses slog.Default().
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Roles == nil {
		deps.Roles = agent.DefaultRoles()
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), logger: logger.With("component", "server")}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/v1/tickets", s.handleListTickets)
	s.mux.HandleFunc("POST /api/v1/tickets", s.handleCreateTicket)
	s.mux.HandleFunc("POST /api/v1/tickets/import", s.handleImportTicket)
	s.mux.HandleFunc("GET /api/v1/tickets/{id}", s.handleGetTicket)
	s.mux.HandleFunc("PATCH /api/v1/tickets/{id}", s.handlePatchTicket)
	s.mux.HandleFunc("GET /api/v1/tickets/{id}/replies", s.handleListReplies)
	s.mux.HandleFunc("POST /api/v1/tickets/{id}/replies", s.handleAddReply)
	s.mux.HandleFunc("POST /api/v1/tickets/{id}/{action}", s.handleTicketAction)
	s.mux.HandleFunc("GET /api/v1/tickets/{id}/export", s.handleExportTicket)
	s.mux.HandleFunc("GET /api/v1/tickets/{id}/errors", s.handleTicketErrors)
	s.mux.HandleFunc("GET /api/v1/tickets/{id}/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/v1/tickets/{id}/runs/{runID}/steps", s.handleListSteps)

	s.mux.HandleFunc("GET /api/v1/queues", s.handleQueues)

	s.mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	s.mux.HandleFunc("POST /api/v1/tree/build", s.handleTreeBuild)
	s.mux.HandleFunc("POST /api/v1/tree/rebuild", s.handleTreeRebuild)
	s.mux.HandleFunc("GET /api/v1/tree/nodes/{id}", s.handleNode)
	s.mux.HandleFunc("POST /api/v1/tree/nodes/{id}/reset", s.handleNodeReset)
	s.mux.HandleFunc("GET /api/v1/tree/nodes/{id}/conversation", s.handleConversation)

	s.mux.HandleFunc("GET /api/v1/agents/permissions", s.handlePermissions)
	s.mux.HandleFunc("GET /api/v1/agents/models", s.handleModels)

	s.mux.HandleFunc("GET /api/v1/audit", s.handleAudit)

	s.mux.HandleFunc("GET /api/v1/boss", s.handleBoss)
	s.mux.HandleFunc("POST /api/v1/boss/wake", s.handleBossWake)

	s.mux.HandleFunc("GET /events", s.handleEvents)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts, err := s.deps.Store.CountByStatus()
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"tickets":   counts,
		"pending":   s.deps.Queue.TotalPending(),
		"in_flight": s.deps.Orchestrator.InFlight(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, code string, err error) {
	var deferred *errors.AdmissionDeferred
	switch {
	case errors.IsValidation(err):
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.IsNotFound(err):
		writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, errors.ErrInvalidTransition), errors.Is(err, errors.ErrDuplicate), errors.Is(err, errors.ErrCycle):
		writeAPIError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &deferred):
		writeAPIError(w, http.StatusServiceUnavailable, "admission_deferred", err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, code, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewValidationError(key, fmt.Sprintf("invalid number %q", raw))
	}
	return n, nil
}
