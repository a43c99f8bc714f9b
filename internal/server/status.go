package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/internal/state"
)

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queues": s.deps.Queue.Snapshot(),
		"loans":  s.deps.Queue.Loans(),
	})
}

func (s *Server) handleTree(w http.ResponseWriter, _ *http.Request) {
	root, _ := s.deps.Tree.Root()
	writeJSON(w, http.StatusOK, map[string]any{
		"root":  root.ID,
		"count": s.deps.Tree.Len(),
		"nodes": s.deps.Tree.Nodes(),
	})
}

// handleTreeBuild replaces the tree. An empty body builds the embedded
// default; otherwise the body is a YAML definition.
func (s *Server) handleTreeBuild(w http.ResponseWriter, r *http.Request) {
	var (
		def *hierarchy.Definition
		err error
	)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		def, err = hierarchy.DefaultDefinition()
	} else {
		def, err = hierarchy.ParseDefinition(body)
	}
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_definition", err.Error())
		return
	}
	if err := s.deps.Orchestrator.BuildTree(def); err != nil {
		writeError(w, "tree_build_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": s.deps.Tree.Len()})
}

func (s *Server) handleTreeRebuild(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Tree.Rebuild(); err != nil {
		writeError(w, "tree_rebuild_failed", err)
		return
	}
	s.logger.Info("tree rebuilt", "nodes", s.deps.Tree.Len())
	writeJSON(w, http.StatusOK, map[string]any{"count": s.deps.Tree.Len()})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Tree.FindByName(r.PathValue("id"))
	if err != nil {
		writeError(w, "node_lookup_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":       n,
		"children":   s.deps.Tree.Children(n.ID),
		"waiting_on": s.deps.Tree.Outstanding(n.ID),
	})
}

// handleNodeReset returns a node to idle, clearing its retries and
// escalations so the router considers it again.
func (s *Server) handleNodeReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Tree.FindByName(r.PathValue("id"))
	if err != nil {
		writeError(w, "node_lookup_failed", err)
		return
	}
	if err := s.deps.Tree.Reset(n.ID); err != nil {
		writeError(w, "node_reset_failed", err)
		return
	}
	s.logger.Info("tree node reset", "node", n.Name, "was", n.Status)
	n, err = s.deps.Tree.Node(n.ID)
	if err != nil {
		writeError(w, "node_lookup_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": n})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.deps.Tree.Conversation(id)
	if err != nil {
		writeError(w, "conversation_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "conversation": conv})
}

func (s *Server) handlePermissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"permissions": s.deps.Roles.PermissionTable()})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.deps.Roles.ModelTable()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := state.AuditFilter{
		TicketID: strings.TrimSpace(q.Get("ticket_id")),
		Agent:    strings.TrimSpace(q.Get("agent")),
		Action:   strings.TrimSpace(q.Get("action")),
	}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, "invalid_filter", errors.NewValidationError("after", "invalid sequence "+raw))
			return
		}
		f.AfterSeq = seq
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, "invalid_filter", err)
		return
	}
	f.Limit = limit

	entries, err := s.deps.Store.ListAudit(f)
	if err != nil {
		writeError(w, "list_audit_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleBoss(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Boss == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "boss_unavailable", "supervisor is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Boss.Status())
}

func (s *Server) handleBossWake(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Boss == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "boss_unavailable", "supervisor is not running")
		return
	}
	s.deps.Boss.Wake()
	writeJSON(w, http.StatusAccepted, map[string]any{"woken": true})
}
