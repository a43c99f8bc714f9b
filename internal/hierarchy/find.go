package hierarchy

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// FindByName resolves a node by id, exact name, or fuzzy name match.
// Fuzzy matches pick the highest score, breaking ties by shorter name.
func (t *Tree) FindByName(query string) (models.AgentTreeNode, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.AgentTreeNode{}, errors.NewValidationError("name", "required")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if i, ok := t.index[query]; ok {
		return cloneNode(t.nodes[i]), nil
	}

	names := make([]string, len(t.nodes))
	for i, n := range t.nodes {
		if strings.EqualFold(n.Name, query) {
			return cloneNode(n), nil
		}
		names[i] = n.Name
	}

	matches := fuzzy.Find(query, names)
	if len(matches) == 0 {
		return models.AgentTreeNode{}, fmt.Errorf("agent %q: %w", query, errors.ErrNotFound)
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Score > best.Score || (m.Score == best.Score && len(m.Str) < len(best.Str)) {
			best = m
		}
	}
	return cloneNode(t.nodes[best.Index]), nil
}

// Search returns up to limit nodes whose names fuzzy-match query, best first.
func (t *Tree) Search(query string, limit int) []models.AgentTreeNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, len(t.nodes))
	for i, n := range t.nodes {
		names[i] = n.Name
	}
	matches := fuzzy.Find(query, names)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]models.AgentTreeNode, len(matches))
	for i, m := range matches {
		out[i] = cloneNode(t.nodes[m.Index])
	}
	return out
}
