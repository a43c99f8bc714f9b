package hierarchy

import (
	"fmt"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Route is the outcome of a routing decision.
type Route struct {
	Node models.AgentTreeNode `json:"node"`
	// Exact is false when the router fell back to a generalizing node.
	Exact bool `json:"exact"`
	// Path lists node ids from the root to Node.
	Path []string `json:"path"`
}

// Route picks the worker that should handle op with capability c.
func (t *Tree) Route(op models.OperationType, c models.Capability) (Route, error) {
	return t.RouteAt(op, models.LevelWorker, c)
}

// RouteAt picks a node at level within the domain that handles op.
// Preference order:
//  1. a node at level with capability c
//  2. a node at level with general capability
//  3. the deepest node above level, within the domain, that is general or matches c
//  4. the domain director itself
//
// Ties prefer available nodes, then fewer tokens consumed, then tree order.
// An operation no domain claims routes through the orchestrator node.
func (t *Tree) RouteAt(op models.OperationType, level models.Level, c models.Capability) (Route, error) {
	if !level.Valid() {
		return Route{}, errors.NewValidationError("level", fmt.Sprintf("level %d out of range", level))
	}
	if c == "" {
		c = models.CapabilityGeneral
	}
	if !c.Valid() {
		return Route{}, errors.NewValidationError("capability", fmt.Sprintf("unknown capability %q", c))
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.rootID == "" {
		return Route{}, fmt.Errorf("route %s: tree is empty: %w", op, errors.ErrNotFound)
	}

	startID, ok := t.domains[op]
	if !ok {
		startID = t.firstAtLevelLocked(models.LevelOrchestrator)
		if startID == "" {
			startID = t.rootID
		}
	}
	start := t.nodes[t.index[startID]]

	if level <= start.Level {
		return t.routeResultLocked(start, start.Capability == c)
	}

	byLevel := t.subtreeByLevelLocked(startID)

	if best := pick(byLevel[level], func(n *models.AgentTreeNode) bool { return n.Capability == c }); best != nil {
		return t.routeResultLocked(best, true)
	}
	if c != models.CapabilityGeneral {
		if best := pick(byLevel[level], func(n *models.AgentTreeNode) bool { return n.Capability == models.CapabilityGeneral }); best != nil {
			return t.routeResultLocked(best, false)
		}
	}
	for l := level - 1; l > start.Level; l-- {
		best := pick(byLevel[l], func(n *models.AgentTreeNode) bool {
			return n.Capability == c || n.Capability == models.CapabilityGeneral
		})
		if best != nil {
			return t.routeResultLocked(best, false)
		}
	}
	return t.routeResultLocked(start, false)
}

func (t *Tree) routeResultLocked(n *models.AgentTreeNode, exact bool) (Route, error) {
	path, err := t.pathLocked(n.ID)
	if err != nil {
		return Route{}, err
	}
	return Route{Node: cloneNode(n), Exact: exact, Path: path}, nil
}

func (t *Tree) firstAtLevelLocked(level models.Level) string {
	for _, n := range t.nodes {
		if n.Level == level {
			return n.ID
		}
	}
	return ""
}

// subtreeByLevelLocked groups the descendants of id by level, in tree order.
func (t *Tree) subtreeByLevelLocked(id string) map[models.Level][]*models.AgentTreeNode {
	out := make(map[models.Level][]*models.AgentTreeNode)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[t.index[cur]]
		if cur != id {
			out[n.Level] = append(out[n.Level], n)
		}
		kids := t.children[cur]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

func available(n *models.AgentTreeNode) bool {
	switch n.Status {
	case models.NodeStatusIdle, models.NodeStatusCompleted, models.NodeStatusFailed:
		return true
	default:
		return false
	}
}

func pick(nodes []*models.AgentTreeNode, match func(*models.AgentTreeNode) bool) *models.AgentTreeNode {
	var best *models.AgentTreeNode
	for _, n := range nodes {
		if !match(n) || n.Status == models.NodeStatusEscalated {
			continue
		}
		if best == nil {
			best = n
			continue
		}
		if available(n) != available(best) {
			if available(n) {
				best = n
			}
			continue
		}
		if n.TokensConsumed < best.TokensConsumed {
			best = n
		}
	}
	return best
}
