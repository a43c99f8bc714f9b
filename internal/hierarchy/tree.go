// Package hierarchy implements the ten-level agent tree used to route
// tickets to a handling role and to propagate failures upward.
//
// Nodes live in an arena (a slice plus an id index) and refer to their
// parent by id. Insert validates every parent edge, so the tree always has
// a single root and no cycles.
package hierarchy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const defaultRetryBudget = 2

// Store persists tree nodes. state.DB satisfies it.
type Store interface {
	ReplaceTree(nodes []models.AgentTreeNode) error
	UpdateTreeNode(n *models.AgentTreeNode) error
	ListTreeNodes() ([]models.AgentTreeNode, error)
}

// Option configures a Tree.
type Option func(*Tree)

// WithStore writes every change through to s.
func WithStore(s Store) Option {
	return func(t *Tree) { t.store = s }
}

// WithRetryBudget sets how many failures a node absorbs before escalating.
func WithRetryBudget(n int) Option {
	return func(t *Tree) {
		if n >= 0 {
			t.budget = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) {
		if l != nil {
			t.logger = l
		}
	}
}

// Tree is the agent hierarchy. It is safe for concurrent use.
type Tree struct {
	mu       sync.RWMutex
	nodes    []*models.AgentTreeNode
	index    map[string]int
	children map[string][]string
	rootID   string

	// delegated tracks outstanding children per waiting parent.
	delegated   map[string]map[string]bool
	childFailed map[string]bool

	def      *Definition
	domains  map[models.OperationType]string
	byDomain map[string]string

	store  Store
	budget int
	logger *slog.Logger
}

// New creates a tree from def. With a store that already holds nodes,
// the persisted tree is loaded instead of building a fresh one.
func New(def *Definition, opts ...Option) (*Tree, error) {
	if def == nil {
		var err error
		if def, err = DefaultDefinition(); err != nil {
			return nil, err
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	t := &Tree{
		budget: defaultRetryBudget,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "hierarchy")
	t.reset()

	if t.store != nil {
		persisted, err := t.store.ListTreeNodes()
		if err != nil {
			return nil, fmt.Errorf("load tree: %w", err)
		}
		if len(persisted) > 0 {
			if err := t.load(def, persisted); err != nil {
				return nil, err
			}
			t.logger.Debug("tree loaded", "nodes", len(persisted))
			return t, nil
		}
	}

	if err := t.Build(def); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) reset() {
	t.nodes = nil
	t.index = make(map[string]int)
	t.children = make(map[string][]string)
	t.rootID = ""
	t.delegated = make(map[string]map[string]bool)
	t.childFailed = make(map[string]bool)
	t.domains = make(map[models.OperationType]string)
	t.byDomain = make(map[string]string)
}

// insertLocked validates and appends a node.
func (t *Tree) insertLocked(n models.AgentTreeNode) error {
	if n.ID == "" {
		return errors.NewValidationError("id", "required")
	}
	if _, dup := t.index[n.ID]; dup {
		return fmt.Errorf("insert node %s: %w", n.ID, errors.ErrDuplicate)
	}
	if !n.Level.Valid() {
		return errors.NewValidationError("level", fmt.Sprintf("level %d out of range", n.Level))
	}
	if !n.Capability.Valid() {
		return errors.NewValidationError("capability", fmt.Sprintf("unknown capability %q", n.Capability))
	}
	if n.Status == "" {
		n.Status = models.NodeStatusIdle
	}
	if !n.Status.Valid() {
		return errors.NewValidationError("status", fmt.Sprintf("unknown status %q", n.Status))
	}

	if n.ParentID == "" {
		if t.rootID != "" {
			return errors.NewValidationError("parent_id", "tree already has a root")
		}
		if n.Level != models.LevelBoss {
			return errors.NewValidationError("level", "root must be level 0")
		}
	} else {
		pi, ok := t.index[n.ParentID]
		if !ok {
			return errors.NewValidationError("parent_id", fmt.Sprintf("parent %s not found", n.ParentID))
		}
		if t.nodes[pi].Level >= n.Level {
			return errors.NewValidationError("level", fmt.Sprintf("parent level %d not below %d", t.nodes[pi].Level, n.Level))
		}
		if err := t.checkAcyclicLocked(n.ID, n.ParentID); err != nil {
			return err
		}
	}

	node := n
	t.index[n.ID] = len(t.nodes)
	t.nodes = append(t.nodes, &node)
	if n.ParentID == "" {
		t.rootID = n.ID
	} else {
		t.children[n.ParentID] = append(t.children[n.ParentID], n.ID)
	}
	return nil
}

func (t *Tree) checkAcyclicLocked(id, parentID string) error {
	seen := map[string]bool{id: true}
	for cur := parentID; cur != ""; {
		if seen[cur] {
			return fmt.Errorf("insert node %s: %w", id, errors.ErrCycle)
		}
		seen[cur] = true
		i, ok := t.index[cur]
		if !ok {
			break
		}
		cur = t.nodes[i].ParentID
	}
	return nil
}

func (t *Tree) nodeLocked(id string) (*models.AgentTreeNode, error) {
	i, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, errors.ErrNotFound)
	}
	return t.nodes[i], nil
}

// Len returns the node count.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Root returns a copy of the root node.
func (t *Tree) Root() (models.AgentTreeNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootID == "" {
		return models.AgentTreeNode{}, false
	}
	return cloneNode(t.nodes[t.index[t.rootID]]), true
}

// Node returns a copy of a node.
func (t *Tree) Node(id string) (models.AgentTreeNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.nodeLocked(id)
	if err != nil {
		return models.AgentTreeNode{}, err
	}
	return cloneNode(n), nil
}

// Nodes returns copies of every node in insertion order.
func (t *Tree) Nodes() []models.AgentTreeNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.AgentTreeNode, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = cloneNode(n)
	}
	return out
}

// Children returns the ids of a node's direct children.
func (t *Tree) Children(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.children[id]...)
}

// Path returns node ids from the root down to id.
func (t *Tree) Path(id string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathLocked(id)
}

func (t *Tree) pathLocked(id string) ([]string, error) {
	var rev []string
	for cur := id; cur != ""; {
		n, err := t.nodeLocked(cur)
		if err != nil {
			return nil, err
		}
		rev = append(rev, cur)
		cur = n.ParentID
	}
	path := make([]string, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path, nil
}

// Definition returns the definition the tree was built from.
func (t *Tree) Definition() *Definition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.def
}

func cloneNode(n *models.AgentTreeNode) models.AgentTreeNode {
	c := *n
	c.Conversation = append([]models.ConversationEntry(nil), n.Conversation...)
	return c
}

func (t *Tree) persistLocked(n *models.AgentTreeNode) error {
	if t.store == nil {
		return nil
	}
	c := cloneNode(n)
	if err := t.store.UpdateTreeNode(&c); err != nil {
		return fmt.Errorf("persist node %s: %w", n.ID, err)
	}
	return nil
}

func (t *Tree) replaceLocked() error {
	if t.store == nil {
		return nil
	}
	all := make([]models.AgentTreeNode, len(t.nodes))
	for i, n := range t.nodes {
		all[i] = cloneNode(n)
	}
	if err := t.store.ReplaceTree(all); err != nil {
		return fmt.Errorf("replace tree: %w", err)
	}
	return nil
}
