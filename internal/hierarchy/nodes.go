package hierarchy

import (
	"fmt"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

func invalidNodeTransition(n *models.AgentTreeNode, to models.NodeStatus) error {
	return fmt.Errorf("node %s %s -> %s: %w", n.Name, n.Status, to, errors.ErrInvalidTransition)
}

// Assign marks an available node active.
func (t *Tree) Assign(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return err
	}
	if !available(n) {
		return invalidNodeTransition(n, models.NodeStatusActive)
	}
	n.Status = models.NodeStatusActive
	return t.persistLocked(n)
}

// Start marks an active node working.
func (t *Tree) Start(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return err
	}
	if n.Status != models.NodeStatusActive {
		return invalidNodeTransition(n, models.NodeStatusWorking)
	}
	n.Status = models.NodeStatusWorking
	return t.persistLocked(n)
}

// Finish resolves a working node and records the tokens it consumed.
func (t *Tree) Finish(id string, ok bool, tokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return err
	}
	if n.Status != models.NodeStatusWorking {
		to := models.NodeStatusCompleted
		if !ok {
			to = models.NodeStatusFailed
		}
		return invalidNodeTransition(n, to)
	}
	n.TokensConsumed += tokens
	return t.resolveLocked(n, ok)
}

// Delegate hands work from parent to one of its direct children. The
// parent waits until every delegated child resolves.
func (t *Tree) Delegate(parentID, childID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.nodeLocked(parentID)
	if err != nil {
		return err
	}
	child, err := t.nodeLocked(childID)
	if err != nil {
		return err
	}
	if child.ParentID != parentID {
		return errors.NewValidationError("child", fmt.Sprintf("%s is not a child of %s", child.Name, parent.Name))
	}
	switch parent.Status {
	case models.NodeStatusActive, models.NodeStatusWorking, models.NodeStatusWaitingChild:
	default:
		return invalidNodeTransition(parent, models.NodeStatusWaitingChild)
	}
	if !available(child) {
		return invalidNodeTransition(child, models.NodeStatusActive)
	}
	return t.delegateLocked(parent, child)
}

func (t *Tree) delegateLocked(parent, child *models.AgentTreeNode) error {
	if t.delegated[parent.ID] == nil {
		t.delegated[parent.ID] = make(map[string]bool)
		t.childFailed[parent.ID] = false
	}
	t.delegated[parent.ID][child.ID] = true
	parent.Status = models.NodeStatusWaitingChild
	child.Status = models.NodeStatusActive

	if err := t.persistLocked(parent); err != nil {
		return err
	}
	return t.persistLocked(child)
}

// Occupy marks an available node working for one step. When the node's
// parent is free, or already waiting on other children, the parent
// delegates to it and resolves once its delegated children finish; the
// parent's id is returned. A parent busy with its own step is left alone
// and the node is assigned directly.
func (t *Tree) Occupy(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return "", err
	}
	if !available(n) {
		return "", invalidNodeTransition(n, models.NodeStatusWorking)
	}

	var by string
	if n.ParentID != "" {
		parent, err := t.nodeLocked(n.ParentID)
		if err != nil {
			return "", err
		}
		if available(parent) || parent.Status == models.NodeStatusWaitingChild {
			if err := t.delegateLocked(parent, n); err != nil {
				return "", err
			}
			by = parent.ID
		}
	}
	n.Status = models.NodeStatusWorking
	return by, t.persistLocked(n)
}

// Outstanding returns the ids of children a parent still waits on.
func (t *Tree) Outstanding(parentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for _, kid := range t.children[parentID] {
		if t.delegated[parentID][kid] {
			ids = append(ids, kid)
		}
	}
	return ids
}

// resolveLocked finishes a node and applies the failure policy:
// a failure increments retries, and retries beyond the budget escalate
// the node and propagate the failure to its parent. Delegating parents
// resolve once their last outstanding child does.
func (t *Tree) resolveLocked(n *models.AgentTreeNode, ok bool) error {
	if ok {
		n.Status = models.NodeStatusCompleted
	} else {
		n.Status = models.NodeStatusFailed
		n.Retries++
		if n.Retries > t.budget {
			n.Status = models.NodeStatusEscalated
			t.logger.Warn("node escalated", "node", n.Name, "retries", n.Retries, "budget", t.budget)
		}
	}
	if err := t.persistLocked(n); err != nil {
		return err
	}

	if n.ParentID == "" {
		return nil
	}
	parent, err := t.nodeLocked(n.ParentID)
	if err != nil {
		return err
	}

	failed := n.Status != models.NodeStatusCompleted
	if failed {
		parent.Escalations++
	}

	if pending := t.delegated[parent.ID]; pending[n.ID] {
		delete(pending, n.ID)
		if failed {
			t.childFailed[parent.ID] = true
		}
		if len(pending) == 0 {
			childFailed := t.childFailed[parent.ID]
			delete(t.delegated, parent.ID)
			delete(t.childFailed, parent.ID)
			return t.resolveLocked(parent, !childFailed)
		}
	}

	if n.Status == models.NodeStatusEscalated && parent.Status != models.NodeStatusWaitingChild {
		parent.Retries++
		if parent.Retries > t.budget && parent.Status != models.NodeStatusEscalated {
			parent.Status = models.NodeStatusEscalated
			t.logger.Warn("node escalated", "node", parent.Name, "retries", parent.Retries, "cause", n.Name)
		}
	}
	return t.persistLocked(parent)
}

// Reset returns a node to idle and clears its counters.
func (t *Tree) Reset(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return err
	}
	n.Status = models.NodeStatusIdle
	n.Retries = 0
	n.Escalations = 0
	delete(t.delegated, id)
	delete(t.childFailed, id)
	return t.persistLocked(n)
}

// AddTokens records token usage on a node without changing its status.
func (t *Tree) AddTokens(id string, tokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return err
	}
	n.TokensConsumed += tokens
	return t.persistLocked(n)
}

// AppendConversation adds an entry to a node's conversation log.
func (t *Tree) AppendConversation(id, role, content string) error {
	if role == "" {
		return errors.NewValidationError("role", "required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return err
	}
	n.Conversation = append(n.Conversation, models.ConversationEntry{Role: role, Content: content})
	return t.persistLocked(n)
}

// Conversation returns a node's conversation log.
func (t *Tree) Conversation(id string) ([]models.ConversationEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.nodeLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]models.ConversationEntry(nil), n.Conversation...), nil
}
