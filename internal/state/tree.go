package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const treeColumns = `id, parent_id, level, name, agent_type, scope, status, retries,
	escalations, tokens_consumed, capability, conversation`

// ReplaceTree swaps the persisted hierarchy for a freshly built one.
// Node order is preserved so the arena reloads identically.
func (db *DB) ReplaceTree(nodes []models.AgentTreeNode) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM tree_nodes"); err != nil {
			return fmt.Errorf("clear tree: %w", err)
		}
		for i := range nodes {
			n := &nodes[i]
			conv, err := marshalConversation(n.Conversation)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO tree_nodes (position, `+treeColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				i, n.ID, nullString(n.ParentID), int(n.Level), n.Name, n.AgentType, n.Scope,
				string(n.Status), n.Retries, n.Escalations, n.TokensConsumed, string(n.Capability), conv,
			)
			if err != nil {
				return fmt.Errorf("insert tree node %s: %w", n.Name, err)
			}
		}
		return nil
	})
}

// UpdateTreeNode writes the mutable fields of one node.
func (db *DB) UpdateTreeNode(n *models.AgentTreeNode) error {
	conv, err := marshalConversation(n.Conversation)
	if err != nil {
		return err
	}
	result, err := db.Exec(`
		UPDATE tree_nodes SET
			status = ?, retries = ?, escalations = ?, tokens_consumed = ?, conversation = ?
		WHERE id = ?
	`, string(n.Status), n.Retries, n.Escalations, n.TokensConsumed, conv, n.ID)
	if err != nil {
		return fmt.Errorf("update tree node: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("tree node %s: %w", n.ID, errors.ErrNotFound)
	}
	return nil
}

// ListTreeNodes returns every node in insertion order.
func (db *DB) ListTreeNodes() ([]models.AgentTreeNode, error) {
	rows, err := db.Query("SELECT " + treeColumns + " FROM tree_nodes ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("list tree nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.AgentTreeNode
	for rows.Next() {
		var (
			n                  models.AgentTreeNode
			parentID           sql.NullString
			level              int
			status, capability string
			conv               string
		)
		err := rows.Scan(&n.ID, &parentID, &level, &n.Name, &n.AgentType, &n.Scope, &status,
			&n.Retries, &n.Escalations, &n.TokensConsumed, &capability, &conv)
		if err != nil {
			return nil, fmt.Errorf("scan tree node: %w", err)
		}
		n.ParentID = parentID.String
		n.Level = models.Level(level)
		n.Status = models.NodeStatus(status)
		n.Capability = models.Capability(capability)
		if conv != "" {
			if err := json.Unmarshal([]byte(conv), &n.Conversation); err != nil {
				return nil, fmt.Errorf("decode conversation for %s: %w", n.Name, err)
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func marshalConversation(entries []models.ConversationEntry) (string, error) {
	if entries == nil {
		return "[]", nil
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}
	return string(b), nil
}
