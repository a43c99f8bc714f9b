package models

// NodeStatus represents the state of an agent tree node.
type NodeStatus string

const (
	NodeStatusIdle         NodeStatus = "idle"
	NodeStatusActive       NodeStatus = "active"
	NodeStatusWorking      NodeStatus = "working"
	NodeStatusWaitingChild NodeStatus = "waiting_child"
	NodeStatusCompleted    NodeStatus = "completed"
	NodeStatusFailed       NodeStatus = "failed"
	NodeStatusEscalated    NodeStatus = "escalated"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusIdle, NodeStatusActive, NodeStatusWorking, NodeStatusWaitingChild,
		NodeStatusCompleted, NodeStatusFailed, NodeStatusEscalated:
		return true
	default:
		return false
	}
}

// Resolved reports whether the node finished its delegated work.
func (s NodeStatus) Resolved() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}

// Capability is the class of model capability a node requires.
type Capability string

const (
	CapabilityGeneral   Capability = "general"
	CapabilityReasoning Capability = "reasoning"
	CapabilityCode      Capability = "code"
	CapabilityFast      Capability = "fast"
	CapabilityVision    Capability = "vision"
)

// Valid returns true if the capability is known.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityGeneral, CapabilityReasoning, CapabilityCode, CapabilityFast, CapabilityVision:
		return true
	default:
		return false
	}
}

// Level is the depth of a node in the agent tree, 0 for the root.
type Level int

const (
	LevelBoss Level = iota
	LevelOrchestrator
	LevelDomainDirector
	LevelAreaManager
	LevelTeamLead
	LevelPlanner
	LevelSpecialist
	LevelWorker
	LevelReviewer
	LevelChecker
)

// MaxLevel is the deepest level of the tree.
const MaxLevel = LevelChecker

var levelNames = [...]string{
	"boss", "orchestrator", "domain_director", "area_manager", "team_lead",
	"planner", "specialist", "worker", "reviewer", "checker",
}

// String returns the role name for the level.
func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// Valid returns true if the level is within 0..9.
func (l Level) Valid() bool {
	return l >= LevelBoss && l <= MaxLevel
}

// ConversationEntry is one message in a node's conversation log.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentTreeNode is one role in the agent hierarchy.
type AgentTreeNode struct {
	ID             string              `json:"id"`
	ParentID       string              `json:"parent_id,omitempty"`
	Level          Level               `json:"level"`
	Name           string              `json:"name"`
	AgentType      string              `json:"agent_type"`
	Scope          string              `json:"scope,omitempty"`
	Status         NodeStatus          `json:"status"`
	Retries        int                 `json:"retries"`
	Escalations    int                 `json:"escalations"`
	TokensConsumed int64               `json:"tokens_consumed"`
	Capability     Capability          `json:"capability"`
	Conversation   []ConversationEntry `json:"conversation,omitempty"`
}
