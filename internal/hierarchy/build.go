package hierarchy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Build replaces the tree with a fresh one expanded from def:
//
//	L0 boss
//	L1 orchestrator
//	L2 <domain>-director            one per domain
//	L3 <domain>-<area>-manager      one per area
//	L4 <domain>-<area>-lead
//	L5 <domain>-<area>-planner
//	L6 <domain>-<area>-specialist
//	L7 <domain>-<area>-<cap>-worker one chain per capability
//	L8 <domain>-<area>-<cap>-reviewer
//	L9 <domain>-<area>-<cap>-checker
func (t *Tree) Build(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset()
	if err := t.expandLocked(def); err != nil {
		t.reset()
		return err
	}
	t.def = def
	if err := t.replaceLocked(); err != nil {
		return err
	}
	t.logger.Info("tree built", "nodes", len(t.nodes), "domains", len(def.Domains))
	return nil
}

// Rebuild rebuilds from the current definition, clearing all counters
// and conversations.
func (t *Tree) Rebuild() error {
	t.mu.RLock()
	def := t.def
	t.mu.RUnlock()
	if def == nil {
		return fmt.Errorf("rebuild tree: no definition")
	}
	return t.Build(def)
}

func (t *Tree) expandLocked(def *Definition) error {
	rootName := def.Name
	if rootName == "" {
		rootName = models.LevelBoss.String()
	}

	add := func(parentID string, level models.Level, name, scope string, c models.Capability) (string, error) {
		id := uuid.NewString()
		err := t.insertLocked(models.AgentTreeNode{
			ID:         id,
			ParentID:   parentID,
			Level:      level,
			Name:       name,
			AgentType:  level.String(),
			Scope:      scope,
			Status:     models.NodeStatusIdle,
			Capability: c,
		})
		return id, err
	}

	rootID, err := add("", models.LevelBoss, rootName, "", models.CapabilityGeneral)
	if err != nil {
		return err
	}
	orchID, err := add(rootID, models.LevelOrchestrator, models.LevelOrchestrator.String(), "", models.CapabilityReasoning)
	if err != nil {
		return err
	}

	for _, dom := range def.Domains {
		dirID, err := add(orchID, models.LevelDomainDirector, dom.Name+"-director", dom.Scope, models.CapabilityReasoning)
		if err != nil {
			return err
		}
		t.byDomain[dom.Name] = dirID
		for _, op := range dom.Operations {
			t.domains[op] = dirID
		}

		for _, area := range dom.Areas {
			prefix := dom.Name + "-" + area.Name
			chain := []struct {
				level models.Level
				cap   models.Capability
			}{
				{models.LevelAreaManager, models.CapabilityGeneral},
				{models.LevelTeamLead, models.CapabilityGeneral},
				{models.LevelPlanner, models.CapabilityReasoning},
				{models.LevelSpecialist, models.CapabilityGeneral},
			}
			parent := dirID
			for _, link := range chain {
				if parent, err = add(parent, link.level, prefix+"-"+suffix(link.level), area.Scope, link.cap); err != nil {
					return err
				}
			}

			for _, c := range area.Capabilities {
				leafParent := parent
				for _, level := range []models.Level{models.LevelWorker, models.LevelReviewer, models.LevelChecker} {
					name := fmt.Sprintf("%s-%s-%s", prefix, c, suffix(level))
					if leafParent, err = add(leafParent, level, name, area.Scope, c); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func suffix(l models.Level) string {
	switch l {
	case models.LevelAreaManager:
		return "manager"
	case models.LevelTeamLead:
		return "lead"
	default:
		return l.String()
	}
}

// load restores persisted nodes. Domains are matched to def by director name.
func (t *Tree) load(def *Definition, persisted []models.AgentTreeNode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range persisted {
		if err := t.insertLocked(n); err != nil {
			t.reset()
			return fmt.Errorf("load tree: %w", err)
		}
	}

	directors := make(map[string]string)
	for _, n := range t.nodes {
		if n.Level == models.LevelDomainDirector {
			directors[n.Name] = n.ID
		}
	}
	for _, dom := range def.Domains {
		id, ok := directors[dom.Name+"-director"]
		if !ok {
			continue
		}
		t.byDomain[dom.Name] = id
		for _, op := range dom.Operations {
			t.domains[op] = id
		}
	}
	t.def = def
	return nil
}
