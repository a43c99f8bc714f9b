package hierarchy

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// defaultNodeCount is root + orchestrator + 4 directors + 6 areas * 4
// chain nodes + 12 capability chains * 3 leaves.
const defaultNodeCount = 66

func newTestTree(t *testing.T, opts ...Option) *Tree {
	t.Helper()
	tree, err := New(nil, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tree
}

func mustFind(t *testing.T, tree *Tree, name string) models.AgentTreeNode {
	t.Helper()
	for _, n := range tree.Nodes() {
		if n.Name == name {
			return n
		}
	}
	t.Fatalf("node %q not found", name)
	return models.AgentTreeNode{}
}

func setupStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "tree.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDefaultDefinition(t *testing.T) {
	def, err := DefaultDefinition()
	if err != nil {
		t.Fatalf("DefaultDefinition failed: %v", err)
	}
	if len(def.Domains) != 4 {
		t.Errorf("expected 4 domains, got %d", len(def.Domains))
	}

	claimed := make(map[models.OperationType]bool)
	for _, d := range def.Domains {
		for _, op := range d.Operations {
			claimed[op] = true
		}
	}
	for _, op := range models.AllOperationTypes() {
		if !claimed[op] {
			t.Errorf("operation %s not routed by default definition", op)
		}
	}
}

func TestParseDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no domains", "name: boss\n"},
		{"bad team", "domains:\n  - name: a\n    team: marketing\n    areas:\n      - name: x\n        capabilities: [code]\n"},
		{"no areas", "domains:\n  - name: a\n    team: planning\n"},
		{"bad capability", "domains:\n  - name: a\n    team: planning\n    areas:\n      - name: x\n        capabilities: [telepathy]\n"},
		{"duplicate op", `domains:
  - name: a
    team: planning
    operations: [plan]
    areas: [{name: x, capabilities: [general]}]
  - name: b
    team: verification
    operations: [plan]
    areas: [{name: y, capabilities: [general]}]
`},
		{"malformed", "domains: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDefinition([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuild_Shape(t *testing.T) {
	tree := newTestTree(t)

	nodes := tree.Nodes()
	if len(nodes) != defaultNodeCount {
		t.Fatalf("expected %d nodes, got %d", defaultNodeCount, len(nodes))
	}

	levels := make(map[models.Level]int)
	roots := 0
	byID := make(map[string]models.AgentTreeNode)
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		levels[n.Level]++
		if n.ParentID == "" {
			roots++
			continue
		}
		if p := byID[n.ParentID]; p.Level >= n.Level {
			t.Errorf("%s: parent level %d not below %d", n.Name, p.Level, n.Level)
		}
		if n.Status != models.NodeStatusIdle {
			t.Errorf("%s: status %s, want idle", n.Name, n.Status)
		}
	}
	if roots != 1 {
		t.Errorf("expected one root, got %d", roots)
	}
	for l := models.LevelBoss; l <= models.MaxLevel; l++ {
		if levels[l] == 0 {
			t.Errorf("no nodes at level %s", l)
		}
	}

	checker := mustFind(t, tree, "coding-frontend-vision-checker")
	path, err := tree.Path(checker.ID)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if len(path) != 10 {
		t.Errorf("checker path length = %d, want 10", len(path))
	}
}

func TestInsertValidation(t *testing.T) {
	tree := newTestTree(t)
	root, _ := tree.Root()
	worker := mustFind(t, tree, "coding-backend-code-worker")

	tests := []struct {
		name string
		node models.AgentTreeNode
		want func(error) bool
	}{
		{"missing id", models.AgentTreeNode{Level: 1, Capability: models.CapabilityGeneral, ParentID: root.ID}, errors.IsValidation},
		{"duplicate id", models.AgentTreeNode{ID: root.ID, Level: 1, Capability: models.CapabilityGeneral, ParentID: root.ID}, func(err error) bool { return errors.Is(err, errors.ErrDuplicate) }},
		{"second root", models.AgentTreeNode{ID: "r2", Level: 0, Capability: models.CapabilityGeneral}, errors.IsValidation},
		{"missing parent", models.AgentTreeNode{ID: "x", Level: 3, Capability: models.CapabilityGeneral, ParentID: "nope"}, errors.IsValidation},
		{"parent not above", models.AgentTreeNode{ID: "y", Level: worker.Level, Capability: models.CapabilityGeneral, ParentID: worker.ID}, errors.IsValidation},
		{"level out of range", models.AgentTreeNode{ID: "z", Level: 10, Capability: models.CapabilityGeneral, ParentID: worker.ID}, errors.IsValidation},
		{"bad capability", models.AgentTreeNode{ID: "w", Level: 8, Capability: "psychic", ParentID: worker.ID}, errors.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree.mu.Lock()
			err := tree.insertLocked(tt.node)
			tree.mu.Unlock()
			if !tt.want(err) {
				t.Errorf("insertLocked() error = %v", err)
			}
		})
	}
	if tree.Len() != defaultNodeCount {
		t.Errorf("rejected inserts changed the tree: %d nodes", tree.Len())
	}
}

func TestRoute(t *testing.T) {
	tree := newTestTree(t)

	tests := []struct {
		name      string
		op        models.OperationType
		c         models.Capability
		wantName  string
		wantExact bool
	}{
		{"exact leaf", models.OpCode, models.CapabilityVision, "coding-frontend-vision-worker", true},
		{"general worker fallback", models.OpDocs, models.CapabilityCode, "planning-design-general-worker", false},
		{"ancestor fallback", models.OpTest, models.CapabilityVision, "verification-quality-specialist", false},
		{"reasoning research", models.OpResearch, models.CapabilityReasoning, "planning-design-reasoning-worker", true},
		{"empty capability is general", models.OpGeneral, "", "triage-intake-general-worker", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tree.Route(tt.op, tt.c)
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if r.Node.Name != tt.wantName || r.Exact != tt.wantExact {
				t.Errorf("Route(%s, %s) = %s exact=%v, want %s exact=%v", tt.op, tt.c, r.Node.Name, r.Exact, tt.wantName, tt.wantExact)
			}
			if r.Path[len(r.Path)-1] != r.Node.ID {
				t.Error("path does not end at routed node")
			}
			if root, _ := tree.Root(); r.Path[0] != root.ID {
				t.Error("path does not start at root")
			}
		})
	}
}

func TestRoute_PrefersAvailable(t *testing.T) {
	tree := newTestTree(t)

	first, err := tree.Route(models.OpBugfix, models.CapabilityCode)
	if err != nil {
		t.Fatal(err)
	}
	if first.Node.Name != "coding-backend-code-worker" {
		t.Fatalf("first route = %s", first.Node.Name)
	}
	if err := tree.Assign(first.Node.ID); err != nil {
		t.Fatal(err)
	}

	second, _ := tree.Route(models.OpBugfix, models.CapabilityCode)
	if second.Node.Name != "coding-frontend-code-worker" {
		t.Errorf("second route = %s, want frontend worker", second.Node.Name)
	}
}

func TestRouteAt(t *testing.T) {
	tree := newTestTree(t)

	r, err := tree.RouteAt(models.OpRefactor, models.LevelDomainDirector, models.CapabilityReasoning)
	if err != nil {
		t.Fatal(err)
	}
	if r.Node.Name != "coding-director" || !r.Exact {
		t.Errorf("RouteAt director = %s exact=%v", r.Node.Name, r.Exact)
	}

	r, _ = tree.RouteAt(models.OpReview, models.LevelReviewer, models.CapabilityCode)
	if r.Node.Name != "verification-quality-code-reviewer" {
		t.Errorf("RouteAt reviewer = %s", r.Node.Name)
	}

	if _, err := tree.RouteAt(models.OpCode, 12, models.CapabilityCode); !errors.IsValidation(err) {
		t.Errorf("bad level: got %v", err)
	}
}

func TestRoute_UnclaimedOperation(t *testing.T) {
	def, err := ParseDefinition([]byte(`domains:
  - name: coding
    team: coding_director
    operations: [code]
    areas:
      - name: backend
        capabilities: [code]
`))
	if err != nil {
		t.Fatal(err)
	}
	tree, err := New(def)
	if err != nil {
		t.Fatal(err)
	}

	r, err := tree.Route(models.OpDocs, models.CapabilityGeneral)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if r.Node.Name != "coding-backend-specialist" || r.Exact {
		t.Errorf("Route = %s exact=%v", r.Node.Name, r.Exact)
	}
}

func TestNodeLifecycle(t *testing.T) {
	tree := newTestTree(t)
	w := mustFind(t, tree, "coding-backend-code-worker")

	if err := tree.Start(w.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Start on idle: got %v", err)
	}
	if err := tree.Assign(w.ID); err != nil {
		t.Fatal(err)
	}
	if err := tree.Assign(w.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("double Assign: got %v", err)
	}
	if err := tree.Finish(w.ID, true, 0); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Finish on active: got %v", err)
	}
	if err := tree.Start(w.ID); err != nil {
		t.Fatal(err)
	}
	if err := tree.Finish(w.ID, true, 120); err != nil {
		t.Fatal(err)
	}

	got, _ := tree.Node(w.ID)
	if got.Status != models.NodeStatusCompleted || got.TokensConsumed != 120 {
		t.Errorf("node = %+v", got)
	}

	// Completed nodes can be reassigned.
	if err := tree.Assign(w.ID); err != nil {
		t.Errorf("reassign completed: %v", err)
	}
	if _, err := tree.Node("missing"); !errors.IsNotFound(err) {
		t.Errorf("Node(missing): got %v", err)
	}
}

func TestDelegate_WaitsForAllChildren(t *testing.T) {
	tree := newTestTree(t)
	specialist := mustFind(t, tree, "coding-frontend-specialist")
	code := mustFind(t, tree, "coding-frontend-code-worker")
	vision := mustFind(t, tree, "coding-frontend-vision-worker")
	stranger := mustFind(t, tree, "coding-backend-code-worker")

	if err := tree.Delegate(specialist.ID, code.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("delegate from idle parent: got %v", err)
	}
	if err := tree.Assign(specialist.ID); err != nil {
		t.Fatal(err)
	}
	if err := tree.Delegate(specialist.ID, stranger.ID); !errors.IsValidation(err) {
		t.Errorf("delegate to non-child: got %v", err)
	}
	for _, id := range []string{code.ID, vision.ID} {
		if err := tree.Delegate(specialist.ID, id); err != nil {
			t.Fatalf("Delegate failed: %v", err)
		}
	}
	if got := tree.Outstanding(specialist.ID); len(got) != 2 {
		t.Fatalf("Outstanding = %v", got)
	}

	_ = tree.Start(code.ID)
	if err := tree.Finish(code.ID, true, 10); err != nil {
		t.Fatal(err)
	}
	if n, _ := tree.Node(specialist.ID); n.Status != models.NodeStatusWaitingChild {
		t.Errorf("parent status after first child = %s, want waiting_child", n.Status)
	}

	_ = tree.Start(vision.ID)
	if err := tree.Finish(vision.ID, false, 5); err != nil {
		t.Fatal(err)
	}
	parent, _ := tree.Node(specialist.ID)
	if parent.Status != models.NodeStatusFailed {
		t.Errorf("parent status = %s, want failed", parent.Status)
	}
	if parent.Escalations != 1 {
		t.Errorf("parent escalations = %d, want 1", parent.Escalations)
	}
	if len(tree.Outstanding(specialist.ID)) != 0 {
		t.Error("outstanding children remain")
	}

	planner := mustFind(t, tree, "coding-frontend-planner")
	if planner.Escalations != 1 {
		t.Errorf("grandparent escalations = %d, want 1", planner.Escalations)
	}
}

func TestOccupy_DelegatesFromFreeParent(t *testing.T) {
	tree := newTestTree(t)
	specialist := mustFind(t, tree, "coding-frontend-specialist")
	code := mustFind(t, tree, "coding-frontend-code-worker")
	vision := mustFind(t, tree, "coding-frontend-vision-worker")

	by, err := tree.Occupy(code.ID)
	if err != nil {
		t.Fatal(err)
	}
	if by != specialist.ID {
		t.Errorf("Occupy delegated by %q, want %s", by, specialist.ID)
	}
	if _, err := tree.Occupy(code.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Occupy on working node: got %v", err)
	}
	if by, err := tree.Occupy(vision.ID); err != nil || by != specialist.ID {
		t.Fatalf("second Occupy = %q, %v", by, err)
	}
	if got := tree.Outstanding(specialist.ID); len(got) != 2 {
		t.Fatalf("Outstanding = %v", got)
	}
	if n, _ := tree.Node(code.ID); n.Status != models.NodeStatusWorking {
		t.Errorf("child status = %s, want working", n.Status)
	}

	if err := tree.Finish(code.ID, true, 10); err != nil {
		t.Fatal(err)
	}
	if n, _ := tree.Node(specialist.ID); n.Status != models.NodeStatusWaitingChild {
		t.Errorf("parent status = %s, want waiting_child", n.Status)
	}
	if err := tree.Finish(vision.ID, true, 10); err != nil {
		t.Fatal(err)
	}
	if n, _ := tree.Node(specialist.ID); n.Status != models.NodeStatusCompleted {
		t.Errorf("parent status = %s, want completed", n.Status)
	}
}

func TestOccupy_BusyParentIsLeftAlone(t *testing.T) {
	tree := newTestTree(t)
	specialist := mustFind(t, tree, "coding-frontend-specialist")
	code := mustFind(t, tree, "coding-frontend-code-worker")

	if err := tree.Assign(specialist.ID); err != nil {
		t.Fatal(err)
	}
	if err := tree.Start(specialist.ID); err != nil {
		t.Fatal(err)
	}
	by, err := tree.Occupy(code.ID)
	if err != nil {
		t.Fatal(err)
	}
	if by != "" {
		t.Errorf("Occupy delegated by %q, want direct assignment", by)
	}
	if n, _ := tree.Node(specialist.ID); n.Status != models.NodeStatusWorking {
		t.Errorf("parent status = %s, want working", n.Status)
	}
	if err := tree.Finish(code.ID, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := tree.Finish(specialist.ID, true, 0); err != nil {
		t.Errorf("parent Finish after direct child: %v", err)
	}
}

func TestRetryBudgetEscalates(t *testing.T) {
	tree := newTestTree(t, WithRetryBudget(1))
	w := mustFind(t, tree, "planning-writing-fast-worker")

	fail := func() {
		t.Helper()
		if err := tree.Assign(w.ID); err != nil {
			t.Fatal(err)
		}
		_ = tree.Start(w.ID)
		if err := tree.Finish(w.ID, false, 0); err != nil {
			t.Fatal(err)
		}
	}

	fail()
	if n, _ := tree.Node(w.ID); n.Status != models.NodeStatusFailed || n.Retries != 1 {
		t.Fatalf("after first failure: %+v", n)
	}
	fail()
	n, _ := tree.Node(w.ID)
	if n.Status != models.NodeStatusEscalated {
		t.Fatalf("after second failure status = %s, want escalated", n.Status)
	}
	if err := tree.Assign(w.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Assign escalated: got %v", err)
	}

	parent, _ := tree.Node(w.ParentID)
	if parent.Escalations != 2 || parent.Retries != 1 {
		t.Errorf("parent = escalations %d retries %d, want 2 and 1", parent.Escalations, parent.Retries)
	}

	// Escalated nodes are skipped by the router.
	r, _ := tree.Route(models.OpDocs, models.CapabilityFast)
	if r.Node.ID == w.ID {
		t.Error("router returned escalated node")
	}

	if err := tree.Reset(w.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := tree.Node(w.ID); n.Status != models.NodeStatusIdle || n.Retries != 0 {
		t.Errorf("after reset: %+v", n)
	}
}

func TestEscalationPropagatesUp(t *testing.T) {
	tree := newTestTree(t, WithRetryBudget(0))
	w := mustFind(t, tree, "triage-intake-fast-worker")

	_ = tree.Assign(w.ID)
	_ = tree.Start(w.ID)
	if err := tree.Finish(w.ID, false, 0); err != nil {
		t.Fatal(err)
	}

	if n, _ := tree.Node(w.ID); n.Status != models.NodeStatusEscalated {
		t.Errorf("worker status = %s", n.Status)
	}
	parent, _ := tree.Node(w.ParentID)
	if parent.Status != models.NodeStatusEscalated {
		t.Errorf("parent status = %s, want escalated", parent.Status)
	}
}

func TestConversation(t *testing.T) {
	tree := newTestTree(t)
	n := mustFind(t, tree, "orchestrator")

	if err := tree.AppendConversation(n.ID, "user", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := tree.AppendConversation(n.ID, "assistant", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := tree.AppendConversation(n.ID, "", "x"); !errors.IsValidation(err) {
		t.Errorf("empty role: got %v", err)
	}

	conv, err := tree.Conversation(n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 2 || conv[0].Content != "hello" || conv[1].Role != "assistant" {
		t.Errorf("Conversation = %+v", conv)
	}

	// Returned slices are copies.
	conv[0].Content = "mutated"
	again, _ := tree.Conversation(n.ID)
	if again[0].Content != "hello" {
		t.Error("Conversation returned shared slice")
	}
}

func TestPersistence(t *testing.T) {
	db := setupStore(t)

	tree, err := New(nil, WithStore(db))
	if err != nil {
		t.Fatal(err)
	}
	persisted, err := db.ListTreeNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != defaultNodeCount {
		t.Fatalf("persisted %d nodes, want %d", len(persisted), defaultNodeCount)
	}

	w := mustFind(t, tree, "coding-backend-reasoning-worker")
	_ = tree.Assign(w.ID)
	_ = tree.AppendConversation(w.ID, "user", "plan the migration")

	reloaded, err := New(nil, WithStore(db))
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Node(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.NodeStatusActive || len(got.Conversation) != 1 {
		t.Errorf("reloaded node = %+v", got)
	}

	r, err := reloaded.Route(models.OpCode, models.CapabilityReasoning)
	if err != nil || !r.Exact {
		t.Errorf("Route after reload = %+v, %v", r, err)
	}

	if err := reloaded.Rebuild(); err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Node(w.ID); !errors.IsNotFound(err) {
		t.Error("rebuild should assign fresh ids")
	}
	persisted, _ = db.ListTreeNodes()
	if len(persisted) != defaultNodeCount {
		t.Errorf("after rebuild persisted %d nodes", len(persisted))
	}
}

func TestFindByName(t *testing.T) {
	tree := newTestTree(t)
	dir := mustFind(t, tree, "coding-director")

	n, err := tree.FindByName("coding-director")
	if err != nil || n.ID != dir.ID {
		t.Errorf("exact name = %s, %v", n.Name, err)
	}
	n, err = tree.FindByName(dir.ID)
	if err != nil || n.ID != dir.ID {
		t.Errorf("by id = %s, %v", n.Name, err)
	}
	n, err = tree.FindByName("CODING-DIRECTOR")
	if err != nil || n.ID != dir.ID {
		t.Errorf("case-insensitive = %s, %v", n.Name, err)
	}

	n, err = tree.FindByName("frontvision")
	if err != nil {
		t.Fatalf("fuzzy failed: %v", err)
	}
	if !strings.Contains(n.Name, "frontend-vision") {
		t.Errorf("fuzzy match = %s", n.Name)
	}

	if _, err := tree.FindByName("zzzqqqxxx"); !errors.IsNotFound(err) {
		t.Errorf("no match: got %v", err)
	}
	if _, err := tree.FindByName("  "); !errors.IsValidation(err) {
		t.Errorf("empty query: got %v", err)
	}

	if got := tree.Search("worker", 3); len(got) != 3 {
		t.Errorf("Search returned %d nodes", len(got))
	}
}
