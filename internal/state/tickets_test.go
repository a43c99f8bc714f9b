package state

import (
	"testing"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

func TestCreateTicket_AssignsSequentialNumbers(t *testing.T) {
	db := setupTestDB(t)

	var last int64
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		tk := mustCreateTicket(t, db, "ticket")
		if tk.Number <= last {
			t.Errorf("ticket %d number = %d, want > %d", i, tk.Number, last)
		}
		last = tk.Number
		if seen[tk.ID] {
			t.Errorf("duplicate ID %s", tk.ID)
		}
		seen[tk.ID] = true
	}
	if last != 5 {
		t.Errorf("last number = %d, want 5", last)
	}
}

func TestCreateTicket_Defaults(t *testing.T) {
	db := setupTestDB(t)
	tk := mustCreateTicket(t, db, "defaults")

	got, err := db.GetTicket(tk.ID)
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if got.Priority != models.PriorityP2 {
		t.Errorf("Priority = %v, want P2", got.Priority)
	}
	if got.Status != models.TicketStatusOpen {
		t.Errorf("Status = %q, want %q", got.Status, models.TicketStatusOpen)
	}
	if got.ProcessingStatus != models.ProcessingNone {
		t.Errorf("ProcessingStatus = %q, want %q", got.ProcessingStatus, models.ProcessingNone)
	}
	if got.PhaseStartedAt.IsZero() || got.CreatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

func TestCreateTicket_ValidationNotPersisted(t *testing.T) {
	db := setupTestDB(t)

	tests := []struct {
		name   string
		ticket models.Ticket
	}{
		{"empty title", models.Ticket{Title: "  "}},
		{"bad priority", models.Ticket{Title: "x", Priority: 7}},
		{"bad team", models.Ticket{Title: "x", AssignedQueue: "sales"}},
		{"bad operation", models.Ticket{Title: "x", OperationType: "deploy"}},
		{"bad score", models.Ticket{Title: "x", ClarityScore: 101}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := tt.ticket
			err := db.CreateTicket(&tk)
			if !errors.IsValidation(err) {
				t.Fatalf("CreateTicket() error = %v, want validation error", err)
			}
		})
	}

	tickets, err := db.ListTickets(TicketFilter{})
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("got %d tickets persisted, want 0", len(tickets))
	}
}

func TestCreateTicket_ParentMustExist(t *testing.T) {
	db := setupTestDB(t)

	child := &models.Ticket{Title: "child", ParentID: "missing"}
	if err := db.CreateTicket(child); !errors.IsValidation(err) {
		t.Fatalf("CreateTicket() error = %v, want validation error", err)
	}

	parent := mustCreateTicket(t, db, "parent")
	child = &models.Ticket{Title: "child", ParentID: parent.ID}
	if err := db.CreateTicket(child); err != nil {
		t.Fatalf("CreateTicket with parent failed: %v", err)
	}

	kids, err := db.ListTickets(TicketFilter{ParentID: parent.ID})
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if len(kids) != 1 || kids[0].ID != child.ID {
		t.Errorf("children = %v, want [%s]", kids, child.ID)
	}
}

func TestSetParent_RejectsCycle(t *testing.T) {
	db := setupTestDB(t)
	a := mustCreateTicket(t, db, "a")
	b := &models.Ticket{Title: "b", ParentID: a.ID}
	if err := db.CreateTicket(b); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	c := &models.Ticket{Title: "c", ParentID: b.ID}
	if err := db.CreateTicket(c); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}

	if err := db.SetParent(a.ID, c.ID); !errors.Is(err, errors.ErrCycle) {
		t.Errorf("SetParent(a, c) error = %v, want ErrCycle", err)
	}
	if err := db.SetParent(a.ID, a.ID); !errors.Is(err, errors.ErrCycle) {
		t.Errorf("SetParent(a, a) error = %v, want ErrCycle", err)
	}

	got, _ := db.GetTicket(a.ID)
	if got.ParentID != "" {
		t.Errorf("a.ParentID = %q, want empty after rejected cycle", got.ParentID)
	}

	if err := db.SetParent(c.ID, a.ID); err != nil {
		t.Errorf("SetParent(c, a) failed: %v", err)
	}
}

func TestGetTicket_NotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.GetTicket("nope"); !errors.IsNotFound(err) {
		t.Errorf("GetTicket error = %v, want ErrNotFound", err)
	}
	if _, err := db.GetTicketByNumber(42); !errors.IsNotFound(err) {
		t.Errorf("GetTicketByNumber error = %v, want ErrNotFound", err)
	}
}

func TestTransitionTicket(t *testing.T) {
	db := setupTestDB(t)
	tk := mustCreateTicket(t, db, "flow")

	got, err := db.TransitionTicket(tk.ID, models.TicketStatusQueued, func(t *models.Ticket) {
		t.AssignedQueue = models.TeamPlanning
	})
	if err != nil {
		t.Fatalf("open -> queued failed: %v", err)
	}
	if got.Status != models.TicketStatusQueued || got.AssignedQueue != models.TeamPlanning {
		t.Errorf("got status %q queue %q", got.Status, got.AssignedQueue)
	}
	if !got.PhaseStartedAt.After(tk.PhaseStartedAt) && !got.PhaseStartedAt.Equal(tk.PhaseStartedAt) {
		t.Error("phase_started_at should move forward on transition")
	}

	_, err = db.TransitionTicket(tk.ID, models.TicketStatusResolved, nil)
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("queued -> resolved error = %v, want ErrInvalidTransition", err)
	}
	stored, _ := db.GetTicket(tk.ID)
	if stored.Status != models.TicketStatusQueued {
		t.Errorf("status after rejected transition = %q, want queued", stored.Status)
	}
}

func TestTransitionTicket_MutateCannotChangeStatus(t *testing.T) {
	db := setupTestDB(t)
	tk := mustCreateTicket(t, db, "sneaky")

	got, err := db.TransitionTicket(tk.ID, models.TicketStatusQueued, func(t *models.Ticket) {
		t.Status = models.TicketStatusResolved
	})
	if err != nil {
		t.Fatalf("TransitionTicket failed: %v", err)
	}
	if got.Status != models.TicketStatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
}

func TestTransitionTicketFrom_CompareAndSet(t *testing.T) {
	db := setupTestDB(t)
	tk := mustCreateTicket(t, db, "cas")

	if _, err := db.TransitionTicketFrom(tk.ID, models.TicketStatusQueued, models.TicketStatusProcessing, nil); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("CAS on stale status error = %v, want ErrInvalidTransition", err)
	}
	if _, err := db.TransitionTicketFrom(tk.ID, models.TicketStatusOpen, models.TicketStatusQueued, nil); err != nil {
		t.Errorf("CAS on current status failed: %v", err)
	}
}

func TestModifyTicket_PreservesStatus(t *testing.T) {
	db := setupTestDB(t)
	tk := mustCreateTicket(t, db, "modify")

	got, err := db.ModifyTicket(tk.ID, func(t *models.Ticket) error {
		t.Status = models.TicketStatusResolved
		t.ClarityScore = 77
		t.LastError = "boom"
		return nil
	})
	if err != nil {
		t.Fatalf("ModifyTicket failed: %v", err)
	}
	if got.Status != models.TicketStatusOpen {
		t.Errorf("Status = %q, want open", got.Status)
	}
	stored, _ := db.GetTicket(tk.ID)
	if stored.ClarityScore != 77 || stored.LastError != "boom" {
		t.Errorf("stored = score %d error %q", stored.ClarityScore, stored.LastError)
	}
}

func TestListTickets_Filters(t *testing.T) {
	db := setupTestDB(t)
	a := &models.Ticket{Title: "a", AssignedQueue: models.TeamPlanning, OperationType: models.OpPlan}
	b := &models.Ticket{Title: "b", AssignedQueue: models.TeamCodingDirector, OperationType: models.OpCode}
	c := &models.Ticket{Title: "c", AssignedQueue: models.TeamCodingDirector, OperationType: models.OpBugfix}
	for _, tk := range []*models.Ticket{a, b, c} {
		if err := db.CreateTicket(tk); err != nil {
			t.Fatalf("CreateTicket failed: %v", err)
		}
	}
	if _, err := db.TransitionTicket(c.ID, models.TicketStatusQueued, nil); err != nil {
		t.Fatalf("TransitionTicket failed: %v", err)
	}

	tests := []struct {
		name   string
		filter TicketFilter
		want   []string
	}{
		{"all", TicketFilter{}, []string{"a", "b", "c"}},
		{"by team", TicketFilter{Team: models.TeamCodingDirector}, []string{"b", "c"}},
		{"by op", TicketFilter{OperationType: models.OpPlan}, []string{"a"}},
		{"by status", TicketFilter{Status: []models.TicketStatus{models.TicketStatusQueued}}, []string{"c"}},
		{"by statuses", TicketFilter{Status: []models.TicketStatus{models.TicketStatusOpen, models.TicketStatusQueued}}, []string{"a", "b", "c"}},
		{"limit", TicketFilter{Limit: 2}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListTickets(tt.filter)
			if err != nil {
				t.Fatalf("ListTickets failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tickets, want %d", len(got), len(tt.want))
			}
			for i, title := range tt.want {
				if got[i].Title != title {
					t.Errorf("ticket[%d] = %q, want %q", i, got[i].Title, title)
				}
			}
		})
	}
}

func TestCountByStatus(t *testing.T) {
	db := setupTestDB(t)
	mustCreateTicket(t, db, "one")
	two := mustCreateTicket(t, db, "two")
	if _, err := db.TransitionTicket(two.ID, models.TicketStatusEscalated, nil); err != nil {
		t.Fatalf("TransitionTicket failed: %v", err)
	}

	counts, err := db.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[models.TicketStatusOpen] != 1 || counts[models.TicketStatusEscalated] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestReplies(t *testing.T) {
	db := setupTestDB(t)
	tk := mustCreateTicket(t, db, "thread")

	score := 55
	replies := []*models.Reply{
		{TicketID: tk.ID, Author: models.AuthorSystem, Body: "please clarify", ClarityScore: &score},
		{TicketID: tk.ID, Author: models.AuthorUser, Body: "here are details"},
	}
	for _, r := range replies {
		if err := db.AddReply(r); err != nil {
			t.Fatalf("AddReply failed: %v", err)
		}
	}

	got, err := db.ListReplies(tk.ID)
	if err != nil {
		t.Fatalf("ListReplies failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d replies, want 2", len(got))
	}
	if got[0].ClarityScore == nil || *got[0].ClarityScore != 55 {
		t.Errorf("first reply score = %v, want 55", got[0].ClarityScore)
	}
	if got[1].ClarityScore != nil {
		t.Errorf("second reply score = %v, want nil", *got[1].ClarityScore)
	}

	if err := db.AddReply(&models.Reply{TicketID: "missing", Author: models.AuthorUser, Body: "x"}); !errors.IsNotFound(err) {
		t.Errorf("AddReply to missing ticket error = %v, want ErrNotFound", err)
	}
	if err := db.AddReply(&models.Reply{TicketID: tk.ID, Author: "bot", Body: "x"}); !errors.IsValidation(err) {
		t.Errorf("AddReply with bad author error = %v, want validation", err)
	}
}
