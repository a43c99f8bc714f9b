package state

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

func TestExportImport_RoundTrip(t *testing.T) {
	src := setupTestDB(t)
	tk := mustCreateTicket(t, src, "round trip")
	if err := src.AddReply(&models.Reply{TicketID: tk.ID, Author: models.AuthorUser, Body: "more detail"}); err != nil {
		t.Fatalf("AddReply failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		run, err := src.CreateRun(tk.ID)
		if err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		for j := 0; j <= i; j++ {
			if _, err := src.CreateStep(run.ID, "agent", "artifact"); err != nil {
				t.Fatalf("CreateStep failed: %v", err)
			}
		}
	}

	bundle, err := src.ExportTicket(tk.ID)
	if err != nil {
		t.Fatalf("ExportTicket failed: %v", err)
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	var decoded TicketBundle
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}

	dst, err := Open(filepath.Join(t.TempDir(), "dst.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dst.Close()
	if err := dst.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := dst.ImportTicket(&decoded); err != nil {
		t.Fatalf("ImportTicket failed: %v", err)
	}

	reloaded, err := dst.ExportTicket(tk.ID)
	if err != nil {
		t.Fatalf("ExportTicket after import failed: %v", err)
	}
	if reloaded.Ticket.Number != bundle.Ticket.Number {
		t.Errorf("number = %d, want %d", reloaded.Ticket.Number, bundle.Ticket.Number)
	}
	if len(reloaded.Replies) != len(bundle.Replies) {
		t.Errorf("replies = %d, want %d", len(reloaded.Replies), len(bundle.Replies))
	}
	if len(reloaded.Runs) != len(bundle.Runs) {
		t.Fatalf("runs = %d, want %d", len(reloaded.Runs), len(bundle.Runs))
	}
	for i := range bundle.Runs {
		want, got := bundle.Runs[i], reloaded.Runs[i]
		if got.Run.ID != want.Run.ID || got.Run.RunNumber != want.Run.RunNumber {
			t.Errorf("run[%d] = %s/%d, want %s/%d", i, got.Run.ID, got.Run.RunNumber, want.Run.ID, want.Run.RunNumber)
		}
		if len(got.Steps) != len(want.Steps) {
			t.Errorf("run[%d] steps = %d, want %d", i, len(got.Steps), len(want.Steps))
			continue
		}
		for j := range want.Steps {
			if got.Steps[j].ID != want.Steps[j].ID || got.Steps[j].StepNumber != want.Steps[j].StepNumber {
				t.Errorf("run[%d] step[%d] mismatch", i, j)
			}
		}
	}

	if err := dst.ImportTicket(&decoded); !errors.Is(err, errors.ErrDuplicate) {
		t.Errorf("second import error = %v, want ErrDuplicate", err)
	}
}

func exportWithRuns(t *testing.T, db *DB, title string) *TicketBundle {
	t.Helper()
	tk := mustCreateTicket(t, db, title)
	if err := db.AddReply(&models.Reply{TicketID: tk.ID, Author: models.AuthorUser, Body: "context"}); err != nil {
		t.Fatalf("AddReply failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		run, err := db.CreateRun(tk.ID)
		if err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		for j := 0; j < 2; j++ {
			if _, err := db.CreateStep(run.ID, "agent", "artifact"); err != nil {
				t.Fatalf("CreateStep failed: %v", err)
			}
		}
	}
	b, err := db.ExportTicket(tk.ID)
	if err != nil {
		t.Fatalf("ExportTicket failed: %v", err)
	}
	return b
}

func TestImportTicket_RejectsInconsistentBundles(t *testing.T) {
	src := setupTestDB(t)
	tests := []struct {
		name   string
		mutate func(b *TicketBundle)
	}{
		{"reply of another ticket", func(b *TicketBundle) { b.Replies[0].TicketID = "other" }},
		{"run of another ticket", func(b *TicketBundle) { b.Runs[1].Run.TicketID = "other" }},
		{"step outside its run", func(b *TicketBundle) { b.Runs[1].Steps[0].RunID = b.Runs[0].Run.ID }},
		{"run numbers repeat", func(b *TicketBundle) { b.Runs[1].Run.RunNumber = b.Runs[0].Run.RunNumber }},
		{"run numbers start at zero", func(b *TicketBundle) { b.Runs[0].Run.RunNumber = 0 }},
		{"step numbers go backwards", func(b *TicketBundle) { b.Runs[0].Steps[1].StepNumber = 1 }},
		{"missing ticket id", func(b *TicketBundle) { b.Ticket.ID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := exportWithRuns(t, src, tt.name)
			id := b.Ticket.ID
			tt.mutate(b)

			dst := setupTestDB(t)
			err := dst.ImportTicket(b)
			if !errors.IsValidation(err) {
				t.Fatalf("ImportTicket error = %v, want validation error", err)
			}
			if _, err := dst.GetTicket(id); !errors.IsNotFound(err) {
				t.Errorf("rejected bundle left a ticket behind: %v", err)
			}
		})
	}
}

func TestImportTicket_NumbersStayIncreasing(t *testing.T) {
	src := setupTestDB(t)
	low := exportWithRuns(t, src, "exported first")
	if low.Ticket.Number != 1 {
		t.Fatalf("source number = %d, want 1", low.Ticket.Number)
	}

	dst := setupTestDB(t)
	for _, title := range []string{"a", "b", "c"} {
		mustCreateTicket(t, dst, title)
	}
	if err := dst.ImportTicket(low); err != nil {
		t.Fatalf("ImportTicket failed: %v", err)
	}
	got, err := dst.GetTicket(low.Ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Number != 4 {
		t.Errorf("imported number = %d, want 4", got.Number)
	}

	high := exportWithRuns(t, src, "exported second")
	high.Ticket.Number = 10
	if err := dst.ImportTicket(high); err != nil {
		t.Fatalf("ImportTicket failed: %v", err)
	}
	if got, _ := dst.GetTicket(high.Ticket.ID); got == nil || got.Number != 10 {
		t.Errorf("imported number = %+v, want 10", got)
	}
	next := mustCreateTicket(t, dst, "after import")
	if next.Number != 11 {
		t.Errorf("next number = %d, want 11", next.Number)
	}
}
