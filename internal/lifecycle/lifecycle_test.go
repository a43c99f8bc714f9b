package lifecycle

import (
	"testing"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.TicketStatus
		want     bool
	}{
		{models.TicketStatusOpen, models.TicketStatusQueued, true},
		{models.TicketStatusQueued, models.TicketStatusProcessing, true},
		{models.TicketStatusProcessing, models.TicketStatusVerifying, true},
		{models.TicketStatusVerifying, models.TicketStatusResolved, true},
		{models.TicketStatusVerifying, models.TicketStatusQueued, true},
		{models.TicketStatusFailed, models.TicketStatusOpen, true},
		{models.TicketStatusProcessing, models.TicketStatusEscalated, true},
		{models.TicketStatusOpen, models.TicketStatusOpen, true},
		{models.TicketStatusOpen, models.TicketStatusResolved, false},
		{models.TicketStatusOpen, models.TicketStatusProcessing, false},
		{models.TicketStatusQueued, models.TicketStatusVerifying, false},
		{models.TicketStatusResolved, models.TicketStatusQueued, false},
		{models.TicketStatusEscalated, models.TicketStatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestEveryNonTerminalCanEscalate(t *testing.T) {
	for _, s := range allStatuses {
		if IsTerminal(s) {
			continue
		}
		if !CanTransition(s, models.TicketStatusEscalated) {
			t.Errorf("%s should be able to escalate", s)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(models.TicketStatusOpen, models.TicketStatusQueued); err != nil {
		t.Errorf("Validate(open, queued) = %v, want nil", err)
	}
	err := Validate(models.TicketStatusOpen, models.TicketStatusResolved)
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Validate(open, resolved) = %v, want ErrInvalidTransition", err)
	}
	err = Validate(models.TicketStatusOpen, models.TicketStatus("done"))
	if !errors.IsValidation(err) {
		t.Errorf("Validate(open, done) = %v, want validation error", err)
	}
}

func TestTargets(t *testing.T) {
	got := Targets(models.TicketStatusFailed)
	if len(got) != 2 {
		t.Fatalf("Targets(failed) = %v, want 2 entries", got)
	}
	if got[0] != models.TicketStatusOpen || got[1] != models.TicketStatusEscalated {
		t.Errorf("Targets(failed) = %v, want [open escalated]", got)
	}
}

func TestHelpers(t *testing.T) {
	if !IsTerminal(models.TicketStatusResolved) || IsTerminal(models.TicketStatusFailed) {
		t.Error("IsTerminal mismatch")
	}
	if !IsInFlight(models.TicketStatusVerifying) || IsInFlight(models.TicketStatusQueued) {
		t.Error("IsInFlight mismatch")
	}
	if !CanRetry(models.TicketStatusEscalated) || CanRetry(models.TicketStatusResolved) {
		t.Error("CanRetry mismatch")
	}
}
