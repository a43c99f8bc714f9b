package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/clarity"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/internal/protect"
	"github.com/ShayCichocki/switchboard/internal/queue"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/verification"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

type harness struct {
	o           *Orchestrator
	db          *state.DB
	queue       *queue.Manager
	tree        *hierarchy.Tree
	score       int
	escalations atomic.Int32
}

func newHarness(t *testing.T, exec agent.Executor, opts ...Option) *harness {
	return newHarnessWithThresholds(t, clarity.DefaultThresholds(), exec, opts...)
}

func newHarnessWithThresholds(t *testing.T, th clarity.Thresholds, exec agent.Executor, opts ...Option) *harness {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := queue.NewManager(map[models.Team]int{
		models.TeamOrchestrator:   2,
		models.TeamPlanning:       2,
		models.TeamVerification:   2,
		models.TeamCodingDirector: 2,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	tree, err := hierarchy.New(nil)
	if err != nil {
		t.Fatalf("hierarchy.New failed: %v", err)
	}

	h := &harness{db: db, queue: q, tree: tree, score: 90}
	gate := clarity.NewGate(clarity.ScorerFunc(func(context.Context, clarity.Input) (clarity.Result, error) {
		return clarity.Result{Score: h.score}, nil
	}), th)
	if exec == nil {
		exec = agent.EchoExecutor{}
	}

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPolicy(Policy{StepAttempts: 1, StepBackoff: time.Millisecond}),
		WithVerifier(passingVerifier(90)),
		WithEscalationHook(func(context.Context, models.Ticket, string) { h.escalations.Add(1) }),
	}
	o, err := New(RequiredConfig{Store: db, Queue: q, Tree: tree, Gate: gate, Executor: exec}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(o.Close)
	h.o = o
	return h
}

func passingVerifier(score int) verification.Verifier {
	return verification.FuncVerifier(func(context.Context, verification.Input) (verification.Result, error) {
		return verification.Result{Passed: true, Score: score, Summary: "ok"}, nil
	})
}

func (h *harness) submit(t *testing.T, title string, op models.OperationType) *models.Ticket {
	t.Helper()
	tk, _, err := h.o.Submit(context.Background(), &models.Ticket{Title: title, Body: "details", OperationType: op})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return tk
}

func (h *harness) ticket(t *testing.T, id string) *models.Ticket {
	t.Helper()
	tk, err := h.db.GetTicket(id)
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	return tk
}

func (h *harness) dispatch(t *testing.T) int {
	t.Helper()
	n, err := h.o.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	return n
}

func waitForStatus(t *testing.T, h *harness, id string, want models.TicketStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.ticket(t, id).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ticket %s never reached %s (now %s)", id, want, h.ticket(t, id).Status)
}

// assertQueuedArePending checks that every queued ticket waits on a team
// queue, so none is stranded outside the dispatcher's reach.
func assertQueuedArePending(t *testing.T, h *harness) {
	t.Helper()
	queued, err := h.db.ListTickets(state.TicketFilter{Status: []models.TicketStatus{models.TicketStatusQueued}})
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	for _, tk := range queued {
		if !h.queue.IsPending(tk.ID) {
			t.Errorf("ticket %s is queued on %s but not pending", tk.ID, tk.AssignedQueue)
		}
	}
}

// blockingExecutor blocks every step until release is closed.
func blockingExecutor(started chan<- string, release <-chan struct{}) agent.Executor {
	return agent.FuncExecutor(func(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
		if started != nil {
			select {
			case started <- req.TicketID:
			default:
			}
		}
		select {
		case <-release:
			return agent.StepResult{Output: "done"}, nil
		case <-ctx.Done():
			return agent.StepResult{}, ctx.Err()
		}
	})
}

func TestSubmit_LowClarityRequestsClarification(t *testing.T) {
	h := newHarness(t, nil)
	h.score = 40

	tk, ev, err := h.o.Submit(context.Background(), &models.Ticket{Title: "fix it", Priority: models.PriorityP1})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ev.Decision != clarity.DecisionClarify {
		t.Errorf("Decision = %s, want clarify", ev.Decision)
	}
	if tk.Status != models.TicketStatusOpen {
		t.Errorf("Status = %s, want open", tk.Status)
	}
	if tk.ProcessingStatus != models.ProcessingAwaitingUser {
		t.Errorf("ProcessingStatus = %s, want awaiting_user", tk.ProcessingStatus)
	}
	if tk.ClarificationRounds != 1 || tk.ClarityScore != 40 {
		t.Errorf("rounds = %d, score = %d", tk.ClarificationRounds, tk.ClarityScore)
	}

	replies, err := h.db.ListReplies(tk.ID)
	if err != nil {
		t.Fatalf("ListReplies failed: %v", err)
	}
	if len(replies) != 1 || replies[0].Author != models.AuthorSystem {
		t.Fatalf("expected one system clarification reply, got %+v", replies)
	}
	if h.queue.IsPending(tk.ID) {
		t.Error("unclear ticket should not be queued")
	}
}

func TestSubmit_ClearTicketIsClassifiedAndQueued(t *testing.T) {
	h := newHarness(t, nil)
	tk := h.submit(t, "Fix crash in the exporter", "")

	if tk.Status != models.TicketStatusQueued {
		t.Fatalf("Status = %s, want queued", tk.Status)
	}
	if tk.OperationType != models.OpBugfix {
		t.Errorf("OperationType = %s, want bugfix", tk.OperationType)
	}
	if tk.AssignedQueue != models.TeamCodingDirector {
		t.Errorf("AssignedQueue = %s, want coding_director", tk.AssignedQueue)
	}
	if tk.FlaggedReview {
		t.Error("high clarity ticket should not be flagged")
	}
	if !h.queue.IsPending(tk.ID) {
		t.Error("ticket should be pending on its team queue")
	}
}

func TestSubmit_MidBandIsFlagged(t *testing.T) {
	h := newHarness(t, nil)
	h.score = 75
	tk := h.submit(t, "Write docs for the cli", "")
	if tk.Status != models.TicketStatusQueued || !tk.FlaggedReview {
		t.Errorf("Status = %s, FlaggedReview = %v", tk.Status, tk.FlaggedReview)
	}
	if tk.AssignedQueue != models.TeamPlanning {
		t.Errorf("AssignedQueue = %s, want planning", tk.AssignedQueue)
	}
}

func TestSubmit_ProtectedPathIsFlagged(t *testing.T) {
	d, err := protect.New(protect.Rules{})
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, nil, WithProtectedAreas(d))

	tk, _, err := h.o.Submit(context.Background(), &models.Ticket{
		Title: "Fix crash in the session refresh",
		Body:  "The panic comes from internal/auth/refresh.go when the cookie is empty.",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if tk.Status != models.TicketStatusQueued || !tk.FlaggedReview {
		t.Errorf("Status = %s, FlaggedReview = %v", tk.Status, tk.FlaggedReview)
	}
	entries, err := h.db.ListAudit(state.AuditFilter{TicketID: tk.ID, Action: "protected_area"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.Contains(entries[0].Detail, "internal/auth/refresh.go") {
		t.Errorf("protected_area audit = %+v", entries)
	}

	plain := h.submit(t, "Fix crash in the exporter", "")
	if plain.FlaggedReview {
		t.Error("ticket without sensitive paths should not be flagged")
	}
}

func TestSubmit_InvalidTicketNotPersisted(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.o.Submit(context.Background(), &models.Ticket{Title: "  "})
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	tickets, err := h.db.ListTickets(state.TicketFilter{})
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("expected no tickets, got %d", len(tickets))
	}
}

func TestAddReply_ReplyCrossesThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.score = 40
	tk := h.submit(t, "make the thing", models.OpCode)

	h.score = 88
	reply, ev, err := h.o.AddReply(context.Background(), tk.ID, models.AuthorUser, "the thing is the csv exporter, add a --gzip flag")
	if err != nil {
		t.Fatalf("AddReply failed: %v", err)
	}
	if ev == nil || ev.Decision != clarity.DecisionProceed {
		t.Fatalf("evaluation = %+v, want proceed", ev)
	}
	if reply.ClarityScore == nil || *reply.ClarityScore != 88 {
		t.Errorf("reply clarity score = %v", reply.ClarityScore)
	}
	got := h.ticket(t, tk.ID)
	if got.Status != models.TicketStatusQueued || got.ProcessingStatus != models.ProcessingNone {
		t.Errorf("Status = %s, ProcessingStatus = %s", got.Status, got.ProcessingStatus)
	}
}

func TestAddReply_EscalatesAfterMaxRounds(t *testing.T) {
	h := newHarnessWithThresholds(t, clarity.Thresholds{AutoResolve: 85, Clarification: 70, MaxRounds: 2}, nil)
	h.score = 20
	tk := h.submit(t, "help", "")

	ctx := context.Background()
	if _, _, err := h.o.AddReply(ctx, tk.ID, models.AuthorUser, "please"); err != nil {
		t.Fatalf("AddReply failed: %v", err)
	}
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusOpen || got.ClarificationRounds != 2 {
		t.Fatalf("after round 2: status %s, rounds %d", got.Status, got.ClarificationRounds)
	}
	_, ev, err := h.o.AddReply(ctx, tk.ID, models.AuthorUser, "still vague")
	if err != nil {
		t.Fatalf("AddReply failed: %v", err)
	}
	if ev.Decision != clarity.DecisionEscalate {
		t.Errorf("Decision = %s, want escalate", ev.Decision)
	}
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusEscalated || got.LastError == "" {
		t.Errorf("Status = %s, LastError = %q", got.Status, got.LastError)
	}
	if h.escalations.Load() != 1 {
		t.Errorf("escalation hooks = %d, want 1", h.escalations.Load())
	}
}

func TestDispatch_RespectsEffectiveSlots(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, blockingExecutor(nil, release))
	// verification: allocated 2, borrowed 1 from planning.
	if err := h.queue.Lend(models.TeamPlanning, models.TeamVerification, 1); err != nil {
		t.Fatalf("Lend failed: %v", err)
	}

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, h.submit(t, fmt.Sprintf("Add tests %d", i), models.OpTest).ID)
	}
	if n := h.dispatch(t); n != 3 {
		t.Fatalf("Dispatch started %d, want 3", n)
	}
	for _, id := range ids[:3] {
		waitForStatus(t, h, id, models.TicketStatusProcessing)
	}
	if got := h.ticket(t, ids[3]); got.Status != models.TicketStatusQueued {
		t.Errorf("4th ticket status = %s, want queued", got.Status)
	}
	snap, _ := h.queue.SnapshotTeam(models.TeamVerification)
	if snap.Active != 3 || snap.EffectiveSlots != 3 || snap.Pending != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	close(release)
	h.o.Wait()
	for _, id := range ids[:3] {
		if got := h.ticket(t, id); got.Status != models.TicketStatusResolved {
			t.Errorf("ticket %s status = %s, want resolved", id, got.Status)
		}
	}
	snap, _ = h.queue.SnapshotTeam(models.TeamVerification)
	if snap.Active != 0 {
		t.Errorf("active = %d after pipelines finished", snap.Active)
	}
}

func TestPipeline_FailedRunsRetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	exec := agent.FuncExecutor(func(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
		if calls.Add(1) <= 2 {
			return agent.StepResult{}, errors.NewAgentStepFailure(req.Agent, false, fmt.Errorf("tool crashed"))
		}
		return agent.StepResult{Output: "answer", TokensIn: 3, TokensOut: 4}, nil
	})
	h := newHarness(t, exec)
	tk := h.submit(t, "Answer a question", models.OpGeneral)

	h.dispatch(t)
	h.o.Wait()

	runs, err := h.db.ListRuns(tk.ID)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, want := range []models.RunStatus{models.RunStatusFailed, models.RunStatusFailed, models.RunStatusCompleted} {
		if runs[i].Status != want {
			t.Errorf("run %d status = %s, want %s", i+1, runs[i].Status, want)
		}
	}
	if runs[2].VerifyAttempt != 1 || !runs[2].VerifyPassed || runs[2].TokensUsed != 7 {
		t.Errorf("third run = %+v", runs[2])
	}
	got := h.ticket(t, tk.ID)
	if got.Status != models.TicketStatusResolved {
		t.Errorf("Status = %s, want resolved", got.Status)
	}
	if got.FailedRuns != 2 {
		t.Errorf("FailedRuns = %d, want 2", got.FailedRuns)
	}

	entries, err := h.db.ListAudit(state.AuditFilter{TicketID: tk.ID, Action: "transition"})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	var sawVerifying bool
	for _, e := range entries {
		if strings.HasPrefix(e.Detail, "processing -> verifying") {
			sawVerifying = true
		}
	}
	if !sawVerifying {
		t.Error("ticket never passed through verifying")
	}
}

func TestPipeline_RunBudgetExhausted(t *testing.T) {
	exec := agent.FuncExecutor(func(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
		return agent.StepResult{}, fmt.Errorf("always broken")
	})
	h := newHarness(t, exec)
	tk := h.submit(t, "Answer a question", models.OpGeneral)

	h.dispatch(t)
	h.o.Wait()

	got := h.ticket(t, tk.ID)
	if got.Status != models.TicketStatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.FailedRuns != 3 || !strings.Contains(got.LastError, "always broken") {
		t.Errorf("FailedRuns = %d, LastError = %q", got.FailedRuns, got.LastError)
	}
	if h.escalations.Load() != 1 {
		t.Errorf("escalation hooks = %d, want 1", h.escalations.Load())
	}
	failed, err := h.db.ListFailedSteps(tk.ID)
	if err != nil {
		t.Fatalf("ListFailedSteps failed: %v", err)
	}
	if len(failed) != 3 {
		t.Errorf("failed steps = %d, want 3", len(failed))
	}
}

func TestVerification_FailsAfterAttemptBudget(t *testing.T) {
	var attempts []int
	verifier := verification.FuncVerifier(func(_ context.Context, in verification.Input) (verification.Result, error) {
		attempts = append(attempts, in.Attempt)
		return verification.Result{Passed: false, Score: 30, Details: "missing acceptance criteria"}, nil
	})
	h := newHarness(t, nil, WithVerifier(verifier))
	tk := h.submit(t, "Answer a question", models.OpGeneral)

	for i := 1; i <= 3; i++ {
		h.dispatch(t)
		h.o.Wait()
		got := h.ticket(t, tk.ID)
		if got.VerificationAttempts != i {
			t.Fatalf("after pass %d: VerificationAttempts = %d", i, got.VerificationAttempts)
		}
		if i < 3 && got.Status != models.TicketStatusQueued {
			t.Fatalf("after pass %d: Status = %s, want queued", i, got.Status)
		}
	}

	got := h.ticket(t, tk.ID)
	if got.Status != models.TicketStatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Errorf("attempts = %v", attempts)
	}
	if !strings.Contains(got.LastError, "missing acceptance criteria") {
		t.Errorf("LastError = %q", got.LastError)
	}
	if h.escalations.Load() != 1 {
		t.Errorf("escalation hooks = %d, want 1", h.escalations.Load())
	}
	if n := h.dispatch(t); n != 0 {
		t.Errorf("failed ticket was dispatched again")
	}
}

func TestVerification_FlaggedPassMarksRun(t *testing.T) {
	h := newHarness(t, nil)
	h.score = 72
	tk := h.submit(t, "Answer a question", models.OpGeneral)
	h.dispatch(t)
	h.o.Wait()

	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusResolved {
		t.Fatalf("Status = %s, want resolved", got.Status)
	}
	runs, _ := h.db.ListRuns(tk.ID)
	if len(runs) != 1 || runs[0].Status != models.RunStatusReviewFlagged {
		t.Errorf("runs = %+v", runs)
	}
}

func TestVerification_VerifierErrorParksForReview(t *testing.T) {
	verifier := verification.FuncVerifier(func(context.Context, verification.Input) (verification.Result, error) {
		return verification.Result{}, fmt.Errorf("judge unavailable")
	})
	h := newHarness(t, nil, WithVerifier(verifier))
	tk := h.submit(t, "Answer a question", models.OpGeneral)
	h.dispatch(t)
	h.o.Wait()

	got := h.ticket(t, tk.ID)
	if got.Status != models.TicketStatusInReview || got.ProcessingStatus != models.ProcessingHolding {
		t.Errorf("Status = %s, ProcessingStatus = %s", got.Status, got.ProcessingStatus)
	}
}

func TestHold_StopsBeforeNextHop(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	h := newHarness(t, blockingExecutor(started, release))
	tk := h.submit(t, "Implement gzip export", models.OpCode)

	h.dispatch(t)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never started")
	}

	held, err := h.o.Hold(context.Background(), tk.ID, "waiting on design")
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if held.Status != models.TicketStatusOnHold {
		t.Errorf("Status = %s, want on_hold", held.Status)
	}
	close(release)
	h.o.Wait()

	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusOnHold {
		t.Errorf("Status = %s after pipeline exit, want on_hold", got.Status)
	}
	runs, _ := h.db.ListRuns(tk.ID)
	if len(runs) != 1 || runs[0].Status != models.RunStatusFailed {
		t.Fatalf("runs = %+v", runs)
	}
	steps, _ := h.db.ListSteps(runs[0].ID)
	if len(steps) != 1 {
		t.Errorf("expected the pipeline to stop after 1 step, got %d", len(steps))
	}
	snap, _ := h.queue.SnapshotTeam(models.TeamCodingDirector)
	if snap.Active != 0 || snap.Cancelled != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	resumed, err := h.o.Resume(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != models.TicketStatusQueued || !h.queue.IsPending(tk.ID) {
		t.Errorf("Status = %s, pending = %v", resumed.Status, h.queue.IsPending(tk.ID))
	}
}

func TestHold_QueuedTicketLeavesQueue(t *testing.T) {
	h := newHarness(t, nil)
	tk := h.submit(t, "Write a plan", models.OpPlan)
	if _, err := h.o.Hold(context.Background(), tk.ID, ""); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if h.queue.IsPending(tk.ID) {
		t.Error("held ticket should leave the queue")
	}
	if n := h.dispatch(t); n != 0 {
		t.Errorf("Dispatch started %d pipelines for a held ticket", n)
	}
}

func TestEscalate_RemovesFromQueue(t *testing.T) {
	h := newHarness(t, nil)
	tk := h.submit(t, "Write a plan", models.OpPlan)
	esc, err := h.o.Escalate(context.Background(), tk.ID, "needs a human")
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if esc.Status != models.TicketStatusEscalated || esc.LastError != "needs a human" {
		t.Errorf("ticket = %+v", esc)
	}
	if h.queue.IsPending(tk.ID) {
		t.Error("escalated ticket should leave the queue")
	}
	if h.escalations.Load() != 1 {
		t.Errorf("escalation hooks = %d, want 1", h.escalations.Load())
	}
}

func TestRetry_ResetsBudgetsAndRequeues(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	exec := agent.FuncExecutor(func(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
		if broken.Load() {
			return agent.StepResult{}, fmt.Errorf("down")
		}
		return agent.StepResult{Output: "ok"}, nil
	})
	h := newHarness(t, exec)
	tk := h.submit(t, "Answer a question", models.OpGeneral)
	h.dispatch(t)
	h.o.Wait()
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}

	if _, err := h.o.Reopen(context.Background(), tk.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Reopen of failed ticket: %v", err)
	}

	broken.Store(false)
	retried, err := h.o.Retry(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.Status != models.TicketStatusQueued || retried.FailedRuns != 0 || retried.VerificationAttempts != 0 {
		t.Errorf("ticket = %+v", retried)
	}
	h.dispatch(t)
	h.o.Wait()
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusResolved {
		t.Errorf("Status = %s, want resolved", got.Status)
	}

	if _, err := h.o.Retry(context.Background(), tk.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Retry of resolved ticket: %v", err)
	}
	reopened, err := h.o.Reopen(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if reopened.Status != models.TicketStatusQueued {
		t.Errorf("reopened Status = %s, want queued", reopened.Status)
	}
}

func TestClaimComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if a, err := h.o.Claim(ctx, models.TeamOrchestrator); err != nil || a != nil {
		t.Fatalf("Claim on empty queue = %v, %v", a, err)
	}

	tk := h.submit(t, "Answer a question", models.OpGeneral)
	a, err := h.o.Claim(ctx, models.TeamOrchestrator)
	if err != nil || a == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if a.Ticket.ID != tk.ID || a.Ticket.Status != models.TicketStatusProcessing {
		t.Errorf("assignment ticket = %+v", a.Ticket)
	}
	if a.Deliverable != "response" || a.Agent == "" || !strings.Contains(a.Prompt, tk.Title) {
		t.Errorf("assignment = %+v", a)
	}

	done, err := h.o.Complete(ctx, tk.ID, Report{Output: "the answer", Success: true, Tokens: 9})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != models.TicketStatusResolved {
		t.Errorf("Status = %s, want resolved", done.Status)
	}

	again, err := h.o.Complete(ctx, tk.ID, Report{Success: false, Error: "late"})
	if err != nil {
		t.Fatalf("second Complete failed: %v", err)
	}
	if again.Status != models.TicketStatusResolved || again.FailedRuns != 0 {
		t.Errorf("duplicate report changed the ticket: %+v", again)
	}
	snap, _ := h.queue.SnapshotTeam(models.TeamOrchestrator)
	if snap.Active != 0 {
		t.Errorf("Active = %d, want 0", snap.Active)
	}
	runs, _ := h.db.ListRuns(tk.ID)
	if len(runs) != 1 || runs[0].TokensUsed != 9 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestComplete_FailureRequeues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tk := h.submit(t, "Answer a question", models.OpGeneral)

	if _, err := h.o.Claim(ctx, models.TeamOrchestrator); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	got, err := h.o.Complete(ctx, tk.ID, Report{Success: false, Error: "runner crashed"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got.Status != models.TicketStatusQueued || got.FailedRuns != 1 || got.LastError != "runner crashed" {
		t.Errorf("ticket = %+v", got)
	}
	if !h.queue.IsPending(tk.ID) {
		t.Error("failed claim should be re-enqueued")
	}
}

func TestAsk_IsIdempotentAndHolds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tk := h.submit(t, "Write a plan", models.OpPlan)

	first, err := h.o.Ask(ctx, tk.ID, "planning-design-manager", "Which region?")
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	second, err := h.o.Ask(ctx, tk.ID, "planning-design-manager", "Which region?")
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("repeated question created a new reply")
	}
	if got := h.ticket(t, tk.ID); got.ProcessingStatus != models.ProcessingHolding {
		t.Errorf("ProcessingStatus = %s, want holding", got.ProcessingStatus)
	}

	if _, _, err := h.o.AddReply(ctx, tk.ID, models.AuthorUser, "eu-west-1"); err != nil {
		t.Fatalf("AddReply failed: %v", err)
	}
	if got := h.ticket(t, tk.ID); got.ProcessingStatus != models.ProcessingNone {
		t.Errorf("ProcessingStatus = %s after user reply, want none", got.ProcessingStatus)
	}
	if _, err := h.o.Ask(ctx, tk.ID, "", " "); !errors.IsValidation(err) {
		t.Errorf("empty question: %v", err)
	}
}

func TestRecover_RequeuesInterruptedTickets(t *testing.T) {
	h := newHarness(t, nil)
	queued := &models.Ticket{Title: "queued", Status: models.TicketStatusQueued, AssignedQueue: models.TeamPlanning, OperationType: models.OpPlan}
	running := &models.Ticket{Title: "running", Status: models.TicketStatusProcessing, AssignedQueue: models.TeamPlanning, OperationType: models.OpPlan}
	open := &models.Ticket{Title: "open"}
	for _, tk := range []*models.Ticket{queued, running, open} {
		if err := h.db.CreateTicket(tk); err != nil {
			t.Fatalf("CreateTicket failed: %v", err)
		}
	}

	n, err := h.o.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d, want 2", n)
	}
	if got := h.ticket(t, running.ID); got.Status != models.TicketStatusQueued {
		t.Errorf("interrupted ticket status = %s, want queued", got.Status)
	}
	if !h.queue.IsPending(queued.ID) || !h.queue.IsPending(running.ID) || h.queue.IsPending(open.ID) {
		t.Error("unexpected pending set after recover")
	}
}

func TestDispatch_PanicReleasesSlot(t *testing.T) {
	exec := agent.FuncExecutor(func(context.Context, agent.StepRequest) (agent.StepResult, error) {
		panic("executor bug")
	})
	h := newHarness(t, exec)
	tk := h.submit(t, "Answer a question", models.OpGeneral)
	h.dispatch(t)
	h.o.Wait()

	snap, _ := h.queue.SnapshotTeam(models.TeamOrchestrator)
	if snap.Active != 0 {
		t.Errorf("Active = %d after panic, want 0", snap.Active)
	}
	got := h.ticket(t, tk.ID)
	if got.Status != models.TicketStatusQueued || got.FailedRuns != 1 {
		t.Errorf("ticket = %+v", got)
	}
	if !strings.Contains(got.LastError, "executor bug") {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestRunStep_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	exec := agent.FuncExecutor(func(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
		if calls.Add(1) == 1 {
			return agent.StepResult{}, errors.NewAgentStepFailure(req.Agent, true, fmt.Errorf("overloaded"))
		}
		return agent.StepResult{Output: "ok"}, nil
	})
	h := newHarness(t, exec, WithPolicy(Policy{StepAttempts: 3, StepBackoff: time.Millisecond}))

	res, err := h.o.runStep(context.Background(), agent.StepRequest{Agent: "w"})
	if err != nil {
		t.Fatalf("runStep failed: %v", err)
	}
	if res.Output != "ok" || calls.Load() != 2 {
		t.Errorf("output %q after %d calls", res.Output, calls.Load())
	}
}

func TestRunStep_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	exec := agent.FuncExecutor(func(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
		calls.Add(1)
		return agent.StepResult{}, fmt.Errorf("bad request")
	})
	h := newHarness(t, exec, WithPolicy(Policy{StepAttempts: 3, StepBackoff: time.Millisecond}))

	_, err := h.o.runStep(context.Background(), agent.StepRequest{Agent: "w"})
	var sf *errors.AgentStepFailure
	if !errors.As(err, &sf) || sf.Transient {
		t.Fatalf("expected permanent step failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRunStep_Timeout(t *testing.T) {
	exec := agent.FuncExecutor(func(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
		<-ctx.Done()
		return agent.StepResult{}, ctx.Err()
	})
	h := newHarness(t, exec, WithPolicy(Policy{StepTimeout: 20 * time.Millisecond, StepAttempts: 3}))

	_, err := h.o.runStep(context.Background(), agent.StepRequest{Agent: "slow"})
	if err == nil || errors.IsRetryable(err) {
		t.Fatalf("expected non-retryable timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		title string
		body  string
		op    models.OperationType
		want  models.OperationType
	}{
		{"explicit wins", "Fix the crash", "", models.OpDocs, models.OpDocs},
		{"title bug", "Login page crashes on submit", "", "", models.OpBugfix},
		{"title inflection", "Add tests for the parser", "", "", models.OpTest},
		{"refactor", "Restructure the config loader", "", "", models.OpRefactor},
		{"docs in body", "Exporter", "Update the readme with the new flags", "", models.OpDocs},
		{"research", "Investigate sqlite drivers", "", "", models.OpResearch},
		{"phrase", "Do a code review of the queue", "", "", models.OpReview},
		{"plan", "Roadmap for q3", "", "", models.OpPlan},
		{"implement", "Implement gzip export", "", "", models.OpCode},
		{"fallback", "Hello there", "just saying hi", "", models.OpGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&models.Ticket{Title: tt.title, Body: tt.body, OperationType: tt.op})
			if got.Op != tt.want {
				t.Errorf("Classify = %s (%s), want %s", got.Op, got.Reason, tt.want)
			}
		})
	}
}

func TestClassify_Confidence(t *testing.T) {
	if c := Classify(&models.Ticket{Title: "x", OperationType: models.OpPlan}); c.Confidence != 1 {
		t.Errorf("explicit confidence = %v", c.Confidence)
	}
	if c := Classify(&models.Ticket{Title: "Fix login"}); c.Confidence != 0.85 || c.MatchedKeyword != "fix" {
		t.Errorf("title match = %+v", c)
	}
	if c := Classify(&models.Ticket{Title: "Login", Body: "it is broken"}); c.Confidence != 0.7 {
		t.Errorf("body match = %+v", c)
	}
	if c := Classify(&models.Ticket{Title: "Hello"}); c.Op != models.OpGeneral || c.Confidence != 0.4 {
		t.Errorf("fallback = %+v", c)
	}
}

func TestDefaultTable_BindsToDefaultTree(t *testing.T) {
	def, err := hierarchy.DefaultDefinition()
	if err != nil {
		t.Fatalf("DefaultDefinition failed: %v", err)
	}
	table, err := DefaultTable().Bind(def)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	for _, op := range models.AllOperationTypes() {
		if _, ok := table.Lookup(op); !ok {
			t.Errorf("no pipeline for %s", op)
		}
	}
	if p, _ := table.Lookup(models.OpGeneral); p.Team != models.TeamOrchestrator || p.WorkerHop().Deliverable != "response" {
		t.Errorf("general pipeline = %+v", p)
	}
	if p, _ := table.Lookup(models.OpBugfix); p.WorkerHop().Role != models.LevelWorker {
		t.Errorf("bugfix worker hop = %+v", p.WorkerHop())
	}
}

func TestTable_ValidateRejectsBadPipelines(t *testing.T) {
	table := DefaultTable()
	delete(table, models.OpDocs)
	table[models.OpCode] = Pipeline{Team: "marketing", Hops: []Hop{{Role: models.LevelBoss, Capability: "psychic"}}}

	err := table.Validate()
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, want := range []string{"dispatch.docs", "dispatch.code.team", "hops[0].role", "hops[0].capability", "hops[0].deliverable"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(RequiredConfig{}); err == nil {
		t.Error("expected error for empty config")
	}
}

func TestResume_WhileStepRunsIsReadmittedOnExit(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	h := newHarness(t, blockingExecutor(started, release))
	ctx := context.Background()
	tk := h.submit(t, "Implement gzip export", models.OpCode)

	h.dispatch(t)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never started")
	}
	if _, err := h.o.Hold(ctx, tk.ID, "pause"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if _, err := h.o.Resume(ctx, tk.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// The first pipeline is still blocked in its step.
	if n := h.dispatch(t); n != 0 {
		t.Errorf("Dispatch started %d pipelines while the ticket was in flight", n)
	}
	snap, _ := h.queue.SnapshotTeam(models.TeamCodingDirector)
	if snap.Active != 1 {
		t.Errorf("Active = %d, want only the running pipeline's slot", snap.Active)
	}

	close(release)
	h.o.Wait()
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusQueued {
		t.Fatalf("Status = %s, want queued", got.Status)
	}
	assertQueuedArePending(t, h)
	if snap, _ := h.queue.SnapshotTeam(models.TeamCodingDirector); snap.Active != 0 {
		t.Errorf("Active = %d after exit, want 0", snap.Active)
	}

	if n := h.dispatch(t); n != 1 {
		t.Fatalf("Dispatch started %d, want 1", n)
	}
	h.o.Wait()
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusResolved {
		t.Errorf("Status = %s, want resolved", got.Status)
	}
}

func TestVerificationRequeue_DispatchedFromEnqueueHook(t *testing.T) {
	var calls atomic.Int32
	verifier := verification.FuncVerifier(func(context.Context, verification.Input) (verification.Result, error) {
		if calls.Add(1) == 1 {
			return verification.Result{Passed: false, Score: 30, Details: "missing tests"}, nil
		}
		return verification.Result{Passed: true, Score: 90, Summary: "ok"}, nil
	})
	h := newHarness(t, nil, WithVerifier(verifier))
	// Dispatch on every enqueue, as a woken supervisor does.
	h.queue.OnEnqueue(func(models.Team, string) {
		_, _ = h.o.Dispatch(context.Background())
	})

	tk := h.submit(t, "Answer a question", models.OpGeneral)
	waitForStatus(t, h, tk.ID, models.TicketStatusResolved)
	h.o.Wait()

	if n := calls.Load(); n != 2 {
		t.Errorf("verifier calls = %d, want 2", n)
	}
	if got := h.ticket(t, tk.ID); got.VerificationAttempts != 2 {
		t.Errorf("VerificationAttempts = %d, want 2", got.VerificationAttempts)
	}
	if snap, _ := h.queue.SnapshotTeam(models.TeamOrchestrator); snap.Active != 0 {
		t.Errorf("Active = %d, want 0", snap.Active)
	}
	assertQueuedArePending(t, h)
}

func TestStop_ReleasesClaimedSlot(t *testing.T) {
	tests := []struct {
		name string
		stop func(o *Orchestrator, id string) (*models.Ticket, error)
		want models.TicketStatus
	}{
		{"escalate", func(o *Orchestrator, id string) (*models.Ticket, error) {
			return o.Escalate(context.Background(), id, "runner went away")
		}, models.TicketStatusEscalated},
		{"hold", func(o *Orchestrator, id string) (*models.Ticket, error) {
			return o.Hold(context.Background(), id, "pause")
		}, models.TicketStatusOnHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			tk := h.submit(t, "Answer a question", models.OpGeneral)
			if a, err := h.o.Claim(ctx, models.TeamOrchestrator); err != nil || a == nil {
				t.Fatalf("Claim = %v, %v", a, err)
			}
			if snap, _ := h.queue.SnapshotTeam(models.TeamOrchestrator); snap.Active != 1 {
				t.Fatalf("Active = %d after claim, want 1", snap.Active)
			}

			if _, err := tt.stop(h.o, tk.ID); err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			if snap, _ := h.queue.SnapshotTeam(models.TeamOrchestrator); snap.Active != 0 {
				t.Errorf("Active = %d after %s, want 0", snap.Active, tt.name)
			}
			runs, _ := h.db.ListRuns(tk.ID)
			if len(runs) != 1 || runs[0].Status != models.RunStatusFailed {
				t.Fatalf("runs = %+v", runs)
			}
			if steps, _ := h.db.ListSteps(runs[0].ID); len(steps) != 1 || steps[0].Status != models.StepStatusSkipped {
				t.Errorf("steps = %+v", steps)
			}

			late, err := h.o.Complete(ctx, tk.ID, Report{Success: true, Output: "late"})
			if err != nil {
				t.Fatalf("Complete failed: %v", err)
			}
			if late.Status != tt.want {
				t.Errorf("Status = %s after late report, want %s", late.Status, tt.want)
			}
			if snap, _ := h.queue.SnapshotTeam(models.TeamOrchestrator); snap.Active != 0 {
				t.Errorf("Active = %d after late report, want 0", snap.Active)
			}
		})
	}
}

func TestPipeline_HopIsDelegatedByParent(t *testing.T) {
	h := newHarness(t, nil)
	tk := h.submit(t, "Answer a question", models.OpGeneral)
	h.dispatch(t)
	h.o.Wait()

	runs, _ := h.db.ListRuns(tk.ID)
	if len(runs) != 1 {
		t.Fatalf("runs = %+v", runs)
	}
	steps, _ := h.db.ListSteps(runs[0].ID)
	if len(steps) != 1 {
		t.Fatalf("steps = %+v", steps)
	}
	node, err := h.tree.FindByName(steps[0].AgentName)
	if err != nil {
		t.Fatal(err)
	}
	if node.Status != models.NodeStatusCompleted {
		t.Errorf("hop node status = %s, want completed", node.Status)
	}
	parent, err := h.tree.Node(node.ParentID)
	if err != nil {
		t.Fatal(err)
	}
	if parent.Status != models.NodeStatusCompleted {
		t.Errorf("parent status = %s, want completed once its child resolved", parent.Status)
	}
	if got := h.tree.Outstanding(parent.ID); len(got) != 0 {
		t.Errorf("Outstanding = %v", got)
	}
}

func TestAddReply_AgentReplyReGates(t *testing.T) {
	h := newHarness(t, nil)
	h.score = 40
	ctx := context.Background()
	tk := h.submit(t, "make the thing", models.OpCode)

	if _, ev, err := h.o.AddReply(ctx, tk.ID, models.AuthorSystem, "note"); err != nil || ev != nil {
		t.Fatalf("system reply = %+v, %v; want no evaluation", ev, err)
	}
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusOpen || got.ClarificationRounds != 1 {
		t.Fatalf("after system reply: status %s, rounds %d", got.Status, got.ClarificationRounds)
	}

	h.score = 90
	reply, ev, err := h.o.AddReply(ctx, tk.ID, models.AuthorAgent, "the thing is the csv exporter")
	if err != nil {
		t.Fatalf("AddReply failed: %v", err)
	}
	if ev == nil || ev.Decision != clarity.DecisionProceed {
		t.Fatalf("evaluation = %+v, want proceed", ev)
	}
	if reply.ClarityScore == nil || *reply.ClarityScore != 90 {
		t.Errorf("reply clarity score = %v", reply.ClarityScore)
	}
	if got := h.ticket(t, tk.ID); got.Status != models.TicketStatusQueued {
		t.Errorf("Status = %s, want queued", got.Status)
	}
}

func TestReview_ResolveAndRequeue(t *testing.T) {
	verifier := verification.FuncVerifier(func(context.Context, verification.Input) (verification.Result, error) {
		return verification.Result{}, fmt.Errorf("judge unavailable")
	})
	h := newHarness(t, nil, WithVerifier(verifier))
	ctx := context.Background()
	accept := h.submit(t, "Answer a question", models.OpGeneral)
	rework := h.submit(t, "Answer another question", models.OpGeneral)
	h.dispatch(t)
	h.o.Wait()
	for _, id := range []string{accept.ID, rework.ID} {
		if got := h.ticket(t, id); got.Status != models.TicketStatusInReview {
			t.Fatalf("ticket %s status = %s, want in_review", id, got.Status)
		}
	}

	resolved, err := h.o.Resolve(ctx, accept.ID, "looks right")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != models.TicketStatusResolved || resolved.ProcessingStatus != models.ProcessingNone || resolved.LastError != "" {
		t.Errorf("resolved = %+v", resolved)
	}

	queued, err := h.o.Requeue(ctx, rework.ID, "")
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if queued.Status != models.TicketStatusQueued || !h.queue.IsPending(rework.ID) {
		t.Errorf("Status = %s, pending = %v", queued.Status, h.queue.IsPending(rework.ID))
	}
	assertQueuedArePending(t, h)

	if _, err := h.o.Resolve(ctx, rework.ID, ""); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Resolve of queued ticket: %v", err)
	}
	entries, _ := h.db.ListAudit(state.AuditFilter{TicketID: accept.ID, Action: "review_resolved"})
	if len(entries) != 1 {
		t.Errorf("review_resolved entries = %d", len(entries))
	}
}
