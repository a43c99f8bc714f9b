package verification

import (
	"context"
	"strings"
	"testing"

	"github.com/ShayCichocki/switchboard/internal/errors"
)

const bodyWithSection = `Add CSV export to the reports page.

## Acceptance criteria
- Export button downloads a CSV file
- CSV header row lists every report column
- [ ] Empty reports produce a header-only file

## Notes
- unrelated bullet
`

func TestExtractCriteria_Section(t *testing.T) {
	got := ExtractCriteria(bodyWithSection)
	if len(got) != 3 {
		t.Fatalf("expected 3 criteria, got %d: %+v", len(got), got)
	}
	if got[2].Text != "Empty reports produce a header-only file" {
		t.Errorf("checkbox not stripped: %q", got[2].Text)
	}
	for _, c := range got {
		if len(c.Terms) == 0 {
			t.Errorf("criterion %q has no terms", c.Text)
		}
	}
}

func TestExtractCriteria_ColonHeading(t *testing.T) {
	body := "Acceptance:\n1. Login page renders\n2) Logout clears session\n"
	got := ExtractCriteria(body)
	if len(got) != 2 {
		t.Fatalf("expected 2 criteria, got %+v", got)
	}
}

func TestExtractCriteria_Obligations(t *testing.T) {
	body := "The API must return 404 for unknown ids.\nSome context here.\n- Responses should include a request id"
	got := ExtractCriteria(body)
	if len(got) != 2 {
		t.Fatalf("expected 2 obligation criteria, got %+v", got)
	}
	if got[1].Text != "Responses should include a request id" {
		t.Errorf("bullet marker not stripped: %q", got[1].Text)
	}
}

func TestExtractCriteria_None(t *testing.T) {
	if got := ExtractCriteria("just a sentence"); len(got) != 0 {
		t.Errorf("expected none, got %+v", got)
	}
}

func TestKeyTerms(t *testing.T) {
	got := keyTerms("The export must write the CSV header, the CSV rows")
	want := []string{"export", "write", "csv", "header", "rows"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("keyTerms = %v, want %v", got, want)
	}
}

func TestCriteriaVerifier(t *testing.T) {
	v := NewCriteriaVerifier(0, 0)

	tests := []struct {
		name    string
		outputs []string
		passed  bool
	}{
		{
			name: "all met",
			outputs: []string{
				"Added an export button that downloads a csv file.",
				"The csv header row lists every report column. Empty reports produce a header-only file.",
			},
			passed: true,
		},
		{
			name:    "one met",
			outputs: []string{"Added an export button that downloads a csv file."},
			passed:  false,
		},
		{
			name:    "no output",
			outputs: nil,
			passed:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Verify(context.Background(), Input{Title: "CSV export", Body: bodyWithSection, Outputs: tt.outputs, Attempt: 1})
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if res.Passed != tt.passed {
				t.Errorf("Passed = %v, want %v (%+v)", res.Passed, tt.passed, res)
			}
			if res.Score < 0 || res.Score > 100 {
				t.Errorf("score %d out of range", res.Score)
			}
			if !res.Passed && res.Details == "" {
				t.Error("failing result should carry details")
			}
		})
	}
}

func TestCriteriaVerifier_UnmetListed(t *testing.T) {
	v := NewCriteriaVerifier(70, 0.6)
	res, err := v.Verify(context.Background(), Input{
		Body:    bodyWithSection,
		Outputs: []string{"Added an export button that downloads a csv file."},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Met) != 1 || len(res.Unmet) != 2 {
		t.Fatalf("met/unmet = %d/%d", len(res.Met), len(res.Unmet))
	}
	if !strings.Contains(res.Details, "unmet: Empty reports produce a header-only file") {
		t.Errorf("details missing unmet criterion:\n%s", res.Details)
	}
}

func TestCriteriaVerifier_TitleFallback(t *testing.T) {
	v := NewCriteriaVerifier(0, 0)
	res, err := v.Verify(context.Background(), Input{Title: "Rotate signing keys", Outputs: []string{"rotated the signing keys"}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Errorf("expected pass from title terms, got %+v", res)
	}
}

func TestCriteriaVerifier_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewCriteriaVerifier(0, 0).Verify(ctx, Input{}); err == nil {
		t.Error("expected context error")
	}
}

func TestPolicyDecide(t *testing.T) {
	p := NewPolicy(3)
	tests := []struct {
		attempt int
		passed  bool
		want    Outcome
	}{
		{1, true, OutcomeResolve},
		{1, false, OutcomeRequeue},
		{2, false, OutcomeRequeue},
		{3, false, OutcomeFail},
		{4, false, OutcomeFail},
		{3, true, OutcomeResolve},
	}
	for _, tt := range tests {
		if got := p.Decide(tt.attempt, tt.passed); got != tt.want {
			t.Errorf("Decide(%d, %v) = %s, want %s", tt.attempt, tt.passed, got, tt.want)
		}
	}
}

func TestPolicyNextAttemptBounded(t *testing.T) {
	p := NewPolicy(3)
	attempt := 0
	for i := 0; i < 10; i++ {
		next, err := p.NextAttempt(attempt)
		if err != nil {
			var limit *errors.EscalationLimitExceeded
			if !errors.As(err, &limit) {
				t.Fatalf("expected EscalationLimitExceeded, got %v", err)
			}
			break
		}
		attempt = next
	}
	if attempt != p.MaxRetries+1 {
		t.Errorf("attempts stopped at %d, want %d", attempt, p.MaxRetries+1)
	}
}

func TestPolicyAlwaysTerminates(t *testing.T) {
	p := NewPolicy(3)
	attempt := 0
	for {
		next, err := p.NextAttempt(attempt)
		if err != nil {
			t.Fatal("budget ran out before a terminal outcome")
		}
		attempt = next
		if p.Decide(attempt, false) == OutcomeFail {
			break
		}
	}
	if attempt != 3 {
		t.Errorf("failed at attempt %d, want 3", attempt)
	}
}

func TestPolicyJudge(t *testing.T) {
	p := NewPolicy(2)
	out, err := p.Judge(2, Result{Score: 40, Details: "missing header"})
	if out != OutcomeFail {
		t.Errorf("outcome = %s", out)
	}
	var vf *errors.VerificationFailed
	if !errors.As(err, &vf) || vf.Attempt != 2 || vf.Score != 40 {
		t.Errorf("expected VerificationFailed, got %v", err)
	}
	if _, err := p.Judge(1, Result{Passed: true}); err != nil {
		t.Errorf("passing judgement returned %v", err)
	}
}
