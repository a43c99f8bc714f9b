package verification

import (
	"fmt"

	"github.com/ShayCichocki/switchboard/internal/errors"
)

// DefaultMaxRetries is the verification attempt budget.
const DefaultMaxRetries = 3

// Outcome is what happens to a ticket after a verification attempt.
type Outcome int

const (
	// OutcomeResolve means the attempt passed.
	OutcomeResolve Outcome = iota
	// OutcomeRequeue means the attempt failed and budget remains.
	OutcomeRequeue
	// OutcomeFail means the attempt failed on the last allowed attempt.
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolve:
		return "resolve"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeFail:
		return "fail"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Policy bounds verification retries. Attempts are numbered from 1.
type Policy struct {
	MaxRetries int
}

// NewPolicy creates a policy. A non-positive budget takes the default.
func NewPolicy(maxRetries int) Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return Policy{MaxRetries: maxRetries}
}

// NextAttempt returns the attempt number that follows previous attempts.
// It refuses to go past MaxRetries+1.
func (p Policy) NextAttempt(previous int) (int, error) {
	next := previous + 1
	if next < 1 {
		next = 1
	}
	if next > p.MaxRetries+1 {
		return 0, &errors.EscalationLimitExceeded{
			Reason: "verification attempts exhausted",
			Count:  previous,
			Limit:  p.MaxRetries,
		}
	}
	return next, nil
}

// Decide maps an attempt and its judgement to an outcome.
func (p Policy) Decide(attempt int, passed bool) Outcome {
	switch {
	case passed:
		return OutcomeResolve
	case attempt < p.MaxRetries:
		return OutcomeRequeue
	default:
		return OutcomeFail
	}
}

// Judge is Decide plus the VerificationFailed error for failed attempts.
func (p Policy) Judge(attempt int, res Result) (Outcome, error) {
	out := p.Decide(attempt, res.Passed)
	if out == OutcomeResolve {
		return out, nil
	}
	return out, &errors.VerificationFailed{Attempt: attempt, Score: res.Score, Details: res.Details}
}
