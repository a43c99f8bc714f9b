package clarity

import (
	"context"
	"fmt"
	"strings"
)

// Decision is what the gate tells the orchestrator to do with a ticket.
type Decision int

const (
	// DecisionProceed dispatches directly.
	DecisionProceed Decision = iota
	// DecisionProceedFlagged dispatches but marks the ticket for lighter review.
	DecisionProceedFlagged
	// DecisionClarify holds the ticket and asks the user for detail.
	DecisionClarify
	// DecisionEscalate hands the ticket to a human after too many rounds.
	DecisionEscalate
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionProceed:
		return "proceed"
	case DecisionProceedFlagged:
		return "proceed_flagged"
	case DecisionClarify:
		return "clarify"
	case DecisionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// MarshalText encodes the decision by name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a decision name.
func (d *Decision) UnmarshalText(b []byte) error {
	for c := DecisionProceed; c <= DecisionEscalate; c++ {
		if c.String() == string(b) {
			*d = c
			return nil
		}
	}
	return fmt.Errorf("unknown clarity decision %q", b)
}

// Thresholds configures the gate policy.
type Thresholds struct {
	AutoResolve   int
	Clarification int
	MaxRounds     int
}

// DefaultThresholds returns 85 / 70 / 5.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoResolve: 85, Clarification: 70, MaxRounds: 5}
}

// Evaluation is the outcome of one gate pass.
type Evaluation struct {
	Score    int      `json:"score"`
	Decision Decision `json:"decision"`
	Issues   []Issue  `json:"issues,omitempty"`
	// Round is the clarification round this evaluation opens, 0 when none.
	Round int `json:"round,omitempty"`
	// Request is the clarification text to post, set only for DecisionClarify.
	Request string `json:"request,omitempty"`
}

// Gate applies the threshold policy to scorer output.
type Gate struct {
	scorer     Scorer
	thresholds Thresholds
}

// NewGate creates a gate. A nil scorer uses the heuristic scorer.
func NewGate(scorer Scorer, t Thresholds) *Gate {
	if scorer == nil {
		scorer = NewHeuristicScorer()
	}
	return &Gate{scorer: scorer, thresholds: t}
}

// Thresholds returns the configured policy.
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}

// Evaluate scores the input and decides. roundsSoFar is the number of
// clarification requests already sent for this ticket.
func (g *Gate) Evaluate(ctx context.Context, in Input, roundsSoFar int) (Evaluation, error) {
	res, err := g.scorer.Score(ctx, in)
	if err != nil {
		return Evaluation{}, fmt.Errorf("score clarity: %w", err)
	}

	ev := Evaluation{
		Score:  Clamp(res.Score),
		Issues: res.Issues,
	}
	ev.Decision = g.Decide(ev.Score, roundsSoFar)
	if ev.Decision == DecisionClarify {
		ev.Round = roundsSoFar + 1
		ev.Request = g.request(ev)
	}
	return ev, nil
}

// Decide maps a score and round count to a decision.
func (g *Gate) Decide(score, roundsSoFar int) Decision {
	switch {
	case score >= g.thresholds.AutoResolve:
		return DecisionProceed
	case score >= g.thresholds.Clarification:
		return DecisionProceedFlagged
	case roundsSoFar < g.thresholds.MaxRounds:
		return DecisionClarify
	default:
		return DecisionEscalate
	}
}

func (g *Gate) request(ev Evaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This ticket needs more detail before work can start (clarity %d/100, round %d of %d).",
		ev.Score, ev.Round, g.thresholds.MaxRounds)
	if len(ev.Issues) == 0 {
		b.WriteString("\n- Please describe the expected outcome in more detail.")
		return b.String()
	}
	for _, issue := range ev.Issues {
		if issue.Suggestion != "" {
			fmt.Fprintf(&b, "\n- %s: %s", issue.Message, issue.Suggestion)
		} else {
			fmt.Fprintf(&b, "\n- %s", issue.Message)
		}
	}
	return b.String()
}
