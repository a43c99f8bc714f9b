// Package verification judges completed runs against the acceptance
// criteria written in the ticket and tracks the bounded retry budget.
package verification

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Verifier judges the outputs of a completed run.
type Verifier interface {
	Verify(ctx context.Context, in Input) (Result, error)
}

// Input is what a verifier sees of a run.
type Input struct {
	TicketID string
	Title    string
	Body     string
	// Outputs holds the response text of every completed step.
	Outputs []string
	// Attempt is the verification attempt number, starting at 1.
	Attempt int
}

// Criterion is one acceptance criterion and the terms that evidence it.
type Criterion struct {
	Text  string   `json:"text"`
	Terms []string `json:"terms"`
}

// Result is a verification judgement.
type Result struct {
	Passed bool `json:"passed"`
	// Score is the quality score in [0,100].
	Score int `json:"score"`
	// Coverage is the fraction of criteria met.
	Coverage float64  `json:"coverage"`
	Met      []string `json:"met,omitempty"`
	Unmet    []string `json:"unmet,omitempty"`
	// Details describes what is missing when the run failed.
	Details string `json:"details,omitempty"`
	Summary string `json:"summary"`
}

// FuncVerifier adapts a function to the Verifier interface.
type FuncVerifier func(ctx context.Context, in Input) (Result, error)

// Verify calls f.
func (f FuncVerifier) Verify(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

const (
	// DefaultPassThreshold is the minimum score for a pass.
	DefaultPassThreshold = 70
	// DefaultCoverageThreshold is the minimum fraction of criteria met.
	DefaultCoverageThreshold = 0.6
	// termMatchRatio is the fraction of a criterion's terms that must
	// appear in the outputs for the criterion to count as met.
	termMatchRatio = 0.5
)

// CriteriaVerifier checks that the key terms of each acceptance
// criterion appear in the step outputs.
type CriteriaVerifier struct {
	passThreshold     int
	coverageThreshold float64
}

var _ Verifier = (*CriteriaVerifier)(nil)

// NewCriteriaVerifier creates a verifier. Non-positive thresholds take
// the defaults.
func NewCriteriaVerifier(passThreshold int, coverageThreshold float64) *CriteriaVerifier {
	if passThreshold <= 0 {
		passThreshold = DefaultPassThreshold
	}
	if coverageThreshold <= 0 {
		coverageThreshold = DefaultCoverageThreshold
	}
	return &CriteriaVerifier{passThreshold: passThreshold, coverageThreshold: coverageThreshold}
}

// Verify implements Verifier.
func (v *CriteriaVerifier) Verify(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	criteria := ExtractCriteria(in.Body)
	if len(criteria) == 0 && strings.TrimSpace(in.Title) != "" {
		criteria = []Criterion{newCriterion(in.Title)}
	}

	output := strings.ToLower(strings.Join(in.Outputs, "\n"))
	if strings.TrimSpace(output) == "" {
		return Result{
			Score:   0,
			Unmet:   criteriaText(criteria),
			Details: "run produced no output",
			Summary: "no output to verify",
		}, nil
	}
	if len(criteria) == 0 {
		return Result{Passed: true, Score: 100, Coverage: 1, Summary: "no acceptance criteria to check"}, nil
	}

	var (
		res       Result
		termTotal float64
	)
	for _, c := range criteria {
		frac := termFraction(c.Terms, output)
		termTotal += frac
		if frac >= termMatchRatio {
			res.Met = append(res.Met, c.Text)
		} else {
			res.Unmet = append(res.Unmet, c.Text)
		}
	}

	n := float64(len(criteria))
	res.Coverage = float64(len(res.Met)) / n
	res.Score = int(math.Round(70*res.Coverage + 30*termTotal/n))
	res.Passed = res.Score >= v.passThreshold && res.Coverage >= v.coverageThreshold
	res.Summary = fmt.Sprintf("%d/%d criteria met, score %d", len(res.Met), len(criteria), res.Score)
	if !res.Passed {
		var b strings.Builder
		fmt.Fprintf(&b, "score %d (need %d), coverage %.0f%% (need %.0f%%)",
			res.Score, v.passThreshold, res.Coverage*100, v.coverageThreshold*100)
		for _, u := range res.Unmet {
			b.WriteString("\n- unmet: ")
			b.WriteString(u)
		}
		res.Details = b.String()
	}
	return res, nil
}

func termFraction(terms []string, output string) float64 {
	if len(terms) == 0 {
		return 1
	}
	found := 0
	for _, t := range terms {
		if strings.Contains(output, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

func criteriaText(cs []Criterion) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Text
	}
	return out
}

var (
	bulletRe     = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s*)?(.+)$`)
	headingRe    = regexp.MustCompile(`^\s*(?:#{1,6}\s*)?([A-Za-z][A-Za-z ]*):?\s*$`)
	obligationRe = regexp.MustCompile(`(?i)\b(should|must|shall)\b`)
	termSplitRe  = regexp.MustCompile(`[^a-z0-9_]+`)
)

// ExtractCriteria pulls acceptance criteria out of a ticket body.
// Bullets under an "acceptance" or "criteria" heading win; otherwise
// every line stating an obligation (should, must, shall) counts.
func ExtractCriteria(body string) []Criterion {
	var (
		section []Criterion
		inside  bool
	)
	lines := strings.Split(body, "\n")
	for _, line := range lines {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			if inside {
				section = append(section, newCriterion(m[1]))
			}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := headingRe.FindStringSubmatch(trimmed); m != nil && (strings.HasPrefix(trimmed, "#") || strings.HasSuffix(trimmed, ":")) {
			h := strings.ToLower(m[1])
			inside = strings.Contains(h, "acceptance") || strings.Contains(h, "criteria")
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			inside = false
		}
	}
	if len(section) > 0 {
		return section
	}

	var obligations []Criterion
	for _, line := range lines {
		text := strings.TrimSpace(line)
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			text = m[1]
		}
		if text != "" && obligationRe.MatchString(text) {
			obligations = append(obligations, newCriterion(text))
		}
	}
	return obligations
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"should": true, "must": true, "shall": true, "will": true, "when": true, "from": true,
	"into": true, "are": true, "not": true, "all": true, "any": true, "its": true,
	"can": true, "has": true, "have": true, "been": true, "then": true, "than": true,
	"also": true, "each": true, "only": true, "them": true, "they": true, "their": true,
	"there": true, "which": true, "while": true, "would": true, "could": true, "able": true,
}

func newCriterion(text string) Criterion {
	text = strings.TrimSpace(text)
	return Criterion{Text: text, Terms: keyTerms(text)}
}

// keyTerms returns the distinct lowercase words of text that carry meaning.
func keyTerms(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range termSplitRe.Split(strings.ToLower(text), -1) {
		if len(w) < 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}
