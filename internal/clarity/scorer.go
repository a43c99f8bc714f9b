// Package clarity scores how well a ticket describes its work and decides
// whether work may proceed.
package clarity

import (
	"context"
	"regexp"
	"strings"
)

// Severity indicates the severity of a clarity issue.
type Severity int

const (
	// SeverityInfo indicates informational feedback.
	SeverityInfo Severity = iota
	// SeverityWarning indicates a potential problem.
	SeverityWarning
	// SeverityCritical indicates the ticket cannot be acted on as written.
	SeverityCritical
)

// String returns a human-readable severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Issue is one finding that lowered, or could raise, the score.
type Issue struct {
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Input is the text the gate scores: a ticket plus any user replies.
type Input struct {
	Title   string
	Body    string
	Replies []string
}

// Result is a clarity score in [0,100] with its findings.
type Result struct {
	Score  int     `json:"score"`
	Issues []Issue `json:"issues,omitempty"`
}

// Scorer produces a clarity score for an input.
type Scorer interface {
	Score(ctx context.Context, in Input) (Result, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, in Input) (Result, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Heuristic weights.
const (
	baseScore          = 40
	titleBonus         = 5
	acceptanceBonus    = 8
	maxAcceptanceBonus = 24
	structureBonus     = 8
	referenceBonus     = 8
	vaguePenalty       = 5
	maxVaguePenalty    = 20
	questionPenalty    = 3
	maxQuestionPenalty = 9
	replyBonus         = 5
	maxReplyBonus      = 15
)

var (
	acceptancePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)acceptance criteria`),
		regexp.MustCompile(`(?i)\b(should|must)\b`),
		regexp.MustCompile(`(?i)\bexpected\b`),
		regexp.MustCompile(`(?i)\bgiven\b.*\bwhen\b.*\bthen\b`),
		regexp.MustCompile(`(?i)\bdone when\b`),
		regexp.MustCompile(`(?i)\bso that\b`),
	}
	listLine   = regexp.MustCompile(`(?m)^\s*([-*•]|\d+[.)])\s+\S`)
	references = regexp.MustCompile("(`[^`]+`|[\\w./-]+\\.(go|ts|tsx|js|py|rs|java|md|ya?ml|json|sql|proto)\\b|https?://\\S+|\\b\\w+\\(\\))")
	vagueWords = []string{
		"something", "somehow", "stuff", "etc", "maybe", "whatever",
		"some kind of", "not sure", "tbd", "i think", "kind of", "sort of",
	}
)

// HeuristicScorer scores text by looking for acceptance criteria,
// structure, concrete references and vagueness.
type HeuristicScorer struct{}

// NewHeuristicScorer creates the default scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

// Score implements Scorer. It never fails.
func (h *HeuristicScorer) Score(_ context.Context, in Input) (Result, error) {
	score := baseScore
	var issues []Issue

	text := in.Body
	for _, r := range in.Replies {
		text += "\n" + r
	}
	lower := strings.ToLower(text)

	if len(strings.Fields(in.Title)) >= 3 {
		score += titleBonus
	} else {
		issues = append(issues, Issue{
			Severity:   SeverityInfo,
			Message:    "Title is very short",
			Suggestion: "Summarize the requested change in a full sentence",
		})
	}

	words := len(strings.Fields(text))
	switch {
	case words < 10:
		score -= 10
		issues = append(issues, Issue{
			Severity:   SeverityCritical,
			Message:    "Too little detail to act on",
			Suggestion: "Describe the current behavior, the desired behavior and where the change applies",
		})
	case words < 40:
		score += 10
	case words < 120:
		score += 20
	default:
		score += 25
	}

	bonus := 0
	for _, p := range acceptancePatterns {
		if p.MatchString(text) {
			bonus += acceptanceBonus
		}
	}
	if bonus > maxAcceptanceBonus {
		bonus = maxAcceptanceBonus
	}
	score += bonus
	if bonus == 0 {
		issues = append(issues, Issue{
			Severity:   SeverityWarning,
			Message:    "No acceptance criteria",
			Suggestion: "State what must be true for the ticket to count as done",
		})
	}

	if len(listLine.FindAllString(text, -1)) >= 2 {
		score += structureBonus
	}

	if references.MatchString(text) {
		score += referenceBonus
	} else {
		issues = append(issues, Issue{
			Severity:   SeverityInfo,
			Message:    "No concrete references",
			Suggestion: "Name the files, functions, endpoints or links involved",
		})
	}

	penalty := 0
	var vague []string
	for _, w := range vagueWords {
		if containsWord(lower, w) {
			penalty += vaguePenalty
			vague = append(vague, w)
		}
	}
	if penalty > maxVaguePenalty {
		penalty = maxVaguePenalty
	}
	if penalty > 0 {
		score -= penalty
		issues = append(issues, Issue{
			Severity:   SeverityWarning,
			Message:    "Vague wording: " + strings.Join(vague, ", "),
			Suggestion: "Replace vague terms with specific requirements",
		})
	}

	qpen := strings.Count(in.Body, "?") * questionPenalty
	if qpen > maxQuestionPenalty {
		qpen = maxQuestionPenalty
	}
	if qpen > 0 {
		score -= qpen
		issues = append(issues, Issue{
			Severity:   SeverityWarning,
			Message:    "Ticket contains open questions",
			Suggestion: "Answer the open questions or move them into explicit decisions",
		})
	}

	rbonus := 0
	for _, r := range in.Replies {
		if len(strings.Fields(r)) >= 5 {
			rbonus += replyBonus
		}
	}
	if rbonus > maxReplyBonus {
		rbonus = maxReplyBonus
	}
	score += rbonus

	return Result{Score: Clamp(score), Issues: issues}, nil
}

// containsWord reports whether phrase appears in s on word boundaries.
func containsWord(s, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// Clamp bounds a score to [0,100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
