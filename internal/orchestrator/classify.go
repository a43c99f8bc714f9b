package orchestrator

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// OperationKeywords lists the words that put a ticket into one operation type.
type OperationKeywords struct {
	Op       models.OperationType
	Keywords []string
}

// DefaultOperationKeywords returns the classification table. Entries are
// checked in order and the first matching keyword wins, so more specific
// operations come before broader ones. Anything unmatched is general.
func DefaultOperationKeywords() []OperationKeywords {
	return []OperationKeywords{
		{Op: models.OpBugfix, Keywords: []string{
			"bug", "fix", "crash", "broken", "regression", "error", "exception", "panic", "fails", "failing",
		}},
		{Op: models.OpRefactor, Keywords: []string{
			"refactor", "cleanup", "clean up", "restructure", "reorganize", "simplify", "rename", "extract", "dedupe",
		}},
		{Op: models.OpTest, Keywords: []string{
			"test", "coverage", "flaky", "unit test", "integration test", "e2e",
		}},
		{Op: models.OpReview, Keywords: []string{
			"review", "audit", "inspect", "code review",
		}},
		{Op: models.OpDocs, Keywords: []string{
			"docs", "document", "documentation", "readme", "changelog", "typo", "comment",
		}},
		{Op: models.OpResearch, Keywords: []string{
			"research", "investigate", "compare", "evaluate", "explore", "spike", "benchmark",
		}},
		{Op: models.OpPlan, Keywords: []string{
			"plan", "design", "roadmap", "proposal", "architecture", "rfc", "breakdown",
		}},
		{Op: models.OpCode, Keywords: []string{
			"implement", "add", "build", "create", "feature", "endpoint", "support", "integrate", "migrate",
		}},
	}
}

// Classification is the outcome of operation type detection.
type Classification struct {
	Op models.OperationType `json:"operation_type"`
	// Confidence is 1 for explicit operation types and lower for keyword matches.
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	MatchedKeyword string  `json:"matched_keyword,omitempty"`
}

// Classify returns the ticket's explicit operation type or detects one
// from its title and body.
func Classify(t *models.Ticket) Classification {
	if t.OperationType != "" && t.OperationType.Valid() {
		return Classification{Op: t.OperationType, Confidence: 1, Reason: "explicit operation type"}
	}
	// The title is a stronger signal than the body.
	if c := ClassifyText(t.Title); c.MatchedKeyword != "" {
		c.Confidence = 0.85
		return c
	}
	return ClassifyText(t.Title + "\n" + t.Body)
}

var wordSplitRe = regexp.MustCompile(`[^a-z0-9]+`)

// ClassifyText detects an operation type from free text.
func ClassifyText(text string) Classification {
	lower := strings.ToLower(text)
	words := wordSplitRe.Split(lower, -1)
	joined := " " + strings.Join(words, " ") + " "

	for _, entry := range DefaultOperationKeywords() {
		for _, kw := range entry.Keywords {
			if matchKeyword(kw, words, joined) {
				return Classification{
					Op:             entry.Op,
					Confidence:     0.7,
					Reason:         "matched " + string(entry.Op) + " keyword",
					MatchedKeyword: kw,
				}
			}
		}
	}
	return Classification{
		Op:         models.OpGeneral,
		Confidence: 0.4,
		Reason:     "no keyword match, defaulting to general",
	}
}

// matchKeyword matches multi-word keywords as phrases and single words
// with a short inflection allowance ("test" matches "tests", "testing").
func matchKeyword(kw string, words []string, joined string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(joined, " "+kw+" ")
	}
	for _, w := range words {
		if w == kw || (strings.HasPrefix(w, kw) && len(w)-len(kw) <= 3) {
			return true
		}
	}
	return false
}
