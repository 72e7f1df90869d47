package dispatch

import (
	"regexp"
	"strings"
)

// Structural cues that suggest a goal decomposes into several sub-goals.
// Keyword counting is a coarse proxy for "needs coordination"; the threshold
// it feeds is configuration, not a constant of nature.
var (
	conjunctionPattern = regexp.MustCompile(`(?i)\b(and then|and also|as well as|followed by|after that)\b`)
	sequencePattern    = regexp.MustCompile(`(?i)\b(first|second|third|then|finally|afterwards)\b`)

	phaseKeywords = []string{
		"design", "implement", "test", "document", "review",
		"migrate", "deploy", "validate", "integrate", "refactor",
	}
)

// CountStructuralCues counts independent signals that a goal is composed of
// multiple conjoined sub-goals: explicit conjunctions, sequencing words,
// clause separators, and distinct work-phase keywords.
func CountStructuralCues(goal string) int {
	lower := strings.ToLower(goal)
	cues := 0

	cues += len(conjunctionPattern.FindAllString(lower, -1))
	cues += len(sequencePattern.FindAllString(lower, -1))

	// Clause separators: semicolons and plain "and" joining verb phrases
	cues += strings.Count(lower, ";")
	cues += strings.Count(lower, ", and ")

	phases := 0
	for _, kw := range phaseKeywords {
		if strings.Contains(lower, kw) {
			phases++
		}
	}
	// A single phase keyword is just the task itself; several mean the goal
	// spans phases.
	if phases >= 2 {
		cues += phases - 1
	}

	return cues
}
