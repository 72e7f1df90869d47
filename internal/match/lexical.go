package match

import (
	"context"
	"strings"

	"reflex/internal/store"
)

// LexicalScorer scores goal similarity by token overlap. It is the built-in
// fallback so matching works without an external embedding service; a real
// deployment plugs a semantic scorer in instead.
type LexicalScorer struct{}

// NewLexicalScorer returns a token-overlap scorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

// stopwords carry no signal about what a goal does.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "in": true,
	"of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true, "please": true, "my": true, "our": true,
}

// Score rates each candidate by the overlap coefficient of its goal's token
// set with the query's: |intersection| / min(|query|, |candidate|). Identical
// goals score 1.0; disjoint goals score 0.0.
func (s *LexicalScorer) Score(ctx context.Context, goal string, candidates []*store.Trace) ([]float64, error) {
	queryTokens := tokenize(goal)
	scores := make([]float64, len(candidates))

	for i, c := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		scores[i] = overlap(queryTokens, tokenize(c.GoalText))
	}
	return scores, nil
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		field = strings.Trim(field, ".,;:!?\"'()")
		if field == "" || stopwords[field] {
			continue
		}
		tokens[field] = true
	}
	return tokens
}

func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	smaller, larger := a, b
	if len(b) < len(a) {
		smaller, larger = b, a
	}

	common := 0
	for tok := range smaller {
		if larger[tok] {
			common++
		}
	}
	return float64(common) / float64(len(smaller))
}
