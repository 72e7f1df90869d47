// Package match implements the two-tier trace matcher: exact goal-key
// lookup first, then delegated similarity scoring over recent candidates.
package match

import (
	"context"
	"errors"

	"reflex/internal/logging"
	"reflex/internal/store"
)

// Tier identifies which matching tier produced a result.
type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierSemantic
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierSemantic:
		return "semantic"
	default:
		return "none"
	}
}

// Scorer is the external similarity-scoring capability. Given a goal and a
// bounded candidate set it returns a 0-1 similarity per candidate, index
// aligned. Implementations may be remote and may fail; the matcher degrades
// gracefully when they do.
type Scorer interface {
	Score(ctx context.Context, goal string, candidates []*store.Trace) ([]float64, error)
}

// Result is the outcome of a match request.
type Result struct {
	Trace      *store.Trace // nil when no acceptable candidate exists
	Confidence float64      // stored confidence (exact) or similarity (semantic)
	Tier       Tier
	Degraded   bool // true when the scorer was unavailable and only the exact tier ran
}

// Matched reports whether a usable trace was found.
func (r *Result) Matched() bool {
	return r.Trace != nil
}

// Matcher finds the best candidate trace for a goal.
type Matcher struct {
	traces *store.TraceStore
	scorer Scorer // nil means exact-tier only
	floor  float64
}

// NewMatcher builds a matcher over the given store. scorer may be nil, in
// which case only the exact tier is available (permanently degraded).
func NewMatcher(traces *store.TraceStore, scorer Scorer, floor float64) *Matcher {
	return &Matcher{traces: traces, scorer: scorer, floor: floor}
}

// BestMatch returns the best candidate trace and a confidence score.
//
// Exact tier: a goal-key hit returns the trace's stored confidence, not 1.0.
// Stored confidence reflects how reliably the trace has replayed, which is
// what the mode selector needs; textual identity says nothing about that.
//
// Semantic tier: runs only on an exact miss. The scorer rates each candidate
// and the highest score at or above the floor wins. Ties break by usage
// count, then most recent use.
func (m *Matcher) BestMatch(ctx context.Context, goal string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryMatch, "BestMatch")
	defer timer.Stop()

	exact, err := m.traces.FindExact(goal)
	if err == nil {
		logging.Match("Exact hit for %q: confidence=%.2f", goal, exact.Confidence)
		return &Result{Trace: exact, Confidence: exact.Confidence, Tier: TierExact}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if m.scorer == nil {
		logging.MatchDebug("No scorer configured, exact-tier only for %q", goal)
		return &Result{Tier: TierNone, Degraded: true}, nil
	}

	candidates, err := m.traces.ListCandidates()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Result{Tier: TierNone}, nil
	}

	scores, err := m.scorer.Score(ctx, goal, candidates)
	if err != nil {
		// Scorer unavailable: degrade to exact-tier-only, not a hard failure.
		logging.Get(logging.CategoryMatch).Warn("Scorer unavailable, degrading to exact tier: %v", err)
		return &Result{Tier: TierNone, Degraded: true}, nil
	}
	if len(scores) != len(candidates) {
		logging.Get(logging.CategoryMatch).Warn("Scorer returned %d scores for %d candidates, degrading", len(scores), len(candidates))
		return &Result{Tier: TierNone, Degraded: true}, nil
	}

	best := m.pickBest(candidates, scores)
	if best == nil {
		logging.MatchDebug("No candidate above floor %.2f for %q", m.floor, goal)
		return &Result{Tier: TierNone}, nil
	}

	logging.Match("Semantic hit for %q: candidate=%q score=%.2f", goal, best.trace.GoalText, best.score)
	return &Result{Trace: best.trace, Confidence: best.score, Tier: TierSemantic}, nil
}

type scored struct {
	trace *store.Trace
	score float64
}

// pickBest selects the highest-scoring candidate at or above the floor.
// Equal scores prefer higher usage count, then most recent use.
func (m *Matcher) pickBest(candidates []*store.Trace, scores []float64) *scored {
	var best *scored
	for i, c := range candidates {
		s := scores[i]
		if s < m.floor {
			continue
		}
		if best == nil || better(c, s, best) {
			best = &scored{trace: c, score: s}
		}
	}
	return best
}

func better(c *store.Trace, s float64, best *scored) bool {
	if s != best.score {
		return s > best.score
	}
	if c.UsageCount != best.trace.UsageCount {
		return c.UsageCount > best.trace.UsageCount
	}
	return c.LastUsedAt.After(best.trace.LastUsedAt)
}
