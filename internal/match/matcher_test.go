package match

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"reflex/internal/store"
)

func newTestStore(t *testing.T) *store.TraceStore {
	t.Helper()
	ts, err := store.NewTraceStore(filepath.Join(t.TempDir(), "traces.db"), 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

// stubScorer returns fixed scores keyed by candidate goal text.
type stubScorer struct {
	scores map[string]float64
	err    error
}

func (s *stubScorer) Score(_ context.Context, _ string, candidates []*store.Trace) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = s.scores[c.GoalText]
	}
	return out, nil
}

func saveTrace(t *testing.T, ts *store.TraceStore, goal string, confidence float64, usage int) *store.Trace {
	t.Helper()
	trace := store.NewTrace(goal, nil, 0, 0)
	trace.Confidence = confidence
	trace.UsageCount = usage
	if err := ts.Save(trace); err != nil {
		t.Fatal(err)
	}
	return trace
}

func TestExactTierUsesStoredConfidence(t *testing.T) {
	ts := newTestStore(t)
	saveTrace(t, ts, "restart the web server", 0.6, 2)

	m := NewMatcher(ts, &stubScorer{}, 0.5)
	res, err := m.BestMatch(context.Background(), "restart the web server")
	if err != nil {
		t.Fatal(err)
	}

	if !res.Matched() {
		t.Fatal("Expected a match")
	}
	if res.Tier != TierExact {
		t.Errorf("Expected exact tier, got %s", res.Tier)
	}
	// Stored confidence, not 1.0: historical reliability, not match quality.
	if res.Confidence != 0.6 {
		t.Errorf("Expected stored confidence 0.6, got %f", res.Confidence)
	}
}

func TestSemanticTierSelectsHighestAboveFloor(t *testing.T) {
	ts := newTestStore(t)
	saveTrace(t, ts, "resize all thumbnails", 0.9, 1)
	saveTrace(t, ts, "compress all thumbnails", 0.9, 1)
	saveTrace(t, ts, "delete old sessions", 0.9, 1)

	scorer := &stubScorer{scores: map[string]float64{
		"resize all thumbnails":   0.8,
		"compress all thumbnails": 0.6,
		"delete old sessions":     0.1,
	}}

	m := NewMatcher(ts, scorer, 0.5)
	res, err := m.BestMatch(context.Background(), "scale down the thumbnails")
	if err != nil {
		t.Fatal(err)
	}

	if !res.Matched() || res.Tier != TierSemantic {
		t.Fatalf("Expected semantic match, got %+v", res)
	}
	if res.Trace.GoalText != "resize all thumbnails" {
		t.Errorf("Expected highest scorer to win, got %q", res.Trace.GoalText)
	}
	if res.Confidence != 0.8 {
		t.Errorf("Expected similarity as confidence, got %f", res.Confidence)
	}
}

func TestSemanticTierFloor(t *testing.T) {
	ts := newTestStore(t)
	saveTrace(t, ts, "prune docker images", 0.9, 1)

	scorer := &stubScorer{scores: map[string]float64{"prune docker images": 0.4}}
	m := NewMatcher(ts, scorer, 0.5)

	res, err := m.BestMatch(context.Background(), "something unrelated entirely")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() {
		t.Errorf("Score below floor must not match, got %q", res.Trace.GoalText)
	}
	if res.Degraded {
		t.Error("A clean below-floor miss is not degraded mode")
	}
}

func TestTieBreakByUsageThenRecency(t *testing.T) {
	ts := newTestStore(t)

	older := store.NewTrace("sync the mirrors", nil, 0, 0)
	older.UsageCount = 5
	older.LastUsedAt = time.Now().UTC().Add(-time.Hour)
	if err := ts.Save(older); err != nil {
		t.Fatal(err)
	}

	lessUsed := store.NewTrace("sync the replicas", nil, 0, 0)
	lessUsed.UsageCount = 2
	lessUsed.LastUsedAt = time.Now().UTC()
	if err := ts.Save(lessUsed); err != nil {
		t.Fatal(err)
	}

	scorer := &stubScorer{scores: map[string]float64{
		"sync the mirrors":  0.7,
		"sync the replicas": 0.7,
	}}
	m := NewMatcher(ts, scorer, 0.5)

	res, err := m.BestMatch(context.Background(), "sync things")
	if err != nil {
		t.Fatal(err)
	}
	if res.Trace.GoalText != "sync the mirrors" {
		t.Errorf("Tie should prefer higher usage count, got %q", res.Trace.GoalText)
	}

	// Equal usage too: recency decides.
	evenUsed := store.NewTrace("sync the caches", nil, 0, 0)
	evenUsed.UsageCount = 5
	evenUsed.LastUsedAt = time.Now().UTC().Add(time.Minute)
	if err := ts.Save(evenUsed); err != nil {
		t.Fatal(err)
	}
	scorer.scores["sync the caches"] = 0.7

	res, err = m.BestMatch(context.Background(), "sync things")
	if err != nil {
		t.Fatal(err)
	}
	if res.Trace.GoalText != "sync the caches" {
		t.Errorf("Tie at equal usage should prefer recency, got %q", res.Trace.GoalText)
	}
}

func TestScorerFailureDegradesGracefully(t *testing.T) {
	ts := newTestStore(t)
	saveTrace(t, ts, "rebuild the index", 0.9, 1)

	m := NewMatcher(ts, &stubScorer{err: errors.New("scorer offline")}, 0.5)
	res, err := m.BestMatch(context.Background(), "refresh the index")
	if err != nil {
		t.Fatalf("Scorer failure must not fail the match: %v", err)
	}
	if res.Matched() {
		t.Error("Expected no match in degraded mode")
	}
	if !res.Degraded {
		t.Error("Expected degraded flag set")
	}
}

func TestNilScorerIsExactOnly(t *testing.T) {
	ts := newTestStore(t)
	saveTrace(t, ts, "rotate logs", 0.8, 1)

	m := NewMatcher(ts, nil, 0.5)

	// Exact hit still works.
	res, err := m.BestMatch(context.Background(), "rotate logs")
	if err != nil || !res.Matched() {
		t.Fatalf("Exact tier should work without scorer: res=%+v err=%v", res, err)
	}

	// Semantic miss reports degraded.
	res, err = m.BestMatch(context.Background(), "cycle the log files")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() || !res.Degraded {
		t.Errorf("Expected degraded no-match, got %+v", res)
	}
}

func TestLexicalScorer(t *testing.T) {
	scorer := NewLexicalScorer()
	candidates := []*store.Trace{
		store.NewTrace("summarize the quarterly sales report", nil, 0, 0),
		store.NewTrace("deploy the payment service", nil, 0, 0),
	}

	scores, err := scorer.Score(context.Background(), "summarize quarterly sales", candidates)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 2 {
		t.Fatalf("Expected 2 scores, got %d", len(scores))
	}
	if scores[0] <= scores[1] {
		t.Errorf("Related goal should outscore unrelated: %f vs %f", scores[0], scores[1])
	}
	if scores[0] != 1.0 {
		t.Errorf("Full subset overlap should score 1.0, got %f", scores[0])
	}

	// Identical text scores 1.0
	same, err := scorer.Score(context.Background(), "deploy the payment service", candidates)
	if err != nil {
		t.Fatal(err)
	}
	if same[1] != 1.0 {
		t.Errorf("Identical goal should score 1.0, got %f", same[1])
	}
}
