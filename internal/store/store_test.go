package store

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestStore(t *testing.T) *TraceStore {
	t.Helper()
	ts, err := NewTraceStore(filepath.Join(t.TempDir(), "traces.db"), 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestGoalKeyDeterministic(t *testing.T) {
	k1 := GoalKey("Summarize the quarterly report")
	k2 := GoalKey("Summarize the quarterly report")
	if k1 != k2 {
		t.Errorf("GoalKey not deterministic: %s != %s", k1, k2)
	}

	// Normalization: whitespace and case do not change the key
	k3 := GoalKey("  summarize   THE quarterly report ")
	if k1 != k3 {
		t.Errorf("GoalKey should normalize whitespace/case: %s != %s", k1, k3)
	}

	k4 := GoalKey("Summarize the annual report")
	if k1 == k4 {
		t.Error("Different goals should produce different keys")
	}
}

func TestSaveAndFindExactRoundTrip(t *testing.T) {
	ts := newTestStore(t)

	trace := NewTrace("deploy the staging environment", []Step{
		{Action: "shell", Input: "kubectl apply -f staging.yaml", Output: "deployment created"},
		{Action: "verify", Input: "kubectl rollout status", Output: "ok"},
	}, 0.5, 2500*time.Millisecond)
	trace.UsageCount = 3

	if err := ts.Save(trace); err != nil {
		t.Fatalf("Failed to save trace: %v", err)
	}

	got, err := ts.FindExact("deploy the staging environment")
	if err != nil {
		t.Fatalf("FindExact failed: %v", err)
	}

	// Round-trip fidelity: every field survives, confidence included.
	if diff := cmp.Diff(trace, got, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("Round-trip mismatch (-want +got):\n%s", diff)
	}
	if math.Abs(got.Confidence-DefaultConfidence) > 0.001 {
		t.Errorf("Confidence lost precision: want %.2f got %.4f", DefaultConfidence, got.Confidence)
	}
}

func TestFindExactMiss(t *testing.T) {
	ts := newTestStore(t)

	_, err := ts.FindExact("never seen this goal")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSaveOverwritesSameKey(t *testing.T) {
	ts := newTestStore(t)

	first := NewTrace("rotate the api keys", []Step{{Action: "a"}}, 0.1, time.Second)
	second := NewTrace("rotate the api keys", []Step{{Action: "b"}, {Action: "c"}}, 0.2, time.Second)

	if err := ts.Save(first); err != nil {
		t.Fatal(err)
	}
	if err := ts.Save(second); err != nil {
		t.Fatal(err)
	}

	got, err := ts.FindExact("rotate the api keys")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Steps) != 2 {
		t.Errorf("Expected last write to win (2 steps), got %d", len(got.Steps))
	}
}

func TestConfidenceMonotonicity(t *testing.T) {
	ts := newTestStore(t)

	trace := NewTrace("check disk usage", nil, 0, 0)
	if err := ts.Save(trace); err != nil {
		t.Fatal(err)
	}

	// Repeated successes approach 1.0 and never exceed it.
	for i := 0; i < 10; i++ {
		if err := ts.UpdateConfidence(trace.GoalKey, true); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := ts.Get(trace.GoalKey)
	if got.Confidence > 1.0 {
		t.Errorf("Confidence exceeded 1.0: %f", got.Confidence)
	}
	if math.Abs(got.Confidence-1.0) > 0.001 {
		t.Errorf("Expected confidence saturated at 1.0, got %f", got.Confidence)
	}

	// Repeated failures approach 0.0 and never go below.
	for i := 0; i < 10; i++ {
		if err := ts.UpdateConfidence(trace.GoalKey, false); err != nil {
			t.Fatal(err)
		}
	}
	got, _ = ts.Get(trace.GoalKey)
	if got.Confidence < 0.0 {
		t.Errorf("Confidence went below 0.0: %f", got.Confidence)
	}
	if math.Abs(got.Confidence) > 0.001 {
		t.Errorf("Expected confidence floored at 0.0, got %f", got.Confidence)
	}
}

func TestConfidenceDeltas(t *testing.T) {
	ts := newTestStore(t)

	trace := NewTrace("resize the images", nil, 0, 0)
	if err := ts.Save(trace); err != nil {
		t.Fatal(err)
	}

	if err := ts.UpdateConfidence(trace.GoalKey, true); err != nil {
		t.Fatal(err)
	}
	got, _ := ts.Get(trace.GoalKey)
	if math.Abs(got.Confidence-0.85) > 0.001 {
		t.Errorf("Expected 0.75+0.1=0.85, got %f", got.Confidence)
	}

	if err := ts.UpdateConfidence(trace.GoalKey, false); err != nil {
		t.Fatal(err)
	}
	got, _ = ts.Get(trace.GoalKey)
	if math.Abs(got.Confidence-0.65) > 0.001 {
		t.Errorf("Expected 0.85-0.2=0.65, got %f", got.Confidence)
	}
}

func TestUpdateConfidenceMissingTrace(t *testing.T) {
	ts := newTestStore(t)
	err := ts.UpdateConfidence("deadbeef", true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecordUse(t *testing.T) {
	ts := newTestStore(t)

	trace := NewTrace("lint the repo", nil, 0, 0)
	if err := ts.Save(trace); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := ts.RecordUse(trace.GoalKey, 0.25, 800*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ts.Get(trace.GoalKey)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 3 {
		t.Errorf("Expected usage count 3, got %d", got.UsageCount)
	}
	if got.CostObserved != 0.25 {
		t.Errorf("Expected last observed cost 0.25, got %f", got.CostObserved)
	}
	if got.TimeObserved != 800*time.Millisecond {
		t.Errorf("Expected observed time 800ms, got %v", got.TimeObserved)
	}
}

func TestMarkPromotedIdempotent(t *testing.T) {
	ts := newTestStore(t)

	trace := NewTrace("archive old logs", nil, 0, 0)
	if err := ts.Save(trace); err != nil {
		t.Fatal(err)
	}

	if err := ts.MarkPromoted(trace.GoalKey, "routine-archive-logs"); err != nil {
		t.Fatal(err)
	}
	if err := ts.MarkPromoted(trace.GoalKey, "routine-archive-logs"); err != nil {
		t.Fatalf("MarkPromoted should be idempotent: %v", err)
	}

	got, _ := ts.Get(trace.GoalKey)
	if !got.Promoted() {
		t.Error("Expected trace to be promoted")
	}
	if got.PromotedRoutineRef != "routine-archive-logs" {
		t.Errorf("Unexpected routine ref: %s", got.PromotedRoutineRef)
	}
}

func TestListCandidatesCapAndOrder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	ts, err := NewTraceStore(dbPath, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		trace := NewTrace(fmt.Sprintf("goal number %d", i), nil, 0, 0)
		trace.LastUsedAt = base.Add(time.Duration(i) * time.Minute)
		if err := ts.Save(trace); err != nil {
			t.Fatal(err)
		}
	}

	candidates, err := ts.ListCandidates()
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 5 {
		t.Fatalf("Expected cap of 5 candidates, got %d", len(candidates))
	}
	// Most recently used first
	if candidates[0].GoalText != "goal number 9" {
		t.Errorf("Expected MRU ordering, first was %q", candidates[0].GoalText)
	}
}

func TestListPromotableIgnoresCandidateCap(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	ts, err := NewTraceStore(dbPath, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		trace := NewTrace(fmt.Sprintf("hot goal %d", i), nil, 0, 0)
		trace.UsageCount = 10 + i
		trace.Confidence = 0.97
		trace.LastUsedAt = base.Add(time.Duration(i) * time.Minute)
		if err := ts.Save(trace); err != nil {
			t.Fatal(err)
		}
	}

	low := NewTrace("barely used", nil, 0, 0)
	low.UsageCount = 1
	low.Confidence = 0.99
	if err := ts.Save(low); err != nil {
		t.Fatal(err)
	}

	done := NewTrace("already promoted", nil, 0, 0)
	done.UsageCount = 50
	done.Confidence = 0.99
	if err := ts.Save(done); err != nil {
		t.Fatal(err)
	}
	if err := ts.MarkPromoted(done.GoalKey, "routine-done"); err != nil {
		t.Fatal(err)
	}

	// The candidate window holds 2 traces; promotability must see all 6
	// eligible ones, ineligible and promoted excluded.
	got, err := ts.ListPromotable(5, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Fatalf("Expected 6 promotable traces, got %d", len(got))
	}
	if got[0].UsageCount != 15 {
		t.Errorf("Expected heaviest trace first, got usage %d", got[0].UsageCount)
	}
}

func TestStats(t *testing.T) {
	ts := newTestStore(t)

	for i := 0; i < 4; i++ {
		trace := NewTrace(fmt.Sprintf("stats goal %d", i), nil, 0.5, time.Second)
		if err := ts.Save(trace); err != nil {
			t.Fatal(err)
		}
	}
	key := GoalKey("stats goal 0")
	if err := ts.MarkPromoted(key, "routine-x"); err != nil {
		t.Fatal(err)
	}

	stats, err := ts.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["total_traces"].(int64) != 4 {
		t.Errorf("Expected 4 traces, got %v", stats["total_traces"])
	}
	if stats["promoted_traces"].(int64) != 1 {
		t.Errorf("Expected 1 promoted trace, got %v", stats["promoted_traces"])
	}
}
