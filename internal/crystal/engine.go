// Package crystal promotes heavily reused, high-confidence traces into
// deterministic Go routines.
package crystal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"reflex/internal/config"
	"reflex/internal/logging"
	"reflex/internal/store"
)

// ErrPromotionValidation marks a synthesized routine that failed structural
// validation. The trace stays unpromoted.
var ErrPromotionValidation = errors.New("routine validation failed")

// Synthesizer turns a trace into routine source code. The implementation is
// external (a reasoning backend); the engine only validates and installs
// what comes back.
type Synthesizer interface {
	Synthesize(ctx context.Context, trace *store.Trace) (string, error)
}

// Candidate is a trace eligible for crystallization together with its
// ranking score.
type Candidate struct {
	Trace *store.Trace
	Score float64
}

// Engine selects crystallization candidates and promotes them.
type Engine struct {
	traces      *store.TraceStore
	synthesizer Synthesizer
	routinesDir string
	cfg         config.CrystalConfig
}

// NewEngine builds a crystallization engine. The synthesizer may be nil, in
// which case Promote fails but FindCandidates still works.
func NewEngine(traces *store.TraceStore, synthesizer Synthesizer, routinesDir string, cfg config.CrystalConfig) *Engine {
	return &Engine{
		traces:      traces,
		synthesizer: synthesizer,
		routinesDir: routinesDir,
		cfg:         cfg,
	}
}

// FindCandidates returns unpromoted traces that clear the usage and
// confidence bars, ranked best first.
//
// The score favors traces whose crystallization saves the most: heavy reuse
// weighs most, observed cost next (an expensive trace saves more per free
// run), confidence least since every candidate already cleared the floor.
// Usage and cost are normalized against the candidate set's maxima.
func (e *Engine) FindCandidates() ([]Candidate, error) {
	// Eligibility scans the whole store, not the matcher's recency-capped
	// candidate window: a heavily used trace stays promotable even after
	// it ages out of that window.
	eligible, err := e.traces.ListPromotable(e.cfg.MinUsage, e.cfg.MinConfidence)
	if err != nil {
		return nil, err
	}

	maxUsage, maxCost := 0, 0.0
	for _, tr := range eligible {
		if tr.UsageCount > maxUsage {
			maxUsage = tr.UsageCount
		}
		if tr.CostObserved > maxCost {
			maxCost = tr.CostObserved
		}
	}

	candidates := make([]Candidate, 0, len(eligible))
	for _, tr := range eligible {
		score := e.cfg.ConfidenceWeight * tr.Confidence
		if maxUsage > 0 {
			score += e.cfg.UsageWeight * float64(tr.UsageCount) / float64(maxUsage)
		}
		if maxCost > 0 {
			score += e.cfg.CostWeight * tr.CostObserved / maxCost
		}
		candidates = append(candidates, Candidate{Trace: tr, Score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Trace.GoalKey < candidates[j].Trace.GoalKey
	})

	logging.Crystal("Found %d crystallization candidates (min usage %d, min confidence %.2f)",
		len(candidates), e.cfg.MinUsage, e.cfg.MinConfidence)
	return candidates, nil
}

// Promote synthesizes a routine for the trace, validates it, installs it
// under the routines directory and marks the trace promoted. Promoting an
// already promoted trace returns its existing ref without resynthesizing.
func (e *Engine) Promote(ctx context.Context, trace *store.Trace) (string, error) {
	if trace.Promoted() {
		return trace.PromotedRoutineRef, nil
	}
	if e.synthesizer == nil {
		return "", fmt.Errorf("no synthesizer configured")
	}

	code, err := e.synthesizer.Synthesize(ctx, trace)
	if err != nil {
		return "", fmt.Errorf("synthesis failed for trace %s: %w", trace.GoalKey, err)
	}

	result := ValidateRoutine(code)
	for _, w := range result.Warnings {
		logging.Crystal("Validation warning for trace %s: %s", trace.GoalKey, w)
	}
	if err := result.Err(); err != nil {
		return "", fmt.Errorf("synthesized routine for trace %s rejected: %w: %v", trace.GoalKey, ErrPromotionValidation, err)
	}

	name := RoutineName(trace.GoalKey)
	if err := os.MkdirAll(e.routinesDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create routines directory: %w", err)
	}
	path := filepath.Join(e.routinesDir, name+".go")
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return "", fmt.Errorf("failed to install routine %s: %w", name, err)
	}

	ref := "routine:" + name
	if err := e.traces.MarkPromoted(trace.GoalKey, ref); err != nil {
		// Roll back the install so a half-promoted trace cannot point at
		// nothing while the file lingers.
		os.Remove(path)
		return "", err
	}

	logging.Crystal("Promoted trace %s to %s", trace.GoalKey, ref)
	return ref, nil
}

// RoutineName derives the installed file and symbol name for a goal key.
func RoutineName(goalKey string) string {
	n := len(goalKey)
	if n > 12 {
		n = 12
	}
	return "routine_" + goalKey[:n]
}
