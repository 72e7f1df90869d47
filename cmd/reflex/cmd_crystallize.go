package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reflex/internal/crystal"
	"reflex/internal/store"
)

var crystallizeCmd = &cobra.Command{
	Use:   "crystallize",
	Short: "Promote hot traces into deterministic routines",
	Long: `Scans the trace store for heavily reused, high-confidence traces and
lists them ranked by expected savings. With --promote, synthesizes a Go
routine for the given goal, validates it and installs it; subsequent
dispatches of that goal run the routine at zero cost.`,
	RunE: listCandidates,
}

var promoteGoal string

func init() {
	crystallizeCmd.Flags().StringVar(&promoteGoal, "promote", "", "Goal text of the trace to promote")
}

func newCrystalEngine(eng *engine) *crystal.Engine {
	return crystal.NewEngine(eng.traces, eng.backend, wsPath(eng.ws, eng.cfg.Routines.Directory), eng.cfg.Crystal)
}

func listCandidates(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if promoteGoal != "" {
		return promoteTrace(eng, promoteGoal)
	}

	candidates, err := newCrystalEngine(eng).FindCandidates()
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("no crystallization candidates")
		return nil
	}

	fmt.Printf("%-8s %-6s %-11s %-6s %s\n", "score", "usage", "confidence", "cost", "goal")
	for _, c := range candidates {
		fmt.Printf("%-8.3f %-6d %-11.2f %-6.2f %s\n",
			c.Score, c.Trace.UsageCount, c.Trace.Confidence, c.Trace.CostObserved, c.Trace.GoalText)
	}
	return nil
}

func promoteTrace(eng *engine, goal string) error {
	trace, err := eng.traces.FindExact(goal)
	if err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("no trace recorded for %q", goal)
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ref, err := newCrystalEngine(eng).Promote(ctx, trace)
	if err != nil {
		return err
	}

	logger.Info("Trace promoted", zap.String("goal", goal), zap.String("ref", ref))
	fmt.Printf("promoted %q -> %s\n", goal, ref)
	return nil
}
