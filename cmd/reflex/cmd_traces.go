package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "List recorded traces, most recently used first",
	RunE:  listTraces,
}

func listTraces(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	traces, err := eng.traces.ListCandidates()
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		fmt.Println("no traces recorded")
		return nil
	}

	fmt.Printf("%-18s %-11s %-6s %-9s %s\n", "key", "confidence", "usage", "promoted", "goal")
	for _, tr := range traces {
		promoted := "-"
		if tr.Promoted() {
			promoted = "yes"
		}
		fmt.Printf("%-18s %-11.2f %-6d %-9s %s\n",
			tr.GoalKey[:16], tr.Confidence, tr.UsageCount, promoted, tr.GoalText)
	}
	return nil
}
