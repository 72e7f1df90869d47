package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reflex/internal/agent"
	"reflex/internal/budget"
	"reflex/internal/config"
	"reflex/internal/dispatch"
	"reflex/internal/logging"
	"reflex/internal/match"
	"reflex/internal/reason"
	"reflex/internal/routine"
	"reflex/internal/store"
	"reflex/internal/telemetry"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// run flags
	forcedMode string
	policy     string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reflex",
	Short: "reflex - trace-caching decision engine for natural-language goals",
	Long: `reflex routes each goal to the cheapest execution strategy likely to
succeed: replay a recorded trace, adapt one with guidance, invoke fresh
reasoning, run a crystallized routine, or coordinate delegate agents.

Every successful fresh run is recorded; confidence grows with reuse and the
hottest traces crystallize into deterministic Go routines.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Dispatch a goal through the selection pipeline",
	Long: `Matches the goal against recorded traces, selects an execution mode,
checks the budget and executes:

  fresh         full reasoning, records a new trace on success
  guided        reasoning hinted by a matched trace
  replay        verbatim re-execution of a trusted trace (free)
  crystallized  the promoted deterministic routine (free)
  coordinated   decomposition across delegate agents`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show trace store and budget statistics",
	RunE:  showStats,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: auto-detected)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	runCmd.Flags().StringVar(&forcedMode, "mode", "", "Force an execution mode (fresh|guided|replay|crystallized|coordinated)")
	runCmd.Flags().StringVar(&policy, "policy", "balanced", "Selection policy (balanced|cost-optimized)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(crystallizeCmd)
	rootCmd.AddCommand(tracesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine bundles everything a command needs.
type engine struct {
	cfg        *config.Config
	ws         string
	traces     *store.TraceStore
	ledger     *budget.Ledger
	backend    *reason.Client
	routines   *routine.Registry
	loader     *routine.Loader
	dispatcher *dispatch.Dispatcher
}

func (e *engine) Close() {
	if e.traces != nil {
		e.traces.Close()
	}
}

// resolveWorkspace picks the workspace root and loads config.
func resolveWorkspace() (string, *config.Config, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = config.FindWorkspaceRoot()
		if err != nil {
			return "", nil, err
		}
	}

	cfg, err := config.Load(filepath.Join(ws, ".reflex", "config.yaml"))
	if err != nil {
		return "", nil, err
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(ws); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	return ws, cfg, nil
}

// wsPath resolves a config-relative path against the workspace.
func wsPath(ws, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ws, p)
}

// openEngine builds the full pipeline.
func openEngine() (*engine, error) {
	ws, cfg, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}

	traces, err := store.NewTraceStore(wsPath(ws, cfg.Store.DatabasePath), cfg.Store.CandidateCap)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace store: %w", err)
	}

	ledger, err := budget.NewLedger(wsPath(ws, cfg.Budget.LedgerPath), cfg.Budget.InitialBalance)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("failed to open budget ledger: %w", err)
	}

	backend := reason.NewClient(reason.Config{
		BaseURL: cfg.Reasoner.BaseURL,
		Timeout: cfg.GetReasonerTimeout(),
	})

	agents, err := agent.LoadDir(filepath.Join(ws, ".reflex", "agents"))
	if err != nil {
		logger.Warn("Agent descriptors unavailable, coordination degrades to fresh", zap.Error(err))
		agents, _ = agent.NewRegistry(nil)
	}

	routines := routine.NewRegistry()
	loader := routine.NewLoader(wsPath(ws, cfg.Routines.Directory), routines)
	if n, err := loader.LoadAll(); err != nil {
		logger.Warn("Routine load failed", zap.Error(err))
	} else if n > 0 {
		logger.Debug("Routines loaded", zap.Int("count", n))
	}

	var sink telemetry.Sink = telemetry.NopSink{}
	if fs, err := telemetry.NewFileSink(filepath.Join(ws, ".reflex", "decisions.jsonl")); err == nil {
		sink = fs
	} else {
		logger.Warn("Telemetry sink unavailable", zap.Error(err))
	}

	var selector dispatch.Selector
	switch policy {
	case "", "balanced":
		selector = dispatch.NewBalancedSelector(cfg.Selector)
	case "cost-optimized":
		selector = dispatch.NewCostOptimizedSelector()
	default:
		traces.Close()
		return nil, fmt.Errorf("unknown policy %q", policy)
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.Options{
		Traces:      traces,
		Matcher:     match.NewMatcher(traces, match.NewLexicalScorer(), cfg.Matcher.SimilarityFloor),
		Selector:    selector,
		Ledger:      ledger,
		Reasoner:    backend,
		Coordinator: dispatch.NewCoordinator(backend, agents),
		Runner:      routine.NewRunner(routines, cfg.GetRunTimeout()),
		Sink:        sink,
		Costs:       cfg.Budget,
	})
	if err != nil {
		traces.Close()
		return nil, err
	}

	return &engine{
		cfg:        cfg,
		ws:         ws,
		traces:     traces,
		ledger:     ledger,
		backend:    backend,
		routines:   routines,
		loader:     loader,
		dispatcher: dispatcher,
	}, nil
}

func runGoal(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if eng.cfg.Routines.HotReload {
		if err := eng.loader.Start(ctx); err != nil {
			logger.Warn("Routine hot-reload unavailable", zap.Error(err))
		} else {
			defer eng.loader.Stop()
		}
	}

	goal := strings.Join(args, " ")
	logger.Info("Dispatching goal", zap.String("goal", goal))

	var result *dispatch.Result
	if forcedMode != "" {
		mode, perr := dispatch.ParseMode(forcedMode)
		if perr != nil {
			return perr
		}
		result, err = eng.dispatcher.DispatchForced(ctx, goal, mode)
	} else {
		result, err = eng.dispatcher.Dispatch(ctx, goal)
	}

	if result != nil {
		printResult(result)
	}
	if err != nil {
		if result != nil && result.Suggestion != "" {
			fmt.Printf("hint:       %s\n", result.Suggestion)
		}
		return err
	}
	return nil
}

func printResult(r *dispatch.Result) {
	fmt.Printf("mode:       %s\n", r.Mode)
	fmt.Printf("state:      %s\n", r.State)
	if r.Confidence > 0 {
		fmt.Printf("confidence: %.2f\n", r.Confidence)
	}
	fmt.Printf("cost:       %.2f\n", r.Cost)
	fmt.Printf("duration:   %s\n", r.Duration.Round(time.Millisecond))
	if r.Degraded {
		fmt.Println("degraded:   semantic matching unavailable, exact tier only")
	}
	fmt.Printf("reasoning:  %s\n", r.Reasoning)
	if r.Output != "" {
		fmt.Printf("\n%s\n", r.Output)
	}
}

func showStats(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := eng.traces.Stats()
	if err != nil {
		return err
	}

	fmt.Println("Trace store:")
	for _, key := range []string{"total_traces", "promoted_traces", "total_reuses", "avg_confidence", "avg_cost_observed"} {
		if v, ok := stats[key]; ok {
			fmt.Printf("  %-18s %v\n", key+":", v)
		}
	}

	fmt.Println("Budget:")
	fmt.Printf("  %-18s %.2f\n", "balance:", eng.ledger.Balance())
	fmt.Printf("  %-18s %d\n", "spend entries:", len(eng.ledger.SpendLog()))

	fmt.Println("Routines:")
	fmt.Printf("  %-18s %d\n", "loaded:", eng.routines.Len())
	for _, ref := range eng.routines.Refs() {
		fmt.Printf("    %s\n", ref)
	}
	return nil
}
