// Package config holds all reflex configuration, loaded from
// .reflex/config.yaml with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all reflex configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Trace store
	Store StoreConfig `yaml:"store"`

	// Trace matcher
	Matcher MatcherConfig `yaml:"matcher"`

	// Mode selection policy
	Selector SelectorConfig `yaml:"selector"`

	// Budget ledger
	Budget BudgetConfig `yaml:"budget"`

	// Crystallization engine
	Crystal CrystalConfig `yaml:"crystal"`

	// Routine registry
	Routines RoutinesConfig `yaml:"routines"`

	// External reasoning backend
	Reasoner ReasonerConfig `yaml:"reasoner"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the trace store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	// Candidate cap for similarity scans: the most-recently-used N traces.
	CandidateCap int `yaml:"candidate_cap"`
}

// MatcherConfig configures the trace matcher.
type MatcherConfig struct {
	// Minimum similarity for a semantic-tier hit.
	SimilarityFloor float64 `yaml:"similarity_floor"`
}

// SelectorConfig configures the balanced mode-selection policy. The exact
// threshold values are policy, not behavior: they are tunable per deployment.
type SelectorConfig struct {
	ReplayThreshold float64 `yaml:"replay_threshold"` // confidence at or above -> replay
	GuidedThreshold float64 `yaml:"guided_threshold"` // confidence at or above -> guided
	// Structural cue count above which a goal is routed to coordination.
	ComplexityThreshold int `yaml:"complexity_threshold"`
}

// BudgetConfig configures the budget ledger.
type BudgetConfig struct {
	LedgerPath     string `yaml:"ledger_path"`
	InitialBalance float64 `yaml:"initial_balance"`

	// Estimated cost per mode, used for the pre-invocation check.
	FreshCost       float64 `yaml:"fresh_cost"`
	GuidedCost      float64 `yaml:"guided_cost"`
	CoordinatedCost float64 `yaml:"coordinated_cost"`
}

// CrystalConfig configures trace promotion.
type CrystalConfig struct {
	MinUsage      int     `yaml:"min_usage"`
	MinConfidence float64 `yaml:"min_confidence"`

	// Ranking weights; must sum to 1.0.
	UsageWeight      float64 `yaml:"usage_weight"`
	CostWeight       float64 `yaml:"cost_weight"`
	ConfidenceWeight float64 `yaml:"confidence_weight"`
}

// RoutinesConfig configures the crystallized routine registry.
type RoutinesConfig struct {
	Directory  string `yaml:"directory"`
	RunTimeout string `yaml:"run_timeout"`
	// Watch the routines directory and hot-reload on change.
	HotReload bool `yaml:"hot_reload"`
}

// ReasonerConfig points at the external reasoning backend used for fresh
// and guided runs and for routine synthesis. Empty base URL means no
// backend: replay and crystallized modes still work without one.
type ReasonerConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "reflex",
		Version: "0.3.0",

		Store: StoreConfig{
			DatabasePath: ".reflex/traces.db",
			CandidateCap: 200,
		},

		Matcher: MatcherConfig{
			SimilarityFloor: 0.5,
		},

		Selector: SelectorConfig{
			ReplayThreshold:     0.92,
			GuidedThreshold:     0.75,
			ComplexityThreshold: 2,
		},

		Budget: BudgetConfig{
			LedgerPath:      ".reflex/budget.json",
			InitialBalance:  10.0,
			FreshCost:       0.5,
			GuidedCost:      0.25,
			CoordinatedCost: 1.0,
		},

		Crystal: CrystalConfig{
			MinUsage:         5,
			MinConfidence:    0.95,
			UsageWeight:      0.5,
			CostWeight:       0.3,
			ConfidenceWeight: 0.2,
		},

		Routines: RoutinesConfig{
			Directory:  ".reflex/routines",
			RunTimeout: "5s",
			HotReload:  false,
		},

		Reasoner: ReasonerConfig{
			Timeout: "120s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("REFLEX_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if path := os.Getenv("REFLEX_LEDGER"); path != "" {
		c.Budget.LedgerPath = path
	}
	if dir := os.Getenv("REFLEX_ROUTINES"); dir != "" {
		c.Routines.Directory = dir
	}
	if v := os.Getenv("REFLEX_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Budget.InitialBalance = f
		}
	}
	if url := os.Getenv("REFLEX_REASONER_URL"); url != "" {
		c.Reasoner.BaseURL = url
	}
	if v := os.Getenv("REFLEX_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// GetRunTimeout returns the routine run timeout as a duration.
func (c *Config) GetRunTimeout() time.Duration {
	d, err := time.ParseDuration(c.Routines.RunTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetReasonerTimeout returns the reasoning backend timeout as a duration.
func (c *Config) GetReasonerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Reasoner.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Selector.ReplayThreshold < c.Selector.GuidedThreshold {
		return fmt.Errorf("replay threshold (%.2f) must be >= guided threshold (%.2f)",
			c.Selector.ReplayThreshold, c.Selector.GuidedThreshold)
	}
	if c.Matcher.SimilarityFloor < 0 || c.Matcher.SimilarityFloor > 1 {
		return fmt.Errorf("similarity floor must be in [0,1], got %.2f", c.Matcher.SimilarityFloor)
	}
	if c.Crystal.MinConfidence < 0 || c.Crystal.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0,1], got %.2f", c.Crystal.MinConfidence)
	}
	sum := c.Crystal.UsageWeight + c.Crystal.CostWeight + c.Crystal.ConfidenceWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("crystal ranking weights must sum to 1.0, got %.3f", sum)
	}
	if c.Store.CandidateCap <= 0 {
		return fmt.Errorf("candidate cap must be positive, got %d", c.Store.CandidateCap)
	}
	return nil
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .reflex marker directory, falling back to a go.mod, then to cwd.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".reflex")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
