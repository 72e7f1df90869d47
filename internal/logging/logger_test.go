package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, workspace, content string) {
	t.Helper()
	configDir := filepath.Join(workspace, ".reflex")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func resetLoggingState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
}

func TestCategoriesWriteFiles(t *testing.T) {
	tempDir := t.TempDir()
	writeTestConfig(t, tempDir, `
logging:
  debug_mode: true
  level: debug
`)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Fatal("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot, CategoryStore, CategoryBudget, CategoryMatch,
		CategoryDispatch, CategoryCrystal, CategoryRoutine, CategoryTelemetry,
	}
	for _, cat := range categories {
		Get(cat).Info("test message for %s", cat)
	}
	CloseAll()

	logsPath := filepath.Join(tempDir, ".reflex", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	found := make(map[string]bool)
	for _, e := range entries {
		for _, cat := range categories {
			if strings.HasSuffix(e.Name(), string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[string(cat)] {
			t.Errorf("Expected log file for category %s", cat)
		}
	}
}

func TestProductionModeIsSilent(t *testing.T) {
	tempDir := t.TempDir()
	// No config file at all = production mode

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled without config")
	}

	Store("this should not be written")
	Dispatch("neither should this")

	logsPath := filepath.Join(tempDir, ".reflex", "logs")
	if _, err := os.Stat(logsPath); !os.IsNotExist(err) {
		t.Errorf("Expected no logs directory in production mode")
	}
}

func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()
	writeTestConfig(t, tempDir, `
logging:
  debug_mode: true
  level: debug
  categories:
    store: true
    dispatch: false
`)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsCategoryEnabled(CategoryStore) {
		t.Error("Expected store category enabled")
	}
	if IsCategoryEnabled(CategoryDispatch) {
		t.Error("Expected dispatch category disabled")
	}
	// Unlisted categories default to enabled in debug mode
	if !IsCategoryEnabled(CategoryCrystal) {
		t.Error("Expected unlisted category enabled by default")
	}
}
