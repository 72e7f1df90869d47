package routine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoutineFile(t *testing.T, dir, name, source string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(source), 0644))
}

func TestLoadAllSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeRoutineFile(t, dir, "routine_echo.go", echoRoutine)
	writeRoutineFile(t, dir, "routine_bad.go", "package routine\nfunc Run( {")
	writeRoutineFile(t, dir, "notes.txt", "not a routine")

	registry := NewRegistry()
	loader := NewLoader(dir, registry)

	n, err := loader.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := registry.Get("routine:routine_echo")
	assert.True(t, ok)
	_, ok = registry.Get("routine:routine_bad")
	assert.False(t, ok)
}

func TestLoadAllMissingDirectory(t *testing.T) {
	registry := NewRegistry()
	registry.Replace([]Routine{{Ref: "routine:stale"}})

	loader := NewLoader(filepath.Join(t.TempDir(), "nope"), registry)
	n, err := loader.LoadAll()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, registry.Len())
}

func TestLoadAllReplacesRemoved(t *testing.T) {
	dir := t.TempDir()
	writeRoutineFile(t, dir, "routine_echo.go", echoRoutine)

	registry := NewRegistry()
	loader := NewLoader(dir, registry)

	_, err := loader.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, os.Remove(filepath.Join(dir, "routine_echo.go")))
	_, err = loader.LoadAll()
	require.NoError(t, err)
	assert.Zero(t, registry.Len())
}

func TestHotReloadPicksUpNewRoutine(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry()
	loader := NewLoader(dir, registry)
	loader.debounceDur = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, loader.Start(ctx))
	defer loader.Stop()

	writeRoutineFile(t, dir, "routine_echo.go", echoRoutine)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get("routine:routine_echo"); ok {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("routine was not hot-reloaded before the deadline")
}

func TestLoaderRestartsAfterStop(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry()
	loader := NewLoader(dir, registry)
	loader.debounceDur = 50 * time.Millisecond

	ctx := context.Background()

	require.NoError(t, loader.Start(ctx))
	loader.Stop()

	require.NoError(t, loader.Start(ctx))
	defer loader.Stop()

	writeRoutineFile(t, dir, "routine_echo.go", echoRoutine)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get("routine:routine_echo"); ok {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("restarted loader did not reload before the deadline")
}
