package routine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reflex/internal/crystal"
	"reflex/internal/logging"
)

// Loader fills a Registry from a directory of promoted routine files and
// optionally hot-reloads it when the directory changes. A reload always
// rebuilds the full set and swaps it in whole; the registry never holds a
// partially loaded mix.
type Loader struct {
	mu       sync.Mutex
	dir      string
	registry *Registry
	watcher  *fsnotify.Watcher

	dirty       bool
	debounceDur time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

func NewLoader(dir string, registry *Registry) *Loader {
	return &Loader{
		dir:         dir,
		registry:    registry,
		debounceDur: 500 * time.Millisecond,
	}
}

// LoadAll reads every .go file in the routines directory, validates it and
// replaces the registry's set with the valid ones. A file that fails
// validation is skipped with a warning; one bad promotion must not unload
// the rest. A missing directory loads an empty set.
func (l *Loader) LoadAll() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.registry.Replace(nil)
			return 0, nil
		}
		return 0, err
	}

	var routines []Routine
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		source, err := os.ReadFile(path)
		if err != nil {
			logging.Get(logging.CategoryRoutine).Warn("Skipping unreadable routine %s: %v", path, err)
			continue
		}

		if verr := crystal.ValidateRoutine(string(source)).Err(); verr != nil {
			logging.Get(logging.CategoryRoutine).Warn("Skipping invalid routine %s: %v", path, verr)
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".go")
		routines = append(routines, Routine{
			Ref:    "routine:" + name,
			Name:   name,
			Path:   path,
			Source: string(source),
		})
	}

	l.registry.Replace(routines)
	logging.Routine("Loaded %d routines from %s", len(routines), l.dir)
	return len(routines), nil
}

// Start watches the routines directory and reloads on change. Non-blocking;
// Stop or context cancellation ends the watch. A stopped loader can be
// started again.
func (l *Loader) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	// Fresh channels per Start so a restart does not reuse a closed pair.
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return err
	}
	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		logging.Get(logging.CategoryRoutine).Warn("Failed to create routines dir %s: %v", l.dir, err)
	}
	if err := watcher.Add(l.dir); err != nil {
		logging.Get(logging.CategoryRoutine).Warn("Initial watch of %s failed: %v", l.dir, err)
	} else {
		logging.Routine("Watching routines directory: %s", l.dir)
	}

	go l.run(ctx, watcher, stopCh, doneCh)
	return nil
}

// Stop ends the watch and waits for the event loop to drain.
func (l *Loader) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh, doneCh, watcher := l.stopCh, l.doneCh, l.watcher
	l.mu.Unlock()

	close(stopCh)
	<-doneCh

	if err := watcher.Close(); err != nil {
		logging.Get(logging.CategoryRoutine).Error("Error closing routine watcher: %v", err)
	}
}

func (l *Loader) run(ctx context.Context, watcher *fsnotify.Watcher, stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	var lastEvent time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".go") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.RoutineDebug("Routine change detected: %s %s", event.Op, event.Name)
			l.mu.Lock()
			l.dirty = true
			l.mu.Unlock()
			lastEvent = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRoutine).Error("Routine watcher error: %v", err)

		case <-debounceTicker.C:
			l.mu.Lock()
			pending := l.dirty && time.Since(lastEvent) >= l.debounceDur
			if pending {
				l.dirty = false
			}
			l.mu.Unlock()

			if pending {
				if _, err := l.LoadAll(); err != nil {
					logging.Get(logging.CategoryRoutine).Error("Routine reload failed: %v", err)
				}
			}
		}
	}
}
