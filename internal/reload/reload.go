// Package reload watches the hfwd config file and reconciles the running
// forwards with it.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nickman/hfwd/internal/config"
	"github.com/nickman/hfwd/internal/forward"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/pkg/logger"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// ApplyFunc applies the current contents of the config file.
type ApplyFunc func(ctx context.Context) error

// Watcher watches a config file for changes and calls an ApplyFunc.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	apply    ApplyFunc
	debounce time.Duration
	log      *logger.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New creates a watcher for path. Nothing is watched until Start.
func New(path string, apply ApplyFunc, log *logger.Logger, m *metrics.Collector) (*Watcher, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		path:     abs,
		watcher:  watcher,
		apply:    apply,
		debounce: DefaultDebounce,
		log:      log.WithStr("component", "reload"),
		metrics:  m,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start starts watching. The parent directory is watched so that editors
// which replace the file by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("reloader already running")
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.log.Info().Str("path", w.path).Msg("Watching config file for changes")

	go w.watch(ctx)
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug().Msg("Config watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove {
				w.log.Warn().Str("path", event.Name).Msg("Config file removed, waiting for recreation")
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.log.Info().Str("path", w.path).Msg("Config file changed, reloading")
	if err := w.apply(ctx); err != nil {
		w.metrics.RecordConfigReload("failure")
		w.log.Error().Err(err).Msg("Failed to reload config")
		return
	}
	w.metrics.RecordConfigReload("success")
	w.log.Info().Msg("Config reloaded successfully")
}

// Stop stops watching and waits for the watch loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}

// SyncForwards returns an ApplyFunc that reloads path and syncs mgr to the
// forwards it lists plus extra. An invalid file leaves the running forwards
// untouched. onLoad, if non-nil, sees the full spec list before the sync.
func SyncForwards(path string, mgr *forward.Manager, extra []forward.Spec, onLoad func([]forward.Spec)) ApplyFunc {
	return func(ctx context.Context) error {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return err
		}
		specs, err := cfg.ForwardSpecs()
		if err != nil {
			return fmt.Errorf("invalid forwards: %w", err)
		}
		specs = append(specs, extra...)
		if onLoad != nil {
			onLoad(specs)
		}
		return mgr.Sync(ctx, specs)
	}
}
