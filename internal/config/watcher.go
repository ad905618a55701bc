// ABOUTME: Polling watcher that reloads settings when a settings file changes
// ABOUTME: Compares mtimes each tick; runs until its context is cancelled

package config

import (
	"context"
	"os"
	"time"
)

// DefaultWatchInterval is how often settings files are polled.
const DefaultWatchInterval = 2 * time.Second

// ReloadFunc receives freshly loaded settings, or the load error.
type ReloadFunc func(*Settings, error)

// Watcher reloads settings when any candidate settings file is created,
// modified, or removed.
type Watcher struct {
	paths    []string
	load     func() (*Settings, error)
	onReload ReloadFunc
	interval time.Duration
	mtimes   map[string]time.Time
}

// NewWatcher watches the global and project settings for projectRoot.
func NewWatcher(projectRoot string, onReload ReloadFunc) *Watcher {
	return newWatcher(SettingsCandidates(projectRoot), func() (*Settings, error) {
		return Load(projectRoot)
	}, onReload)
}

func newWatcher(paths []string, load func() (*Settings, error), onReload ReloadFunc) *Watcher {
	w := &Watcher{
		paths:    paths,
		load:     load,
		onReload: onReload,
		interval: DefaultWatchInterval,
		mtimes:   make(map[string]time.Time),
	}
	w.snapshot()
	return w
}

// SetInterval overrides the polling interval. Call before Run.
func (w *Watcher) SetInterval(d time.Duration) {
	w.interval = d
}

// Run polls until ctx is cancelled. The baseline is taken at construction,
// so only changes made after NewWatcher trigger a reload.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				w.snapshot()
				w.onReload(w.load())
			}
		}
	}
}

// changed compares current mtimes with the stored snapshot.
func (w *Watcher) changed() bool {
	for _, path := range w.paths {
		info, err := os.Stat(path)
		prev, existed := w.mtimes[path]
		if err != nil {
			if existed {
				return true
			}
			continue
		}
		if !existed || !info.ModTime().Equal(prev) {
			return true
		}
	}
	return false
}

func (w *Watcher) snapshot() {
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.mtimes, path)
			continue
		}
		w.mtimes[path] = info.ModTime()
	}
}
