// ABOUTME: Tests for the polling settings watcher
// ABOUTME: Validates change detection, file creation and removal, and cancellation

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func startWatcher(t *testing.T, paths []string, load func() (*Settings, error)) (*atomic.Int32, context.CancelFunc) {
	t.Helper()
	var reloads atomic.Int32
	w := newWatcher(paths, load, func(*Settings, error) { reloads.Add(1) })
	w.SetInterval(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &reloads, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func okLoad() (*Settings, error) { return &Settings{}, nil }

func TestWatcherDetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	reloads, _ := startWatcher(t, []string{path}, okLoad)

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reloads.Load() >= 1 })
}

func TestWatcherNoChangeNoReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	reloads, _ := startWatcher(t, []string{path}, okLoad)

	time.Sleep(100 * time.Millisecond)
	if got := reloads.Load(); got != 0 {
		t.Errorf("reloads = %d; want 0", got)
	}
}

func TestWatcherCreateAndRemove(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	reloads, _ := startWatcher(t, []string{path}, okLoad)

	if err := os.WriteFile(path, []byte("endpoint: https://a.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reloads.Load() == 1 })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reloads.Load() == 2 })
}

func TestWatcherPassesLoadError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	boom := errors.New("bad settings")
	gotErr := make(chan error, 1)
	w := newWatcher([]string{path}, func() (*Settings, error) { return nil, boom }, func(_ *Settings, err error) {
		select {
		case gotErr <- err:
		default:
		}
	})
	w.SetInterval(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte(`{`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-gotErr:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v; want load error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload not reported")
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	w := newWatcher(nil, okLoad, func(*Settings, error) {})
	w.SetInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
