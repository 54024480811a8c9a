package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/murmurlink/murmurlink/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
capture:
  platform: mock
sensitivity:
  profile:
    start_multiplier: 3.0
    hold_blocks: 12
archive:
  postgres_dsn: "postgres://localhost/test"
`

// watcherTunedYAML is the same deployment after an operator trims the entry
// threshold and turns up log verbosity mid-session.
const watcherTunedYAML = `
server:
  log_level: debug
capture:
  platform: mock
sensitivity:
  profile:
    start_multiplier: 2.2
    hold_blocks: 12
archive:
  postgres_dsn: "postgres://localhost/test"
`

const watcherBrokenYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherInitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherBaseYAML)

	w := startWatcher(t, cfgPath, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if got := cfg.Sensitivity.Profile.StartMultiplier; got != 3.0 {
		t.Errorf("start_multiplier: got %v, want 3.0", got)
	}
}

func TestWatcherDeliversSensitivityEdit(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherBaseYAML)

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	called := make(chan struct{}, 1)

	w := startWatcher(t, cfgPath, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	})

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherTunedYAML)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()

	if gotOld == nil || gotNew == nil {
		t.Fatal("callback received nil configs")
	}
	if gotOld.Sensitivity.Profile.StartMultiplier != 3.0 {
		t.Errorf("old start_multiplier = %v, want 3.0", gotOld.Sensitivity.Profile.StartMultiplier)
	}
	if gotNew.Sensitivity.Profile.StartMultiplier != 2.2 {
		t.Errorf("new start_multiplier = %v, want 2.2", gotNew.Sensitivity.Profile.StartMultiplier)
	}
	if gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level = %q, want %q", gotNew.Server.LogLevel, config.LogDebug)
	}

	if cur := w.Current(); cur.Sensitivity.Profile.StartMultiplier != 2.2 {
		t.Errorf("Current() start_multiplier = %v, want 2.2", cur.Sensitivity.Profile.StartMultiplier)
	}
}

func TestWatcherRejectsBrokenEdit(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherBaseYAML)

	var mu sync.Mutex
	calls := 0

	w := startWatcher(t, cfgPath, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherBrokenYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 0 {
		t.Errorf("callback fired %d times for a broken edit", n)
	}

	// The session keeps running on the last good config.
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the pre-edit %q", cur.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcherInitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherBaseYAML)

	w := startWatcher(t, cfgPath, nil)
	w.Stop()
	w.Stop()
}

func TestWatcherIgnoresTouchWithoutEdit(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherBaseYAML)

	var mu sync.Mutex
	calls := 0

	startWatcher(t, cfgPath, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback fired %d times for a touch-only mtime change", calls)
	}
}
