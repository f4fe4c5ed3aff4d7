package system

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicenerd/internal/config"
)

func TestConfigWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  name: before\n"), 0o644))

	var mu sync.Mutex
	var names []string
	w, err := NewConfigWatcher(path, func(cfg *config.Config) {
		mu.Lock()
		names = append(names, cfg.Device.Name)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("device:\n  name: after\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) > 0 && names[len(names)-1] == "after"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConfigWatcherKeepsCurrentOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  name: good\n"), 0o644))

	applied := make(chan string, 8)
	w, err := NewConfigWatcher(path, func(cfg *config.Config) {
		applied <- cfg.Device.Name
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(":\tnot yaml ["), 0o644))

	select {
	case name := <-applied:
		t.Fatalf("broken file should not apply, got %q", name)
	case <-time.After(800 * time.Millisecond):
	}
}

func TestConfigWatcherStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	w, err := NewConfigWatcher(path, func(*config.Config) {})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
