package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchFiles_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evolu.toml")
	require.NoError(t, os.WriteFile(path, []byte(`name = "watched"`+"\n"), 0644))

	w, err := WatchFiles([]string{path})
	require.NoError(t, err)
	defer w.Stop()
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan struct{}, 1)
	w.OnReload(func(cfg *Config) error {
		reloaded <- struct{}{}
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte(`name = "watched-again"`+"\n"), 0644))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnReload callback to fire after the watched file changed")
	}
}

func TestWatchFiles_NoExistingPathErrors(t *testing.T) {
	_, err := WatchFiles([]string{filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)
}

func TestWatcher_MarkOwnWriteSuppressesOneEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evolu.toml")
	require.NoError(t, os.WriteFile(path, []byte(`name = "watched"`+"\n"), 0644))

	w, err := WatchFiles([]string{path})
	require.NoError(t, err)
	defer w.Stop()
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan struct{}, 1)
	w.OnReload(func(cfg *Config) error {
		reloaded <- struct{}{}
		return nil
	})

	w.MarkOwnWrite()
	require.NoError(t, os.WriteFile(path, []byte(`name = "self-written"`+"\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("own write should have been suppressed")
	case <-time.After(200 * time.Millisecond):
	}
}
