package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/evoluhq/evolu-go/errors"
)

// ReloadCallback is invoked with the freshly reloaded config after a watched
// file changes. An error from one callback does not stop the rest from
// running.
type ReloadCallback func(*Config) error

// Watcher watches the config files Load actually read and reloads the
// cached config when one of them changes on disk, debouncing rapid
// successive writes into a single reload. This is what ReloadURL's
// hot-reload promise names but Load alone cannot deliver.
type Watcher struct {
	watcher *fsnotify.Watcher

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounce      time.Duration
	debounceTimer *time.Timer

	ownWriteMu sync.Mutex
	ownWrite   bool
}

// DefaultDebounce coalesces the several write events a single editor save
// can produce into one reload.
const DefaultDebounce = 300 * time.Millisecond

// WatchFiles starts watching paths (skipping any that don't exist) and
// returns a Watcher that reloads the package's cached Config whenever one of
// them changes. Call Stop when done.
func WatchFiles(paths []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: create file watcher")
	}

	w := &Watcher{watcher: fw, debounce: DefaultDebounce}

	added := 0
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fw.Add(p); err != nil {
			continue
		}
		added++
	}
	if added == 0 {
		fw.Close()
		return nil, errors.New("config: no existing config file to watch")
	}

	go w.loop()
	return w, nil
}

// WatchLoadedFiles is WatchFiles over the same precedence-ordered paths Load
// merges: system, user, and project evolu.toml, whichever of those exist.
func WatchLoadedFiles() (*Watcher, error) {
	return WatchFiles(configFilePaths())
}

// OnReload registers a callback fired after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// MarkOwnWrite suppresses the next filesystem event, so Save's own write to
// a watched path doesn't trigger a redundant self-reload.
func (w *Watcher) MarkOwnWrite() {
	w.ownWriteMu.Lock()
	defer w.ownWriteMu.Unlock()
	w.ownWrite = true
}

func (w *Watcher) consumeOwnWrite() bool {
	w.ownWriteMu.Lock()
	defer w.ownWriteMu.Unlock()
	if w.ownWrite {
		w.ownWrite = false
		return true
	}
	return false
}

// Stop closes the underlying filesystem watch, ending the reload loop.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if isBackupFile(event.Name) {
				continue
			}
			if w.consumeOwnWrite() {
				continue
			}
			w.scheduleReload()

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	Reset()
	cfg, err := Load()
	if err != nil {
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

func isBackupFile(path string) bool {
	base := filepath.Base(path)
	switch filepath.Ext(base) {
	case ".back1", ".back2", ".back3":
		return true
	default:
		return false
	}
}
