// Package watcher provides file system monitoring for the gateway.
// It watches the configuration file and the account pool document, reloading
// both on change so edits take effect without a restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/lyralabs/gravityrouter/internal/config"
)

const (
	accountReadMaxAttempts = 5
	accountReadRetryDelay  = 100 * time.Millisecond
)

// Watcher monitors the config file and account document for changes.
type Watcher struct {
	configPath  string
	accountPath string

	mu              sync.Mutex
	lastConfigHash  string
	lastAccountHash string

	onConfig   func(*config.Config)
	onAccounts func()

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given paths. onConfig receives each
// successfully reloaded configuration; onAccounts fires after the account
// document changes on disk.
func NewWatcher(configPath, accountPath string, onConfig func(*config.Config), onAccounts func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:  configPath,
		accountPath: accountPath,
		onConfig:    onConfig,
		onAccounts:  onAccounts,
		watcher:     fsWatcher,
	}, nil
}

// Start begins watching. Watching the parent directories rather than the
// files themselves survives the rename dance editors and atomic writers do.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range watchDirs(w.configPath, w.accountPath) {
		if err := w.watcher.Add(dir); err != nil {
			log.Errorf("failed to watch directory %s: %v", dir, err)
			return err
		}
		log.Debugf("watching directory: %s", dir)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func watchDirs(paths ...string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range paths {
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	const writeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if event.Op&writeOps == 0 {
		return
	}
	name := filepath.Clean(event.Name)
	switch name {
	case filepath.Clean(w.configPath):
		w.reloadConfig()
	case filepath.Clean(w.accountPath):
		w.reloadAccounts()
	}
}

func (w *Watcher) reloadConfig() {
	data, err := readRetry(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	hash := contentHash(data)
	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == hash
	w.mu.Unlock()
	if unchanged {
		log.Debugf("config file content unchanged, skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}
	log.Infof("config file changed, reloading: %s", w.configPath)
	w.mu.Lock()
	w.lastConfigHash = hash
	w.mu.Unlock()
	if w.onConfig != nil {
		w.onConfig(cfg)
	}
}

func (w *Watcher) reloadAccounts() {
	data, err := readRetry(w.accountPath)
	if err != nil {
		log.Errorf("failed to read account file: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty account file write event")
		return
	}
	hash := contentHash(data)
	w.mu.Lock()
	unchanged := w.lastAccountHash != "" && w.lastAccountHash == hash
	w.mu.Unlock()
	if unchanged {
		return
	}
	log.Infof("account file changed, reloading: %s", w.accountPath)
	w.mu.Lock()
	w.lastAccountHash = hash
	w.mu.Unlock()
	if w.onAccounts != nil {
		w.onAccounts()
	}
}

// readRetry reads a file, retrying briefly when a writer still holds it.
func readRetry(path string) ([]byte, error) {
	var data []byte
	var err error
	for attempt := 0; attempt < accountReadMaxAttempts; attempt++ {
		data, err = os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		time.Sleep(accountReadRetryDelay)
	}
	return nil, err
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
