// Package watcher provides file system monitoring for the gateway. It
// watches the configuration file and the credential token file, reloading
// configuration and invalidating upstream credentials when they change,
// without restarting the server.
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

	"github.com/web-gemini/GeminiWebGateway/internal/config"
)

// debounce absorbs the bursts of events editors fire on save.
const debounce = 200 * time.Millisecond

// Watcher monitors the config file and token file for changes.
type Watcher struct {
	configPath string
	tokenPath  string

	onConfig func(*config.Config)
	onToken  func()

	watcher *fsnotify.Watcher

	mu             sync.Mutex
	lastConfigHash string
	lastTokenHash  string
}

// NewWatcher creates a watcher. onConfig receives each successfully reloaded
// configuration; onToken fires when the credential file changes on disk.
// tokenPath and onToken may be empty when credentials come from config values.
func NewWatcher(configPath, tokenPath string, onConfig func(*config.Config), onToken func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath: configPath,
		tokenPath:  tokenPath,
		onConfig:   onConfig,
		onToken:    onToken,
		watcher:    fsw,
	}
	w.lastConfigHash = fileHash(configPath)
	if tokenPath != "" {
		w.lastTokenHash = fileHash(tokenPath)
	}
	return w, nil
}

// Start begins watching. Directories are watched rather than the files
// themselves so atomic-replace saves keep firing events.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	if w.tokenPath != "" {
		tokenDir := filepath.Dir(w.tokenPath)
		if tokenDir != filepath.Dir(w.configPath) {
			if err := w.watcher.Add(tokenDir); err != nil {
				log.Warnf("failed to watch token file directory %s: %v", tokenDir, err)
			} else {
				log.Debugf("watching token file: %s", w.tokenPath)
			}
		}
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	pending := map[string]bool{}
	var pendingMu sync.Mutex

	fire := func() {
		pendingMu.Lock()
		cfgChanged := pending[w.configPath]
		tokenChanged := w.tokenPath != "" && pending[w.tokenPath]
		pending = map[string]bool{}
		pendingMu.Unlock()

		if cfgChanged {
			w.reloadConfig()
		}
		if tokenChanged {
			w.notifyToken()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if name != filepath.Clean(w.configPath) && (w.tokenPath == "" || name != filepath.Clean(w.tokenPath)) {
				continue
			}
			pendingMu.Lock()
			pending[name] = true
			pendingMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, fire)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) reloadConfig() {
	hash := fileHash(w.configPath)

	w.mu.Lock()
	unchanged := hash != "" && hash == w.lastConfigHash
	w.lastConfigHash = hash
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}
	log.Infof("config file changed, applying: %s", w.configPath)
	if w.onConfig != nil {
		w.onConfig(cfg)
	}
}

func (w *Watcher) notifyToken() {
	hash := fileHash(w.tokenPath)

	w.mu.Lock()
	unchanged := hash != "" && hash == w.lastTokenHash
	w.lastTokenHash = hash
	w.mu.Unlock()
	if unchanged {
		return
	}

	log.Infof("token file changed: %s", w.tokenPath)
	if w.onToken != nil {
		w.onToken()
	}
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
