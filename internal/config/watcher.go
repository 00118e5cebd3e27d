package config

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk. A file
// that fails to load or validate is logged and ignored; the previous
// configuration stays in effect.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	logger     *zap.Logger
	callbacks  []func(*Config)
	mu         sync.Mutex
	debounce   time.Duration
	done       chan struct{}
	stopOnce   sync.Once
	lastHash   atomic.Uint64 // content hash of the last applied file
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		logger:     logger,
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}, nil
}

// OnChange registers a callback for config changes. Callbacks run one at
// a time in registration order.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	// Watch the directory so atomic renames by editors are seen.
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	if data, err := os.ReadFile(w.configPath); err == nil {
		w.lastHash.Store(xxhash.Sum64(data))
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// reload loads the config and notifies callbacks
func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		w.logger.Error("failed to read config, keeping previous", zap.String("path", w.configPath), zap.Error(err))
		return
	}
	// Editors often rewrite a file without changing it.
	hash := xxhash.Sum64(data)
	if hash == w.lastHash.Load() {
		return
	}

	cfg, err := w.loader.Parse(data)
	if err != nil {
		w.logger.Error("failed to reload config, keeping previous", zap.String("path", w.configPath), zap.Error(err))
		return
	}
	w.lastHash.Store(hash)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.logger.Info("configuration file changed", zap.String("path", w.configPath))
	for _, cb := range w.callbacks {
		cb(cfg)
	}
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
