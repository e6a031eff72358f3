package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/tunecord/internal/config"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// ConfigWatcher watches the daemon config file for changes and validates new
// configs. Valid configs are handed over through a single-slot channel; the
// newest one wins when the reader falls behind.
type ConfigWatcher struct {
	mu     sync.Mutex
	logger *slog.Logger

	configPath string
	watcher    *fsnotify.Watcher
	updates    chan *config.DaemonConfig
	debounce   time.Duration
	overrides  func(*config.DaemonConfig)

	// Control channels
	stopCh chan struct{}
	doneCh chan struct{}

	running bool
}

// NewConfigWatcher creates a new ConfigWatcher for the config file at path.
func NewConfigWatcher(path string, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &ConfigWatcher{
		logger:     logger,
		configPath: path,
		watcher:    watcher,
		updates:    make(chan *config.DaemonConfig, 1),
		debounce:   reloadDebounce,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Updates returns the channel that receives validated configs.
func (w *ConfigWatcher) Updates() <-chan *config.DaemonConfig {
	return w.updates
}

// SetOverrides sets a function applied to every reloaded config before it is
// validated, e.g. to keep command-line flags in effect.
func (w *ConfigWatcher) SetOverrides(fn func(*config.DaemonConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.overrides = fn
}

// Start begins watching the config file for changes. The directory is
// watched so the file may be created later or replaced by rename.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	w.running = true

	go w.watchLoop(ctx)

	w.logger.Debug("config watcher started", "path", w.configPath)
	return nil
}

// Stop stops watching the config file.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	// Wait for goroutine to finish
	<-w.doneCh
	_ = w.watcher.Close()
	w.logger.Debug("config watcher stopped")
}

func (w *ConfigWatcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)

	filename := filepath.Base(w.configPath)
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reload loads and validates the config file and publishes it.
func (w *ConfigWatcher) reload() {
	w.logger.Debug("config file changed", "path", w.configPath)

	newConfig, err := config.LoadDaemonConfig(w.configPath)
	if err != nil {
		w.logger.Warn("config file changed but validation failed", "error", err)
		return
	}

	w.mu.Lock()
	overrides := w.overrides
	w.mu.Unlock()
	if overrides != nil {
		overrides(newConfig)
		if err := newConfig.Validate(); err != nil {
			w.logger.Warn("config file changed but validation failed", "error", err)
			return
		}
	}

	for {
		select {
		case w.updates <- newConfig:
			w.logger.Info("config reloaded successfully")
			return
		default:
		}
		// Drop the stale pending config
		select {
		case <-w.updates:
		default:
		}
	}
}
