package store

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StatusWatcher watches the status file and reloads it on change.
type StatusWatcher struct {
	watcher  *fsnotify.Watcher
	filePath string
	updates  chan *Status
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewStatusWatcher creates a new watcher for the status file at filePath.
func NewStatusWatcher(filePath string) (*StatusWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &StatusWatcher{
		watcher:  watcher,
		filePath: filePath,
		updates:  make(chan *Status, 1),
		done:     make(chan struct{}),
	}, nil
}

// Updates delivers the latest status after each change, or nil once the
// file has been removed. Only the newest value is kept when the reader falls
// behind.
func (sw *StatusWatcher) Updates() <-chan *Status {
	return sw.updates
}

// Start begins watching the file for changes.
func (sw *StatusWatcher) Start() error {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = true
	sw.mu.Unlock()

	// Watch the directory; the file is replaced by rename on every write
	dir := filepath.Dir(sw.filePath)
	if err := sw.watcher.Add(dir); err != nil {
		return err
	}

	go sw.watch()
	return nil
}

func (sw *StatusWatcher) watch() {
	filename := filepath.Base(sw.filePath)

	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Has(fsnotify.Remove) {
				sw.deliver(nil)
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				status, err := LoadStatus(sw.filePath)
				if err != nil {
					slog.Debug("failed to reload status file", "file", sw.filePath, "error", err)
					continue
				}
				sw.deliver(status)
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("status watcher error", "error", err)

		case <-sw.done:
			return
		}
	}
}

func (sw *StatusWatcher) deliver(status *Status) {
	for {
		select {
		case sw.updates <- status:
			return
		default:
		}
		select {
		case <-sw.updates:
		default:
		}
	}
}

// Stop stops the watcher.
func (sw *StatusWatcher) Stop() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.running {
		return nil
	}

	sw.running = false
	close(sw.done)
	return sw.watcher.Close()
}
