// Package store persists the daemon's runtime status so the CLI can read it.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jmylchreest/tunecord/internal/config"
	"github.com/jmylchreest/tunecord/internal/model"
)

// CurrentSchemaVersion is the current version of the status schema.
const CurrentSchemaVersion = 1

// Status is the daemon's view of the world, persisted to
// ~/.local/share/tunecord/status.json after every change.
type Status struct {
	SchemaVersion int                   `json:"schema_version" yaml:"schema_version"`
	PID           int                   `json:"pid" yaml:"pid"`
	Connection    string                `json:"connection" yaml:"connection"` // e.g. "connected", "backoff(3)"
	Retries       int                   `json:"retries" yaml:"retries"`
	Backend       string                `json:"backend,omitempty" yaml:"backend,omitempty"`
	Player        string                `json:"player,omitempty" yaml:"player,omitempty"`
	Track         *model.TrackSnapshot  `json:"track,omitempty" yaml:"track,omitempty"`       // Last accepted snapshot
	Presence      *model.PresenceUpdate `json:"presence,omitempty" yaml:"presence,omitempty"` // What the peer currently shows
	LastSentAt    *time.Time            `json:"last_sent_at,omitempty" yaml:"last_sent_at,omitempty"`
	LastError     string                `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at" yaml:"updated_at"`
}

// StatusPath returns the path to the status file.
func StatusPath() (string, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "status.json"), nil
}

// LoadStatus reads the status file. Returns os.ErrNotExist (wrapped) when
// the daemon has not written one yet.
func LoadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	if status.SchemaVersion == 0 {
		status.SchemaVersion = CurrentSchemaVersion
	}
	return &status, nil
}

// Alive reports whether the process that wrote the status still exists.
// A crashed daemon leaves its last status behind.
func (s *Status) Alive() bool {
	if s.PID <= 0 {
		return false
	}
	p, err := os.FindProcess(s.PID)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// StatusWriter writes the status file atomically.
type StatusWriter struct {
	mu   sync.Mutex
	path string
}

// NewStatusWriter creates a writer for path, creating its directory.
func NewStatusWriter(path string) (*StatusWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}
	return &StatusWriter{path: path}, nil
}

// Path returns the status file path.
func (w *StatusWriter) Path() string {
	return w.path
}

// Write replaces the status file via a temp file and rename.
func (w *StatusWriter) Write(status *Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if status.SchemaVersion == 0 {
		status.SchemaVersion = CurrentSchemaVersion
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Remove deletes the status file. A missing file is not an error.
func (w *StatusWriter) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
