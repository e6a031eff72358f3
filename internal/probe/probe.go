// Package probe queries the local media player for the currently playing
// track. Backends return a snapshot, an explicit absence (nil, nil) or a
// transient *Error.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/tunecord/internal/config"
	"github.com/jmylchreest/tunecord/internal/model"
)

// DefaultTimeout bounds a single query.
const DefaultTimeout = 2 * time.Second

// Prober fetches now-playing snapshots from a media player.
type Prober interface {
	// Name returns the backend identifier (e.g., "mpris", "mpd").
	Name() string

	// Poll returns the current snapshot, or nil when nothing is playing.
	Poll(ctx context.Context) (*model.TrackSnapshot, error)

	// Close releases the backend connection.
	Close() error
}

// ErrorKind classifies probe failures. All kinds are transient.
type ErrorKind int

const (
	// Unavailable means the query mechanism failed (bus down, player gone, permission denied).
	Unavailable ErrorKind = iota
	// Timeout means the query did not answer in time.
	Timeout
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is returned by Prober implementations.
type Error struct {
	Kind    ErrorKind
	Backend string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s probe %s: %v", e.Backend, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s probe %s", e.Backend, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps err into an *Error, mapping context deadlines to Timeout.
func classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	kind := Unavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &Error{Kind: kind, Backend: backend, Err: err}
}

// result is the single-slot handoff between a query worker and the caller.
type result struct {
	snapshot *model.TrackSnapshot
	err      error
}

// runBounded runs query on a worker goroutine and waits for it until ctx
// is done. The worker reports through a buffered channel of size one, so an
// abandoned worker never blocks.
func runBounded(ctx context.Context, query func() (*model.TrackSnapshot, error)) (*model.TrackSnapshot, error) {
	ch := make(chan result, 1)
	go func() {
		s, err := query()
		ch <- result{snapshot: s, err: err}
	}()

	select {
	case r := <-ch:
		return r.snapshot, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// New creates the Prober selected by cfg.Backend. An empty backend means MPRIS.
func New(cfg config.ProbeConfig, logger *slog.Logger) (Prober, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.BackendMPRIS:
		return NewMPRIS(MPRISOptions{
			Players: cfg.Players,
			Timeout: cfg.Timeout.Duration(),
			Logger:  logger,
		}), nil
	case config.BackendMPD:
		return NewMPD(MPDOptions{
			Network:  cfg.MPD.Network,
			Address:  cfg.MPD.Address,
			Password: cfg.MPD.Password,
			Timeout:  cfg.Timeout.Duration(),
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown probe backend %q", cfg.Backend)
	}
}
