package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fhs/gompd/v2/mpd"

	"github.com/jmylchreest/tunecord/internal/model"
)

// errQueryInFlight is reported while an abandoned query still holds the
// server connection.
var errQueryInFlight = errors.New("previous query still in flight")

// MPDOptions configures the MPD backend.
type MPDOptions struct {
	Network  string // "tcp" or "unix"
	Address  string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// mpdClient is the subset of *mpd.Client used by the prober.
type mpdClient interface {
	Status() (mpd.Attrs, error)
	CurrentSong() (mpd.Attrs, error)
	Close() error
}

// MPD reads the now-playing state from a Music Player Daemon. Each poll
// opens a short-lived connection so a restarted server is picked up without
// extra bookkeeping.
type MPD struct {
	network  string
	address  string
	password string
	timeout  time.Duration
	logger   *slog.Logger
	busy     atomic.Bool
	now      func() time.Time
	dial     func(network, address, password string) (mpdClient, error)
}

// NewMPD creates an MPD prober.
func NewMPD(opts MPDOptions) *MPD {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	return &MPD{
		network:  network,
		address:  opts.Address,
		password: opts.Password,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		dial:     dialMPD,
	}
}

func dialMPD(network, address, password string) (mpdClient, error) {
	var (
		c   *mpd.Client
		err error
	)
	if password != "" {
		c, err = mpd.DialAuthenticated(network, address, password)
	} else {
		c, err = mpd.Dial(network, address)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the backend identifier.
func (m *MPD) Name() string {
	return "mpd"
}

// Poll queries the server's status and current song.
func (m *MPD) Poll(ctx context.Context) (*model.TrackSnapshot, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return nil, &Error{Kind: Timeout, Backend: m.Name(), Err: errQueryInFlight}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snap, err := runBounded(ctx, func() (*model.TrackSnapshot, error) {
		defer m.busy.Store(false)
		return m.query()
	})
	if err != nil {
		return nil, classify(m.Name(), err)
	}
	return snap, nil
}

func (m *MPD) query() (*model.TrackSnapshot, error) {
	c, err := m.dial(m.network, m.address, m.password)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", m.network, m.address, err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			m.logger.Debug("failed to close mpd connection", "error", err)
		}
	}()

	status, err := c.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if state := status["state"]; state != "play" && state != "pause" {
		return nil, nil
	}

	song, err := c.CurrentSong()
	if err != nil {
		return nil, fmt.Errorf("currentsong: %w", err)
	}

	return SnapshotFromMPD(status, song, m.now()), nil
}

// Close is a no-op; connections are per poll.
func (m *MPD) Close() error {
	return nil
}

// SnapshotFromMPD builds a snapshot from the "status" and "currentsong"
// responses. Returns nil when the server is stopped or the queue is empty.
func SnapshotFromMPD(status, song mpd.Attrs, now time.Time) *model.TrackSnapshot {
	var playing bool
	switch status["state"] {
	case "play":
		playing = true
	case "pause":
	default:
		return nil
	}

	title := strings.TrimSpace(song["Title"])
	if title == "" {
		title = strings.TrimSpace(song["Name"])
	}
	if title == "" && song["file"] != "" {
		base := path.Base(song["file"])
		title = strings.TrimSuffix(base, path.Ext(base))
	}
	if title == "" {
		return nil
	}

	artist := song["Artist"]
	if artist == "" {
		artist = song["AlbumArtist"]
	}

	duration := seconds(status["duration"])
	if duration == 0 {
		duration = seconds(song["duration"])
	}
	if duration == 0 {
		duration = seconds(song["Time"])
	}

	return &model.TrackSnapshot{
		Title:     title,
		Artist:    strings.TrimSpace(artist),
		Album:     strings.TrimSpace(song["Album"]),
		Duration:  duration,
		Position:  seconds(status["elapsed"]),
		Playing:   playing,
		Timestamp: now,
		Player:    "mpd",
	}
}

// seconds parses MPD's fractional seconds. Invalid or negative values yield 0.
func seconds(s string) time.Duration {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
