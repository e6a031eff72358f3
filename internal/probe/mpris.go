package probe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/tunecord/internal/model"
)

const (
	// MPRISBusPrefix is the bus name prefix every MPRIS player owns.
	MPRISBusPrefix = "org.mpris.MediaPlayer2."
	// MPRISPath is the player object path.
	MPRISPath = "/org/mpris/MediaPlayer2"
	// MPRISPlayerInterface holds the playback properties.
	MPRISPlayerInterface = "org.mpris.MediaPlayer2.Player"
)

// MPRIS playback status values.
const (
	statusPlaying = "Playing"
	statusPaused  = "Paused"
)

// MPRISOptions configures the MPRIS backend.
type MPRISOptions struct {
	Players []string      // Allowlist in priority order; empty = any player
	Timeout time.Duration // Upper bound for one poll
	Logger  *slog.Logger
}

// MPRIS reads the now-playing state from MPRIS players on the session bus.
type MPRIS struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	logger  *slog.Logger
	players []string
	timeout time.Duration
	now     func() time.Time
}

// NewMPRIS creates an MPRIS prober. The bus connection is opened lazily on
// the first poll and reopened after failures.
func NewMPRIS(opts MPRISOptions) *MPRIS {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &MPRIS{
		logger:  logger,
		players: opts.Players,
		timeout: timeout,
		now:     time.Now,
	}
}

// Name returns the backend identifier.
func (p *MPRIS) Name() string {
	return "mpris"
}

// Poll returns the snapshot of the first playing player, falling back to the
// first paused one.
func (p *MPRIS) Poll(ctx context.Context) (*model.TrackSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.connect()
	if err != nil {
		return nil, classify(p.Name(), err)
	}

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		p.resetLocked()
		return nil, classify(p.Name(), fmt.Errorf("list bus names: %w", err))
	}

	var paused *model.TrackSnapshot
	for _, name := range SelectPlayers(names, p.players) {
		props, err := p.playerProperties(ctx, conn, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, classify(p.Name(), ctx.Err())
			}
			// Players come and go between ListNames and GetAll
			p.logger.Debug("skipping mpris player", "player", name, "error", err)
			continue
		}

		snap := SnapshotFromProperties(PlayerName(name), props, p.now())
		if snap == nil {
			continue
		}
		if snap.Playing {
			return snap, nil
		}
		if paused == nil {
			paused = snap
		}
	}

	return paused, nil
}

// Close closes the bus connection.
func (p *MPRIS) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *MPRIS) connect() (*dbus.Conn, error) {
	if p.conn != nil && p.conn.Connected() {
		return p.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	p.conn = conn
	return conn, nil
}

func (p *MPRIS) resetLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *MPRIS) playerProperties(ctx context.Context, conn *dbus.Conn, name string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	obj := conn.Object(name, MPRISPath)
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, MPRISPlayerInterface)
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

// PlayerName strips the MPRIS prefix and any instance suffix from a bus
// name: "org.mpris.MediaPlayer2.firefox.instance_1_42" becomes "firefox".
func PlayerName(busName string) string {
	name := strings.TrimPrefix(busName, MPRISBusPrefix)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

// SelectPlayers filters bus names down to MPRIS players. With an allowlist
// the result follows the allowlist order; without one it is sorted by name.
func SelectPlayers(names []string, allow []string) []string {
	var players []string
	for _, name := range names {
		if !strings.HasPrefix(name, MPRISBusPrefix) {
			continue
		}
		if len(allow) > 0 && priority(PlayerName(name), allow) < 0 {
			continue
		}
		players = append(players, name)
	}

	slices.SortStableFunc(players, func(a, b string) int {
		if len(allow) > 0 {
			if d := priority(PlayerName(a), allow) - priority(PlayerName(b), allow); d != 0 {
				return d
			}
		}
		return strings.Compare(a, b)
	})
	return players
}

func priority(player string, allow []string) int {
	return slices.IndexFunc(allow, func(p string) bool {
		return strings.EqualFold(p, player)
	})
}

// SnapshotFromProperties converts the org.mpris.MediaPlayer2.Player
// properties into a snapshot. Returns nil when the player is stopped or has
// no title.
func SnapshotFromProperties(player string, props map[string]dbus.Variant, now time.Time) *model.TrackSnapshot {
	status := variantString(props["PlaybackStatus"])
	if status != statusPlaying && status != statusPaused {
		return nil
	}

	metadata, _ := props["Metadata"].Value().(map[string]dbus.Variant)
	title := strings.TrimSpace(variantString(metadata["xesam:title"]))
	if title == "" {
		return nil
	}

	position := time.Duration(variantInt64(props["Position"])) * time.Microsecond
	if position < 0 {
		position = 0
	}
	length := time.Duration(variantInt64(metadata["mpris:length"])) * time.Microsecond
	if length < 0 {
		length = 0
	}

	return &model.TrackSnapshot{
		Title:     title,
		Artist:    variantArtists(metadata["xesam:artist"]),
		Album:     strings.TrimSpace(variantString(metadata["xesam:album"])),
		Duration:  length,
		Position:  position,
		Playing:   status == statusPlaying,
		Timestamp: now,
		Player:    player,
		ArtURL:    variantString(metadata["mpris:artUrl"]),
	}
}

func variantString(v dbus.Variant) string {
	if s, ok := v.Value().(string); ok {
		return s
	}
	return ""
}

func variantArtists(v dbus.Variant) string {
	switch a := v.Value().(type) {
	case []string:
		return strings.Join(a, ", ")
	case string:
		return a
	default:
		return ""
	}
}

func variantInt64(v dbus.Variant) int64 {
	switch n := v.Value().(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
