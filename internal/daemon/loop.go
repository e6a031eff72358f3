package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"time"

	"github.com/jmylchreest/tunecord/internal/config"
	"github.com/jmylchreest/tunecord/internal/differ"
	"github.com/jmylchreest/tunecord/internal/model"
	"github.com/jmylchreest/tunecord/internal/presence"
	"github.com/jmylchreest/tunecord/internal/probe"
	"github.com/jmylchreest/tunecord/internal/store"
)

// ErrEndpointUnavailable is returned by Run when the Discord socket could not
// be found discord.give_up_after times in a row before the first connect.
var ErrEndpointUnavailable = errors.New("discord ipc endpoint unavailable")

// Presence is the connection to the presence-consuming client.
// *presence.Client implements it.
type Presence interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, update model.PresenceUpdate) error
	Clear(ctx context.Context) error
	Close() error
	State() presence.ConnectionState
	SetBackoff(b presence.Backoff)
}

// StatusSink receives the daemon status after each change.
// *store.StatusWriter implements it.
type StatusSink interface {
	Write(status *store.Status) error
}

// Options configures a SyncLoop.
type Options struct {
	Config   *config.DaemonConfig
	Prober   probe.Prober
	Presence Presence
	Status   StatusSink                  // Optional
	Reload   <-chan *config.DaemonConfig // Optional, see ConfigWatcher
	Logger   *slog.Logger
}

// SyncLoop owns the last accepted snapshot and is the only caller of the
// prober and the presence client. All of its state is confined to the
// goroutine running Run.
type SyncLoop struct {
	cfg      *config.DaemonConfig
	prober   probe.Prober
	presence Presence
	status   StatusSink
	reload   <-chan *config.DaemonConfig
	logger   *slog.Logger
	differ   *differ.Differ
	now      func() time.Time

	lastAccepted *model.TrackSnapshot
	shown        *model.PresenceUpdate
	lastSentAt   time.Time
	forceResend  bool

	failingSince time.Time
	pausedID     uint64 // Identity of the track paused since pausedSince
	pausedSince  time.Time

	notFound      int
	everConnected bool
	lastError     string
	lastStatus    *store.Status
}

// NewSyncLoop creates a SyncLoop. It fails only when the display templates
// in cfg do not parse.
func NewSyncLoop(opts Options) (*SyncLoop, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultDaemonConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d, err := newDiffer(cfg)
	if err != nil {
		return nil, err
	}

	return &SyncLoop{
		cfg:      cfg,
		prober:   opts.Prober,
		presence: opts.Presence,
		status:   opts.Status,
		reload:   opts.Reload,
		logger:   logger,
		differ:   d,
		now:      time.Now,
	}, nil
}

func newDiffer(cfg *config.DaemonConfig) (*differ.Differ, error) {
	formatter, err := model.NewFormatter(FormatOptions(cfg.Display))
	if err != nil {
		return nil, err
	}
	return differ.New(formatter, cfg.Behavior.PositionTolerance.Duration()), nil
}

// FormatOptions converts the display section into formatter options.
func FormatOptions(d config.DisplayConfig) model.FormatOptions {
	return model.FormatOptions{
		Details:     d.Details,
		State:       d.State,
		PausedState: d.PausedState,
		LargeImage:  d.LargeImage,
		UseArtURL:   d.UseArtURL,
	}
}

// BackoffFromConfig converts the backoff section.
func BackoffFromConfig(b config.BackoffConfig) presence.Backoff {
	return presence.Backoff{Min: b.Min.Duration(), Max: b.Max.Duration()}
}

// Run ticks immediately and then every poll interval until ctx is cancelled.
// On cancellation it clears the presence, releases the prober and the
// presence client and returns nil. The only error it returns is
// ErrEndpointUnavailable.
func (l *SyncLoop) Run(ctx context.Context) error {
	l.logger.Info("sync loop started",
		"backend", l.prober.Name(),
		"poll_interval", l.cfg.Daemon.PollInterval.Duration())

	if err := l.Tick(ctx); err != nil {
		return l.shutdown(err)
	}

	ticker := time.NewTicker(l.cfg.Daemon.PollInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.shutdown(nil)

		case cfg := <-l.reload:
			if l.applyConfig(cfg) {
				ticker.Reset(l.cfg.Daemon.PollInterval.Duration())
			}

		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				return l.shutdown(err)
			}
		}
	}
}

// Tick runs one connect → poll → decide → publish cycle. It returns an
// error only when the loop must stop.
func (l *SyncLoop) Tick(ctx context.Context) error {
	if err := l.ensureConnected(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	now := l.now()
	next, err := l.prober.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		l.recordError(err)
		l.logger.Warn("probe failed",
			"backend", l.prober.Name(),
			"kind", probeKind(err),
			"error", err)

		if l.failingSince.IsZero() {
			l.failingSince = now
		}
		if !l.stale(now) {
			l.report()
			return nil
		}
		next = nil
	} else {
		l.failingSince = time.Time{}
	}

	next = l.applyPausedPolicy(next, now)

	prev := l.lastAccepted
	if l.forceResend && next != nil {
		prev = nil
	}
	l.publish(ctx, l.differ.Decide(prev, next), next, now)
	l.report()
	return nil
}

func (l *SyncLoop) ensureConnected(ctx context.Context) error {
	if l.presence.State().Kind == presence.Connected {
		return nil
	}

	err := l.presence.Connect(ctx)
	switch {
	case err == nil:
		l.logger.Info("connected to discord")
		// A fresh peer shows nothing
		l.lastAccepted = nil
		l.shown = nil
		l.lastSentAt = time.Time{}
		l.forceResend = false
		l.notFound = 0
		l.everConnected = true
		return nil

	case errors.Is(err, presence.ErrBackoffPending):
		return nil
	}

	l.recordError(err)
	state := l.presence.State()
	l.logger.Warn("discord connect failed",
		"kind", presence.ErrorKind(err),
		"retries", state.Attempt,
		"retry_in", state.RetryAt.Sub(l.now()).Round(time.Millisecond),
		"error", err)

	var ce *presence.ConnError
	if !errors.As(err, &ce) || ce.Kind != presence.ConnNotFound {
		l.notFound = 0
		return nil
	}

	l.notFound++
	if giveUp := l.cfg.Discord.GiveUpAfter; giveUp > 0 && !l.everConnected && l.notFound >= giveUp {
		return fmt.Errorf("%w: not found after %d attempts", ErrEndpointUnavailable, l.notFound)
	}
	return nil
}

// stale reports whether probe failures have lasted long enough to stop
// showing the last accepted track.
func (l *SyncLoop) stale(now time.Time) bool {
	staleAfter := l.cfg.Behavior.StaleAfter.Duration()
	if staleAfter <= 0 || l.lastAccepted == nil {
		return false
	}
	if now.Sub(l.failingSince) < staleAfter {
		return false
	}
	l.logger.Info("probe failing for too long, clearing presence", "stale_after", staleAfter)
	return true
}

// applyPausedPolicy treats a track paused for longer than
// behavior.clear_paused_after as no track.
func (l *SyncLoop) applyPausedPolicy(next *model.TrackSnapshot, now time.Time) *model.TrackSnapshot {
	limit := l.cfg.Behavior.ClearPausedAfter.Duration()
	if next == nil || next.Playing {
		l.pausedID = 0
		l.pausedSince = time.Time{}
		return next
	}

	if id := next.Identity(); l.pausedSince.IsZero() || id != l.pausedID {
		l.pausedID = id
		l.pausedSince = now
	}
	if limit > 0 && now.Sub(l.pausedSince) > limit {
		return nil
	}
	return next
}

func (l *SyncLoop) publish(ctx context.Context, d differ.Decision, next *model.TrackSnapshot, now time.Time) {
	if d.Kind == differ.NoOp {
		return
	}

	if l.presence.State().Kind != presence.Connected {
		l.logger.Debug("dropping presence change while disconnected", "decision", d.Kind, "reason", d.Reason)
		return
	}

	if d.Kind == differ.Send {
		minInterval := l.cfg.Behavior.MinUpdateInterval.Duration()
		if minInterval > 0 && !l.lastSentAt.IsZero() && now.Sub(l.lastSentAt) < minInterval {
			l.logger.Debug("deferring presence update", "reason", d.Reason, "min_update_interval", minInterval)
			return
		}
	}

	var err error
	if d.Kind == differ.Send {
		err = l.presence.Send(ctx, d.Update)
	} else {
		err = l.presence.Clear(ctx)
	}

	if err != nil {
		l.recordError(err)
		l.logger.Warn("failed to update presence",
			"decision", d.Kind,
			"kind", presence.ErrorKind(err),
			"retries", l.presence.State().Attempt,
			"error", err)

		var se *presence.SendError
		if !errors.As(err, &se) || se.Kind != presence.SendRejected {
			return
		}
		// Resending the same activity would be rejected again
	} else {
		l.lastError = ""
	}

	l.lastAccepted = next
	l.forceResend = false
	if d.Kind == differ.Send {
		l.lastSentAt = now
		if err == nil {
			update := d.Update
			l.shown = &update
			l.logger.Info("presence updated", "reason", d.Reason, "details", update.Details, "state", update.State)
		}
		return
	}
	l.shown = nil
	l.logger.Info("presence cleared", "reason", d.Reason)
}

// applyConfig swaps in a reloaded configuration. Returns false when the new
// config could not be applied.
func (l *SyncLoop) applyConfig(cfg *config.DaemonConfig) bool {
	if cfg == nil {
		return false
	}

	d, err := newDiffer(cfg)
	if err != nil {
		l.logger.Warn("ignoring reloaded config", "error", err)
		return false
	}

	if cfg.Discord.ClientID != l.cfg.Discord.ClientID {
		l.logger.Warn("discord.client_id changed, restart tunecordd to apply")
	}
	if cfg.Probe.Backend != l.cfg.Probe.Backend || cfg.Probe.MPD != l.cfg.Probe.MPD ||
		cfg.Probe.Timeout != l.cfg.Probe.Timeout || !slices.Equal(cfg.Probe.Players, l.cfg.Probe.Players) {
		l.logger.Warn("probe settings changed, restart tunecordd to apply")
	}
	if cfg.Log != l.cfg.Log {
		l.logger.Warn("log settings changed, restart tunecordd to apply")
	}
	if cfg.Display != l.cfg.Display {
		l.forceResend = l.shown != nil
	}

	l.differ = d
	l.presence.SetBackoff(BackoffFromConfig(cfg.Discord.Backoff))
	l.cfg = cfg

	l.logger.Info("config applied",
		"poll_interval", cfg.Daemon.PollInterval.Duration(),
		"position_tolerance", cfg.Behavior.PositionTolerance.Duration(),
		"min_update_interval", cfg.Behavior.MinUpdateInterval.Duration())
	return true
}

func (l *SyncLoop) shutdown(cause error) error {
	if l.presence.State().Kind == presence.Connected {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Daemon.ShutdownTimeout.Duration())
		if err := l.presence.Clear(ctx); err != nil {
			l.logger.Warn("failed to clear presence on shutdown", "error", err)
		} else {
			l.logger.Debug("presence cleared on shutdown")
		}
		cancel()
	}

	if err := l.presence.Close(); err != nil {
		l.logger.Debug("error closing presence client", "error", err)
	}
	if err := l.prober.Close(); err != nil {
		l.logger.Debug("error closing prober", "error", err)
	}

	l.lastAccepted = nil
	l.shown = nil
	l.report()

	l.logger.Info("sync loop stopped")
	return cause
}

func (l *SyncLoop) recordError(err error) {
	l.lastError = err.Error()
}

// report writes the status when it differs from the last one written.
func (l *SyncLoop) report() {
	if l.status == nil {
		return
	}

	state := l.presence.State()
	status := &store.Status{
		SchemaVersion: store.CurrentSchemaVersion,
		PID:           os.Getpid(),
		Connection:    state.String(),
		Retries:       state.Attempt,
		Backend:       l.prober.Name(),
		Track:         l.lastAccepted,
		Presence:      l.shown,
		LastError:     l.lastError,
	}
	if l.lastAccepted != nil {
		status.Player = l.lastAccepted.Player
	}
	if !l.lastSentAt.IsZero() {
		sent := l.lastSentAt
		status.LastSentAt = &sent
	}

	if l.lastStatus != nil && reflect.DeepEqual(l.lastStatus, status) {
		return
	}
	l.lastStatus = status

	written := *status
	written.UpdatedAt = l.now()
	if err := l.status.Write(&written); err != nil {
		l.logger.Debug("failed to write status", "error", err)
	}
}

func probeKind(err error) string {
	var pe *probe.Error
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	return "unknown"
}
