package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Default configuration values.
const (
	DefaultClientID      = "1326053171809747006"
	DefaultLargeImage    = "appicon"
	DefaultDetailsFormat = "{{.Artist}} – {{.Title}}"
	DefaultStateFormat   = "{{.Album}}"
	DefaultPausedFormat  = "Paused"
	DefaultMPDAddress    = "localhost:6600"
)

// Probe backends.
const (
	BackendMPRIS = "mpris"
	BackendMPD   = "mpd"
)

// DaemonConfig is the configuration for tunecordd.
// Loaded from ~/.config/tunecord/tunecordd.toml
type DaemonConfig struct {
	Daemon   DaemonSection  `toml:"daemon"`
	Log      LogConfig      `toml:"log"`
	Probe    ProbeConfig    `toml:"probe"`
	Discord  DiscordConfig  `toml:"discord"`
	Behavior BehaviorConfig `toml:"behavior"`
	Display  DisplayConfig  `toml:"display"`
}

// DaemonSection contains process-level settings.
type DaemonSection struct {
	PollInterval    Duration `toml:"poll_interval"`    // Time between media player polls
	ShutdownTimeout Duration `toml:"shutdown_timeout"` // Grace period for the clear-on-exit
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
	Format string `toml:"format"` // "text" or "json"
}

// ProbeConfig selects and configures the media player backend.
type ProbeConfig struct {
	Backend string    `toml:"backend"` // "mpris" or "mpd"
	Timeout Duration  `toml:"timeout"` // Upper bound for a single query
	Players []string  `toml:"players"` // MPRIS player allowlist in priority order, empty = any
	MPD     MPDConfig `toml:"mpd"`
}

// MPDConfig contains the MPD connection settings.
type MPDConfig struct {
	Network  string `toml:"network"` // "tcp" or "unix"
	Address  string `toml:"address"`
	Password string `toml:"password"`
}

// DiscordConfig contains the IPC client settings.
type DiscordConfig struct {
	ClientID         string        `toml:"client_id"`
	SocketPath       string        `toml:"socket_path"` // Empty = auto-detect
	HandshakeTimeout Duration      `toml:"handshake_timeout"`
	WriteTimeout     Duration      `toml:"write_timeout"`
	GiveUpAfter      int           `toml:"give_up_after"` // Consecutive not-found failures before exiting, 0 = never
	Backoff          BackoffConfig `toml:"backoff"`
}

// BackoffConfig contains the reconnect delay bounds.
type BackoffConfig struct {
	Min Duration `toml:"min"`
	Max Duration `toml:"max"`
}

// BehaviorConfig contains the update-rate thresholds.
type BehaviorConfig struct {
	PositionTolerance Duration `toml:"position_tolerance"`  // Position drift treated as a seek
	MinUpdateInterval Duration `toml:"min_update_interval"` // Minimum time between presence sends
	StaleAfter        Duration `toml:"stale_after"`         // Clear after the probe fails this long
	ClearPausedAfter  Duration `toml:"clear_paused_after"`  // Clear a paused track after this long, 0 = never
}

// DisplayConfig contains the presence text templates.
type DisplayConfig struct {
	Details     string `toml:"details"`
	State       string `toml:"state"`
	PausedState string `toml:"paused_state"`
	LargeImage  string `toml:"large_image"`
	UseArtURL   bool   `toml:"use_art_url"`
}

// DefaultDaemonConfig returns a new DaemonConfig with default values.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Daemon: DaemonSection{
			PollInterval:    Duration(time.Second),
			ShutdownTimeout: Duration(2 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Probe: ProbeConfig{
			Backend: BackendMPRIS,
			Timeout: Duration(2 * time.Second),
			Players: []string{},
			MPD: MPDConfig{
				Network: "tcp",
				Address: DefaultMPDAddress,
			},
		},
		Discord: DiscordConfig{
			ClientID:         DefaultClientID,
			HandshakeTimeout: Duration(5 * time.Second),
			WriteTimeout:     Duration(5 * time.Second),
			GiveUpAfter:      0,
			Backoff: BackoffConfig{
				Min: Duration(time.Second),
				Max: Duration(30 * time.Second),
			},
		},
		Behavior: BehaviorConfig{
			PositionTolerance: Duration(2 * time.Second),
			MinUpdateInterval: Duration(2 * time.Second),
			StaleAfter:        Duration(30 * time.Second),
			ClearPausedAfter:  0,
		},
		Display: DisplayConfig{
			Details:     DefaultDetailsFormat,
			State:       DefaultStateFormat,
			PausedState: DefaultPausedFormat,
			LargeImage:  DefaultLargeImage,
			UseArtURL:   true,
		},
	}
}

// LoadDaemonConfig loads the daemon configuration from path.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns the default configuration.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	if path == "" {
		var err error
		path, err = DaemonConfigPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDaemonConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults, then overlay with file contents
	config := DefaultDaemonConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveDaemonConfig writes the daemon configuration to path.
// If path is empty, uses the default config path.
func SaveDaemonConfig(path string, config *DaemonConfig) error {
	if path == "" {
		var err error
		path, err = DaemonConfigPath()
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Validate checks if the configuration is valid.
func (c *DaemonConfig) Validate() error {
	poll := c.Daemon.PollInterval.Duration()
	if poll < 250*time.Millisecond || poll > time.Minute {
		return fmt.Errorf("poll_interval must be between 250ms and 1m, got %s", poll)
	}
	if c.Daemon.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q, must be text or json", c.Log.Format)
	}

	switch c.Probe.Backend {
	case BackendMPRIS:
	case BackendMPD:
		if c.Probe.MPD.Address == "" {
			return fmt.Errorf("probe.mpd.address is required for the mpd backend")
		}
		if c.Probe.MPD.Network != "tcp" && c.Probe.MPD.Network != "unix" {
			return fmt.Errorf("invalid probe.mpd.network %q, must be tcp or unix", c.Probe.MPD.Network)
		}
	default:
		return fmt.Errorf("invalid probe backend %q, must be one of: %v", c.Probe.Backend, []string{BackendMPRIS, BackendMPD})
	}
	if c.Probe.Timeout.Duration() <= 0 {
		return fmt.Errorf("probe.timeout must be positive")
	}

	if strings.TrimSpace(c.Discord.ClientID) == "" {
		return fmt.Errorf("discord.client_id is required")
	}
	if c.Discord.HandshakeTimeout.Duration() <= 0 || c.Discord.WriteTimeout.Duration() <= 0 {
		return fmt.Errorf("discord timeouts must be positive")
	}
	if c.Discord.GiveUpAfter < 0 {
		return fmt.Errorf("give_up_after must not be negative, got %d", c.Discord.GiveUpAfter)
	}
	if c.Discord.Backoff.Min.Duration() <= 0 {
		return fmt.Errorf("backoff.min must be positive")
	}
	if c.Discord.Backoff.Max.Duration() < c.Discord.Backoff.Min.Duration() {
		return fmt.Errorf("backoff.max (%s) must not be below backoff.min (%s)",
			c.Discord.Backoff.Max.Duration(), c.Discord.Backoff.Min.Duration())
	}

	if c.Behavior.PositionTolerance.Duration() < 0 || c.Behavior.MinUpdateInterval.Duration() < 0 ||
		c.Behavior.ClearPausedAfter.Duration() < 0 {
		return fmt.Errorf("behavior durations must not be negative")
	}
	if c.Behavior.StaleAfter.Duration() <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}

	for name, text := range map[string]string{
		"details":      c.Display.Details,
		"state":        c.Display.State,
		"paused_state": c.Display.PausedState,
	} {
		if _, err := template.New(name).Parse(text); err != nil {
			return fmt.Errorf("invalid display.%s template: %w", name, err)
		}
	}
	if c.Display.Details == "" {
		return fmt.Errorf("display.details must not be empty")
	}

	return nil
}

// ParseLevel converts a config log level into a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q, must be one of: %v",
			level, []string{"debug", "info", "warn", "error"})
	}
}
