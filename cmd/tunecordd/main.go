// Package main is the entry point for the tunecordd presence daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/jmylchreest/tunecord/internal/config"
	"github.com/jmylchreest/tunecord/internal/daemon"
	"github.com/jmylchreest/tunecord/internal/presence"
	"github.com/jmylchreest/tunecord/internal/probe"
	"github.com/jmylchreest/tunecord/internal/store"
)

const appName = "tunecordd"

var (
	// Build-time variables
	version = "dev"
)

func main() {
	var (
		configPath   string
		pollInterval time.Duration
		logLevel     string
		showVersion  bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the config file (default ~/.config/tunecord/tunecordd.toml)")
	flag.DurationVar(&pollInterval, "poll-interval", 0, "Override daemon.poll_interval")
	flag.StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(appName, "version", version)
		os.Exit(0)
	}

	overrides := flagOverrides(flag.CommandLine.Changed("poll-interval"), pollInterval, logLevel)

	cfg, err := loadConfig(configPath, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunecordd:", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	os.Exit(run(cfg, configPath, overrides, logger))
}

// flagOverrides returns the command-line settings that take precedence over
// the config file, on startup and on every reload.
func flagOverrides(pollIntervalSet bool, pollInterval time.Duration, logLevel string) func(*config.DaemonConfig) {
	return func(cfg *config.DaemonConfig) {
		if pollIntervalSet {
			cfg.Daemon.PollInterval = config.Duration(pollInterval)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(path string, overrides func(*config.DaemonConfig)) (*config.DaemonConfig, error) {
	cfg, err := config.LoadDaemonConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	// Validated already
	level, _ := config.ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// run wires the daemon together and blocks until shutdown. Returns the
// process exit code.
func run(cfg *config.DaemonConfig, configPath string, overrides func(*config.DaemonConfig), logger *slog.Logger) int {
	logger.Info("starting tunecordd", "version", version, "backend", cfg.Probe.Backend)

	prober, err := probe.New(cfg.Probe, logger)
	if err != nil {
		logger.Error("failed to create media player probe", "error", err)
		return 1
	}

	endpoints, err := presence.ResolveEndpoints(cfg.Discord.SocketPath)
	if err != nil {
		logger.Error("no discord ipc endpoint directory", "error", err)
		_ = prober.Close()
		return 1
	}
	logger.Debug("discord ipc endpoints", "candidates", endpoints)

	client := presence.NewClient(presence.Options{
		ClientID:         cfg.Discord.ClientID,
		Dialer:           presence.SocketDialer{Endpoints: endpoints},
		HandshakeTimeout: cfg.Discord.HandshakeTimeout.Duration(),
		WriteTimeout:     cfg.Discord.WriteTimeout.Duration(),
		Backoff:          daemon.BackoffFromConfig(cfg.Discord.Backoff),
		Logger:           logger,
	})

	var (
		statusWriter *store.StatusWriter
		sink         daemon.StatusSink
	)
	if statusPath, err := store.StatusPath(); err != nil {
		logger.Warn("failed to get status path", "error", err)
	} else if statusWriter, err = store.NewStatusWriter(statusPath); err != nil {
		logger.Warn("failed to create status writer", "error", err)
	} else {
		logger.Debug("writing status file", "path", statusWriter.Path())
		sink = statusWriter
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize config watcher for hot-reload
	var reload <-chan *config.DaemonConfig
	if configPath == "" {
		configPath, _ = config.DaemonConfigPath()
	}
	configWatcher, err := daemon.NewConfigWatcher(configPath, logger)
	if err != nil {
		logger.Warn("failed to create config watcher", "error", err)
	} else {
		configWatcher.SetOverrides(overrides)
		if err := configWatcher.Start(ctx); err != nil {
			logger.Warn("failed to start config watcher", "error", err)
		} else {
			reload = configWatcher.Updates()
			defer configWatcher.Stop()
		}
	}

	loop, err := daemon.NewSyncLoop(daemon.Options{
		Config:   cfg,
		Prober:   prober,
		Presence: client,
		Status:   sink,
		Reload:   reload,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create sync loop", "error", err)
		_ = prober.Close()
		return 1
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
		case <-ctx.Done():
			return
		}
		cancel()

		// The loop owns shutdown; exit regardless if it hangs
		grace := cfg.Daemon.ShutdownTimeout.Duration() + time.Second
		time.AfterFunc(grace, func() {
			logger.Error("shutdown timed out, exiting", "timeout", grace)
			os.Exit(1)
		})
	}()

	logger.Info("tunecordd ready", "client_id", cfg.Discord.ClientID, "poll_interval", cfg.Daemon.PollInterval.Duration())

	err = loop.Run(ctx)

	if statusWriter != nil {
		if rmErr := statusWriter.Remove(); rmErr != nil {
			logger.Debug("failed to remove status file", "error", rmErr)
		}
	}

	if errors.Is(err, daemon.ErrEndpointUnavailable) {
		logger.Error("giving up on discord", "error", err)
		return 1
	}
	if err != nil {
		logger.Error("sync loop failed", "error", err)
		return 1
	}

	logger.Info("tunecordd stopped")
	return 0
}
