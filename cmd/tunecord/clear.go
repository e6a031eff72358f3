package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tunecord/internal/daemon"
	"github.com/jmylchreest/tunecord/internal/presence"
	"github.com/jmylchreest/tunecord/internal/store"
)

var clearOpts struct {
	timeout time.Duration
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the presence shown on Discord",
	Long: `Connect to Discord once and clear the activity set by tunecord's client ID.

Discord drops an activity when the connection that set it closes, so a
stopped daemon normally leaves nothing behind. The clear is sent on behalf of
the PID recorded in the status file, which covers activities Discord kept
after an unclean exit. A running daemon will publish the current track again
on its next change.`,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)

	clearCmd.Flags().DurationVar(&clearOpts.timeout, "timeout", 5*time.Second,
		"Give up after this long")
}

func runClear(cmd *cobra.Command, args []string) error {
	var pid int
	if path, err := store.StatusPath(); err == nil {
		var alive bool
		pid, alive = activityPID(path)
		if alive {
			logger.Warn("tunecordd is running and may restore the presence", "pid", pid)
		}
	}

	endpoints, err := presence.ResolveEndpoints(cfg.Discord.SocketPath)
	if err != nil {
		return err
	}

	client := presence.NewClient(presence.Options{
		ClientID:         cfg.Discord.ClientID,
		Dialer:           presence.SocketDialer{Endpoints: endpoints},
		HandshakeTimeout: cfg.Discord.HandshakeTimeout.Duration(),
		WriteTimeout:     cfg.Discord.WriteTimeout.Duration(),
		Backoff:          daemon.BackoffFromConfig(cfg.Discord.Backoff),
		PID:              pid,
		Logger:           logger,
	})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), clearOpts.timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	if err := client.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "presence cleared")
	return nil
}

// activityPID returns the PID tunecordd published its activity under, as
// recorded in the status file at path, and whether that process is alive.
// Zero means no status was found and the client falls back to its own PID.
func activityPID(path string) (int, bool) {
	status, err := store.LoadStatus(path)
	if err != nil || status.PID <= 0 {
		return 0, false
	}
	return status.PID, status.Alive()
}
