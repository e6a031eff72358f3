package main

import (
	"github.com/spf13/cobra"

	"github.com/jmylchreest/tunecord/internal/store"
	"github.com/jmylchreest/tunecord/internal/tui"
)

var watchOpts struct {
	altScreen bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of the daemon status",
	Long: `Show the daemon status and follow it as it changes.

Key bindings:
  r           Reload the status file
  y           Toggle raw YAML
  ?           Show help
  q           Quit`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchOpts.altScreen, "alt-screen", false,
		"Use the terminal's alternate screen")
}

func runWatch(cmd *cobra.Command, args []string) error {
	path, err := store.StatusPath()
	if err != nil {
		return err
	}

	return tui.Run(tui.RunOptions{
		StatusPath: path,
		AltScreen:  watchOpts.altScreen,
	})
}
