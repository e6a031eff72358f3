package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tunecord/internal/store"
	"github.com/jmylchreest/tunecord/internal/tui"
)

var statusOpts struct {
	json bool
	yaml bool
}

// statusOutput is the machine-readable form of the status command.
type statusOutput struct {
	Running bool          `json:"running" yaml:"running"`
	Stale   bool          `json:"stale,omitempty" yaml:"stale,omitempty"` // Status left behind by a dead daemon
	Status  *store.Status `json:"status,omitempty" yaml:"status,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what tunecordd is doing",
	Long: `Show the daemon's connection state, the track it last accepted and the
presence currently shown on Discord.

tunecordd writes its status to ~/.local/share/tunecord/status.json after
every change and removes it on exit. Use --json or --yaml for scripting,
for example in a Waybar custom module:

  "custom/tunecord": {
    "exec": "tunecord status --json | jq -r .status.presence.details",
    "interval": 5
  }`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusOpts.json, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusOpts.yaml, "yaml", false, "Output as YAML")
	statusCmd.MarkFlagsMutuallyExclusive("json", "yaml")
}

func runStatus(cmd *cobra.Command, args []string) error {
	path, err := store.StatusPath()
	if err != nil {
		return err
	}

	status, err := store.LoadStatus(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	format := "text"
	switch {
	case statusOpts.json:
		format = "json"
	case statusOpts.yaml:
		format = "yaml"
	}
	return writeStatus(cmd.OutOrStdout(), status, format, time.Now())
}

// writeStatus renders status in format. A nil status means the daemon is
// not running.
func writeStatus(w io.Writer, status *store.Status, format string, now time.Time) error {
	out := statusOutput{Status: status}
	if status != nil {
		out.Running = status.Alive()
		out.Stale = !out.Running
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()

	default:
		if _, err := fmt.Fprint(w, tui.RenderStatus(status, now)); err != nil {
			return err
		}
		if out.Stale {
			_, err := fmt.Fprintf(w, "\npid %d has exited, status may be stale\n", status.PID)
			return err
		}
		return nil
	}
}
