//go:build !windows

package presence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ErrNoEndpointDir is returned when none of the base directories exist.
var ErrNoEndpointDir = errors.New("no ipc base directory exists")

const socketCandidates = 10

var (
	baseDirEnv = []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"}

	// Native, flatpak, snap and Vesktop installs.
	socketSubdirs = []string{
		"",
		"app/com.discordapp.Discord",
		"snap.discord",
		".flatpak/dev.vencord.Vesktop/xdg-run",
	}
)

// baseDirs returns the candidate base directories in lookup order.
func baseDirs() []string {
	var dirs []string
	seen := make(map[string]bool)
	for _, env := range baseDirEnv {
		if dir := os.Getenv(env); dir != "" && !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	if !seen["/tmp"] {
		dirs = append(dirs, "/tmp")
	}
	return dirs
}

// Endpoints lists every candidate socket path in lookup order. A non-empty
// override is the only candidate.
func Endpoints(override string) []string {
	if override != "" {
		return []string{override}
	}
	return candidates(baseDirs())
}

func candidates(bases []string) []string {
	var paths []string
	for _, base := range bases {
		for _, sub := range socketSubdirs {
			for i := range socketCandidates {
				paths = append(paths, filepath.Join(base, sub, fmt.Sprintf("discord-ipc-%d", i)))
			}
		}
	}
	return paths
}

// ResolveEndpoints returns the candidates under existing base directories.
// It fails only when no base directory exists at all.
func ResolveEndpoints(override string) ([]string, error) {
	if override != "" {
		return []string{override}, nil
	}

	var existing []string
	for _, base := range baseDirs() {
		if info, err := os.Stat(base); err == nil && info.IsDir() {
			existing = append(existing, base)
		}
	}
	if len(existing) == 0 {
		return nil, ErrNoEndpointDir
	}
	return candidates(existing), nil
}

// SocketDialer dials the first endpoint that accepts a connection.
type SocketDialer struct {
	Endpoints []string
}

// Dial implements Dialer.
func (d SocketDialer) Dial(ctx context.Context) (net.Conn, error) {
	var dialer net.Dialer
	var lastErr error
	for _, path := range d.Endpoints {
		if _, err := os.Stat(path); err != nil {
			lastErr = err
			continue
		}
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return nil, fmt.Errorf("no discord ipc socket accepted a connection: %w", lastErr)
}
