//go:build windows

package presence

import (
	"context"
	"errors"
	"net"
)

// ErrNoEndpointDir is returned when no endpoint can be resolved.
var ErrNoEndpointDir = errors.New("discord ipc named pipes are not supported on windows")

// Endpoints returns the override, if any.
func Endpoints(override string) []string {
	if override == "" {
		return nil
	}
	return []string{override}
}

// ResolveEndpoints always fails on Windows.
func ResolveEndpoints(string) ([]string, error) {
	return nil, ErrNoEndpointDir
}

// SocketDialer is unsupported on Windows.
type SocketDialer struct {
	Endpoints []string
}

// Dial implements Dialer.
func (d SocketDialer) Dial(context.Context) (net.Conn, error) {
	return nil, ErrNoEndpointDir
}
