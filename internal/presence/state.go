package presence

import (
	"fmt"
	"time"
)

// Default reconnect delay bounds.
const (
	DefaultBackoffMin = time.Second
	DefaultBackoffMax = 30 * time.Second
)

// StateKind is the tag of ConnectionState.
type StateKind int

const (
	Disconnected StateKind = iota
	Handshaking
	Connected
	BackingOff
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case BackingOff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ConnectionState is the client's connection state. Attempt and RetryAt are
// only set while BackingOff.
type ConnectionState struct {
	Kind    StateKind
	Attempt int
	RetryAt time.Time
}

func (s ConnectionState) String() string {
	if s.Kind == BackingOff {
		return fmt.Sprintf("backoff(%d)", s.Attempt)
	}
	return s.Kind.String()
}

// Backoff computes reconnect delays: min·2^(n-1) capped at max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff returns the 1s to 30s schedule.
func DefaultBackoff() Backoff {
	return Backoff{Min: DefaultBackoffMin, Max: DefaultBackoffMax}
}

// Delay returns the delay before attempt n (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = DefaultBackoffMin
	}
	if hi < lo {
		hi = lo
	}
	if n < 1 {
		n = 1
	}

	d := lo
	for i := 1; i < n; i++ {
		d *= 2
		if d >= hi || d <= 0 {
			return hi
		}
	}
	return min(d, hi)
}
