// Package differ decides whether a new track snapshot is worth sending to
// the presence client. It suppresses redundant and flickering updates.
package differ

import (
	"time"

	"github.com/jmylchreest/tunecord/internal/model"
)

// DefaultPositionTolerance is the position drift accepted before a change is
// treated as a seek.
const DefaultPositionTolerance = 2 * time.Second

// Kind is the outcome of comparing two snapshots.
type Kind int

const (
	// NoOp means nothing changed that the presence needs to reflect.
	NoOp Kind = iota
	// Send means a new presence update must be transmitted.
	Send
	// Clear means the presence must be removed.
	Clear
)

// String returns the string representation of the decision kind.
func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Send:
		return "send"
	case Clear:
		return "clear"
	default:
		return "unknown"
	}
}

// Decision is the result of Decide. Update is only meaningful for Send.
type Decision struct {
	Kind   Kind
	Update model.PresenceUpdate
	Reason string
}

// Differ compares successive snapshots.
type Differ struct {
	formatter *model.Formatter
	tolerance time.Duration
}

// New creates a Differ that builds updates with formatter.
// A negative tolerance is treated as zero.
func New(formatter *model.Formatter, tolerance time.Duration) *Differ {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Differ{
		formatter: formatter,
		tolerance: tolerance,
	}
}

// Decide compares the last accepted snapshot prev with next.
func (d *Differ) Decide(prev, next *model.TrackSnapshot) Decision {
	switch {
	case next == nil && prev == nil:
		return Decision{Kind: NoOp}
	case next == nil:
		return Decision{Kind: Clear, Reason: "no track"}
	case prev == nil:
		return d.send(next, "new track")
	case !prev.SameTrack(next):
		return d.send(next, "track changed")
	case prev.Playing != next.Playing:
		if next.Playing {
			return d.send(next, "resumed")
		}
		return d.send(next, "paused")
	}

	if drift := absDuration(next.Position - prev.ExpectedPosition(next.Timestamp)); drift > d.tolerance {
		return d.send(next, "seek")
	}

	// Players often report the length a moment after the title
	if absDuration(next.Duration-prev.Duration) > d.tolerance {
		return d.send(next, "duration changed")
	}

	return Decision{Kind: NoOp}
}

func (d *Differ) send(s *model.TrackSnapshot, reason string) Decision {
	return Decision{
		Kind:   Send,
		Update: d.formatter.Build(s),
		Reason: reason,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
