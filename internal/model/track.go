// Package model defines the core data structures for tunecord.
package model

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// TrackSnapshot is a single point-in-time read of the media player's
// now-playing state. Snapshots are produced fresh on every poll and never
// mutated afterwards.
type TrackSnapshot struct {
	Title     string        `json:"title" yaml:"title"`
	Artist    string        `json:"artist" yaml:"artist"`
	Album     string        `json:"album,omitempty" yaml:"album,omitempty"` // Empty = unknown
	Duration  time.Duration `json:"duration" yaml:"duration"`               // 0 = unknown
	Position  time.Duration `json:"position" yaml:"position"`
	Playing   bool          `json:"playing" yaml:"playing"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`

	// Source metadata, not part of the track identity
	Player string `json:"player,omitempty" yaml:"player,omitempty"`
	ArtURL string `json:"art_url,omitempty" yaml:"art_url,omitempty"`
}

// trackKey holds the fields that identify a track.
type trackKey struct {
	Title  string
	Artist string
	Album  string
}

func (s *TrackSnapshot) key() trackKey {
	return trackKey{Title: s.Title, Artist: s.Artist, Album: s.Album}
}

// SameTrack reports whether both snapshots describe the same track.
// Two nil snapshots are the same; nil and non-nil are not.
func (s *TrackSnapshot) SameTrack(other *TrackSnapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.key() == other.key()
}

// Identity returns a stable hash of (title, artist, album).
func (s *TrackSnapshot) Identity() uint64 {
	if s == nil {
		return 0
	}
	h, err := hashstructure.Hash(s.key(), hashstructure.FormatV2, nil)
	if err != nil {
		// Hashing a struct of strings cannot fail
		return 0
	}
	return h
}

// ExpectedPosition returns where playback should be at time at,
// extrapolating from this snapshot.
func (s *TrackSnapshot) ExpectedPosition(at time.Time) time.Duration {
	if !s.Playing {
		return s.Position
	}
	elapsed := at.Sub(s.Timestamp)
	if elapsed < 0 {
		elapsed = 0
	}
	return s.Position + elapsed
}

// StartedAt returns the wall-clock time the track would have started at
// given its current position.
func (s *TrackSnapshot) StartedAt() time.Time {
	return s.Timestamp.Add(-s.Position)
}
