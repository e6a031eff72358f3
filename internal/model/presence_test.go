package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFormatter(t *testing.T) *Formatter {
	t.Helper()
	f, err := NewFormatter(FormatOptions{
		Details:     "{{.Artist}} – {{.Title}}",
		State:       "{{.Album}}",
		PausedState: "Paused",
		LargeImage:  "appicon",
		UseArtURL:   true,
	})
	require.NoError(t, err)
	return f
}

func TestFormatter_Playing(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &TrackSnapshot{
		Title:     "A",
		Artist:    "X",
		Album:     "L",
		Duration:  3 * time.Minute,
		Position:  30 * time.Second,
		Playing:   true,
		Timestamp: now,
	}

	u := testFormatter(t).Build(s)

	assert.Equal(t, "X – A", u.Details)
	assert.Equal(t, "L", u.State)
	assert.Equal(t, "L", u.LargeText)
	assert.Equal(t, "appicon", u.LargeImage)
	require.NotNil(t, u.Start)
	require.NotNil(t, u.End)
	assert.Equal(t, now.Add(-30*time.Second), *u.Start)
	assert.Equal(t, now.Add(150*time.Second), *u.End)
}

func TestFormatter_Paused(t *testing.T) {
	s := &TrackSnapshot{Title: "A", Artist: "X", Duration: time.Minute, Playing: false, Timestamp: time.Now()}

	u := testFormatter(t).Build(s)

	assert.Equal(t, "X – A", u.Details)
	assert.Equal(t, "Paused", u.State)
	assert.Nil(t, u.Start)
	assert.Nil(t, u.End)
}

func TestFormatter_UnknownDuration(t *testing.T) {
	s := &TrackSnapshot{Title: "Stream", Artist: "Radio", Playing: true, Timestamp: time.Now()}

	u := testFormatter(t).Build(s)

	assert.NotNil(t, u.Start)
	assert.Nil(t, u.End)
}

func TestFormatter_EmptyFieldsTidied(t *testing.T) {
	s := &TrackSnapshot{Title: "A", Playing: true, Timestamp: time.Now()}

	u := testFormatter(t).Build(s)

	assert.Equal(t, "A", u.Details)
	assert.Equal(t, "", u.State)
}

func TestFormatter_SeparatorsInText(t *testing.T) {
	tests := []struct {
		name     string
		template string
		snapshot TrackSnapshot
		want     string
	}{
		{"trailing dash in title", "{{.Artist}} – {{.Title}}", TrackSnapshot{Title: "Untitled -", Artist: "X"}, "X – Untitled -"},
		{"leading pipe in artist", "{{.Artist}} – {{.Title}}", TrackSnapshot{Title: "A", Artist: "| X"}, "| X – A"},
		{"literal separator around full fields", "- {{.Title}} -", TrackSnapshot{Title: "A"}, "- A -"},
		{"empty artist", "{{.Artist}} – {{.Title}}", TrackSnapshot{Title: "A -"}, "A -"},
		{"empty album in the middle", "{{.Title}} · {{.Album}} · {{.Artist}}", TrackSnapshot{Title: "A", Artist: "X"}, "A · X"},
		{"empty album at the end", "{{.Title}} | {{.Album}}", TrackSnapshot{Title: "· A ·"}, "· A ·"},
		{"conditional on empty field", "{{.Title}}{{if not .Album}} - single{{end}}", TrackSnapshot{Title: "A"}, "A - single"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormatter(FormatOptions{Details: tt.template, State: "", PausedState: ""})
			require.NoError(t, err)

			tt.snapshot.Playing = true
			tt.snapshot.Timestamp = time.Now()
			assert.Equal(t, tt.want, f.Build(&tt.snapshot).Details)
		})
	}
}

func TestFormatter_ArtURL(t *testing.T) {
	tests := []struct {
		name     string
		artURL   string
		useArt   bool
		expected string
	}{
		{"https used", "https://i.scdn.co/image/abc", true, "https://i.scdn.co/image/abc"},
		{"file ignored", "file:///tmp/cover.jpg", true, "appicon"},
		{"disabled", "https://i.scdn.co/image/abc", false, "appicon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormatter(FormatOptions{
				Details:    "{{.Title}}",
				LargeImage: "appicon",
				UseArtURL:  tt.useArt,
			})
			require.NoError(t, err)

			u := f.Build(&TrackSnapshot{Title: "A", ArtURL: tt.artURL, Playing: true, Timestamp: time.Now()})
			assert.Equal(t, tt.expected, u.LargeImage)
		})
	}
}

func TestFormatter_Deterministic(t *testing.T) {
	s := &TrackSnapshot{Title: "A", Artist: "X", Duration: time.Minute, Position: time.Second, Playing: true, Timestamp: time.Now()}
	f := testFormatter(t)
	assert.Equal(t, f.Build(s), f.Build(s))
}

func TestNewFormatter_InvalidTemplate(t *testing.T) {
	_, err := NewFormatter(FormatOptions{Details: "{{.Title"})
	assert.Error(t, err)
}
