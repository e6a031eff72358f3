package model

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"
)

// PresenceUpdate is the activity shown on the chat client.
// It is derived deterministically from a TrackSnapshot.
type PresenceUpdate struct {
	State      string     `json:"state" yaml:"state"`
	Details    string     `json:"details" yaml:"details"`
	Start      *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End        *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	LargeImage string     `json:"large_image,omitempty" yaml:"large_image,omitempty"`
	LargeText  string     `json:"large_text,omitempty" yaml:"large_text,omitempty"`
}

// FormatOptions configures how snapshots are rendered into presence text.
type FormatOptions struct {
	Details     string // Template for the first line
	State       string // Template for the second line while playing
	PausedState string // Template for the second line while paused
	LargeImage  string // Asset key used when no artwork URL applies
	UseArtURL   bool   // Prefer the player's https artwork URL
}

// Formatter builds PresenceUpdates from snapshots.
type Formatter struct {
	details    *template.Template
	state      *template.Template
	paused     *template.Template
	largeImage string
	useArtURL  bool
}

// NewFormatter parses the templates in opts.
func NewFormatter(opts FormatOptions) (*Formatter, error) {
	details, err := template.New("details").Parse(opts.Details)
	if err != nil {
		return nil, fmt.Errorf("parse details template: %w", err)
	}
	state, err := template.New("state").Parse(opts.State)
	if err != nil {
		return nil, fmt.Errorf("parse state template: %w", err)
	}
	paused, err := template.New("paused_state").Parse(opts.PausedState)
	if err != nil {
		return nil, fmt.Errorf("parse paused_state template: %w", err)
	}

	return &Formatter{
		details:    details,
		state:      state,
		paused:     paused,
		largeImage: opts.LargeImage,
		useArtURL:  opts.UseArtURL,
	}, nil
}

// Build derives the presence update for s.
func (f *Formatter) Build(s *TrackSnapshot) PresenceUpdate {
	u := PresenceUpdate{
		Details:    f.render(f.details, s),
		LargeImage: f.largeImage,
		LargeText:  s.Album,
	}

	if s.Playing {
		u.State = f.render(f.state, s)
		start := s.StartedAt()
		u.Start = &start
		if s.Duration > 0 {
			end := start.Add(s.Duration)
			u.End = &end
		}
	} else {
		u.State = f.render(f.paused, s)
	}

	if f.useArtURL && strings.HasPrefix(s.ArtURL, "https://") {
		u.LargeImage = s.ArtURL
	}

	return u
}

// emptyField marks an empty field in a rendered template so the separator
// next to it can be dropped without touching separators the text itself has.
const emptyField = "\x00"

var (
	sepBeforeEmpty = regexp.MustCompile(`\s*[–|·-]\s*\x00`)
	sepAfterEmpty  = regexp.MustCompile(`\x00\s*[–|·-]\s*`)
)

// render executes tmpl and tidies the separators left behind by empty fields.
func (f *Formatter) render(tmpl *template.Template, s *TrackSnapshot) string {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s); err != nil {
		return s.Title
	}
	out := buf.String()

	marked := *s
	for _, field := range []*string{&marked.Title, &marked.Artist, &marked.Album, &marked.Player} {
		if *field == "" {
			*field = emptyField
		}
	}
	buf.Reset()
	if err := tmpl.Execute(&buf, &marked); err != nil {
		return strings.TrimSpace(out)
	}
	withMarks := buf.String()

	// Templates that branch on an empty field render differently once it is
	// marked; keep their output as written.
	if !strings.Contains(withMarks, emptyField) || strings.ReplaceAll(withMarks, emptyField, "") != out {
		return strings.TrimSpace(out)
	}

	withMarks = sepBeforeEmpty.ReplaceAllString(withMarks, "")
	withMarks = sepAfterEmpty.ReplaceAllString(withMarks, "")
	return strings.TrimSpace(strings.ReplaceAll(withMarks, emptyField, ""))
}
