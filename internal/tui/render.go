package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/tunecord/internal/model"
	"github.com/jmylchreest/tunecord/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(12)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// RenderStatus renders the daemon status for a terminal. now is used for
// relative times and playback position extrapolation.
func RenderStatus(s *store.Status, now time.Time) string {
	if s == nil {
		return RenderNotRunning()
	}

	var b strings.Builder

	b.WriteString(headerStyle.Render("tunecordd"))
	b.WriteString("  " + connectionBadge(s.Connection))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  pid %d", s.PID)))
	if s.Backend != "" {
		b.WriteString(dimStyle.Render(" · " + s.Backend))
	}
	b.WriteString("\n\n")

	if s.Presence != nil {
		row(&b, "Showing", s.Presence.Details)
		if s.Presence.State != "" {
			row(&b, "", s.Presence.State)
		}
	} else {
		row(&b, "Showing", dimStyle.Render("nothing"))
	}

	if s.Track != nil {
		row(&b, "Track", describeTrack(s.Track))
		row(&b, "Position", progress(s.Track, now))
		if s.Player != "" {
			row(&b, "Player", s.Player)
		}
	}

	if s.LastSentAt != nil {
		row(&b, "Last sent", relative(*s.LastSentAt, now))
	}
	if s.Retries > 0 {
		row(&b, "Retries", warnStyle.Render(fmt.Sprint(s.Retries)))
	}
	if s.LastError != "" {
		row(&b, "Last error", errStyle.Render(s.LastError))
	}
	if !s.UpdatedAt.IsZero() {
		row(&b, "Updated", relative(s.UpdatedAt, now))
	}

	return b.String()
}

// RenderNotRunning renders the message shown when there is no status file.
func RenderNotRunning() string {
	return headerStyle.Render("tunecordd") + "  " + errStyle.Render("not running") + "\n"
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

func connectionBadge(connection string) string {
	switch {
	case connection == "connected":
		return okStyle.Render("● " + connection)
	case strings.HasPrefix(connection, "backoff"):
		return warnStyle.Render("○ " + connection)
	default:
		return errStyle.Render("○ " + connection)
	}
}

func describeTrack(t *model.TrackSnapshot) string {
	parts := []string{t.Title}
	if t.Artist != "" {
		parts = append(parts, t.Artist)
	}
	if t.Album != "" {
		parts = append(parts, t.Album)
	}
	return strings.Join(parts, " · ")
}

// progress renders "1:23 / 3:00 ▶", extrapolating a playing track to now.
func progress(t *model.TrackSnapshot, now time.Time) string {
	pos := t.ExpectedPosition(now)
	if t.Duration > 0 && pos > t.Duration {
		pos = t.Duration
	}

	icon := "⏸"
	if t.Playing {
		icon = "▶"
	}
	if t.Duration <= 0 {
		return fmt.Sprintf("%s %s", formatClock(pos), icon)
	}
	return fmt.Sprintf("%s / %s %s", formatClock(pos), formatClock(t.Duration), icon)
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	if total >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
	}
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func relative(t, now time.Time) string {
	if now.Sub(t) < time.Second {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
