package differ

import (
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tunecord/internal/model"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestDiffer(t *testing.T) *Differ {
	t.Helper()
	f, err := model.NewFormatter(model.FormatOptions{
		Details:     "{{.Artist}} – {{.Title}}",
		State:       "{{.Album}}",
		PausedState: "Paused",
		LargeImage:  "appicon",
	})
	require.NoError(t, err)
	return New(f, DefaultPositionTolerance)
}

// snapshotPair is a random (prev, next) pair describing the same track with
// the same playback state and a position that advanced as expected, give or
// take a drift within the tolerance.
type snapshotPair struct {
	Prev, Next *model.TrackSnapshot
}

var words = []string{"", "A", "B", "Blue", "Red", "Intro", "Outro", "Live"}

func randomSnapshot(r *rand.Rand) *model.TrackSnapshot {
	return &model.TrackSnapshot{
		Title:     words[1+r.Intn(len(words)-1)],
		Artist:    words[r.Intn(len(words))],
		Album:     words[r.Intn(len(words))],
		Duration:  time.Duration(r.Intn(600)) * time.Second,
		Position:  time.Duration(r.Intn(300_000)) * time.Millisecond,
		Playing:   r.Intn(2) == 0,
		Timestamp: epoch.Add(time.Duration(r.Intn(3600)) * time.Second),
	}
}

func (snapshotPair) Generate(r *rand.Rand, _ int) reflect.Value {
	prev := randomSnapshot(r)
	next := *prev

	elapsed := time.Duration(r.Intn(10_000)) * time.Millisecond
	next.Timestamp = prev.Timestamp.Add(elapsed)
	drift := time.Duration(r.Int63n(int64(2*DefaultPositionTolerance+1))) - DefaultPositionTolerance
	next.Position = prev.ExpectedPosition(next.Timestamp) + drift

	return reflect.ValueOf(snapshotPair{Prev: prev, Next: &next})
}

// changedPair is a random pair where the title or artist differs.
type changedPair struct {
	Prev, Next *model.TrackSnapshot
}

func (changedPair) Generate(r *rand.Rand, _ int) reflect.Value {
	prev := randomSnapshot(r)
	next := randomSnapshot(r)
	if next.Title == prev.Title && next.Artist == prev.Artist {
		if r.Intn(2) == 0 {
			next.Title = prev.Title + " (Remastered)"
		} else {
			next.Artist = prev.Artist + " & Friends"
		}
	}
	return reflect.ValueOf(changedPair{Prev: prev, Next: next})
}

func TestDecide_NoOpWithinTolerance(t *testing.T) {
	d := newTestDiffer(t)

	property := func(p snapshotPair) bool {
		return d.Decide(p.Prev, p.Next).Kind == NoOp
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 1000}))
}

func TestDecide_SendOnTitleOrArtistChange(t *testing.T) {
	d := newTestDiffer(t)

	property := func(p changedPair) bool {
		return d.Decide(p.Prev, p.Next).Kind == Send
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 1000}))
}

func TestDecide_SingleClear(t *testing.T) {
	d := newTestDiffer(t)

	property := func(p snapshotPair) bool {
		// Some(track) -> None clears; once accepted, None -> None stays quiet
		first := d.Decide(p.Prev, nil)
		second := d.Decide(nil, nil)
		return first.Kind == Clear && second.Kind == NoOp
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}

func TestDecide_Rules(t *testing.T) {
	playing := &model.TrackSnapshot{
		Title:     "A",
		Artist:    "X",
		Album:     "L",
		Duration:  3 * time.Minute,
		Position:  10 * time.Second,
		Playing:   true,
		Timestamp: epoch,
	}
	at := func(offset, position time.Duration, isPlaying bool) *model.TrackSnapshot {
		s := *playing
		s.Timestamp = epoch.Add(offset)
		s.Position = position
		s.Playing = isPlaying
		return &s
	}
	paused := at(0, 10*time.Second, false)

	tests := []struct {
		name   string
		prev   *model.TrackSnapshot
		next   *model.TrackSnapshot
		kind   Kind
		reason string
	}{
		{"nothing to nothing", nil, nil, NoOp, ""},
		{"track to nothing", playing, nil, Clear, "no track"},
		{"nothing to track", nil, playing, Send, "new track"},
		{"position advanced normally", playing, at(3*time.Second, 13*time.Second, true), NoOp, ""},
		{"small jitter", playing, at(3*time.Second, 14500*time.Millisecond, true), NoOp, ""},
		{"seek forward", playing, at(3*time.Second, 90*time.Second, true), Send, "seek"},
		{"seek backward", playing, at(3*time.Second, 0, true), Send, "seek"},
		{"paused", playing, at(3*time.Second, 13*time.Second, false), Send, "paused"},
		{"resumed", paused, at(3*time.Second, 10*time.Second, true), Send, "resumed"},
		{"still paused", paused, at(30*time.Second, 10*time.Second, false), NoOp, ""},
		{"seek while paused", paused, at(3*time.Second, 40*time.Second, false), Send, "seek"},
		{"album changed", playing, &model.TrackSnapshot{Title: "A", Artist: "X", Album: "M", Playing: true, Timestamp: epoch}, Send, "track changed"},
	}

	d := newTestDiffer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := d.Decide(tt.prev, tt.next)
			assert.Equal(t, tt.kind, decision.Kind)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

func TestDecide_DurationReportedLate(t *testing.T) {
	prev := &model.TrackSnapshot{Title: "A", Artist: "X", Playing: true, Timestamp: epoch}
	next := *prev
	next.Timestamp = epoch.Add(time.Second)
	next.Position = time.Second
	next.Duration = 4 * time.Minute

	decision := newTestDiffer(t).Decide(prev, &next)
	assert.Equal(t, Send, decision.Kind)
	assert.Equal(t, "duration changed", decision.Reason)
	assert.NotNil(t, decision.Update.End)
}

func TestDecide_SendCarriesUpdate(t *testing.T) {
	next := &model.TrackSnapshot{Title: "A", Artist: "X", Playing: true, Timestamp: epoch}

	decision := newTestDiffer(t).Decide(nil, next)
	require.Equal(t, Send, decision.Kind)
	assert.Equal(t, "X – A", decision.Update.Details)
}

func TestNew_NegativeTolerance(t *testing.T) {
	f, err := model.NewFormatter(model.FormatOptions{Details: "{{.Title}}"})
	require.NoError(t, err)
	d := New(f, -time.Second)

	prev := &model.TrackSnapshot{Title: "A", Position: 10 * time.Second, Timestamp: epoch}
	same := *prev
	same.Timestamp = epoch.Add(time.Second)
	assert.Equal(t, NoOp, d.Decide(prev, &same).Kind)

	nudged := same
	nudged.Position += time.Millisecond
	assert.Equal(t, Send, d.Decide(prev, &nudged).Kind)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "noop", NoOp.String())
	assert.Equal(t, "send", Send.String())
	assert.Equal(t, "clear", Clear.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
