package presence

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/jmylchreest/tunecord/internal/model"
)

const (
	cmdSetActivity = "SET_ACTIVITY"
	cmdDispatch    = "DISPATCH"
	evtReady       = "READY"
	evtError       = "ERROR"

	activityListening = 2

	minFieldLen = 2
	maxFieldLen = 128

	// fieldPad is appended to fields that are too short to be accepted.
	fieldPad = "\u200b"
)

type handshake struct {
	V        int    `json:"v"`
	ClientID string `json:"client_id"`
}

type command struct {
	Cmd   string       `json:"cmd"`
	Args  activityArgs `json:"args"`
	Nonce string       `json:"nonce"`
}

// activityArgs.Activity is serialized as null to clear the presence.
type activityArgs struct {
	PID      int       `json:"pid"`
	Activity *activity `json:"activity"`
}

type activity struct {
	Type       int         `json:"type"`
	Details    string      `json:"details,omitempty"`
	State      string      `json:"state,omitempty"`
	Timestamps *timestamps `json:"timestamps,omitempty"`
	Assets     *assets     `json:"assets,omitempty"`
}

// timestamps are Unix milliseconds.
type timestamps struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
}

type response struct {
	Cmd   string          `json:"cmd"`
	Evt   string          `json:"evt"`
	Nonce string          `json:"nonce"`
	Data  json.RawMessage `json:"data"`
}

func newActivity(u model.PresenceUpdate) *activity {
	a := &activity{
		Type:    activityListening,
		Details: fitField(u.Details),
		State:   fitField(u.State),
	}

	if u.Start != nil || u.End != nil {
		ts := &timestamps{}
		if u.Start != nil {
			ts.Start = u.Start.UnixMilli()
		}
		if u.End != nil {
			ts.End = u.End.UnixMilli()
		}
		a.Timestamps = ts
	}

	if u.LargeImage != "" || u.LargeText != "" {
		a.Assets = &assets{
			LargeImage: u.LargeImage,
			LargeText:  fitField(u.LargeText),
		}
	}

	return a
}

// fitField pads non-empty strings to the minimum length and truncates
// anything longer than the maximum, counting runes.
func fitField(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	n := utf8.RuneCountInString(s)
	if n < minFieldLen {
		return s + strings.Repeat(fieldPad, minFieldLen-n)
	}
	if n > maxFieldLen {
		runes := []rune(s)
		return string(runes[:maxFieldLen-1]) + "…"
	}
	return s
}

// peerError decodes the {"code","message"} body of a CLOSE frame or an
// ERROR event. Returns nil when data carries neither.
func peerError(data []byte) *PeerError {
	var pe PeerError
	if err := json.Unmarshal(data, &pe); err != nil || (pe.Code == 0 && pe.Message == "") {
		return nil
	}
	return &pe
}
