package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tunecord/internal/model"
)

type frameRecord struct {
	op      Opcode
	payload []byte
}

// fakeDiscord is an in-process Discord IPC peer served over net.Pipe.
type fakeDiscord struct {
	rejectHandshake bool // answer the handshake with CLOSE
	silent          bool // never acknowledge the handshake
	pingFirst       bool // PING before READY, expect PONG
	rejectActivity  bool // answer SET_ACTIVITY with an ERROR event
	closeOnActivity bool // hang up on SET_ACTIVITY
	garbleActivity  bool // answer SET_ACTIVITY with an unknown opcode
	unsolicited     bool // emit an unrelated event before each response

	mu     sync.Mutex
	frames []frameRecord
	dials  int
	failN  int // fail this many dials before accepting
}

func (f *fakeDiscord) Dial(ctx context.Context) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.failN > 0 {
		f.failN--
		return nil, errors.New("dial unix: connection refused")
	}
	client, server := net.Pipe()
	go f.serve(server)
	return client, nil
}

func (f *fakeDiscord) record(op Opcode, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frameRecord{op: op, payload: payload})
}

func (f *fakeDiscord) received() []frameRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frameRecord(nil), f.frames...)
}

func (f *fakeDiscord) activities() []frameRecord {
	var out []frameRecord
	for _, r := range f.received() {
		if r.op == OpFrame {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeDiscord) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

const readyFrame = `{"cmd":"DISPATCH","evt":"READY","data":{"v":1,"user":{"id":"1","username":"test"}}}`

func (f *fakeDiscord) serve(conn net.Conn) {
	defer conn.Close()
	for {
		op, payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		f.record(op, payload)

		switch op {
		case OpHandshake:
			switch {
			case f.rejectHandshake:
				_ = WriteFrame(conn, OpClose, []byte(`{"code":4000,"message":"Invalid Client ID"}`))
				return
			case f.silent:
				continue
			case f.pingFirst:
				_ = WriteFrame(conn, OpPing, []byte(`{"nonce":"p1"}`))
			default:
				_ = WriteFrame(conn, OpFrame, []byte(readyFrame))
			}
		case OpPong:
			_ = WriteFrame(conn, OpFrame, []byte(readyFrame))
		case OpFrame:
			var cmd struct {
				Nonce string `json:"nonce"`
			}
			_ = json.Unmarshal(payload, &cmd)

			if f.closeOnActivity {
				return
			}
			if f.garbleActivity {
				_ = WriteFrame(conn, Opcode(42), nil)
				continue
			}
			if f.unsolicited {
				_ = WriteFrame(conn, OpFrame, []byte(`{"cmd":"DISPATCH","evt":"ACTIVITY_JOIN","nonce":null}`))
			}

			resp := map[string]any{"cmd": "SET_ACTIVITY", "evt": nil, "nonce": cmd.Nonce, "data": map[string]any{}}
			if f.rejectActivity {
				resp["evt"] = "ERROR"
				resp["data"] = map[string]any{"code": 4000, "message": "child \"activity\" fails"}
			}
			data, _ := json.Marshal(resp)
			_ = WriteFrame(conn, OpFrame, data)
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestClient(t *testing.T, f *fakeDiscord) (*Client, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := NewClient(Options{
		ClientID:         "1326053171809747006",
		Dialer:           f,
		HandshakeTimeout: 200 * time.Millisecond,
		WriteTimeout:     200 * time.Millisecond,
		PID:              4242,
	})
	c.now = clock.Now
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func testUpdate() model.PresenceUpdate {
	return model.PresenceUpdate{Details: "X – A", State: "Album", LargeImage: "appicon"}
}

func TestClient_Handshake(t *testing.T) {
	f := &fakeDiscord{}
	c, _ := newTestClient(t, f)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State().Kind)

	frames := f.received()
	require.Len(t, frames, 1)
	assert.Equal(t, OpHandshake, frames[0].op)
	assert.JSONEq(t, `{"v":1,"client_id":"1326053171809747006"}`, string(frames[0].payload))

	// Already connected: no second dial
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, f.dialCount())
}

func TestClient_HandshakeRejected(t *testing.T) {
	f := &fakeDiscord{rejectHandshake: true}
	c, _ := newTestClient(t, f)

	err := c.Connect(context.Background())

	var ce *ConnError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnHandshakeRejected, ce.Kind)
	var pe *PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 4000, pe.Code)

	state := c.State()
	assert.Equal(t, BackingOff, state.Kind)
	assert.Equal(t, 1, state.Attempt)
}

func TestClient_HandshakeTimeout(t *testing.T) {
	f := &fakeDiscord{silent: true}
	c, _ := newTestClient(t, f)

	err := c.Connect(context.Background())

	var ce *ConnError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnTimeout, ce.Kind)
	assert.Equal(t, BackingOff, c.State().Kind)
}

func TestClient_DialFailure(t *testing.T) {
	f := &fakeDiscord{failN: 1}
	c, _ := newTestClient(t, f)

	err := c.Connect(context.Background())

	var ce *ConnError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnNotFound, ce.Kind)
	assert.Equal(t, "not_found", ErrorKind(err))
}

func TestClient_PingDuringHandshake(t *testing.T) {
	f := &fakeDiscord{pingFirst: true}
	c, _ := newTestClient(t, f)

	require.NoError(t, c.Connect(context.Background()))

	frames := f.received()
	require.Len(t, frames, 2)
	assert.Equal(t, OpPong, frames[1].op)
	assert.JSONEq(t, `{"nonce":"p1"}`, string(frames[1].payload))
}

func TestClient_SendAndClear(t *testing.T) {
	f := &fakeDiscord{unsolicited: true}
	c, _ := newTestClient(t, f)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Send(context.Background(), testUpdate()))
	require.NoError(t, c.Clear(context.Background()))

	acts := f.activities()
	require.Len(t, acts, 2)

	var set struct {
		Cmd  string `json:"cmd"`
		Args struct {
			PID      int             `json:"pid"`
			Activity json.RawMessage `json:"activity"`
		} `json:"args"`
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(acts[0].payload, &set))
	assert.Equal(t, "SET_ACTIVITY", set.Cmd)
	assert.Equal(t, 4242, set.Args.PID)
	assert.NotEmpty(t, set.Nonce)
	assert.Contains(t, string(set.Args.Activity), `"details":"X – A"`)

	require.NoError(t, json.Unmarshal(acts[1].payload, &set))
	assert.Equal(t, "null", string(set.Args.Activity))
	assert.Equal(t, Connected, c.State().Kind)
}

func TestClient_SendRejectedKeepsConnection(t *testing.T) {
	f := &fakeDiscord{rejectActivity: true}
	c, _ := newTestClient(t, f)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Send(context.Background(), testUpdate())

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendRejected, se.Kind)
	assert.Equal(t, Connected, c.State().Kind)
}

func TestClient_PeerCloseTearsDown(t *testing.T) {
	f := &fakeDiscord{closeOnActivity: true}
	c, clock := newTestClient(t, f)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Send(context.Background(), testUpdate())

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendPeerClosed, se.Kind)

	state := c.State()
	assert.Equal(t, BackingOff, state.Kind)
	assert.Equal(t, 1, state.Attempt)
	assert.Equal(t, clock.Now().Add(time.Second), state.RetryAt)
}

func TestClient_MalformedTearsDown(t *testing.T) {
	f := &fakeDiscord{garbleActivity: true}
	c, _ := newTestClient(t, f)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Send(context.Background(), testUpdate())

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendMalformed, se.Kind)
	assert.Equal(t, BackingOff, c.State().Kind)
}

func TestClient_NoWritesWhileNotConnected(t *testing.T) {
	f := &fakeDiscord{closeOnActivity: true}
	c, _ := newTestClient(t, f)

	assert.ErrorIs(t, c.Send(context.Background(), testUpdate()), ErrNotConnected)
	assert.ErrorIs(t, c.Clear(context.Background()), ErrNotConnected)
	assert.Equal(t, 0, f.dialCount())

	require.NoError(t, c.Connect(context.Background()))
	require.Error(t, c.Send(context.Background(), testUpdate()))
	before := len(f.received())

	for range 5 {
		assert.ErrorIs(t, c.Send(context.Background(), testUpdate()), ErrNotConnected)
		assert.ErrorIs(t, c.Clear(context.Background()), ErrNotConnected)
	}
	assert.Len(t, f.received(), before)
}

func TestClient_BackoffSchedule(t *testing.T) {
	f := &fakeDiscord{failN: 7}
	c, clock := newTestClient(t, f)

	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	prev := time.Duration(0)
	for i, want := range expected {
		require.Error(t, c.Connect(context.Background()))

		state := c.State()
		require.Equal(t, BackingOff, state.Kind)
		assert.Equal(t, i+1, state.Attempt)

		delay := state.RetryAt.Sub(clock.Now())
		assert.Equal(t, want, delay)
		assert.GreaterOrEqual(t, delay, prev)
		prev = delay

		// Not due yet: no dial
		dials := f.dialCount()
		clock.Advance(delay - time.Millisecond)
		assert.ErrorIs(t, c.Connect(context.Background()), ErrBackoffPending)
		assert.Equal(t, dials, f.dialCount())
		clock.Advance(time.Millisecond)
	}

	// Success resets the schedule
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State().Kind)

	f.closeOnActivity = true
	require.Error(t, c.Send(context.Background(), testUpdate()))
	state := c.State()
	assert.Equal(t, 1, state.Attempt)
	assert.Equal(t, time.Second, state.RetryAt.Sub(clock.Now()))
}

func TestClient_SetBackoff(t *testing.T) {
	f := &fakeDiscord{failN: 1}
	c, clock := newTestClient(t, f)
	c.SetBackoff(Backoff{Min: 5 * time.Second, Max: time.Minute})

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, 5*time.Second, c.State().RetryAt.Sub(clock.Now()))
}

func TestClient_Close(t *testing.T) {
	f := &fakeDiscord{}
	c, _ := newTestClient(t, f)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State().Kind)
	assert.ErrorIs(t, c.Send(context.Background(), testUpdate()), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "timeout", ErrorKind(&SendError{Kind: SendTimeout}))
	assert.Equal(t, "handshake_rejected", ErrorKind(&ConnError{Kind: ConnHandshakeRejected}))
	assert.Equal(t, "", ErrorKind(errors.New("other")))
}
