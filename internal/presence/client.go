// Package presence implements the Discord IPC client that publishes the
// "Listening" activity.
//
// The client is a small state machine (Disconnected, Handshaking, Connected,
// BackingOff). Every failure on an established connection tears it down and
// schedules a reconnect with exponential backoff. Nothing is written to the
// socket outside the Connected state.
package presence

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/tunecord/internal/model"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
)

// Dialer opens the raw IPC connection.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (net.Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}

// Options configures a Client.
type Options struct {
	ClientID         string
	Dialer           Dialer
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          Backoff
	PID              int // Reported with every activity; defaults to os.Getpid()
	Logger           *slog.Logger
}

// Client is a Discord IPC presence client. It is safe for concurrent use.
type Client struct {
	mu               sync.Mutex
	clientID         string
	dialer           Dialer
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	backoff          Backoff
	pid              int
	logger           *slog.Logger

	conn  net.Conn
	state ConnectionState

	now      func() time.Time
	newNonce func() string
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	c := &Client{
		clientID:         opts.ClientID,
		dialer:           opts.Dialer,
		handshakeTimeout: opts.HandshakeTimeout,
		writeTimeout:     opts.WriteTimeout,
		backoff:          opts.Backoff,
		pid:              opts.PID,
		logger:           opts.Logger,
		now:              time.Now,
		newNonce:         newNonce,
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = DefaultHandshakeTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if c.backoff.Min <= 0 && c.backoff.Max <= 0 {
		c.backoff = DefaultBackoff()
	}
	if c.pid == 0 {
		c.pid = os.Getpid()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func newNonce() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetBackoff replaces the reconnect delay bounds. A pending retry keeps its
// scheduled time.
func (c *Client) SetBackoff(b Backoff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff = b
}

// Connect dials the endpoint and performs the handshake. It is a no-op when
// already connected and returns ErrBackoffPending while a retry delay is
// running. Failures move the client to the next backoff attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := 0
	switch c.state.Kind {
	case Connected:
		return nil
	case BackingOff:
		if c.now().Before(c.state.RetryAt) {
			return ErrBackoffPending
		}
		attempt = c.state.Attempt
	}
	c.state = ConnectionState{Kind: Handshaking}

	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		kind := ConnNotFound
		if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ConnTimeout
		}
		return c.failConnect(attempt, &ConnError{Kind: kind, Err: err})
	}

	if err := c.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return c.failConnect(attempt, err)
	}

	c.conn = conn
	c.state = ConnectionState{Kind: Connected}
	c.logger.Debug("discord ipc connected", "client_id", c.clientID)
	return nil
}

func (c *Client) failConnect(attempt int, err *ConnError) error {
	next := attempt + 1
	c.state = ConnectionState{
		Kind:    BackingOff,
		Attempt: next,
		RetryAt: c.now().Add(c.backoff.Delay(next)),
	}
	return err
}

func (c *Client) handshake(ctx context.Context, conn net.Conn) *ConnError {
	if err := conn.SetDeadline(deadline(ctx, c.handshakeTimeout)); err != nil {
		return &ConnError{Kind: ConnNotFound, Err: err}
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	payload, err := json.Marshal(handshake{V: 1, ClientID: c.clientID})
	if err != nil {
		return &ConnError{Kind: ConnHandshakeRejected, Err: err}
	}
	if err := WriteFrame(conn, OpHandshake, payload); err != nil {
		return handshakeError(err)
	}

	for {
		op, data, err := ReadFrame(conn)
		if err != nil {
			return handshakeError(err)
		}

		switch op {
		case OpPing:
			if err := WriteFrame(conn, OpPong, data); err != nil {
				return handshakeError(err)
			}
		case OpClose:
			return &ConnError{Kind: ConnHandshakeRejected, Err: closeReason(data)}
		case OpFrame:
			var resp response
			if err := json.Unmarshal(data, &resp); err != nil {
				return handshakeError(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			}
			if resp.Cmd == cmdDispatch && resp.Evt == evtReady {
				return nil
			}
			if resp.Evt == evtError {
				return &ConnError{Kind: ConnHandshakeRejected, Err: closeReason(resp.Data)}
			}
		}
	}
}

// Send publishes the presence. Requires the Connected state.
func (c *Client) Send(ctx context.Context, update model.PresenceUpdate) error {
	return c.setActivity(ctx, newActivity(update))
}

// Clear removes the presence. Requires the Connected state.
func (c *Client) Clear(ctx context.Context) error {
	return c.setActivity(ctx, nil)
}

func (c *Client) setActivity(ctx context.Context, act *activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Kind != Connected || c.conn == nil {
		return ErrNotConnected
	}
	conn := c.conn

	nonce := c.newNonce()
	payload, err := json.Marshal(command{
		Cmd:   cmdSetActivity,
		Args:  activityArgs{PID: c.pid, Activity: act},
		Nonce: nonce,
	})
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}

	if err := conn.SetDeadline(deadline(ctx, c.writeTimeout)); err != nil {
		return c.teardown(sendError(err))
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := WriteFrame(conn, OpFrame, payload); err != nil {
		return c.teardown(sendError(err))
	}

	for {
		op, data, err := ReadFrame(conn)
		if err != nil {
			return c.teardown(sendError(err))
		}

		switch op {
		case OpPing:
			if err := WriteFrame(conn, OpPong, data); err != nil {
				return c.teardown(sendError(err))
			}
		case OpPong:
		case OpClose:
			return c.teardown(&SendError{Kind: SendPeerClosed, Err: closeReason(data)})
		case OpHandshake:
			return c.teardown(sendError(fmt.Errorf("%w: unexpected handshake frame", ErrMalformedFrame)))
		case OpFrame:
			var resp response
			if err := json.Unmarshal(data, &resp); err != nil {
				return c.teardown(sendError(fmt.Errorf("%w: %v", ErrMalformedFrame, err)))
			}
			if resp.Nonce != nonce {
				// Unsolicited event
				continue
			}
			if resp.Evt == evtError {
				return &SendError{Kind: SendRejected, Err: closeReason(resp.Data)}
			}
			return nil
		}
	}
}

// teardown closes the connection and schedules the first reconnect.
// Caller must hold c.mu.
func (c *Client) teardown(err *SendError) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = ConnectionState{
		Kind:    BackingOff,
		Attempt: 1,
		RetryAt: c.now().Add(c.backoff.Delay(1)),
	}
	return err
}

// Close closes the connection and resets the client to Disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = ConnectionState{Kind: Disconnected}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// deadline returns the earlier of the context deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func closeReason(data []byte) error {
	if pe := peerError(data); pe != nil {
		return pe
	}
	return errors.New("peer closed without reason")
}
