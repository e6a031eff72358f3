package presence

import (
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrNotConnected is returned by Send and Clear outside the Connected state.
	ErrNotConnected = errors.New("presence client not connected")

	// ErrBackoffPending is returned by Connect while the retry delay has not elapsed.
	ErrBackoffPending = errors.New("reconnect backoff pending")

	// ErrMalformedFrame marks inbound frames that violate the framing rules.
	ErrMalformedFrame = errors.New("malformed frame")
)

// ConnErrorKind classifies connection failures.
type ConnErrorKind int

const (
	// ConnNotFound means no endpoint accepted the connection.
	ConnNotFound ConnErrorKind = iota
	// ConnHandshakeRejected means the peer refused the identification frame.
	ConnHandshakeRejected
	// ConnTimeout means the handshake was not acknowledged in time.
	ConnTimeout
)

func (k ConnErrorKind) String() string {
	switch k {
	case ConnNotFound:
		return "not_found"
	case ConnHandshakeRejected:
		return "handshake_rejected"
	case ConnTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnError is returned by Connect.
type ConnError struct {
	Kind ConnErrorKind
	Err  error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect %s: %v", e.Kind, e.Err)
	}
	return "connect " + e.Kind.String()
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// SendErrorKind classifies failures on an established connection.
type SendErrorKind int

const (
	// SendPeerClosed means the peer closed the connection.
	SendPeerClosed SendErrorKind = iota
	// SendMalformed means the peer sent a frame that could not be decoded.
	SendMalformed
	// SendTimeout means the write or its acknowledgement timed out.
	SendTimeout
	// SendRejected means the peer answered with an error event. The
	// connection stays usable.
	SendRejected
)

func (k SendErrorKind) String() string {
	switch k {
	case SendPeerClosed:
		return "peer_closed"
	case SendMalformed:
		return "malformed"
	case SendTimeout:
		return "timeout"
	case SendRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SendError is returned by Send and Clear.
type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
	}
	return "send " + e.Kind.String()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// PeerError carries the code and message of a CLOSE frame or an ERROR event.
type PeerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

// ErrorKind returns the kind name of a ConnError or SendError, for logging.
func ErrorKind(err error) string {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind.String()
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sendError maps an I/O or decoding failure on an established connection.
func sendError(err error) *SendError {
	switch {
	case errors.Is(err, ErrMalformedFrame):
		return &SendError{Kind: SendMalformed, Err: err}
	case isTimeout(err):
		return &SendError{Kind: SendTimeout, Err: err}
	default:
		return &SendError{Kind: SendPeerClosed, Err: err}
	}
}

// handshakeError maps a failure during the identification exchange.
func handshakeError(err error) *ConnError {
	if isTimeout(err) {
		return &ConnError{Kind: ConnTimeout, Err: err}
	}
	// A peer that hangs up or garbles the exchange did not accept us
	return &ConnError{Kind: ConnHandshakeRejected, Err: err}
}
