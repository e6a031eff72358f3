package presence

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies an IPC frame type.
type Opcode uint32

const (
	OpHandshake Opcode = 0
	OpFrame     Opcode = 1
	OpClose     Opcode = 2
	OpPing      Opcode = 3
	OpPong      Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpHandshake:
		return "handshake"
	case OpFrame:
		return "frame"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(o))
	}
}

const (
	headerSize = 8
	// MaxPayload is the largest inbound payload accepted.
	MaxPayload = 64 * 1024
)

// WriteFrame writes one frame: little-endian opcode and payload length
// followed by the payload, in a single write.
func WriteFrame(w io.Writer, op Opcode, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(op))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. Unknown opcodes and oversized payloads are
// reported as ErrMalformedFrame.
func ReadFrame(r io.Reader) (Opcode, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	op := Opcode(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])

	if op > OpPong {
		return op, nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedFrame, uint32(op))
	}
	if length > MaxPayload {
		return op, nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedFrame, length, MaxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return op, nil, err
	}
	return op, payload, nil
}
