package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tags a frame's payload. See spec.md §3/§4.2.
type Kind byte

const (
	KindData Kind = iota
	KindCloseSend
	KindCloseRecv
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindCloseSend:
		return "CloseSend"
	case KindCloseRecv:
		return "CloseRecv"
	case KindAck:
		return "Ack"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// MaxFrameLen bounds a single frame's payload size; a length prefix larger
// than this is treated as a protocol violation (spec.md §7: "frame too
// large" is fatal for the connection).
const MaxFrameLen = 64 << 20 // 64 MiB

// Frame is one length-prefixed unit on the wire: a one-byte kind followed
// by the payload. On the wire this is [u32 length][kind byte][payload...],
// matching the length-prefixed framing modeled in
// Ankit-Kulkarni-go-experiments/transparentProxy/main.go.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameLen {
		return fmt.Errorf("wire: frame payload %d bytes exceeds max %d", len(f.Payload), MaxFrameLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)+1))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write([]byte{byte(f.Kind)}); err != nil {
		return fmt.Errorf("wire: write frame kind: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. io.EOF is returned verbatim when the
// peer closed the connection cleanly before any bytes of a new frame
// arrived; any other read failure mid-frame is wrapped.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("wire: frame missing kind byte")
	}
	if n-1 > MaxFrameLen {
		return Frame{}, fmt.Errorf("wire: frame length %d exceeds max %d", n-1, MaxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}
	return Frame{Kind: Kind(body[0]), Payload: body[1:]}, nil
}

// WriteMessage is a convenience for length-prefixing an already-serialized
// message with no Kind byte, used for the scheduler and arg-blob protocols
// which are single-purpose streams rather than multiplexed channels.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("wire: message payload %d bytes exceeds max %d", len(payload), MaxFrameLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write message length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write message payload: %w", err)
	}
	return nil
}

// ReadMessage reads a message written by WriteMessage.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("wire: message length %d exceeds max %d", n, MaxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read message body: %w", err)
	}
	return body, nil
}
