package invoker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dreamware/hasession/internal/codec"
)

// ProbeByte is written by a client at the start of every cycle on a reused
// connection and echoed unchanged by the server.
const ProbeByte byte = 0xAC

// resetMarker follows every object frame. Reading it clears the stream's
// decode state.
const resetMarker byte = 0x01

// MaxFrameSize bounds a single object frame.
const MaxFrameSize = 64 << 20

// keepBuffer is the largest read buffer kept across frames.
const keepBuffer = 64 << 10

var (
	// ErrFrameTooLarge is returned for a frame header above MaxFrameSize.
	ErrFrameTooLarge = errors.New("invoker: frame too large")
	// ErrBadMarker is returned when the byte after a frame is not the reset marker.
	ErrBadMarker = errors.New("invoker: missing reset marker")
	// ErrBadProbe is returned when a probe answer does not match ProbeByte.
	ErrBadProbe = errors.New("invoker: bad liveness probe")
)

// Request is one invocation sent to a Server.
type Request struct {
	ID      string `cbor:"1,keyasint"`
	Method  string `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

// Response answers a Request. Err is set when the dispatcher failed.
type Response struct {
	ID      string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
	Err     string `cbor:"3,keyasint,omitempty"`
}

// Stream frames objects over a byte stream: a 4-byte big-endian length, the
// CBOR body, then the reset marker. Every write is flushed.
type Stream struct {
	r   *bufio.Reader
	w   *bufio.Writer
	buf []byte
}

// NewStream wraps rw.
func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

// WriteObject sends v followed by the reset marker and flushes.
func (s *Stream) WriteObject(v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("invoker: encode %T: %w", v, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(body); err != nil {
		return err
	}
	if err := s.w.WriteByte(resetMarker); err != nil {
		return err
	}
	return s.w.Flush()
}

// ReadObject reads one frame into v and consumes the reset marker.
func (s *Stream) ReadObject(v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if cap(s.buf) < int(n) {
		s.buf = make([]byte, n)
	}
	body := s.buf[:n]
	if _, err := io.ReadFull(s.r, body); err != nil {
		return err
	}
	mark, err := s.r.ReadByte()
	if err != nil {
		return err
	}
	if mark != resetMarker {
		return ErrBadMarker
	}
	err = codec.Unmarshal(body, v)
	s.Reset()
	if err != nil {
		return fmt.Errorf("invoker: decode %T: %w", v, err)
	}
	return nil
}

// Reset drops decode state carried between frames.
func (s *Stream) Reset() {
	if cap(s.buf) > keepBuffer {
		s.buf = nil
	}
}

// WriteProbe sends one probe byte and flushes.
func (s *Stream) WriteProbe(b byte) error {
	if err := s.w.WriteByte(b); err != nil {
		return err
	}
	return s.w.Flush()
}

// ReadProbe reads one probe byte.
func (s *Stream) ReadProbe() (byte, error) {
	return s.r.ReadByte()
}

// TransportError reports a failed exchange with an invoker endpoint. The
// connection involved has been closed.
type TransportError struct {
	Addr string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("invoker: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError carries a dispatcher failure reported by the server.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("invoker: %s failed remotely: %s", e.Method, e.Msg)
}
