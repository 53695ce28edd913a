// Package wire implements the framing and the envelope exchanged between
// peers.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/raskyld/contained/pkg/fault"
)

// MaxFrame is the largest frame accepted on a stream.
const MaxFrame = 16 << 20

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds limit")
	ErrTruncated     = errors.New("wire: truncated message")
	ErrVersion       = errors.New("wire: unsupported protocol version")
	ErrStreamMode    = errors.New("wire: unknown stream mode")
)

// StreamMode is the first byte written on every stream. It selects which
// logical channel the stream belongs to.
type StreamMode byte

const (
	ModeGossip   StreamMode = 0x01
	ModeEnvelope StreamMode = 0x02
)

func (m StreamMode) String() string {
	switch m {
	case ModeGossip:
		return "gossip"
	case ModeEnvelope:
		return "envelope"
	}
	return fmt.Sprintf("mode(%#x)", byte(m))
}

func (m StreamMode) Valid() bool {
	return m == ModeGossip || m == ModeEnvelope
}

// WriteMode announces the channel of a freshly opened stream.
func WriteMode(w io.Writer, m StreamMode) error {
	_, err := w.Write([]byte{byte(m)})
	return err
}

func ReadMode(r io.Reader) (StreamMode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	m := StreamMode(b[0])
	if !m.Valid() {
		return m, fmt.Errorf("%w: %s", ErrStreamMode, m)
	}
	return m, nil
}

// WriteFrame writes a 4-byte big-endian length prefix followed by buf, in
// a single write.
func WriteFrame(w io.Writer, buf []byte) error {
	if len(buf) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	prefixed := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(prefixed, uint32(len(buf)))
	copy(prefixed[4:], buf)
	_, err := w.Write(prefixed)
	return err
}

// ReadFrame reads one frame written by WriteFrame. Frames larger than
// MaxFrame are rejected before their body is read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrame {
		return nil, fault.Wrap(fault.Serialization, ErrFrameTooLarge, fmt.Sprintf("%d bytes", size))
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
