package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/identity"
)

// Version of the envelope layout.
const Version uint16 = 1

// HeaderSize is the fixed part of an encoded envelope.
const HeaderSize = 2 + 1 + 16 + 32 + 4

type Kind uint8

const (
	// KindRequest asks the receiving peer to route a dispatch.
	KindRequest Kind = iota + 1
	// KindForward asks the receiving peer to execute a dispatch itself.
	KindForward
	KindResponse
	KindAck
	KindDigest
	// KindCancel asks the executor of a dispatch to stop it.
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindForward:
		return "forward"
	case KindResponse:
		return "response"
	case KindAck:
		return "ack"
	case KindDigest:
		return "digest"
	case KindCancel:
		return "cancel"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	return k >= KindRequest && k <= KindCancel
}

// Envelope is the unit exchanged on the request/response channel.
//
//	version u16 | kind u8 | correlation 16B | origin 32B | len u32 | payload
//
// All integers are big-endian.
type Envelope struct {
	Version     uint16
	Kind        Kind
	Correlation uuid.UUID
	Origin      identity.PeerID
	Payload     []byte
}

func New(kind Kind, corr uuid.UUID, origin identity.PeerID, payload []byte) *Envelope {
	return &Envelope{
		Version:     Version,
		Kind:        kind,
		Correlation: corr,
		Origin:      origin,
		Payload:     payload,
	}
}

func (e *Envelope) MarshalBinary() ([]byte, error) {
	if HeaderSize+len(e.Payload) > MaxFrame {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrFrameTooLarge, len(e.Payload))
	}
	buf := make([]byte, HeaderSize+len(e.Payload))
	binary.BigEndian.PutUint16(buf[0:], e.Version)
	buf[2] = byte(e.Kind)
	copy(buf[3:19], e.Correlation[:])
	copy(buf[19:51], e.Origin[:])
	binary.BigEndian.PutUint32(buf[51:], uint32(len(e.Payload)))
	copy(buf[HeaderSize:], e.Payload)
	return buf, nil
}

// UnmarshalBinary decodes an envelope. Payload aliases b.
func (e *Envelope) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fault.Wrap(fault.Serialization, ErrTruncated, "envelope header")
	}
	version := binary.BigEndian.Uint16(b[0:])
	if version != Version {
		return fault.Wrap(fault.Serialization, ErrVersion, fmt.Sprintf("got %d, want %d", version, Version))
	}
	kind := Kind(b[2])
	if !kind.Valid() {
		return fault.New(fault.Serialization, "unknown envelope kind %d", b[2])
	}
	size := binary.BigEndian.Uint32(b[51:])
	if uint64(len(b)-HeaderSize) != uint64(size) {
		return fault.Wrap(fault.Serialization, ErrTruncated,
			fmt.Sprintf("payload announces %d bytes, %d present", size, len(b)-HeaderSize))
	}
	e.Version = version
	e.Kind = kind
	copy(e.Correlation[:], b[3:19])
	copy(e.Origin[:], b[19:51])
	e.Payload = b[HeaderSize:]
	return nil
}

func WriteEnvelope(w io.Writer, e *Envelope) error {
	buf, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, buf)
}

func ReadEnvelope(r io.Reader) (*Envelope, error) {
	buf, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	e := &Envelope{}
	if err := e.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return e, nil
}
