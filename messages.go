package contained

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/tonnetz"
	"google.golang.org/protobuf/encoding/protowire"
)

// Request is a dispatch as submitted by a client.
type Request struct {
	// ID is the correlation id. A zero value is replaced by a random one.
	ID      uuid.UUID
	Program sandbox.Hash
	// Artifact travels with the request when set, so executors that lack
	// the program can verify and cache it.
	Artifact *sandbox.Artifact
	Start    tonnetz.Triad
	Tape     []tonnetz.Note
	// Head resumes a machine that yielded at this position of Tape.
	Head     int
	Deadline time.Time
}

// Result is the outcome of a dispatch as seen by the client.
type Result struct {
	ID       uuid.UUID
	Executor identity.PeerID
	// Status is Halted, Suspended when the module yielded, or Failed.
	Status    machine.Status
	Triad     tonnetz.Triad
	Tape      []tonnetz.Note
	Head      int
	Steps     int
	Kind      fault.Kind
	Message   string
	Emissions []machine.Emission
}

// Err rebuilds the failure of a Failed result.
func (r Result) Err() error {
	if r.Status != machine.Failed {
		return nil
	}
	return &fault.Error{Kind: r.Kind, Msg: r.Message}
}

func failedResult(id uuid.UUID, executor identity.PeerID, err error) Result {
	return Result{
		ID:       id,
		Executor: executor,
		Status:   machine.Failed,
		Kind:     fault.Of(err, fault.Aborted),
		Message:  fault.Message(err),
	}
}

// Digest is the membership summary exchanged on keep-alive.
type Digest struct {
	Subnet string
	Peers  []DigestEntry
}

type DigestEntry struct {
	Peer
	Age time.Duration
}

// ack tells the origin of a dispatch which peer admitted it.
type ack struct {
	Executor identity.PeerID
}

const (
	fieldReqProgram  = 1
	fieldReqArtifact = 2
	fieldReqStart    = 3
	fieldReqNote     = 4
	fieldReqDeadline = 5
	fieldReqHead     = 6

	fieldNoteClass  = 1
	fieldNoteOctave = 2
	fieldNotePinned = 3

	fieldResExecutor = 1
	fieldResStatus   = 2
	fieldResTriad    = 3
	fieldResNote     = 4
	fieldResHead     = 5
	fieldResSteps    = 6
	fieldResKind     = 7
	fieldResMessage  = 8
	fieldResEmission = 9

	fieldEmitStep    = 1
	fieldEmitTag     = 2
	fieldEmitPayload = 3

	fieldAckExecutor = 1

	fieldDigestSubnet = 1
	fieldDigestEntry  = 2

	fieldEntryID   = 1
	fieldEntryAddr = 2
	fieldEntryRole = 3
	fieldEntryAge  = 4
)

func (r *Request) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldReqProgram, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Program[:])
	if r.Artifact != nil {
		buf = protowire.AppendTag(buf, fieldReqArtifact, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Artifact.Marshal())
	}
	buf = protowire.AppendTag(buf, fieldReqStart, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(tonnetz.Index(r.Start)))
	buf = appendNotes(buf, fieldReqNote, r.Tape)
	if !r.Deadline.IsZero() {
		buf = protowire.AppendTag(buf, fieldReqDeadline, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.Deadline.UnixNano()))
	}
	if r.Head > 0 {
		buf = protowire.AppendTag(buf, fieldReqHead, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.Head))
	}
	return buf
}

func unmarshalRequest(id uuid.UUID, b []byte) (*Request, error) {
	r := &Request{ID: id}
	var haveProgram bool
	err := fields(b, func(f field) error {
		switch f.num {
		case fieldReqProgram:
			if len(f.bytes) != len(r.Program) {
				return fault.New(fault.Serialization, "program hash of %d bytes", len(f.bytes))
			}
			copy(r.Program[:], f.bytes)
			haveProgram = true
		case fieldReqArtifact:
			art, err := sandbox.UnmarshalArtifact(f.bytes)
			if err != nil {
				return err
			}
			r.Artifact = art
		case fieldReqStart:
			t, err := triadAt(f.varint)
			if err != nil {
				return err
			}
			r.Start = t
		case fieldReqNote:
			n, err := unmarshalNote(f.bytes)
			if err != nil {
				return err
			}
			r.Tape = append(r.Tape, n)
		case fieldReqDeadline:
			r.Deadline = time.Unix(0, int64(f.varint))
		case fieldReqHead:
			if f.varint > math.MaxInt32 {
				return fault.New(fault.Serialization, "head %d out of range", f.varint)
			}
			r.Head = int(f.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !haveProgram {
		return nil, fault.New(fault.Serialization, "request carries no program")
	}
	if r.Head > len(r.Tape) {
		return nil, fault.New(fault.Serialization, "head %d past a tape of %d cells", r.Head, len(r.Tape))
	}
	return r, nil
}

func (r *Result) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldResExecutor, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Executor[:])
	buf = protowire.AppendTag(buf, fieldResStatus, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Status))
	buf = protowire.AppendTag(buf, fieldResTriad, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(tonnetz.Index(r.Triad)))
	buf = appendNotes(buf, fieldResNote, r.Tape)
	buf = protowire.AppendTag(buf, fieldResHead, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Head))
	buf = protowire.AppendTag(buf, fieldResSteps, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Steps))
	if r.Status == machine.Failed {
		buf = protowire.AppendTag(buf, fieldResKind, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.Kind))
		buf = protowire.AppendTag(buf, fieldResMessage, protowire.BytesType)
		buf = protowire.AppendString(buf, r.Message)
	}
	for _, e := range r.Emissions {
		var sub []byte
		sub = protowire.AppendTag(sub, fieldEmitStep, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(e.Step))
		sub = protowire.AppendTag(sub, fieldEmitTag, protowire.BytesType)
		sub = protowire.AppendString(sub, e.Tag)
		sub = protowire.AppendTag(sub, fieldEmitPayload, protowire.BytesType)
		sub = protowire.AppendBytes(sub, e.Payload)
		buf = protowire.AppendTag(buf, fieldResEmission, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	return buf
}

func unmarshalResult(id uuid.UUID, b []byte) (Result, error) {
	r := Result{ID: id}
	err := fields(b, func(f field) error {
		switch f.num {
		case fieldResExecutor:
			if len(f.bytes) != len(r.Executor) {
				return fault.New(fault.Serialization, "executor id of %d bytes", len(f.bytes))
			}
			copy(r.Executor[:], f.bytes)
		case fieldResStatus:
			r.Status = machine.Status(f.varint)
			if r.Status > machine.Failed {
				return fault.New(fault.Serialization, "unknown status %d", f.varint)
			}
		case fieldResTriad:
			t, err := triadAt(f.varint)
			if err != nil {
				return err
			}
			r.Triad = t
		case fieldResNote:
			n, err := unmarshalNote(f.bytes)
			if err != nil {
				return err
			}
			r.Tape = append(r.Tape, n)
		case fieldResHead:
			r.Head = int(f.varint)
		case fieldResSteps:
			r.Steps = int(f.varint)
		case fieldResKind:
			r.Kind = fault.Kind(f.varint)
			if !r.Kind.Valid() {
				return fault.New(fault.Serialization, "unknown failure kind %d", f.varint)
			}
		case fieldResMessage:
			r.Message = string(f.bytes)
		case fieldResEmission:
			var e machine.Emission
			err := fields(f.bytes, func(f field) error {
				switch f.num {
				case fieldEmitStep:
					e.Step = int(f.varint)
				case fieldEmitTag:
					e.Tag = string(f.bytes)
				case fieldEmitPayload:
					e.Payload = append([]byte(nil), f.bytes...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.Emissions = append(r.Emissions, e)
		}
		return nil
	})
	return r, err
}

func (a ack) marshal() []byte {
	buf := protowire.AppendTag(nil, fieldAckExecutor, protowire.BytesType)
	return protowire.AppendBytes(buf, a.Executor[:])
}

func unmarshalAck(b []byte) (ack, error) {
	var a ack
	err := fields(b, func(f field) error {
		if f.num == fieldAckExecutor {
			if len(f.bytes) != len(a.Executor) {
				return fault.New(fault.Serialization, "executor id of %d bytes", len(f.bytes))
			}
			copy(a.Executor[:], f.bytes)
		}
		return nil
	})
	return a, err
}

func (d *Digest) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldDigestSubnet, protowire.BytesType)
	buf = protowire.AppendString(buf, d.Subnet)
	for _, e := range d.Peers {
		var sub []byte
		sub = protowire.AppendTag(sub, fieldEntryID, protowire.BytesType)
		sub = protowire.AppendBytes(sub, e.ID[:])
		sub = protowire.AppendTag(sub, fieldEntryAddr, protowire.BytesType)
		sub = protowire.AppendString(sub, e.Addr)
		sub = protowire.AppendTag(sub, fieldEntryRole, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(e.Role))
		sub = protowire.AppendTag(sub, fieldEntryAge, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(e.Age.Milliseconds()))
		buf = protowire.AppendTag(buf, fieldDigestEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	return buf
}

func unmarshalDigest(b []byte) (*Digest, error) {
	d := &Digest{}
	err := fields(b, func(f field) error {
		switch f.num {
		case fieldDigestSubnet:
			d.Subnet = string(f.bytes)
		case fieldDigestEntry:
			var e DigestEntry
			var haveID bool
			err := fields(f.bytes, func(f field) error {
				switch f.num {
				case fieldEntryID:
					if len(f.bytes) != len(e.ID) {
						return fault.New(fault.Serialization, "peer id of %d bytes", len(f.bytes))
					}
					copy(e.ID[:], f.bytes)
					haveID = true
				case fieldEntryAddr:
					e.Addr = string(f.bytes)
				case fieldEntryRole:
					e.Role = Role(f.varint)
					if e.Role > RoleLight {
						return fault.New(fault.Serialization, "unknown role %d", f.varint)
					}
				case fieldEntryAge:
					e.Age = time.Duration(f.varint) * time.Millisecond
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !haveID {
				return fault.New(fault.Serialization, "digest entry without peer id")
			}
			d.Peers = append(d.Peers, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func appendNotes(buf []byte, num protowire.Number, notes []tonnetz.Note) []byte {
	for _, n := range notes {
		var sub []byte
		sub = protowire.AppendTag(sub, fieldNoteClass, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(n.Class))
		if n.Pinned() {
			sub = protowire.AppendTag(sub, fieldNoteOctave, protowire.VarintType)
			sub = protowire.AppendVarint(sub, protowire.EncodeZigZag(int64(n.Octave)))
			sub = protowire.AppendTag(sub, fieldNotePinned, protowire.VarintType)
			sub = protowire.AppendVarint(sub, protowire.EncodeBool(true))
		}
		buf = protowire.AppendTag(buf, num, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	return buf
}

func unmarshalNote(b []byte) (tonnetz.Note, error) {
	var class uint64
	var octave int64
	var pinned bool
	err := fields(b, func(f field) error {
		switch f.num {
		case fieldNoteClass:
			class = f.varint
		case fieldNoteOctave:
			octave = protowire.DecodeZigZag(f.varint)
		case fieldNotePinned:
			pinned = protowire.DecodeBool(f.varint)
		}
		return nil
	})
	if err != nil {
		return tonnetz.Note{}, err
	}
	if class >= tonnetz.Classes {
		return tonnetz.Note{}, fault.New(fault.Serialization, "pitch class %d out of range", class)
	}
	if pinned {
		return tonnetz.NO(int(class), int(octave)), nil
	}
	return tonnetz.N(int(class)), nil
}

func triadAt(idx uint64) (tonnetz.Triad, error) {
	if idx >= tonnetz.NumTriads {
		return tonnetz.Triad{}, fault.New(fault.Serialization, "triad index %d out of range", idx)
	}
	return tonnetz.TriadAt(int(idx)), nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// fields walks the top-level fields of a protowire message. Unknown field
// numbers are left to fn, which ignores them.
func fields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fault.Wrap(fault.Serialization, protowire.ParseError(n), "malformed payload")
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fault.Wrap(fault.Serialization, protowire.ParseError(n), "malformed payload")
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
