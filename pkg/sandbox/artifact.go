// Package sandbox loads content-addressed Starlark modules and drives a
// triadic machine through the host ABI they are granted.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/tonnetz"
	"google.golang.org/protobuf/encoding/protowire"
)

// ABIVersion is the host ABI exposed to modules.
const ABIVersion = 1

// DefaultEntry is the entry point used when a manifest names none.
const DefaultEntry = "step"

// Hash is the 256-bit identity of an artifact.
type Hash [sha256.Size]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short is the 12 first hex digits, for logs.
func (h Hash) Short() string {
	return h.String()[:12]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fault.Wrap(fault.Serialization, err, "program hash")
	}
	if len(b) != len(h) {
		return h, fault.New(fault.Serialization, "program hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Manifest describes how a module must be run.
type Manifest struct {
	Name string
	// Entry is the exported function called once per machine step.
	Entry      string
	ABIVersion uint32
	// MemoryBudget is the maximal number of tape cells.
	MemoryBudget uint64
	// StepBudget is the maximal number of machine steps.
	StepBudget uint64
	// CallBudget is the maximal number of interpreter steps per entry call.
	CallBudget uint64
	Halt       machine.HaltWhen
}

// Artifact is a manifest plus the module source.
type Artifact struct {
	Manifest Manifest
	Source   []byte
}

const (
	fieldManifest = 1
	fieldSource   = 2

	fieldName         = 1
	fieldEntry        = 2
	fieldABI          = 3
	fieldMemoryBudget = 4
	fieldStepBudget   = 5
	fieldCallBudget   = 6
	fieldHaltClass    = 7
	fieldHaltTriad    = 8
)

// Marshal returns the canonical serialization: every field in ascending
// order, halt sets sorted and deduplicated.
func (a *Artifact) Marshal() []byte {
	man := a.Manifest.marshal()
	buf := make([]byte, 0, len(man)+len(a.Source)+16)
	buf = protowire.AppendTag(buf, fieldManifest, protowire.BytesType)
	buf = protowire.AppendBytes(buf, man)
	buf = protowire.AppendTag(buf, fieldSource, protowire.BytesType)
	buf = protowire.AppendBytes(buf, a.Source)
	return buf
}

// Hash is the SHA-256 of the canonical serialization.
func (a *Artifact) Hash() Hash {
	return sha256.Sum256(a.Marshal())
}

func (m Manifest) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldName, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Name)
	buf = protowire.AppendTag(buf, fieldEntry, protowire.BytesType)
	buf = protowire.AppendString(buf, m.entry())
	buf = protowire.AppendTag(buf, fieldABI, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.ABIVersion))
	buf = protowire.AppendTag(buf, fieldMemoryBudget, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.MemoryBudget)
	buf = protowire.AppendTag(buf, fieldStepBudget, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.StepBudget)
	buf = protowire.AppendTag(buf, fieldCallBudget, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.CallBudget)

	classes := make([]int, 0, len(m.Halt.Classes))
	for _, c := range m.Halt.Classes {
		classes = append(classes, int(c))
	}
	slices.Sort(classes)
	for _, c := range slices.Compact(classes) {
		buf = protowire.AppendTag(buf, fieldHaltClass, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(c))
	}

	triads := make([]int, 0, len(m.Halt.Triads))
	for _, t := range m.Halt.Triads {
		triads = append(triads, tonnetz.Index(t))
	}
	slices.Sort(triads)
	for _, t := range slices.Compact(triads) {
		buf = protowire.AppendTag(buf, fieldHaltTriad, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(t))
	}
	return buf
}

func (m Manifest) entry() string {
	if m.Entry == "" {
		return DefaultEntry
	}
	return m.Entry
}

// UnmarshalArtifact decodes an artifact. Unknown fields are skipped.
func UnmarshalArtifact(b []byte) (*Artifact, error) {
	a := &Artifact{}
	var haveManifest bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]
		switch {
		case num == fieldManifest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(n)
			}
			man, err := unmarshalManifest(v)
			if err != nil {
				return nil, err
			}
			a.Manifest = man
			haveManifest = true
			b = b[n:]
		case num == fieldSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(n)
			}
			a.Source = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
		}
	}
	if !haveManifest {
		return nil, fault.New(fault.Serialization, "artifact has no manifest")
	}
	return a, nil
}

func unmarshalManifest(b []byte) (Manifest, error) {
	var m Manifest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, malformed(n)
		}
		b = b[n:]
		if typ == protowire.BytesType && (num == fieldName || num == fieldEntry) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, malformed(n)
			}
			if num == fieldName {
				m.Name = string(v)
			} else {
				m.Entry = string(v)
			}
			b = b[n:]
			continue
		}
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, malformed(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return m, malformed(n)
		}
		b = b[n:]
		switch num {
		case fieldABI:
			m.ABIVersion = uint32(v)
		case fieldMemoryBudget:
			m.MemoryBudget = v
		case fieldStepBudget:
			m.StepBudget = v
		case fieldCallBudget:
			m.CallBudget = v
		case fieldHaltClass:
			c := tonnetz.Class(v)
			if !c.Valid() {
				return m, fault.New(fault.Serialization, "unknown halt class %d", v)
			}
			m.Halt.Classes = append(m.Halt.Classes, c)
		case fieldHaltTriad:
			if v >= tonnetz.NumTriads {
				return m, fault.New(fault.Serialization, "unknown halt triad %d", v)
			}
			m.Halt.Triads = append(m.Halt.Triads, tonnetz.TriadAt(int(v)))
		}
	}
	return m, nil
}

func malformed(n int) error {
	return fault.Wrap(fault.Serialization, protowire.ParseError(n), "malformed artifact")
}

func (a *Artifact) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", a.Manifest.Name, a.Hash().Short(), len(a.Source))
}
