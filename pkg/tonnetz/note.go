// Package tonnetz implements the symbolic algebra of the fabric: pitch
// classes, notes, intervals, triads and the neo-Riemannian L, P and R
// transformations acting on them.
package tonnetz

import (
	"fmt"
)

// Classes is the size of the pitch-class alphabet.
const Classes = 12

// PitchClass is an integer pitch class in [0, 12).
type PitchClass uint8

func (pc PitchClass) Valid() bool {
	return pc < Classes
}

// Transpose shifts pc by iv semitones, modulo 12.
func (pc PitchClass) Transpose(iv Interval) PitchClass {
	return PitchClass(mod12(int(pc) + int(iv)))
}

var pitchNames = [Classes]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

func (pc PitchClass) String() string {
	if !pc.Valid() {
		return fmt.Sprintf("PitchClass(%d)", uint8(pc))
	}
	return pitchNames[pc]
}

// Note is a pitch class with an optional octave. Two notes compare equal by
// pitch class unless both pin an octave.
type Note struct {
	Class  PitchClass
	Octave int
	pinned bool
}

// N returns a note without octave information.
func N(class int) Note {
	return Note{Class: PitchClass(mod12(class))}
}

// NO returns a note pinned to an octave.
func NO(class, octave int) Note {
	return Note{Class: PitchClass(mod12(class)), Octave: octave + floorDiv(class, Classes), pinned: true}
}

// Pinned reports whether the note carries an octave.
func (n Note) Pinned() bool {
	return n.pinned
}

func (n Note) Valid() bool {
	return n.Class.Valid()
}

// Absolute is the note's position in semitones from octave 0.
func (n Note) Absolute() int {
	return n.Octave*Classes + int(n.Class)
}

func (n Note) Equal(o Note) bool {
	if n.pinned && o.pinned {
		return n.Class == o.Class && n.Octave == o.Octave
	}
	return n.Class == o.Class
}

// Compare orders notes by (octave, pitch class).
func (n Note) Compare(o Note) int {
	switch a, b := n.Absolute(), o.Absolute(); {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Transpose adds iv semitones: modular on the pitch class, additive on the
// octave.
func (n Note) Transpose(iv Interval) Note {
	abs := n.Absolute() + int(iv)
	return Note{
		Class:  PitchClass(mod12(abs)),
		Octave: floorDiv(abs, Classes),
		pinned: n.pinned,
	}
}

func (n Note) String() string {
	if n.pinned {
		return fmt.Sprintf("%s%d", n.Class, n.Octave)
	}
	return n.Class.String()
}

// Interval is a signed distance in semitones.
type Interval int

// Between returns the signed interval from a to b.
func Between(a, b Note) Interval {
	return Interval(b.Absolute() - a.Absolute())
}

// Class returns the interval reduced to [0, 12).
func (iv Interval) Class() int {
	return mod12(int(iv))
}

func mod12(v int) int {
	v %= Classes
	if v < 0 {
		v += Classes
	}
	return v
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
