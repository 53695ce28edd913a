package tonnetz

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raskyld/contained/pkg/fault"
)

// Class tags the quality of a triad.
type Class uint8

const (
	Major Class = iota
	Minor
	Augmented
	Diminished
)

// signatures holds the consecutive intervals (root->third, third->fifth).
var signatures = [...][2]int{
	Major:      {4, 3},
	Minor:      {3, 4},
	Augmented:  {4, 4},
	Diminished: {3, 3},
}

var classNames = [...]string{
	Major:      "major",
	Minor:      "minor",
	Augmented:  "augmented",
	Diminished: "diminished",
}

func (c Class) Valid() bool {
	return int(c) < len(signatures)
}

func (c Class) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
	return classNames[c]
}

// ParseClass accepts the full class name or its first three letters.
func ParseClass(s string) (Class, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range classNames {
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return Class(i), nil
		}
	}
	return 0, fault.New(fault.InvalidTriad, "unknown triad class %q", s)
}

// Triad is a root pitch class and a class tag. Members are derived from the
// class signature so a Triad value is valid by construction.
type Triad struct {
	Root  PitchClass
	Class Class
}

// NewTriad builds the triad of the given class on root. Augmented triads
// are symmetric, so the root is normalized to the member with the smallest
// pitch class.
func NewTriad(root int, class Class) (Triad, error) {
	if !class.Valid() {
		return Triad{}, fault.New(fault.InvalidTriad, "unknown triad class %d", class)
	}
	return canonical(PitchClass(mod12(root)), class), nil
}

// MustTriad is NewTriad for constant inputs.
func MustTriad(root int, class Class) Triad {
	t, err := NewTriad(root, class)
	if err != nil {
		panic(err)
	}
	return t
}

// FromNotes validates the ordered triple (root, third, fifth) against the
// four class signatures.
func FromNotes(root, third, fifth Note) (Triad, error) {
	lo := Between(root, third).Class()
	hi := Between(third, fifth).Class()
	for c, sig := range signatures {
		if sig[0] == lo && sig[1] == hi {
			return canonical(root.Class, Class(c)), nil
		}
	}
	return Triad{}, fault.New(fault.InvalidTriad,
		"(%s, %s, %s) matches no triad signature", root, third, fifth)
}

func canonical(root PitchClass, class Class) Triad {
	if class == Augmented {
		root = PitchClass(int(root) % 4)
	}
	return Triad{Root: root, Class: class}
}

// Members returns (root, third, fifth). For augmented triads the members
// start at the canonical root.
func (t Triad) Members() [3]PitchClass {
	sig := signatures[t.Class]
	third := t.Root.Transpose(Interval(sig[0]))
	return [3]PitchClass{t.Root, third, third.Transpose(Interval(sig[1]))}
}

// Contains reports whether pc is one of the members.
func (t Triad) Contains(pc PitchClass) bool {
	for _, m := range t.Members() {
		if m == pc {
			return true
		}
	}
	return false
}

// Valid re-checks the signature invariant.
func (t Triad) Valid() bool {
	if !t.Class.Valid() || !t.Root.Valid() {
		return false
	}
	if t.Class == Augmented && t.Root > 3 {
		return false
	}
	m := t.Members()
	_, err := FromNotes(Note{Class: m[0]}, Note{Class: m[1]}, Note{Class: m[2]})
	return err == nil
}

func (t Triad) String() string {
	m := t.Members()
	return fmt.Sprintf("(%d, %d, %d) %s", m[0], m[1], m[2], t.Class)
}

// ParseTriad reads "<root>:<class>", for example "0:major" or "9:min".
func ParseTriad(s string) (Triad, error) {
	root, class, ok := strings.Cut(s, ":")
	if !ok {
		return Triad{}, fault.New(fault.InvalidTriad, "expected <root>:<class>, got %q", s)
	}
	r, err := strconv.Atoi(strings.TrimSpace(root))
	if err != nil {
		return Triad{}, fault.Wrap(fault.InvalidTriad, err, "root")
	}
	c, err := ParseClass(class)
	if err != nil {
		return Triad{}, err
	}
	return NewTriad(r, c)
}
