package tonnetz

import (
	"fmt"
	"strings"
)

// Transformation is one of the three neo-Riemannian involutions.
type Transformation uint8

const (
	L Transformation = iota
	P
	R
)

// Transformations lists the closed set in index order.
var Transformations = [...]Transformation{L, P, R}

func (x Transformation) Valid() bool {
	return x <= R
}

func (x Transformation) String() string {
	switch x {
	case L:
		return "L"
	case P:
		return "P"
	case R:
		return "R"
	}
	return fmt.Sprintf("Transformation(%d)", uint8(x))
}

func ParseTransformation(s string) (Transformation, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L":
		return L, true
	case "P":
		return P, true
	case "R":
		return R, true
	}
	return 0, false
}

// Apply returns x(t).
//
// On major and minor triads these are the contextual inversions of
// neo-Riemannian theory: P keeps root and fifth, R keeps the major third,
// L keeps the minor third. Augmented and diminished triads have no mode to
// flip: P fixes them, L is the fixed-axis inversion moving every voice by
// a semitone (x -> 1-x, x -> 5-x for diminished) and R transposes by a
// tritone.
func Apply(x Transformation, t Triad) Triad {
	switch t.Class {
	case Major:
		switch x {
		case P:
			return Triad{Root: t.Root, Class: Minor}
		case R:
			return Triad{Root: t.Root.Transpose(9), Class: Minor}
		case L:
			return Triad{Root: t.Root.Transpose(4), Class: Minor}
		}
	case Minor:
		switch x {
		case P:
			return Triad{Root: t.Root, Class: Major}
		case R:
			return Triad{Root: t.Root.Transpose(3), Class: Major}
		case L:
			return Triad{Root: t.Root.Transpose(8), Class: Major}
		}
	case Augmented, Diminished:
		switch x {
		case P:
			return t
		case R:
			return canonical(t.Root.Transpose(6), t.Class)
		case L:
			return invert(t, t.Class == Augmented)
		}
	}
	return t
}

// invert applies x -> axis-x to the members of a symmetric triad.
func invert(t Triad, augmented bool) Triad {
	axis := 5
	if augmented {
		axis = 1
	}
	// The image of the fifth becomes the new root: inversion reverses order.
	fifth := t.Members()[2]
	return canonical(PitchClass(mod12(axis-int(fifth))), t.Class)
}

// Walk applies ops in order and returns every visited triad, starting with
// start itself.
func Walk(start Triad, ops []Transformation) []Triad {
	path := make([]Triad, 0, len(ops)+1)
	path = append(path, start)
	cur := start
	for _, op := range ops {
		cur = Apply(op, cur)
		path = append(path, cur)
	}
	return path
}

// ParseWalk reads a compact sequence such as "LPR" or "L,P,R".
func ParseWalk(s string) ([]Transformation, error) {
	ops := make([]Transformation, 0, len(s))
	for _, r := range s {
		if r == ',' || r == ' ' {
			continue
		}
		x, ok := ParseTransformation(string(r))
		if !ok {
			return nil, fmt.Errorf("tonnetz: unknown transformation %q", r)
		}
		ops = append(ops, x)
	}
	return ops, nil
}
