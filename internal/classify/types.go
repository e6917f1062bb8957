// Package classify labels individual image blocks with deterministic byte-level rules.
package classify

import "fmt"

// Class is the wipe classification of a block or region.
type Class string

const (
	ClassZero   Class = "ZERO"
	ClassFF     Class = "FF"
	ClassRandom Class = "RANDOM"
	ClassMulti  Class = "MULTI"
	ClassNormal Class = "NORMAL"
)

// Classes lists every class in reporting order.
var Classes = []Class{ClassZero, ClassFF, ClassRandom, ClassMulti, ClassNormal}

// Suspicious reports whether the class is evidence of overwriting.
func (c Class) Suspicious() bool {
	switch c {
	case ClassZero, ClassFF, ClassRandom, ClassMulti:
		return true
	default:
		return false
	}
}

// ParseClass converts a label back into a Class.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("classify: unknown class %q", s)
}

// Verdict is the classifier output for one block.
type Verdict struct {
	Index  uint64
	Offset uint64
	Length uint32

	Class    Class
	Entropy  float64 // bits per byte, 0..8
	Flatness float64 // 1.0 = uniform histogram, 0.0 = single byte value

	// DominantByte is meaningful only when HasDominant is set (ZERO, FF, MULTI).
	DominantByte  byte
	HasDominant   bool
	DominantShare float64 // share of the most frequent byte value

	// Period is the repeat length in bytes for MULTI pattern blocks, 0 if none.
	Period uint32
}

// End returns the exclusive end offset of the block.
func (v Verdict) End() uint64 {
	return v.Offset + uint64(v.Length)
}
