package classify

import (
	"fmt"

	"wipetrace/internal/blockio"
)

// Thresholds are the tunable decision parameters.
type Thresholds struct {
	// Entropy is the minimum bits/byte for RANDOM (0..8).
	Entropy float64
	// Flatness is the minimum histogram flatness for RANDOM (0..1).
	Flatness float64
	// MaxPeriod is the longest repeat period tried for MULTI, in bytes.
	MaxPeriod int
	// PeriodCoverage is the fraction of positions a period must explain.
	PeriodCoverage float64
	// BimodalCoverage is the share the two most frequent bytes must cover.
	BimodalCoverage float64
	// BimodalMinorShare is the minimum share of the second most frequent byte.
	BimodalMinorShare float64
	// FillCeiling disables the period search when 0x00 or 0xFF alone reaches
	// this share, so partially filled sectors stay NORMAL.
	FillCeiling float64
}

// DefaultThresholds returns the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Entropy:           7.5,
		Flatness:          0.9,
		MaxPeriod:         32,
		PeriodCoverage:    0.9,
		BimodalCoverage:   0.9,
		BimodalMinorShare: 0.2,
		FillCeiling:       0.9,
	}
}

// RangeError reports a parameter outside its valid range.
type RangeError struct {
	Field    string
	Value    float64
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s = %v out of range [%v, %v]", e.Field, e.Value, e.Min, e.Max)
}

// Validate checks every threshold against its domain.
func (t Thresholds) Validate() error {
	checks := []struct {
		field    string
		value    float64
		min, max float64
	}{
		{"entropy_threshold", t.Entropy, 0, 8},
		{"flatness_threshold", t.Flatness, 0, 1},
		{"max_period", float64(t.MaxPeriod), 1, 4096},
		{"period_coverage", t.PeriodCoverage, 0, 1},
		{"bimodal_coverage", t.BimodalCoverage, 0, 1},
		{"bimodal_minor_share", t.BimodalMinorShare, 0, 1},
		{"fill_ceiling", t.FillCeiling, 0, 1},
	}
	for _, c := range checks {
		if c.value < c.min || c.value > c.max || c.value != c.value {
			return &RangeError{Field: c.field, Value: c.value, Min: c.min, Max: c.max}
		}
	}
	return nil
}

// Classifier applies the block rules. It holds no mutable state and is safe
// for concurrent use.
type Classifier struct {
	t Thresholds
}

// New returns a Classifier for the given thresholds.
func New(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{t: t}, nil
}

// Thresholds returns the classifier's parameters.
func (c *Classifier) Thresholds() Thresholds {
	return c.t
}

// Classify labels one block. Rules are applied in priority order and the
// first match wins: ZERO, FF, RANDOM, MULTI, NORMAL.
func (c *Classifier) Classify(b *blockio.Block) Verdict {
	v := Verdict{
		Index:  b.Index,
		Offset: b.Offset,
		Length: uint32(len(b.Data)),
		Class:  ClassNormal,
	}
	n := len(b.Data)
	if n == 0 {
		return v
	}

	h := NewHistogram(b.Data)

	if h[0x00] == n {
		v.Class = ClassZero
		v.DominantByte, v.HasDominant, v.DominantShare = 0x00, true, 1
		return v
	}
	if h[0xFF] == n {
		v.Class = ClassFF
		v.DominantByte, v.HasDominant, v.DominantShare = 0xFF, true, 1
		return v
	}

	v.Entropy = ShannonEntropy(h, n)
	v.Flatness = Flatness(h, n)

	first, firstCount, _, secondCount := TopTwo(h)
	nFloat := float64(n)
	v.DominantShare = float64(firstCount) / nFloat

	if v.Entropy >= c.t.Entropy && v.Flatness >= c.t.Flatness {
		v.Class = ClassRandom
		return v
	}

	fill := max(h[0x00], h[0xFF])
	if float64(fill)/nFloat < c.t.FillCeiling {
		if p := RepeatPeriod(b.Data, c.t.MaxPeriod, c.t.PeriodCoverage); p > 0 {
			v.Class = ClassMulti
			v.Period = p
			v.DominantByte, v.HasDominant = first, true
			return v
		}
	}

	if float64(firstCount+secondCount)/nFloat >= c.t.BimodalCoverage &&
		float64(secondCount)/nFloat >= c.t.BimodalMinorShare {
		v.Class = ClassMulti
		v.DominantByte, v.HasDominant = first, true
		return v
	}

	return v
}
