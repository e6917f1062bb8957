// Package score turns aggregated regions into per-region confidence and a
// whole-image intent score.
package score

import (
	"fmt"
	"math"

	"wipetrace/internal/aggregate"
	"wipetrace/internal/classify"
)

// Assessment is the banded reading of the intent score.
type Assessment string

const (
	AssessmentHigh   Assessment = "HIGH"
	AssessmentMedium Assessment = "MEDIUM"
	AssessmentLow    Assessment = "LOW"
)

// Params are the scoring weights and cut-offs.
type Params struct {
	WeightZero   float64
	WeightFF     float64
	WeightRandom float64
	WeightMulti  float64

	// SizeCap is the block count at which the size factor saturates.
	SizeCap int

	// CoverageSaturation is the fraction of the image that, once covered by
	// contributing regions, no longer scales the score down.
	CoverageSaturation float64

	CoherentBonus float64
	DistinctBonus float64

	// RANDOM regions smaller than RandomFloorBytes whose mean flatness falls
	// more than FlatnessMargin short of what uniform random data reaches at
	// their block length are treated as plausible compressed or encrypted
	// content and excluded from the intent score. The ceiling never drops
	// below FlatnessThreshold. RANDOM regions under the floor that are not
	// excluded have their confidence scaled by span/RandomFloorBytes.
	RandomFloorBytes  uint64
	FlatnessThreshold float64
	FlatnessMargin    float64

	// PassMinBands adjacent regions, each of a different class than the one
	// before and at most PassGapBlocks apart, form one multi-pass group.
	PassMinBands  int
	PassGapBlocks int

	HighThreshold   float64
	MediumThreshold float64
}

// DefaultParams returns the default scoring parameters.
func DefaultParams() Params {
	return Params{
		WeightZero:         1.0,
		WeightFF:           1.0,
		WeightRandom:       0.8,
		WeightMulti:        0.7,
		SizeCap:            256,
		CoverageSaturation: 0.10,
		CoherentBonus:      0.15,
		DistinctBonus:      0.05,
		RandomFloorBytes:   16 << 20,
		FlatnessThreshold:  0.9,
		FlatnessMargin:     0.003,
		PassMinBands:       3,
		PassGapBlocks:      4,
		HighThreshold:      0.70,
		MediumThreshold:    0.35,
	}
}

// Validate checks that weights and fractions lie in [0,1] and the rest are usable.
func (p Params) Validate() error {
	fractions := []struct {
		field string
		value float64
	}{
		{"weight_zero", p.WeightZero},
		{"weight_ff", p.WeightFF},
		{"weight_random", p.WeightRandom},
		{"weight_multi", p.WeightMulti},
		{"coherent_bonus", p.CoherentBonus},
		{"distinct_bonus", p.DistinctBonus},
		{"flatness_threshold", p.FlatnessThreshold},
		{"flatness_margin", p.FlatnessMargin},
		{"high_threshold", p.HighThreshold},
		{"medium_threshold", p.MediumThreshold},
	}
	for _, f := range fractions {
		if f.value < 0 || f.value > 1 || math.IsNaN(f.value) {
			return &classify.RangeError{Field: f.field, Value: f.value, Min: 0, Max: 1}
		}
	}
	if p.CoverageSaturation <= 0 || p.CoverageSaturation > 1 {
		return &classify.RangeError{Field: "coverage_saturation", Value: p.CoverageSaturation, Min: 0, Max: 1}
	}
	if p.SizeCap < 1 {
		return fmt.Errorf("size_cap must be at least 1, got %d", p.SizeCap)
	}
	if p.PassMinBands < 2 {
		return fmt.Errorf("pass_min_bands must be at least 2, got %d", p.PassMinBands)
	}
	if p.PassGapBlocks < 0 {
		return fmt.Errorf("pass_gap_blocks must not be negative, got %d", p.PassGapBlocks)
	}
	if p.DistinctBonus > p.CoherentBonus {
		return fmt.Errorf("distinct_bonus %v exceeds coherent_bonus %v", p.DistinctBonus, p.CoherentBonus)
	}
	if p.MediumThreshold > p.HighThreshold {
		return fmt.Errorf("medium_threshold %v exceeds high_threshold %v", p.MediumThreshold, p.HighThreshold)
	}
	return nil
}

// Weight returns the class certainty weight.
func (p Params) Weight(c classify.Class) float64 {
	switch c {
	case classify.ClassZero:
		return p.WeightZero
	case classify.ClassFF:
		return p.WeightFF
	case classify.ClassRandom:
		return p.WeightRandom
	case classify.ClassMulti:
		return p.WeightMulti
	default:
		return 0
	}
}

// Summary is the scored view of one scan.
type Summary struct {
	// Regions is a scored copy of the input; the input slice is not modified.
	Regions []aggregate.Region

	IntentScore    float64
	BaseScore      float64
	CoherenceBonus float64
	Coverage       float64
	Contributing   int
	PassGroups     int
	Assessment     Assessment
}

// Scorer computes confidences and intent. It is stateless.
type Scorer struct {
	p Params
}

// New returns a Scorer for the given parameters.
func New(p Params) (*Scorer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{p: p}, nil
}

// Params returns the scorer configuration.
func (s *Scorer) Params() Params {
	return s.p
}

// SizeFactor is the saturating size term.
// Formula: min(1, ln(blocks+1) / ln(size_cap+1))
func (s *Scorer) SizeFactor(blocks uint32) float64 {
	f := math.Log(float64(blocks)+1) / math.Log(float64(s.p.SizeCap)+1)
	return math.Min(1, f)
}

// Confidence returns w_class * f_size * homogeneity for a region. RANDOM
// regions under the size floor are further scaled by span/RandomFloorBytes.
func (s *Scorer) Confidence(r aggregate.Region) float64 {
	c := s.p.Weight(r.Class) * s.SizeFactor(r.BlockCount) * r.Homogeneity
	if r.Class == classify.ClassRandom && r.Span() < s.p.RandomFloorBytes {
		c *= float64(r.Span()) / float64(s.p.RandomFloorBytes)
	}
	return clamp(c, 0, 1)
}

// FlatnessCeiling is the mean flatness below which a small RANDOM region is
// taken for legitimate content: the flatness random data is expected to
// reach at the region's block length, less FlatnessMargin.
func (s *Scorer) FlatnessCeiling(r aggregate.Region) float64 {
	if r.BlockCount == 0 {
		return s.p.FlatnessThreshold
	}
	n := r.Span() / uint64(r.BlockCount)
	return math.Max(s.p.FlatnessThreshold, classify.ExpectedRandomFlatness(n)-s.p.FlatnessMargin)
}

// LegitimateEntropy reports whether a RANDOM region looks more like an
// ordinary compressed or encrypted file than a random overwrite.
func (s *Scorer) LegitimateEntropy(r aggregate.Region) bool {
	if r.Class != classify.ClassRandom {
		return false
	}
	return r.Span() < s.p.RandomFloorBytes && r.MeanFlatness < s.FlatnessCeiling(r)
}

// gapBlocks counts the blocks between the end of a and the start of b.
func gapBlocks(a, b aggregate.Region) uint64 {
	end := a.FirstBlock + uint64(a.BlockCount)
	if b.FirstBlock <= end {
		return 0
	}
	return b.FirstBlock - end
}

// markPasses numbers runs of adjacent contributing regions whose class
// changes at every step, the layout left by overwrite tools that alternate
// fills between passes. Members of the k-th run get PassGroup k; excluded
// regions end a run. It returns the number of runs found.
func (s *Scorer) markPasses(regions []aggregate.Region) int {
	groups := 0
	var run []int
	closeRun := func() {
		if len(run) >= s.p.PassMinBands {
			groups++
			for _, i := range run {
				regions[i].PassGroup = groups
			}
		}
		run = run[:0]
	}

	for i, r := range regions {
		if r.Excluded {
			closeRun()
			continue
		}
		if len(run) > 0 {
			prev := regions[run[len(run)-1]]
			if prev.Class == r.Class || gapBlocks(prev, r) > uint64(s.p.PassGapBlocks) {
				closeRun()
			}
		}
		run = append(run, i)
	}
	closeRun()
	return groups
}

// signature identifies regions that plausibly came from the same wipe pass.
type signature struct {
	class       classify.Class
	period      uint32
	dominant    byte
	hasDominant bool
}

func signatureOf(r aggregate.Region) signature {
	sig := signature{class: r.Class}
	if r.Class == classify.ClassMulti {
		sig.period = r.Period
		sig.dominant, sig.hasDominant = r.DominantByte, r.HasDominant
	}
	return sig
}

// Score scores every region and computes the intent score for an image of
// imageSize bytes.
//
// Formula, over contributing (non-excluded) regions i with byte span s_i:
//
//	base   = (sum c_i*s_i / sum s_i) * min(1, sum s_i / (imageSize * coverage_saturation))
//	intent = clamp(base * (1 + bonus), 0, 1)
//
// bonus is CoherentBonus when two or more contributing regions share a
// signature or form a multi-pass group, DistinctBonus when there are several
// but all differ, else 0.
func (s *Scorer) Score(regions []aggregate.Region, imageSize uint64) Summary {
	sum := Summary{
		Regions:    make([]aggregate.Region, len(regions)),
		Assessment: AssessmentLow,
	}

	var weighted, span float64
	seen := make(map[signature]int)
	repeated := false

	for i, r := range regions {
		r.Confidence = s.Confidence(r)
		r.Excluded = s.LegitimateEntropy(r)
		r.PassGroup = 0
		sum.Regions[i] = r
		if r.Excluded {
			continue
		}

		sum.Contributing++
		w := float64(r.Span())
		weighted += r.Confidence * w
		span += w

		sig := signatureOf(r)
		seen[sig]++
		if seen[sig] > 1 {
			repeated = true
		}
	}
	sum.PassGroups = s.markPasses(sum.Regions)

	if sum.Contributing == 0 || span == 0 || imageSize == 0 {
		return sum
	}

	sum.Coverage = span / float64(imageSize)
	sum.BaseScore = (weighted / span) * math.Min(1, sum.Coverage/s.p.CoverageSaturation)

	if sum.Contributing >= 2 {
		if repeated || sum.PassGroups > 0 {
			sum.CoherenceBonus = s.p.CoherentBonus
		} else {
			sum.CoherenceBonus = s.p.DistinctBonus
		}
	}

	sum.IntentScore = clamp(sum.BaseScore*(1+sum.CoherenceBonus), 0, 1)
	sum.Assessment = s.Assess(sum.IntentScore)
	return sum
}

// Assess maps an intent score to its band.
func (s *Scorer) Assess(intent float64) Assessment {
	switch {
	case intent >= s.p.HighThreshold:
		return AssessmentHigh
	case intent >= s.p.MediumThreshold:
		return AssessmentMedium
	default:
		return AssessmentLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
