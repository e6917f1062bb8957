package scan

import (
	"time"

	"wipetrace/internal/aggregate"
	"wipetrace/internal/classify"
	"wipetrace/internal/score"
)

// Result is the complete outcome of one scan. It is fully populated before
// it is returned and is not modified afterwards.
type Result struct {
	ImageSize        uint64
	BlockSize        uint32
	TotalBlocks      uint64
	SuspiciousBlocks uint64
	AverageEntropy   float64
	ClassCounts      map[classify.Class]uint64

	Regions          []aggregate.Region
	DiscardedRegions int

	IntentScore    float64
	BaseScore      float64
	CoherenceBonus float64
	Coverage       float64
	PassGroups     int
	Assessment     score.Assessment

	// Partial is set when reading stopped early; regions up to that point
	// are still scored.
	Partial      bool
	PartialError string

	Elapsed time.Duration
}

// Empty reports whether the image had no data.
func (r *Result) Empty() bool {
	return r.TotalBlocks == 0
}

// ContributingRegions returns the regions that count toward the intent score.
func (r *Result) ContributingRegions() []aggregate.Region {
	var out []aggregate.Region
	for _, reg := range r.Regions {
		if !reg.Excluded {
			out = append(out, reg)
		}
	}
	return out
}
