// Package aggregate merges the ordered verdict stream into wipe regions.
package aggregate

import (
	"fmt"

	"wipetrace/internal/classify"
)

// Params controls merging and filtering.
type Params struct {
	// GapTolerance is the number of consecutive NORMAL blocks absorbed
	// inside an open region before it is closed.
	GapTolerance int
	// MinRegionBlocks is the smallest region that is emitted.
	MinRegionBlocks int
}

// DefaultParams returns the default merge parameters.
func DefaultParams() Params {
	return Params{
		GapTolerance:    2,
		MinRegionBlocks: 2,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.GapTolerance < 0 {
		return fmt.Errorf("gap_tolerance must not be negative, got %d", p.GapTolerance)
	}
	if p.MinRegionBlocks < 1 {
		return fmt.Errorf("min_region_blocks must be at least 1, got %d", p.MinRegionBlocks)
	}
	return nil
}

// Region is a contiguous run of blocks sharing one wipe class.
type Region struct {
	StartOffset uint64
	EndOffset   uint64 // exclusive
	FirstBlock  uint64
	Class       classify.Class

	BlockCount  uint32
	MatchCount  uint32
	Homogeneity float64

	MeanEntropy  float64
	MeanFlatness float64

	// DominantByte and Period are kept only when every matching block agrees.
	DominantByte byte
	HasDominant  bool
	Period       uint32

	// Filled in by the scorer. PassGroup is 1-based; 0 means the region is
	// not part of a multi-pass group.
	Confidence float64
	Excluded   bool
	PassGroup  int
}

// Span returns the region length in bytes.
func (r Region) Span() uint64 {
	return r.EndOffset - r.StartOffset
}

// openRegion accumulates the region currently being built.
type openRegion struct {
	class      classify.Class
	start      uint64
	end        uint64
	firstBlock uint64

	blocks  uint32
	matches uint32

	sumEntropy  float64
	sumFlatness float64

	dominant      byte
	hasDominant   bool
	dominantMixed bool
	period        uint32
	periodMixed   bool

	// Trailing NORMAL blocks not yet confirmed as part of the region.
	pending int
}

func (o *openRegion) add(v classify.Verdict) {
	if o.pending > 0 {
		o.blocks += uint32(o.pending)
		o.pending = 0
	}
	o.blocks++
	o.matches++
	o.end = v.End()
	o.sumEntropy += v.Entropy
	o.sumFlatness += v.Flatness

	if v.HasDominant {
		switch {
		case !o.hasDominant && !o.dominantMixed:
			o.dominant, o.hasDominant = v.DominantByte, true
		case o.hasDominant && v.DominantByte != o.dominant:
			o.hasDominant, o.dominantMixed = false, true
		}
	} else if o.hasDominant {
		o.hasDominant, o.dominantMixed = false, true
	}

	switch {
	case o.matches == 1:
		o.period = v.Period
	case v.Period != o.period:
		o.period, o.periodMixed = 0, true
	}
}

func (o *openRegion) region() Region {
	r := Region{
		StartOffset: o.start,
		EndOffset:   o.end,
		FirstBlock:  o.firstBlock,
		Class:       o.class,
		BlockCount:  o.blocks,
		MatchCount:  o.matches,
		Homogeneity: float64(o.matches) / float64(o.blocks),
	}
	r.MeanEntropy = o.sumEntropy / float64(o.matches)
	r.MeanFlatness = o.sumFlatness / float64(o.matches)
	if o.hasDominant {
		r.DominantByte, r.HasDominant = o.dominant, true
	}
	if !o.periodMixed {
		r.Period = o.period
	}
	return r
}

// Aggregator is the per-scan region state machine. It starts IDLE, moves to
// IN_REGION on a suspicious verdict, and returns to IDLE when the region is
// closed by a class change, an exhausted gap window, or Flush.
//
// An Aggregator is owned by a single scan and is not safe for concurrent use.
type Aggregator struct {
	p Params

	open      *openRegion
	regions   []Region
	discarded int

	started bool
	next    uint64
	flushed bool
}

// New returns an idle Aggregator.
func New(p Params) (*Aggregator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{p: p}, nil
}

// Add consumes the next verdict. Verdicts must arrive in strictly
// increasing block order; anything else is a programming error and panics.
func (a *Aggregator) Add(v classify.Verdict) {
	if a.flushed {
		panic("aggregate: Add after Flush")
	}
	if a.started && v.Index < a.next {
		panic(fmt.Sprintf("aggregate: block %d arrived after block %d", v.Index, a.next-1))
	}
	a.started = true
	a.next = v.Index + 1

	switch {
	case a.open == nil:
		if v.Class.Suspicious() {
			a.openWith(v)
		}
	case v.Class == a.open.class:
		a.open.add(v)
	case v.Class == classify.ClassNormal:
		a.open.pending++
		if a.open.pending > a.p.GapTolerance {
			a.close()
		}
	default:
		a.close()
		a.openWith(v)
	}
}

// Flush closes any open region and returns every emitted region in offset order.
// The Aggregator accepts no further verdicts afterwards.
func (a *Aggregator) Flush() []Region {
	if a.open != nil {
		a.close()
	}
	a.flushed = true
	return a.regions
}

// Regions returns the regions emitted so far.
func (a *Aggregator) Regions() []Region {
	return a.regions
}

// Discarded returns how many closed regions fell below MinRegionBlocks.
func (a *Aggregator) Discarded() int {
	return a.discarded
}

// InRegion reports whether a region is currently open.
func (a *Aggregator) InRegion() bool {
	return a.open != nil
}

func (a *Aggregator) openWith(v classify.Verdict) {
	a.open = &openRegion{
		class:      v.Class,
		start:      v.Offset,
		firstBlock: v.Index,
	}
	a.open.add(v)
}

// close drops unconfirmed gap blocks and emits the region if it is large enough.
func (a *Aggregator) close() {
	o := a.open
	a.open = nil
	o.pending = 0

	if int(o.blocks) < a.p.MinRegionBlocks {
		a.discarded++
		return
	}
	a.regions = append(a.regions, o.region())
}
