// Package report turns scan results into the published analysis document.
//
// A Document has a fixed field order and carries no wall-clock time, so the
// same scan always encodes to the same bytes.
package report

import (
	"math"

	"wipetrace/internal/aggregate"
	"wipetrace/internal/classify"
	"wipetrace/internal/digest"
	"wipetrace/internal/scan"
)

// Document is the JSON result of one scan.
type Document struct {
	SessionID        string            `json:"session_id"`
	Source           string            `json:"source"`
	ImageSize        uint64            `json:"image_size"`
	BlockSize        uint32            `json:"block_size"`
	TotalBlocks      uint64            `json:"total_blocks"`
	SuspiciousBlocks uint64            `json:"suspicious_blocks"`
	AverageEntropy   float64           `json:"average_entropy"`
	IntentScore      float64           `json:"intent_score"`
	Assessment       string            `json:"assessment"`
	CoherenceBonus   float64           `json:"coherence_bonus"`
	MultiPassGroups  int               `json:"multi_pass_groups"`
	Partial          bool              `json:"partial"`
	PartialError     string            `json:"partial_error,omitempty"`
	ImageDigest      *digest.Digest    `json:"image_digest,omitempty"`
	ClassCounts      map[string]uint64 `json:"class_counts"`
	Regions          []Region          `json:"regions"`
}

// Region is one suspicious region as published.
type Region struct {
	StartOffset uint64  `json:"start_offset"`
	EndOffset   uint64  `json:"end_offset"`
	Class       string  `json:"class"`
	BlockCount  uint32  `json:"block_count"`
	Homogeneity float64 `json:"homogeneity"`
	Confidence  float64 `json:"confidence"`
	MeanEntropy float64 `json:"mean_entropy"`
	// DominantByte is null for classes without a single fill byte.
	DominantByte *uint8 `json:"dominant_byte"`
	Period       uint32 `json:"period"`
	Excluded     bool   `json:"excluded"`
	// PassGroup numbers the multi-pass group the region belongs to, 0 for none.
	PassGroup int `json:"pass_group"`
}

// round6 keeps documents readable. It is applied identically on every run.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// NewDocument builds the document for res. d may be nil when no digest was
// computed.
func NewDocument(res *scan.Result, sessionID, source string, d *digest.Digest) *Document {
	doc := &Document{
		SessionID:        sessionID,
		Source:           source,
		ImageSize:        res.ImageSize,
		BlockSize:        res.BlockSize,
		TotalBlocks:      res.TotalBlocks,
		SuspiciousBlocks: res.SuspiciousBlocks,
		AverageEntropy:   round6(res.AverageEntropy),
		IntentScore:      round6(res.IntentScore),
		Assessment:       string(res.Assessment),
		CoherenceBonus:   round6(res.CoherenceBonus),
		MultiPassGroups:  res.PassGroups,
		Partial:          res.Partial,
		PartialError:     res.PartialError,
		ImageDigest:      d,
		ClassCounts:      make(map[string]uint64, len(classify.Classes)),
		Regions:          make([]Region, 0, len(res.Regions)),
	}
	for _, c := range classify.Classes {
		doc.ClassCounts[string(c)] = res.ClassCounts[c]
	}
	for _, r := range res.Regions {
		doc.Regions = append(doc.Regions, newRegion(r))
	}
	return doc
}

func newRegion(r aggregate.Region) Region {
	out := Region{
		StartOffset: r.StartOffset,
		EndOffset:   r.EndOffset,
		Class:       string(r.Class),
		BlockCount:  r.BlockCount,
		Homogeneity: round6(r.Homogeneity),
		Confidence:  round6(r.Confidence),
		MeanEntropy: round6(r.MeanEntropy),
		Period:      r.Period,
		Excluded:    r.Excluded,
		PassGroup:   r.PassGroup,
	}
	if r.HasDominant {
		b := r.DominantByte
		out.DominantByte = &b
	}
	return out
}

// Contributing returns the regions that were not excluded.
func (d *Document) Contributing() []Region {
	var out []Region
	for _, r := range d.Regions {
		if !r.Excluded {
			out = append(out, r)
		}
	}
	return out
}
