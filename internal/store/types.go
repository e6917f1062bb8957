// Package store keeps the SQLite index of completed scans.
//
// The index is secondary: the analysis document on disk is authoritative.
// Rows let the CLI and API list history without opening every document.
package store

import (
	"time"

	"wipetrace/internal/report"
)

// Scan is one row of the scans table.
type Scan struct {
	SessionID        string
	Source           string
	ImageSize        int64
	BlockSize        int64
	TotalBlocks      int64
	SuspiciousBlocks int64
	AverageEntropy   float64
	IntentScore      float64
	Assessment       string
	CoherenceBonus   float64
	Partial          bool
	PartialError     string
	DigestAlgorithm  string
	DigestValue      string
	DocumentPath     string
	DocumentSHA256   string
	CreatedNs        int64
	DurationNs       int64
}

// Created returns CreatedNs as a time.
func (s *Scan) Created() time.Time { return time.Unix(0, s.CreatedNs) }

// Duration returns DurationNs as a duration.
func (s *Scan) Duration() time.Duration { return time.Duration(s.DurationNs) }

// Region is one row of the regions table.
type Region struct {
	SessionID   string
	Ordinal     int
	StartOffset int64
	EndOffset   int64
	Class       string
	BlockCount  int64
	Homogeneity float64
	Confidence  float64
	Excluded    bool
}

// Upload is an image received over the API and kept for scanning.
type Upload struct {
	SessionID string
	Path      string
	SizeBytes int64
	SHA256    string
	CreatedNs int64
}

// FromDocument builds the index rows for a published document.
func FromDocument(doc *report.Document, path, docSHA256 string, created time.Time, elapsed time.Duration) (*Scan, []Region) {
	s := &Scan{
		SessionID:        doc.SessionID,
		Source:           doc.Source,
		ImageSize:        int64(doc.ImageSize),
		BlockSize:        int64(doc.BlockSize),
		TotalBlocks:      int64(doc.TotalBlocks),
		SuspiciousBlocks: int64(doc.SuspiciousBlocks),
		AverageEntropy:   doc.AverageEntropy,
		IntentScore:      doc.IntentScore,
		Assessment:       doc.Assessment,
		CoherenceBonus:   doc.CoherenceBonus,
		Partial:          doc.Partial,
		PartialError:     doc.PartialError,
		DocumentPath:     path,
		DocumentSHA256:   docSHA256,
		CreatedNs:        created.UnixNano(),
		DurationNs:       int64(elapsed),
	}
	if doc.ImageDigest != nil {
		s.DigestAlgorithm = doc.ImageDigest.Algorithm
		s.DigestValue = doc.ImageDigest.Value
	}

	regions := make([]Region, len(doc.Regions))
	for i, r := range doc.Regions {
		regions[i] = Region{
			SessionID:   doc.SessionID,
			Ordinal:     i,
			StartOffset: int64(r.StartOffset),
			EndOffset:   int64(r.EndOffset),
			Class:       r.Class,
			BlockCount:  int64(r.BlockCount),
			Homogeneity: r.Homogeneity,
			Confidence:  r.Confidence,
			Excluded:    r.Excluded,
		}
	}
	return s, regions
}
