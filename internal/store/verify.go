package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// ErrTampered reports a document whose bytes no longer match the index.
var ErrTampered = errors.New("document hash mismatch")

// DocumentHash returns the hex sha256 of encoded document bytes.
func DocumentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyDocument checks data against the hash recorded for sessionID.
func (s *Store) VerifyDocument(sessionID string, data []byte) error {
	rec, err := s.GetScan(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if got := DocumentHash(data); got != rec.DocumentSHA256 {
		return fmt.Errorf("%w for %s: computed %s, recorded %s", ErrTampered, sessionID, got, rec.DocumentSHA256)
	}
	return nil
}

// VerifyAll re-reads every indexed document and returns the sessions whose
// file is missing or altered.
func (s *Store) VerifyAll() ([]string, error) {
	scans, err := s.ListScans(0)
	if err != nil {
		return nil, err
	}
	var bad []string
	for _, rec := range scans {
		data, err := os.ReadFile(rec.DocumentPath)
		if err != nil || DocumentHash(data) != rec.DocumentSHA256 {
			bad = append(bad, rec.SessionID)
		}
	}
	return bad, nil
}
