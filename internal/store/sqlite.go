package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by operations that require an existing row.
var ErrNotFound = errors.New("scan not found")

// Store is the SQLite scan index.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const scanColumns = `session_id, source, image_size, block_size, total_blocks, suspicious_blocks,
	average_entropy, intent_score, assessment, coherence_bonus, partial, partial_error,
	digest_algorithm, digest_value, document_path, document_sha256, created_ns, duration_ns`

// SaveScan upserts the scan row and replaces its regions in one transaction.
func (s *Store) SaveScan(rec *Scan, regions []Region) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO scans (`+scanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			source = excluded.source,
			image_size = excluded.image_size,
			block_size = excluded.block_size,
			total_blocks = excluded.total_blocks,
			suspicious_blocks = excluded.suspicious_blocks,
			average_entropy = excluded.average_entropy,
			intent_score = excluded.intent_score,
			assessment = excluded.assessment,
			coherence_bonus = excluded.coherence_bonus,
			partial = excluded.partial,
			partial_error = excluded.partial_error,
			digest_algorithm = excluded.digest_algorithm,
			digest_value = excluded.digest_value,
			document_path = excluded.document_path,
			document_sha256 = excluded.document_sha256,
			created_ns = excluded.created_ns,
			duration_ns = excluded.duration_ns`,
		rec.SessionID, rec.Source, rec.ImageSize, rec.BlockSize, rec.TotalBlocks, rec.SuspiciousBlocks,
		rec.AverageEntropy, rec.IntentScore, rec.Assessment, rec.CoherenceBonus, rec.Partial, rec.PartialError,
		rec.DigestAlgorithm, rec.DigestValue, rec.DocumentPath, rec.DocumentSHA256, rec.CreatedNs, rec.DurationNs,
	)
	if err != nil {
		return fmt.Errorf("upsert scan: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM regions WHERE session_id = ?`, rec.SessionID); err != nil {
		return fmt.Errorf("clear regions: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO regions (session_id, ordinal, start_offset, end_offset, class, block_count, homogeneity, confidence, excluded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, r := range regions {
		if _, err := stmt.Exec(rec.SessionID, i, r.StartOffset, r.EndOffset, r.Class, r.BlockCount,
			r.Homogeneity, r.Confidence, r.Excluded); err != nil {
			return fmt.Errorf("insert region: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*Scan, error) {
	var rec Scan
	var partialErr, digestAlg, digestVal sql.NullString
	err := row.Scan(&rec.SessionID, &rec.Source, &rec.ImageSize, &rec.BlockSize, &rec.TotalBlocks,
		&rec.SuspiciousBlocks, &rec.AverageEntropy, &rec.IntentScore, &rec.Assessment, &rec.CoherenceBonus,
		&rec.Partial, &partialErr, &digestAlg, &digestVal, &rec.DocumentPath, &rec.DocumentSHA256,
		&rec.CreatedNs, &rec.DurationNs)
	if err != nil {
		return nil, err
	}
	rec.PartialError = partialErr.String
	rec.DigestAlgorithm = digestAlg.String
	rec.DigestValue = digestVal.String
	return &rec, nil
}

// GetScan returns the row for sessionID, or nil if there is none.
func (s *Store) GetScan(sessionID string) (*Scan, error) {
	rec, err := scanRow(s.db.QueryRow(`SELECT `+scanColumns+` FROM scans WHERE session_id = ?`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return rec, nil
}

// ListScans returns scans newest first. limit <= 0 means no limit.
func (s *Store) ListScans(limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+scanColumns+` FROM scans ORDER BY created_ns DESC, session_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []Scan
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}

// RegionsFor returns the regions of a scan in offset order.
func (s *Store) RegionsFor(sessionID string) ([]Region, error) {
	rows, err := s.db.Query(`
		SELECT session_id, ordinal, start_offset, end_offset, class, block_count, homogeneity, confidence, excluded
		FROM regions
		WHERE session_id = ?
		ORDER BY ordinal ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer rows.Close()

	var out []Region
	for rows.Next() {
		var r Region
		if err := rows.Scan(&r.SessionID, &r.Ordinal, &r.StartOffset, &r.EndOffset, &r.Class,
			&r.BlockCount, &r.Homogeneity, &r.Confidence, &r.Excluded); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return out, nil
}

// DeleteScan removes the scan and its regions. It returns ErrNotFound when
// no row existed.
func (s *Store) DeleteScan(sessionID string) error {
	res, err := s.db.Exec(`DELETE FROM scans WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// CountByAssessment returns how many indexed scans fall in each band.
func (s *Store) CountByAssessment() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT assessment, COUNT(*) FROM scans GROUP BY assessment`)
	if err != nil {
		return nil, fmt.Errorf("count scans: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var a string
		var n int
		if err := rows.Scan(&a, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[a] = n
	}
	return out, rows.Err()
}

// SaveUpload records an uploaded image, replacing any earlier upload for
// the same session.
func (s *Store) SaveUpload(u *Upload) error {
	_, err := s.db.Exec(`
		INSERT INTO uploads (session_id, path, size_bytes, sha256, created_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			sha256 = excluded.sha256,
			created_ns = excluded.created_ns`,
		u.SessionID, u.Path, u.SizeBytes, u.SHA256, u.CreatedNs)
	if err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	return nil
}

// GetUpload returns the upload for sessionID, or nil if there is none.
func (s *Store) GetUpload(sessionID string) (*Upload, error) {
	var u Upload
	err := s.db.QueryRow(`
		SELECT session_id, path, size_bytes, sha256, created_ns FROM uploads WHERE session_id = ?`, sessionID,
	).Scan(&u.SessionID, &u.Path, &u.SizeBytes, &u.SHA256, &u.CreatedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return &u, nil
}

// DeleteUpload removes the upload row. Missing rows are not an error.
func (s *Store) DeleteUpload(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM uploads WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}
