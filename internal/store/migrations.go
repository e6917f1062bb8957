package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward step of the index schema.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "scans and regions",
		Up: `
CREATE TABLE IF NOT EXISTS scans (
    session_id        TEXT PRIMARY KEY,
    source            TEXT NOT NULL,
    image_size        INTEGER NOT NULL,
    block_size        INTEGER NOT NULL,
    total_blocks      INTEGER NOT NULL,
    suspicious_blocks INTEGER NOT NULL,
    average_entropy   REAL NOT NULL,
    intent_score      REAL NOT NULL,
    assessment        TEXT NOT NULL,
    coherence_bonus   REAL NOT NULL,
    partial           INTEGER NOT NULL,
    partial_error     TEXT,
    digest_algorithm  TEXT,
    digest_value      TEXT,
    document_path     TEXT NOT NULL,
    created_ns        INTEGER NOT NULL,
    duration_ns       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_ns);

CREATE TABLE IF NOT EXISTS regions (
    session_id    TEXT NOT NULL REFERENCES scans(session_id) ON DELETE CASCADE,
    ordinal       INTEGER NOT NULL,
    start_offset  INTEGER NOT NULL,
    end_offset    INTEGER NOT NULL,
    class         TEXT NOT NULL,
    block_count   INTEGER NOT NULL,
    homogeneity   REAL NOT NULL,
    confidence    REAL NOT NULL,
    excluded      INTEGER NOT NULL,
    PRIMARY KEY (session_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_regions_class ON regions(class);
`,
	},
	{
		Version:     2,
		Description: "uploads",
		Up: `
CREATE TABLE IF NOT EXISTS uploads (
    session_id  TEXT PRIMARY KEY,
    path        TEXT NOT NULL,
    size_bytes  INTEGER NOT NULL,
    sha256      TEXT NOT NULL,
    created_ns  INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "document integrity hash",
		Up:          `ALTER TABLE scans ADD COLUMN document_sha256 TEXT NOT NULL DEFAULT '';`,
	},
}

// MigrateDB applies all pending migrations, each in its own transaction.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion is the version MigrateDB brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"scans", "regions", "uploads", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
