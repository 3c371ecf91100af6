package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Completion is one accepted upload completion.
type Completion struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"sessionId,omitempty"`
	Source       string    `json:"source,omitempty"`
	Total        int       `json:"total"`
	Stage        string    `json:"stage,omitempty"`
	DisasterType string    `json:"disasterType,omitempty"`
	Sentiment    string    `json:"sentiment,omitempty"`
	AcceptedAt   time.Time `json:"acceptedAt"`
}

// migration is a numbered schema change. Migrations are applied in order
// and tracked in the schema_migrations table so each runs exactly once.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS flags (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS completions (
    id          INTEGER PRIMARY KEY,
    session_id  TEXT NOT NULL DEFAULT '',
    source      TEXT NOT NULL DEFAULT '',
    total       INTEGER NOT NULL DEFAULT 0,
    stage       TEXT NOT NULL DEFAULT '',
    accepted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`,
	},
	{
		Version:     2,
		Description: "add classification columns to completions",
		SQL: `ALTER TABLE completions ADD COLUMN disaster_type TEXT NOT NULL DEFAULT '';
ALTER TABLE completions ADD COLUMN sentiment TEXT NOT NULL DEFAULT '';`,
	},
}

// OpenDB opens (or creates) the sqlite database at the given path.
// It creates parent directories if needed, enables foreign keys and WAL
// mode, and runs any pending migrations.
func OpenDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// WAL so a reading tab (status subcommand) never blocks the monitor.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}

		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// DefaultDBPath returns the default database file path:
// ~/.local/share/panicwatch/panicwatch.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "panicwatch", "panicwatch.db"), nil
}

// RecordCompletion inserts an accepted completion into the history.
func RecordCompletion(db *sql.DB, c Completion) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO completions (session_id, source, total, stage, disaster_type, sentiment, accepted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Source, c.Total, c.Stage, c.DisasterType, c.Sentiment, c.AcceptedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert completion: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get completion id: %w", err)
	}
	return id, nil
}

// ListCompletions returns the most recent completions, newest first.
// limit <= 0 means no limit.
func ListCompletions(db *sql.DB, limit int) ([]Completion, error) {
	query := `SELECT id, session_id, source, total, stage, disaster_type, sentiment, accepted_at
		  FROM completions ORDER BY accepted_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	return scanCompletions(rows)
}

// PruneCompletions deletes completions accepted before the cutoff and
// returns the removed rows so the caller can archive them first.
func PruneCompletions(db *sql.DB, before time.Time) ([]Completion, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, session_id, source, total, stage, disaster_type, sentiment, accepted_at
		 FROM completions WHERE accepted_at < ? ORDER BY accepted_at, id`,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale completions: %w", err)
	}
	pruned, err := scanCompletions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(pruned) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec("DELETE FROM completions WHERE accepted_at < ?", before.UTC()); err != nil {
		return nil, fmt.Errorf("delete stale completions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return pruned, nil
}

func scanCompletions(rows *sql.Rows) ([]Completion, error) {
	var result []Completion
	for rows.Next() {
		var c Completion
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Source, &c.Total, &c.Stage,
			&c.DisasterType, &c.Sentiment, &c.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return result, nil
}
