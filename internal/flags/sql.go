package flags

import (
	"database/sql"
	"fmt"
)

// SQL is a Store backed by the panicwatch sqlite database. The flags table
// is created by the storage package's migrations.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an open database as a flag store.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM flags WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read flag %q: %w", key, err)
	}
	return value, nil
}

func (s *SQL) Set(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO flags (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write flag %q: %w", key, err)
	}
	return nil
}

func (s *SQL) CompareAndSwap(key, prev, next string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow("SELECT value FROM flags WHERE key = ?", key).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read flag %q: %w", key, err)
	}
	if current != prev {
		return false, nil
	}

	_, err = tx.Exec(
		"INSERT INTO flags (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, next,
	)
	if err != nil {
		return false, fmt.Errorf("write flag %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

func (s *SQL) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM flags WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete flag %q: %w", key, err)
	}
	return nil
}
