// Package checkpoint persists per-shard relay cursors in SQLite. Each row is
// the last sequence number whose dispatch was acknowledged; updates are
// single-statement upserts, so a cursor is never observed half-written.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFileName = "cursors.db"

const schema = `
CREATE TABLE IF NOT EXISTS shard_cursors (
    shard_id        TEXT PRIMARY KEY,
    sequence_number INTEGER NOT NULL,
    updated_at      TEXT NOT NULL
)`

type Store struct {
	db   *sql.DB
	path string
}

type Config struct {
	// Path is the directory the cursor database lives in.
	Path string
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("path cannot be empty"))
	}
	return errors.Join(errGrp...)
}

// New opens (or creates) the cursor database and applies the schema.
func New(cfg *Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.Path, dbFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply cursor schema: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) Start() error {
	return nil
}

func (s *Store) Stop() error {
	return s.db.Close()
}

func (s *Store) Name() string {
	return "Cursor Store"
}

// Get returns the checkpointed sequence number for the shard. found is false
// when the shard has never been checkpointed.
func (s *Store) Get(ctx context.Context, shardID string) (seq uint64, found bool, err error) {
	var stored int64
	err = s.db.QueryRowContext(ctx,
		`SELECT sequence_number FROM shard_cursors WHERE shard_id = ?`, shardID,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cursor for %s: %w", shardID, err)
	}
	return uint64(stored), true, nil
}

// Save atomically records seq as the last processed sequence number for the
// shard.
func (s *Store) Save(ctx context.Context, shardID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shard_cursors (shard_id, sequence_number, updated_at)
         VALUES (?, ?, ?)
         ON CONFLICT(shard_id) DO UPDATE SET
             sequence_number = excluded.sequence_number,
             updated_at = excluded.updated_at`,
		shardID, int64(seq), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", shardID, err)
	}
	return nil
}
