package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const journalFileName = "executions.db"

const journalSchema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    payload    TEXT NOT NULL,
    started_at TEXT NOT NULL,
    ended_at   TEXT,
    detail     TEXT
)`

// ErrExecutionNotFound is returned when looking up an unknown execution id.
var ErrExecutionNotFound = errors.New("execution not found")

// Journal persists workflow executions in SQLite for audit and debugging.
type Journal struct {
	db   *sql.DB
	path string
}

type JournalConfig struct {
	// Path is the directory the execution database lives in.
	Path string
}

func (c *JournalConfig) validate() error {
	var errGrp []error
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("path cannot be empty"))
	}
	return errors.Join(errGrp...)
}

func NewJournal(cfg *JournalConfig) (*Journal, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.Path, journalFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution db: %w", err)
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

	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply execution schema: %w", err)
	}

	return &Journal{db: db, path: dbPath}, nil
}

func (j *Journal) Start() error {
	return nil
}

func (j *Journal) Stop() error {
	return j.db.Close()
}

func (j *Journal) Name() string {
	return "Execution Journal"
}

// Insert records a freshly accepted execution.
func (j *Journal) Insert(ctx context.Context, e *Execution) error {
	payload, err := json.Marshal(e.InputPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal execution payload: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, status, payload, started_at, ended_at, detail)
         VALUES (?, ?, ?, ?, NULL, ?)`,
		e.ID, string(e.Status), string(payload),
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", e.ID, err)
	}
	return nil
}

// MarkRunning promotes a pending execution to running. Anything that is not
// pending stays untouched and reports an error.
func (j *Journal) MarkRunning(ctx context.Context, id string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark execution %s running: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read promotion result for %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w or not pending: %s", ErrExecutionNotFound, id)
	}
	return nil
}

// Finish marks an execution terminal. Terminal rows are never updated again.
func (j *Journal) Finish(ctx context.Context, id string, status Status, endedAt time.Time, detail string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE workflow_executions
         SET status = ?, ended_at = ?, detail = ?
         WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), endedAt.UTC().Format(time.RFC3339Nano), detail,
		id, string(StatusSucceeded), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result for %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w or already terminal: %s", ErrExecutionNotFound, id)
	}
	return nil
}

// GetByID loads one execution.
func (j *Journal) GetByID(ctx context.Context, id string) (*Execution, error) {
	var (
		e       Execution
		status  string
		payload string
		started string
		ended   sql.NullString
		detail  sql.NullString
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT id, status, payload, started_at, ended_at, detail
         FROM workflow_executions WHERE id = ?`, id,
	).Scan(&e.ID, &status, &payload, &started, &ended, &detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}

	e.Status = Status(status)
	e.Detail = detail.String
	if err := json.Unmarshal([]byte(payload), &e.InputPayload); err != nil {
		return nil, fmt.Errorf("failed to decode execution payload for %s: %w", id, err)
	}
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("failed to parse started_at for %s: %w", id, err)
	}
	if ended.Valid {
		if e.EndedAt, err = time.Parse(time.RFC3339Nano, ended.String); err != nil {
			return nil, fmt.Errorf("failed to parse ended_at for %s: %w", id, err)
		}
	}
	return &e, nil
}

// CountByStatus reports how many executions sit in the given status.
func (j *Journal) CountByStatus(ctx context.Context, status Status) (int, error) {
	var count int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_executions WHERE status = ?`, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}
