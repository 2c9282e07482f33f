// Package checkpoint persists sampling progress and attempt history for one
// experiment to a SQLite database in the experiment's output directory.
//
// The store has exactly one writer (the inference runner driving that
// experiment); external tools read it to monitor long-running runs and to
// inspect what a crashed attempt had reached. It does not support mid-run
// resumption.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
-- Per-chain sampling progress, overwritten at every checkpoint callback.
CREATE TABLE IF NOT EXISTS progress (
    experiment_id TEXT NOT NULL,
    time_point INTEGER NOT NULL,      -- PPA fitting horizon, -1 for full runs
    chain INTEGER NOT NULL,
    draws INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (experiment_id, time_point, chain)
);

-- One row per inference attempt, terminal state and error included.
CREATE TABLE IF NOT EXISTS attempts (
    attempt_id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    time_point INTEGER NOT NULL,
    state TEXT NOT NULL,
    error TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT
);
`

// Store records checkpoints for a single experiment output directory.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}
	// Single writer; SQLite works best without connection fan-out.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle. Safe on nil receiver.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
	s.db = nil
}

// RecordProgress upserts the draw count reached by one chain.
func (s *Store) RecordProgress(ctx context.Context, experimentID string, timePoint, chain, draws int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (experiment_id, time_point, chain, draws, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (experiment_id, time_point, chain)
		DO UPDATE SET draws = excluded.draws, updated_at = excluded.updated_at`,
		experimentID, timePoint, chain, draws, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording progress: %w", err)
	}
	return nil
}

// Progress returns the last recorded draw count per chain for a horizon.
func (s *Store) Progress(ctx context.Context, experimentID string, timePoint int) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain, draws FROM progress
		WHERE experiment_id = ? AND time_point = ?`,
		experimentID, timePoint)
	if err != nil {
		return nil, fmt.Errorf("querying progress: %w", err)
	}
	defer rows.Close()

	out := map[int]int{}
	for rows.Next() {
		var chain, draws int
		if err := rows.Scan(&chain, &draws); err != nil {
			return nil, fmt.Errorf("scanning progress row: %w", err)
		}
		out[chain] = draws
	}
	return out, rows.Err()
}

// StartAttempt inserts a new attempt row in its initial state.
func (s *Store) StartAttempt(ctx context.Context, attemptID, experimentID string, timePoint int, state string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (attempt_id, experiment_id, time_point, state, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		attemptID, experimentID, timePoint, state, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording attempt start: %w", err)
	}
	return nil
}

// UpdateAttempt records the state an attempt has reached.
func (s *Store) UpdateAttempt(ctx context.Context, attemptID, state string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE attempts SET state = ? WHERE attempt_id = ?`, state, attemptID)
	if err != nil {
		return fmt.Errorf("updating attempt: %w", err)
	}
	return nil
}

// FinishAttempt marks an attempt terminal, with an optional error message.
func (s *Store) FinishAttempt(ctx context.Context, attemptID, state, errMsg string) error {
	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET state = ?, error = ?, finished_at = ? WHERE attempt_id = ?`,
		state, msg, time.Now().UTC().Format(time.RFC3339Nano), attemptID)
	if err != nil {
		return fmt.Errorf("finishing attempt: %w", err)
	}
	return nil
}

// Attempt summarizes one recorded inference attempt.
type Attempt struct {
	ID           string
	ExperimentID string
	TimePoint    int
	State        string
	Error        string
}

// Attempts lists recorded attempts for an experiment in start order.
func (s *Store) Attempts(ctx context.Context, experimentID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, experiment_id, time_point, state, COALESCE(error, '')
		FROM attempts WHERE experiment_id = ? ORDER BY started_at`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.ExperimentID, &a.TimePoint, &a.State, &a.Error); err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
