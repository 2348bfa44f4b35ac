package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateRun inserts a run record. Status defaults to running and StartedAt to now.
func (s *SQLiteStore) CreateRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, flow_id, workspace, status, reason, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, run.FlowID, run.Workspace, run.Status, run.Reason, millis(run.StartedAt), millis(run.FinishedAt))
		if err != nil {
			return fmt.Errorf("failed to create run %q: %w", run.ID, err)
		}
		return nil
	})
}

// FinishRun records the terminal status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status, reason string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, reason = ?, finished_at = ?
			WHERE id = ?
		`, status, reason, millis(s.now()), runID)
		if err != nil {
			return fmt.Errorf("failed to finish run %q: %w", runID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to finish run %q: %w", runID, err)
		}
		if n == 0 {
			return fmt.Errorf("run %q: %w", runID, ErrNotFound)
		}
		return nil
	})
}

// GetRun returns a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, workspace, status, reason, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, workspace, status, reason, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run                 Run
		started, finishedAt int64
	)
	if err := row.Scan(&run.ID, &run.FlowID, &run.Workspace, &run.Status, &run.Reason, &started, &finishedAt); err != nil {
		return Run{}, err
	}
	run.StartedAt = fromMillis(started)
	run.FinishedAt = fromMillis(finishedAt)
	return run, nil
}
