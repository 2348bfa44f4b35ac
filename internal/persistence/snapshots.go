package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// SaveTaskSnapshot stores the latest state of a task.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTaskSnapshot(ctx context.Context, runID string, task scheduler.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %q: %w", task.ID, err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_snapshots (run_id, task_id, status, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id, task_id) DO UPDATE SET
				status = excluded.status,
				data = excluded.data,
				updated_at = excluded.updated_at
		`, runID, task.ID, string(task.Status), string(data), millis(s.now()))
		if err != nil {
			return fmt.Errorf("failed to save task %q: %w", task.ID, err)
		}
		return nil
	})
}

// ListTaskSnapshots returns the last saved state of every task of a run, by id.
func (s *SQLiteStore) ListTaskSnapshots(ctx context.Context, runID string) ([]scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM task_snapshots WHERE run_id = ? ORDER BY task_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task snapshots: %w", err)
	}
	defer rows.Close()

	tasks := []scheduler.Task{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task snapshot: %w", err)
		}
		var task scheduler.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("failed to decode task snapshot: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task snapshots: %w", err)
	}
	return tasks, nil
}
