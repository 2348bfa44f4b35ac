package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AppendEvent appends rec to its run's log. The sequence number is assigned
// inside the insert transaction, so a run's log has no gaps or reorderings.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec EventRecord) (int64, error) {
	if rec.RunID == "" || rec.Type == "" {
		return 0, fmt.Errorf("event needs a run id and a type")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}

	var seq int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, rec.RunID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %q: %w", rec.RunID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?
		`, rec.RunID).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, type, task_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.RunID, seq, rec.Type, rec.TaskID, payload, millis(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to append %s event: %w", rec.Type, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListEvents returns the events of a run with seq > afterSeq, in order.
// Returns an empty slice (not nil) when there are none.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]EventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, type, task_id, payload, created_at
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
	`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		var (
			rec     EventRecord
			payload string
			created int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Seq, &rec.Type, &rec.TaskID, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Payload = []byte(payload)
		rec.CreatedAt = fromMillis(created)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return records, nil
}
