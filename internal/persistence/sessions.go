package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveSession stores the backend session an agent used in a run.
// Uses ON CONFLICT to upsert - handles both first-save and resume scenarios.
func (s *SQLiteStore) SaveSession(ctx context.Context, runID, agentID, sessionID, backendType string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (run_id, agent_id, session_id, backend_type, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id, agent_id) DO UPDATE SET
				session_id = excluded.session_id,
				backend_type = excluded.backend_type,
				updated_at = excluded.updated_at
		`, runID, agentID, sessionID, backendType, millis(s.now()))
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves the session an agent used in a run.
// Returns a wrapped ErrNotFound if there is none.
func (s *SQLiteStore) GetSession(ctx context.Context, runID, agentID string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var sessionID, backendType string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, backend_type
		FROM sessions
		WHERE run_id = ? AND agent_id = ?
	`, runID, agentID).Scan(&sessionID, &backendType)

	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("no session for agent %q in run %q: %w", agentID, runID, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session: %w", err)
	}
	return sessionID, backendType, nil
}
