// Package persistence is the durable run record: an append-only, strictly
// ordered event log per run plus task snapshots and backend sessions.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// queryTimeout bounds every single statement or transaction.
const queryTimeout = 5 * time.Second

// Run statuses as stored.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
	RunStopped = "stopped"
)

// Run is one execution of a flow.
type Run struct {
	ID         string
	FlowID     string
	Workspace  string
	Status     string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// Finished reports whether the run has a terminal status.
func (r Run) Finished() bool { return r.Status != RunRunning }

// EventRecord is one entry of a run's event log.
type EventRecord struct {
	RunID     string
	Seq       int64
	Type      string
	TaskID    string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Store defines the persistence interface for the run event log.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID, status, reason string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)

	// AppendEvent assigns the next sequence number of the run and returns it.
	AppendEvent(ctx context.Context, rec EventRecord) (int64, error)
	// ListEvents returns events with seq > afterSeq in order.
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]EventRecord, error)

	SaveTaskSnapshot(ctx context.Context, runID string, task scheduler.Task) error
	ListTaskSnapshots(ctx context.Context, runID string) ([]scheduler.Task, error)

	SaveSession(ctx context.Context, runID, agentID, sessionID, backendType string) error
	GetSession(ctx context.Context, runID, agentID string) (sessionID string, backendType string, err error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes writers so per-run sequence numbers are strictly ordered.
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection for the writer, one for readers such as the CLI tailing events.
	db.SetMaxOpenConns(2)

	return open(ctx, db)
}

// NewMemoryStore creates a private in-memory SQLite store for tests.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// Shared-cache table locks fail fast instead of waiting, so stay on one connection.
	db.SetMaxOpenConns(1)

	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// write runs fn in a transaction under the writer lock.
func (s *SQLiteStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
