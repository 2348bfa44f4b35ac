package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createRun(t *testing.T, store Store, id string) {
	t.Helper()
	if err := store.CreateRun(context.Background(), Run{ID: id, FlowID: "flow-1", Workspace: "/ws"}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	createRun(t, a, "run-1")

	if _, err := b.GetRun(context.Background(), "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second memory store to be empty, got %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1")

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunRunning || run.Finished() {
		t.Errorf("new run status = %q, want running", run.Status)
	}
	if run.StartedAt.IsZero() || !run.FinishedAt.IsZero() {
		t.Errorf("unexpected timestamps: %+v", run)
	}
	if run.FlowID != "flow-1" || run.Workspace != "/ws" {
		t.Errorf("fields not persisted: %+v", run)
	}

	if err := store.FinishRun(ctx, "run-1", RunFailed, "task t1 failed"); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}
	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunFailed || run.Reason != "task t1 failed" || run.FinishedAt.IsZero() {
		t.Errorf("finished run = %+v", run)
	}
}

func TestFinishRunNotFound(t *testing.T) {
	store := testStore(t)
	err := store.FinishRun(context.Background(), "ghost", RunSuccess, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRunDuplicate(t *testing.T) {
	store := testStore(t)
	createRun(t, store, "run-1")
	if err := store.CreateRun(context.Background(), Run{ID: "run-1"}); err == nil {
		t.Fatal("expected error creating duplicate run")
	}
}

func TestListRuns(t *testing.T) {
	store := testStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"old", "mid", "new"} {
		if err := store.CreateRun(context.Background(), Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("failed to create run %s: %v", id, err)
		}
	}

	runs, err := store.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if runs[i].ID != want {
			t.Errorf("runs[%d] = %s, want %s", i, runs[i].ID, want)
		}
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1")
	createRun(t, store, "run-2")

	for i := 1; i <= 3; i++ {
		seq, err := store.AppendEvent(ctx, EventRecord{
			RunID:   "run-1",
			Type:    "node.output",
			TaskID:  fmt.Sprintf("t%d", i),
			Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if seq != int64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}
	seq, err := store.AppendEvent(ctx, EventRecord{RunID: "run-2", Type: "run.started"})
	if err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if seq != 1 {
		t.Errorf("sequence should be per run, got %d", seq)
	}

	all, err := store.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].TaskID != "t1" || string(all[0].Payload) != `{"n":1}` || all[0].CreatedAt.IsZero() {
		t.Errorf("first event = %+v", all[0])
	}

	tail, err := store.ListEvents(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Errorf("tail = %+v", tail)
	}

	empty, err := store.ListEvents(ctx, "ghost", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", empty)
	}
}

func TestAppendEventRequiresRun(t *testing.T) {
	store := testStore(t)
	if _, err := store.AppendEvent(context.Background(), EventRecord{RunID: "ghost", Type: "run.log"}); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if _, err := store.AppendEvent(context.Background(), EventRecord{RunID: "ghost"}); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestAppendEventConcurrentSequence(t *testing.T) {
	store := testStore(t)
	createRun(t, store, "run-1")

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := store.AppendEvent(context.Background(), EventRecord{RunID: "run-1", Type: "run.log"}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	events, err := store.ListEvents(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestTaskSnapshots(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1")

	t2 := scheduler.Task{ID: "t2", AgentID: "coder", Deps: []string{"t1"}, Status: scheduler.StatusPlanned}
	t1 := scheduler.Task{ID: "t1", AgentID: "planner", Status: scheduler.StatusRunning, Meta: map[string]any{"sourceNodeId": "n1"}}
	for _, task := range []scheduler.Task{t2, t1} {
		if err := store.SaveTaskSnapshot(ctx, "run-1", task); err != nil {
			t.Fatalf("failed to save snapshot: %v", err)
		}
	}

	t1.Status = scheduler.StatusDone
	if err := store.SaveTaskSnapshot(ctx, "run-1", t1); err != nil {
		t.Fatalf("failed to update snapshot: %v", err)
	}

	tasks, err := store.ListTaskSnapshots(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(tasks))
	}
	if tasks[0].ID != "t1" || tasks[0].Status != scheduler.StatusDone {
		t.Errorf("t1 snapshot = %+v", tasks[0])
	}
	if tasks[0].MetaString("sourceNodeId") != "n1" {
		t.Errorf("meta not persisted: %+v", tasks[0].Meta)
	}
	if tasks[1].ID != "t2" || len(tasks[1].Deps) != 1 || tasks[1].Deps[0] != "t1" {
		t.Errorf("t2 snapshot = %+v", tasks[1])
	}
}

func TestSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createRun(t, store, "run-1")

	if _, _, err := store.GetSession(ctx, "run-1", "coder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SaveSession(ctx, "run-1", "coder", "sess-1", "claude"); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
	if err := store.SaveSession(ctx, "run-1", "coder", "sess-2", "codex"); err != nil {
		t.Fatalf("failed to upsert session: %v", err)
	}

	sessionID, backendType, err := store.GetSession(ctx, "run-1", "coder")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if sessionID != "sess-2" || backendType != "codex" {
		t.Errorf("session = %s/%s, want sess-2/codex", sessionID, backendType)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	createRun(t, store, "run-1")
	if _, err := store.AppendEvent(ctx, EventRecord{RunID: "run-1", Type: "run.started", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "run.started" {
		t.Errorf("events after reopen = %+v", events)
	}
}
