package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

type runningRun struct {
	exec    *Executor
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
	err     error
}

// Registry tracks the executors running in this process by run id.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*runningRun
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{runs: make(map[string]*runningRun), logger: logger}
}

// Start runs exec in the background. The run keeps going until it ends,
// is stopped, or ctx is cancelled.
func (r *Registry) Start(ctx context.Context, exec *Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := exec.RunID()
	if _, exists := r.runs[id]; exists {
		return fmt.Errorf("run %q is already running", id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	rr := &runningRun{exec: exec, cancel: cancel, done: make(chan struct{})}
	r.runs[id] = rr

	go func() {
		defer close(rr.done)
		defer cancel()
		rr.outcome, rr.err = exec.Run(runCtx)
	}()
	r.logger.Info("run registered", "run_id", id)
	return nil
}

// Get returns the executor of a running or finished-but-unwaited run.
func (r *Registry) Get(runID string) (*Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return rr.exec, true
}

// IDs lists the registered run ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop requests a cooperative stop of runID.
func (r *Registry) Stop(runID string) error {
	exec, ok := r.Get(runID)
	if !ok {
		return fmt.Errorf("run %q is not running", runID)
	}
	exec.Stop()
	return nil
}

// Wait blocks until runID ends and removes it from the registry.
func (r *Registry) Wait(ctx context.Context, runID string) (Outcome, error) {
	r.mu.Lock()
	rr, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("run %q is not running", runID)
	}

	select {
	case <-rr.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	r.mu.Lock()
	if r.runs[runID] == rr {
		delete(r.runs, runID)
	}
	r.mu.Unlock()
	return rr.outcome, rr.err
}

// Shutdown stops every run and waits for them. When ctx expires first the
// runs' contexts are cancelled, which aborts in-flight agent calls, and
// Shutdown still waits for the loops to return.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*runningRun, 0, len(r.runs))
	for _, rr := range r.runs {
		all = append(all, rr)
	}
	r.mu.Unlock()

	for _, rr := range all {
		rr.exec.Stop()
	}

	var g errgroup.Group
	for _, rr := range all {
		g.Go(func() error {
			select {
			case <-rr.done:
				return nil
			case <-ctx.Done():
				rr.cancel()
				<-rr.done
				return fmt.Errorf("run %s: %w", rr.exec.RunID(), ctx.Err())
			}
		})
	}
	err := g.Wait()

	r.mu.Lock()
	for _, rr := range all {
		if r.runs[rr.exec.RunID()] == rr {
			delete(r.runs, rr.exec.RunID())
		}
	}
	r.mu.Unlock()
	return err
}
