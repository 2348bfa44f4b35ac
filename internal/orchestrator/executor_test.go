package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/backend"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/config"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/flow"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/handoff"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/logging"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/persistence"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/sandbox"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// testResolver resolves every agent to a command backend whose model is the
// agent id, so the fake factory can tell agents apart.
type testResolver struct {
	sandboxed map[string]bool
}

func (r testResolver) Resolve(agentID string) (Resolution, error) {
	if agentID == "" {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	isolation := config.IsolationWorkspace
	if r.sandboxed[agentID] {
		isolation = config.IsolationSandbox
	}
	return Resolution{
		AgentID:   agentID,
		Backend:   backend.Config{Type: backend.TypeCommand, Model: agentID},
		Isolation: isolation,
	}, nil
}

type replyFunc func(ctx context.Context, cfg backend.Config, prompt string) (backend.Response, error)

// fakeFactory hands out backends that answer through per-agent reply funcs.
type fakeFactory struct {
	mu      sync.Mutex
	replies map[string]replyFunc
	created map[string]int
	calls   []string
	prompts map[string][]string
	configs map[string]backend.Config
	closed  int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		replies: make(map[string]replyFunc),
		created: make(map[string]int),
		prompts: make(map[string][]string),
		configs: make(map[string]backend.Config),
	}
}

func (f *fakeFactory) reply(agentID string, fn replyFunc) { f.replies[agentID] = fn }

func (f *fakeFactory) New(cfg backend.Config) (backend.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[cfg.Model]++
	f.configs[cfg.Model] = cfg
	return &fakeBackend{factory: f, cfg: cfg}, nil
}

func (f *fakeFactory) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeBackend struct {
	factory *fakeFactory
	cfg     backend.Config
}

func (b *fakeBackend) Send(ctx context.Context, msg backend.Message) (backend.Response, error) {
	f := b.factory
	f.mu.Lock()
	agent := b.cfg.Model
	f.calls = append(f.calls, agent)
	f.prompts[agent] = append(f.prompts[agent], msg.Content)
	fn := f.replies[agent]
	f.mu.Unlock()

	if fn == nil {
		return backend.Response{Content: agent + " done"}, nil
	}
	return fn(ctx, b.cfg, msg.Content)
}

func (b *fakeBackend) Close() error {
	b.factory.mu.Lock()
	b.factory.closed++
	b.factory.mu.Unlock()
	return nil
}

func (b *fakeBackend) SessionID() string { return "" }

type harness struct {
	workspace string
	log       *persistence.SQLiteStore
	factory   *fakeFactory
	exec      *Executor
}

func newHarness(t *testing.T, fl *flow.Flow, sandboxed []string, opts ...func(*ExecutorConfig)) *harness {
	t.Helper()

	log, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to open event log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	resolver := testResolver{sandboxed: make(map[string]bool)}
	for _, a := range sandboxed {
		resolver.sandboxed[a] = true
	}

	h := &harness{workspace: t.TempDir(), log: log, factory: newFakeFactory()}
	cfg := ExecutorConfig{
		RunID:        "run-1",
		Flow:         fl,
		Workspace:    h.workspace,
		Log:          log,
		Resolver:     resolver,
		Backends:     h.factory,
		PollInterval: 5 * time.Millisecond,
		StallTimeout: 200 * time.Millisecond,
		Logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	exec, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	h.exec = exec
	return h
}

func (h *harness) run(t *testing.T) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := h.exec.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return outcome
}

func (h *harness) task(t *testing.T, id string) scheduler.Task {
	t.Helper()
	task, ok := h.exec.Tasks().Get(h.exec.RunID(), id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return task
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	records, err := h.log.ListEvents(context.Background(), h.exec.RunID(), 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	types := make([]string, len(records))
	for i, rec := range records {
		types[i] = rec.Type
	}
	return types
}

func (h *harness) events(t *testing.T, eventType string) []events.Event {
	t.Helper()
	records, err := h.log.ListEvents(context.Background(), h.exec.RunID(), 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	var out []events.Event
	for _, rec := range records {
		if rec.Type != eventType {
			continue
		}
		ev, err := events.Unmarshal(rec.Type, rec.Payload)
		if err != nil {
			t.Fatalf("failed to decode %s: %v", rec.Type, err)
		}
		out = append(out, ev)
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func chainFlow() *flow.Flow {
	return &flow.Flow{
		ID: "chain",
		Nodes: []flow.Node{
			{ID: "plan", Kind: flow.NodeAgent, AgentID: "planner", Instruction: "Plan the feature"},
			{ID: "build", Kind: flow.NodeAgent, AgentID: "coder", Instruction: "Build the feature"},
		},
		Edges: []flow.Edge{{Source: "plan", Target: "build", Type: flow.EdgeDelegation}},
	}
}

func TestRunChainSuccess(t *testing.T) {
	h := newHarness(t, chainFlow(), nil)
	h.factory.reply("planner", func(context.Context, backend.Config, string) (backend.Response, error) {
		return backend.Response{Content: "step 1: write handler", SessionID: "sess-planner"}, nil
	})

	outcome := h.run(t)
	if outcome.Status != RunSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}

	calls := h.factory.invocations()
	if len(calls) != 2 || calls[0] != "planner" || calls[1] != "coder" {
		t.Fatalf("expected planner then coder, got %v", calls)
	}
	if !strings.Contains(h.factory.prompts["coder"][0], "step 1: write handler") {
		t.Errorf("coder prompt is missing the planner output:\n%s", h.factory.prompts["coder"][0])
	}
	if !strings.Contains(h.factory.prompts["planner"][0], "coder") {
		t.Errorf("planner prompt should list coder as a handoff peer:\n%s", h.factory.prompts["planner"][0])
	}

	for _, id := range []string{"plan", "build"} {
		task := h.task(t, id)
		if task.Status != scheduler.StatusDone {
			t.Errorf("task %s: expected done, got %s", id, task.Status)
		}
		if task.ActualStartMs == nil || task.ActualEndMs == nil {
			t.Errorf("task %s: actual times not recorded", id)
		}
	}

	types := h.eventTypes(t)
	if types[0] != events.EventTypeRunStarted || types[len(types)-1] != events.EventTypeRunFinished {
		t.Errorf("unexpected event order: %v", types)
	}
	for _, want := range []string{events.EventTypeTaskDispatched, events.EventTypeNodeStarted, events.EventTypeNodeOutput} {
		if !contains(types, want) {
			t.Errorf("missing %s event in %v", want, types)
		}
	}

	run, err := h.log.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != persistence.RunSuccess {
		t.Errorf("expected stored status success, got %s", run.Status)
	}

	sessionID, backendType, err := h.log.GetSession(context.Background(), "run-1", "planner")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sessionID != "sess-planner" || backendType != backend.TypeCommand {
		t.Errorf("unexpected session %q/%q", sessionID, backendType)
	}

	snapshots, err := h.log.ListTaskSnapshots(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListTaskSnapshots failed: %v", err)
	}
	if len(snapshots) != 2 || snapshots[0].Status != scheduler.StatusDone {
		t.Errorf("unexpected snapshots: %+v", snapshots)
	}
	if h.factory.closed != 2 {
		t.Errorf("expected both backends closed, got %d", h.factory.closed)
	}
}

func TestRunReusesBackendPerAgent(t *testing.T) {
	fl := &flow.Flow{
		ID: "solo",
		Nodes: []flow.Node{
			{ID: "first", AgentID: "coder"},
			{ID: "second", AgentID: "coder"},
		},
		Edges: []flow.Edge{{Source: "first", Target: "second", Type: flow.EdgeLink}},
	}
	h := newHarness(t, fl, nil)

	if outcome := h.run(t); outcome.Status != RunSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if h.factory.created["coder"] != 1 {
		t.Errorf("expected one backend for coder, got %d", h.factory.created["coder"])
	}
	if got := len(h.factory.prompts["coder"]); got != 2 {
		t.Errorf("expected two invocations, got %d", got)
	}
}

func TestRunFailFast(t *testing.T) {
	fl := &flow.Flow{
		ID: "parallel",
		Nodes: []flow.Node{
			{ID: "a", AgentID: "alpha"},
			{ID: "b", AgentID: "beta"},
		},
	}
	h := newHarness(t, fl, nil)
	h.factory.reply("alpha", func(context.Context, backend.Config, string) (backend.Response, error) {
		return backend.Response{}, &backend.InvocationError{Kind: backend.KindExit, Command: "alpha", ExitCode: 2, Err: errors.New("boom")}
	})

	outcome := h.run(t)
	if outcome.Status != RunFailed || outcome.TaskID != "a" {
		t.Fatalf("expected failure on a, got %+v", outcome)
	}
	if contains(h.factory.invocations(), "beta") {
		t.Errorf("beta must not run after alpha failed")
	}

	a := h.task(t, "a")
	if a.Status != scheduler.StatusFailed || a.Blocker == nil || a.Blocker.Kind != scheduler.BlockerError {
		t.Errorf("unexpected state of a: %+v", a)
	}
	if b := h.task(t, "b"); b.Status.IsTerminal() {
		t.Errorf("b should be left untouched, got %s", b.Status)
	}

	failed := h.events(t, events.EventTypeNodeFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one node.failed event, got %d", len(failed))
	}
	if ev := failed[0].(events.NodeFailedEvent); ev.Kind != string(backend.KindExit) {
		t.Errorf("expected kind exit, got %q", ev.Kind)
	}
}

func TestRunMissingDependency(t *testing.T) {
	fl := &flow.Flow{ID: "empty"}
	store := scheduler.NewStore()
	if err := store.CreateRun("run-1", []scheduler.Task{
		{ID: "a", AgentID: "alpha", Deps: []string{"ghost"}},
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	h := newHarness(t, fl, nil, func(c *ExecutorConfig) { c.Tasks = store })

	outcome := h.run(t)
	if outcome.Status != RunFailed || outcome.TaskID != "a" {
		t.Fatalf("expected failure on a, got %+v", outcome)
	}
	if !strings.Contains(outcome.Reason, "ghost") {
		t.Errorf("reason should name the missing dependency: %q", outcome.Reason)
	}
	if len(h.factory.created) != 0 {
		t.Errorf("no backend should be created, got %v", h.factory.created)
	}
	if a := h.task(t, "a"); a.Status != scheduler.StatusBlocked {
		t.Errorf("expected a blocked, got %s", a.Status)
	}
}

func TestRunBlocksDependentsOfCanceledTask(t *testing.T) {
	fl := &flow.Flow{ID: "empty"}
	store := scheduler.NewStore()
	if err := store.CreateRun("run-1", []scheduler.Task{
		{ID: "a", AgentID: "alpha", Status: scheduler.StatusCanceled},
		{ID: "b", AgentID: "beta", Deps: []string{"a"}},
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	h := newHarness(t, fl, nil, func(c *ExecutorConfig) { c.Tasks = store })

	outcome := h.run(t)
	if outcome.Status != RunFailed || outcome.TaskID != "b" {
		t.Fatalf("expected failure on b, got %+v", outcome)
	}
	if b := h.task(t, "b"); b.Status != scheduler.StatusBlocked {
		t.Errorf("expected b blocked, got %s", b.Status)
	}
	if len(h.factory.invocations()) != 0 {
		t.Errorf("nothing should run")
	}
}

func TestRunStop(t *testing.T) {
	h := newHarness(t, chainFlow(), nil)
	h.factory.reply("planner", func(context.Context, backend.Config, string) (backend.Response, error) {
		h.exec.Stop()
		return backend.Response{Content: "planned"}, nil
	})

	outcome := h.run(t)
	if outcome.Status != RunStopped {
		t.Fatalf("expected stopped, got %+v", outcome)
	}
	if plan := h.task(t, "plan"); plan.Status != scheduler.StatusDone {
		t.Errorf("in-flight task should finish, got %s", plan.Status)
	}
	build := h.task(t, "build")
	if build.Status != scheduler.StatusCanceled || build.Blocker == nil || build.Blocker.Kind != scheduler.BlockerExternal {
		t.Errorf("expected build canceled, got %+v", build)
	}
	if contains(h.factory.invocations(), "coder") {
		t.Errorf("coder must not run after stop")
	}
}

func TestRunContextCancel(t *testing.T) {
	h := newHarness(t, chainFlow(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.factory.reply("planner", func(ctx context.Context, _ backend.Config, _ string) (backend.Response, error) {
		cancel()
		<-ctx.Done()
		return backend.Response{}, ctx.Err()
	})

	outcome, err := h.exec.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Status != RunStopped {
		t.Fatalf("expected stopped, got %+v", outcome)
	}
	if plan := h.task(t, "plan"); plan.Status != scheduler.StatusCanceled {
		t.Errorf("expected plan canceled, got %s", plan.Status)
	}

	run, err := h.log.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != persistence.RunStopped {
		t.Errorf("outcome must be recorded after cancel, got %s", run.Status)
	}
}

func TestRunTaskTimeout(t *testing.T) {
	h := newHarness(t, chainFlow(), nil, func(c *ExecutorConfig) { c.TaskTimeout = 30 * time.Millisecond })
	h.factory.reply("planner", func(ctx context.Context, _ backend.Config, _ string) (backend.Response, error) {
		<-ctx.Done()
		return backend.Response{}, ctx.Err()
	})

	outcome := h.run(t)
	if outcome.Status != RunFailed || outcome.TaskID != "plan" {
		t.Fatalf("expected failure on plan, got %+v", outcome)
	}
	failed := h.events(t, events.EventTypeNodeFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one node.failed event, got %d", len(failed))
	}
	if ev := failed[0].(events.NodeFailedEvent); ev.Kind != string(backend.KindTimeout) {
		t.Errorf("expected kind timeout, got %q", ev.Kind)
	}
	started := h.events(t, events.EventTypeNodeStarted)
	if ev := started[0].(events.NodeStartedEvent); ev.TimeoutMs != 30 {
		t.Errorf("expected 30ms timeout, got %d", ev.TimeoutMs)
	}
}

func TestRunStall(t *testing.T) {
	fl := &flow.Flow{ID: "empty"}
	store := scheduler.NewStore()
	if err := store.CreateRun("run-1", []scheduler.Task{
		{ID: "a", AgentID: "alpha", Status: scheduler.StatusRunning},
		{ID: "b", AgentID: "beta", Deps: []string{"a"}},
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	h := newHarness(t, fl, nil, func(c *ExecutorConfig) {
		c.Tasks = store
		c.StallTimeout = 50 * time.Millisecond
	})

	outcome := h.run(t)
	if outcome.Status != RunFailed || !strings.HasPrefix(outcome.Reason, "run stalled") {
		t.Fatalf("expected stall failure, got %+v", outcome)
	}
	for _, id := range []string{"a", "b"} {
		if task := h.task(t, id); task.Status != scheduler.StatusBlocked {
			t.Errorf("task %s: expected blocked, got %s", id, task.Status)
		}
	}
}

func TestRunInjectsMemory(t *testing.T) {
	retriever := retrieverFunc(func(_ context.Context, query string, budget int) ([]MemoryItem, error) {
		if budget != 64 {
			return nil, fmt.Errorf("unexpected budget %d", budget)
		}
		return []MemoryItem{{Source: "old-run/plan", Content: "use the existing router", Score: 1}}, nil
	})
	h := newHarness(t, chainFlow(), nil, func(c *ExecutorConfig) {
		c.Retriever = retriever
		c.MemoryTokens = 64
	})

	if outcome := h.run(t); outcome.Status != RunSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if !strings.Contains(h.factory.prompts["planner"][0], "use the existing router") {
		t.Errorf("memory missing from prompt")
	}
	injected := h.events(t, events.EventTypeMemoryInjected)
	if len(injected) != 2 {
		t.Fatalf("expected one memory.injected per task, got %d", len(injected))
	}
	if ev := injected[0].(events.MemoryInjectedEvent); ev.Items != 1 || !contains(ev.From, "old-run/plan") {
		t.Errorf("unexpected event %+v", ev)
	}
}

type retrieverFunc func(ctx context.Context, query string, budget int) ([]MemoryItem, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string, budget int) ([]MemoryItem, error) {
	return f(ctx, query, budget)
}

func handoffFlow() *flow.Flow {
	return &flow.Flow{
		ID: "handoff",
		Nodes: []flow.Node{
			{ID: "impl", AgentID: "coder", Instruction: "Update app.txt", Files: []string{"app.txt"}},
			{ID: "review", AgentID: "reviewer", Instruction: "Review the result"},
		},
		Edges: []flow.Edge{{Source: "impl", Target: "review", Type: flow.EdgeDelegation}},
	}
}

func editApp(content, reply string) replyFunc {
	return func(_ context.Context, cfg backend.Config, _ string) (backend.Response, error) {
		if err := os.WriteFile(filepath.Join(cfg.WorkDir, "app.txt"), []byte(content), 0o644); err != nil {
			return backend.Response{}, err
		}
		return backend.Response{Content: reply}, nil
	}
}

func writeWorkspaceFile(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func readWorkspaceFile(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

// sandboxEnvelope cites the sandbox of the agent working in workDir the way
// its prompt asks it to.
func sandboxEnvelope(workDir string) handoff.Envelope {
	root := filepath.Dir(workDir)
	return handoff.Envelope{
		Target:         "reviewer",
		SandboxWorkDir: root,
		ProposalJSON:   filepath.Join(root, "proposal", "proposal.json"),
		ChangedFiles:   []string{"app.txt"},
	}
}

func handoffBlock(t *testing.T, env handoff.Envelope) string {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	return "<handoff>\n" + string(data) + "\n</handoff>"
}

func TestRunHandoffSpawnsTask(t *testing.T) {
	requireGit(t)
	h := newHarness(t, handoffFlow(), []string{"coder"})
	writeWorkspaceFile(t, h.workspace, "app.txt", "v1\n")
	h.factory.reply("coder", func(ctx context.Context, cfg backend.Config, p string) (backend.Response, error) {
		env := sandboxEnvelope(cfg.WorkDir)
		env.Intent = "check the new version"
		env.Deliverables = []string{"review notes"}
		return editApp("v2\n", "Updated app.txt.\n"+handoffBlock(t, env))(ctx, cfg, p)
	})

	outcome := h.run(t)
	if outcome.Status != RunSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}

	spawned := h.task(t, "impl-handoff-1")
	if spawned.Status != scheduler.StatusDone {
		t.Errorf("handoff task should run, got %s", spawned.Status)
	}
	if spawned.AgentID != "reviewer" || len(spawned.Deps) != 1 || spawned.Deps[0] != "impl" {
		t.Errorf("unexpected handoff task: %+v", spawned)
	}
	if spawned.MetaString(MetaHandoffFrom) != "impl" {
		t.Errorf("expected handoffFrom impl, got %q", spawned.MetaString(MetaHandoffFrom))
	}
	env := handoffFromMeta(spawned)
	if env == nil {
		t.Fatal("handoff envelope not stored on task")
	}
	if !strings.HasSuffix(env.ProposalJSON, "proposal.json") || !contains(env.ChangedFiles, "app.txt") {
		t.Errorf("provenance not carried over: %+v", env)
	}

	prompts := h.factory.prompts["reviewer"]
	if len(prompts) != 2 {
		t.Fatalf("expected reviewer to run twice, got %d", len(prompts))
	}
	var sawHandoff bool
	for _, p := range prompts {
		if strings.Contains(p, "## Handoff request") && strings.Contains(p, "check the new version") {
			sawHandoff = true
		}
		if strings.Contains(p, `"to":"reviewer"`) {
			t.Errorf("raw handoff block leaked into a dependent prompt")
		}
	}
	if !sawHandoff {
		t.Errorf("no reviewer prompt carried the handoff request")
	}

	if got := readWorkspaceFile(t, h.workspace, "app.txt"); got != "v1\n" {
		t.Errorf("manual review must not touch the workspace, got %q", got)
	}
	reviewed := h.events(t, events.EventTypeProposalReviewed)
	if len(reviewed) != 1 {
		t.Fatalf("expected one proposal.reviewed event, got %d", len(reviewed))
	}
	if ev := reviewed[0].(events.ProposalReviewedEvent); ev.Decision != string(DecisionPendingManual) || ev.Applied {
		t.Errorf("unexpected review %+v", ev)
	}
	if len(h.events(t, events.EventTypeAnnounce)) != 1 {
		t.Errorf("expected an announce event for the handoff")
	}
}

func TestRunHandoffRejected(t *testing.T) {
	tests := []struct {
		name      string
		sandboxed bool
		reply     func(cfg backend.Config) string
		want      string
	}{
		{
			name: "unreachable target",
			reply: func(backend.Config) string {
				return `done <handoff>{"to": "stranger", "intent": "x", "plan": ["y"]}</handoff>`
			},
			want: "cannot reach",
		},
		{
			name: "missing provenance",
			reply: func(backend.Config) string {
				return `done <handoff>{"to": "reviewer", "intent": "x", "plan": ["y"]}</handoff>`
			},
			want: "sandboxWorkDir",
		},
		{
			name:      "sandboxed agent without provenance",
			sandboxed: true,
			reply: func(backend.Config) string {
				return `done <handoff>{"to": "reviewer", "intent": "x", "plan": ["y"]}</handoff>`
			},
			want: "sandboxWorkDir",
		},
		{
			name:      "sandboxed agent without sandboxWorkDir",
			sandboxed: true,
			reply: func(cfg backend.Config) string {
				env := sandboxEnvelope(cfg.WorkDir)
				env.SandboxWorkDir = ""
				env.Intent = "x"
				env.Plan = []string{"y"}
				data, _ := json.Marshal(env)
				return "done <handoff>" + string(data) + "</handoff>"
			},
			want: "sandboxWorkDir",
		},
		{
			name:      "proposal outside the sandbox",
			sandboxed: true,
			reply: func(cfg backend.Config) string {
				env := sandboxEnvelope(cfg.WorkDir)
				env.ProposalJSON = filepath.Join(os.TempDir(), "elsewhere.json")
				env.Intent = "x"
				env.Plan = []string{"y"}
				data, _ := json.Marshal(env)
				return "done <handoff>" + string(data) + "</handoff>"
			},
			want: "proposalJson",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sandboxed []string
			if tt.sandboxed {
				requireGit(t)
				sandboxed = []string{"coder"}
			}
			h := newHarness(t, handoffFlow(), sandboxed)
			writeWorkspaceFile(t, h.workspace, "app.txt", "v1\n")
			reply := tt.reply
			h.factory.reply("coder", func(_ context.Context, cfg backend.Config, _ string) (backend.Response, error) {
				return backend.Response{Content: reply(cfg)}, nil
			})

			outcome := h.run(t)
			if outcome.Status != RunSuccess {
				t.Fatalf("a rejected handoff must not fail the run, got %+v", outcome)
			}
			if _, ok := h.exec.Tasks().Get("run-1", "impl-handoff-1"); ok {
				t.Errorf("no handoff task expected")
			}

			var found bool
			for _, ev := range h.events(t, events.EventTypeRunLog) {
				l := ev.(events.RunLogEvent)
				if l.Level == "warn" && strings.Contains(l.Message, "rejected") && strings.Contains(l.Message, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a rejection run.log mentioning %q", tt.want)
			}
		})
	}
}

func TestRunReusesExistingSandbox(t *testing.T) {
	requireGit(t)
	h := newHarness(t, handoffFlow(), []string{"coder"})
	writeWorkspaceFile(t, h.workspace, "app.txt", "v1\n")

	id := sandbox.Identity{WorkspaceRoot: h.workspace, RunID: "run-1", AgentID: "coder"}
	sb, err := sandbox.NewManager().Prepare(context.Background(), id, []string{"app.txt"})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	writeWorkspaceFile(t, sb.WorkDir, "app.txt", "earlier unreviewed edit\n")

	if outcome := h.run(t); outcome.Status != RunSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if got := readWorkspaceFile(t, sb.WorkDir, "app.txt"); got != "earlier unreviewed edit\n" {
		t.Errorf("sandbox work was reset, got %q", got)
	}

	submitted := h.events(t, events.EventTypeProposalSubmitted)
	if len(submitted) != 1 {
		t.Fatalf("expected one proposal, got %d", len(submitted))
	}
	if ev := submitted[0].(events.ProposalSubmittedEvent); !contains(ev.ChangedFiles, "app.txt") {
		t.Errorf("the earlier edit should be proposed, got %+v", ev)
	}
	if got := readWorkspaceFile(t, h.workspace, "app.txt"); got != "v1\n" {
		t.Errorf("manual review must not touch the workspace, got %q", got)
	}
}

func TestRunAutoReviewAppliesProposal(t *testing.T) {
	requireGit(t)
	fl := &flow.Flow{
		ID: "edit",
		Nodes: []flow.Node{
			{ID: "first", AgentID: "coder", Files: []string{"app.txt"}},
			{ID: "second", AgentID: "coder"},
		},
		Edges: []flow.Edge{{Source: "first", Target: "second", Type: flow.EdgeLink}},
	}
	h := newHarness(t, fl, []string{"coder"}, func(c *ExecutorConfig) { c.Review = AutoGate{} })
	writeWorkspaceFile(t, h.workspace, "app.txt", "v1\n")

	var calls int
	h.factory.reply("coder", func(ctx context.Context, cfg backend.Config, p string) (backend.Response, error) {
		calls++
		return editApp(fmt.Sprintf("v%d\n", calls+1), "edited")(ctx, cfg, p)
	})

	if outcome := h.run(t); outcome.Status != RunSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if got := readWorkspaceFile(t, h.workspace, "app.txt"); got != "v3\n" {
		t.Errorf("expected both proposals applied, got %q", got)
	}

	reviewed := h.events(t, events.EventTypeProposalReviewed)
	if len(reviewed) != 2 {
		t.Fatalf("expected two reviews, got %d", len(reviewed))
	}
	for _, ev := range reviewed {
		r := ev.(events.ProposalReviewedEvent)
		if r.Decision != string(DecisionApproved) || !r.Applied {
			t.Errorf("unexpected review %+v", r)
		}
	}
	if cfg := h.factory.configs["coder"]; !strings.Contains(cfg.WorkDir, filepath.Join("sandboxes", "run-1", "coder")) {
		t.Errorf("coder should work in its sandbox, got %s", cfg.WorkDir)
	}
}

func TestRunPublishesOnBus(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	all := bus.SubscribeAll(1024)

	h := newHarness(t, chainFlow(), nil, func(c *ExecutorConfig) { c.Bus = bus })
	if outcome := h.run(t); outcome.Status != RunSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}

	seen := make(map[string]bool)
	for len(all) > 0 {
		ev := <-all
		seen[ev.EventType()] = true
	}
	for _, want := range []string{
		events.EventTypeTaskSnapshot,
		events.EventTypeTaskUpdated,
		events.EventTypeRunStarted,
		events.EventTypeNodeOutput,
		events.EventTypeRunFinished,
	} {
		if !seen[want] {
			t.Errorf("bus did not carry %s", want)
		}
	}
}

func TestNewExecutorValidates(t *testing.T) {
	if _, err := NewExecutor(ExecutorConfig{}); err == nil {
		t.Fatal("expected an error for an empty config")
	}
}
