package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/backend"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/flow"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/handoff"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/persistence"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/proposal"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/sandbox"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunSuccess RunStatus = persistence.RunSuccess
	RunFailed  RunStatus = persistence.RunFailed
	RunStopped RunStatus = persistence.RunStopped
)

// Outcome is the result of Executor.Run.
type Outcome struct {
	Status RunStatus
	Reason string
	TaskID string // the task that decided the outcome, if any
}

// Defaults for ExecutorConfig.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStallTimeout = 30 * time.Second
	DefaultTaskTimeout  = 10 * time.Minute
)

// ExecutorConfig wires an Executor. Flow, Workspace, Log, Resolver and
// Backends are required; everything else has a default.
type ExecutorConfig struct {
	RunID     string
	Flow      *flow.Flow
	Workspace string

	Tasks     *scheduler.Store
	Log       persistence.Store
	Bus       *events.Bus
	Sandboxes *sandbox.Manager
	Proposals *proposal.Engine

	Resolver  BackendResolver
	Backends  backend.Factory
	Retriever ContextRetriever
	Review    ReviewGate
	Breakers  *BreakerRegistry
	Prompts   *PromptBuilder

	PollInterval      time.Duration
	StallTimeout      time.Duration
	TaskTimeout       time.Duration
	MemoryTokens      int
	DefaultEstimateMs int64

	Logger *slog.Logger
}

type agentRuntime struct {
	res     Resolution
	backend backend.Backend
	sandbox *sandbox.Sandbox
	workDir string
}

// Executor drives one run: it picks one runnable task at a time, invokes
// its agent and records every step in the event log.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
	now    func() time.Time

	agents   map[string]*agentRuntime
	handoffs map[string]int

	mu      sync.Mutex
	outputs map[string]DependencyOutput

	persistCtx context.Context
	stallSince time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewExecutor validates cfg and fills in defaults.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	switch {
	case cfg.Flow == nil:
		return nil, errors.New("executor needs a flow")
	case cfg.Workspace == "":
		return nil, errors.New("executor needs a workspace root")
	case cfg.Log == nil:
		return nil, errors.New("executor needs an event log")
	case cfg.Resolver == nil:
		return nil, errors.New("executor needs a backend resolver")
	case cfg.Backends == nil:
		return nil, errors.New("executor needs a backend factory")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.DefaultEstimateMs <= 0 {
		cfg.DefaultEstimateMs = scheduler.DefaultEstimateMs
	}
	if cfg.Tasks == nil {
		cfg.Tasks = scheduler.NewStore(scheduler.WithDefaultEstimate(cfg.DefaultEstimateMs))
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Sandboxes == nil {
		cfg.Sandboxes = sandbox.NewManager(sandbox.WithLogger(logger))
	}
	if cfg.Proposals == nil {
		cfg.Proposals = proposal.NewEngine(cfg.Sandboxes, logger)
	}
	if cfg.Retriever == nil {
		cfg.Retriever = NopRetriever{}
	}
	if cfg.Review == nil {
		cfg.Review = ManualGate{}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakerRegistry(DefaultBreakerSettings(), logger)
	}
	if cfg.Prompts == nil {
		cfg.Prompts = NewPromptBuilder()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}

	return &Executor{
		cfg:      cfg,
		logger:   logger.With("run_id", cfg.RunID),
		now:      time.Now,
		agents:   make(map[string]*agentRuntime),
		handoffs: make(map[string]int),
		outputs:  make(map[string]DependencyOutput),
		stopCh:   make(chan struct{}),
	}, nil
}

// RunID returns the id of the run.
func (e *Executor) RunID() string { return e.cfg.RunID }

// Tasks returns the task store the run lives in.
func (e *Executor) Tasks() *scheduler.Store { return e.cfg.Tasks }

// Bus returns the bus run events are published on.
func (e *Executor) Bus() *events.Bus { return e.cfg.Bus }

// Stop asks the run to stop. It is honoured once the in-flight agent call,
// if any, returns.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Executor) stopRequested(ctx context.Context) bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return ctx.Err() != nil
	}
}

// Run executes the run until it succeeds, fails or is stopped. The error is
// only set when the run could not be set up; task failures are reported
// through the outcome.
func (e *Executor) Run(ctx context.Context) (Outcome, error) {
	e.persistCtx = context.WithoutCancel(ctx)
	runID := e.cfg.RunID

	if !e.cfg.Tasks.HasRun(runID) {
		tasks := flow.Expand(e.cfg.Flow, flow.ExpandOptions{
			DefaultEstimateMs: e.cfg.DefaultEstimateMs,
			NowMs:             e.now().UnixMilli(),
		})
		if err := e.cfg.Tasks.CreateRun(runID, tasks); err != nil {
			return Outcome{}, fmt.Errorf("failed to seed run: %w", err)
		}
	}

	if _, err := e.cfg.Log.GetRun(e.persistCtx, runID); errors.Is(err, persistence.ErrNotFound) {
		if err := e.cfg.Log.CreateRun(e.persistCtx, persistence.Run{
			ID:        runID,
			FlowID:    e.cfg.Flow.ID,
			Workspace: e.cfg.Workspace,
			StartedAt: e.now(),
		}); err != nil {
			return Outcome{}, fmt.Errorf("failed to record run: %w", err)
		}
	} else if err != nil {
		return Outcome{}, fmt.Errorf("failed to load run: %w", err)
	}

	sub, err := e.cfg.Tasks.Subscribe(runID, e.forwardStoreEvent)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to subscribe to run: %w", err)
	}
	defer e.cfg.Tasks.Unsubscribe(runID, sub)

	e.emit(events.RunStartedEvent{
		Header:    e.header(""),
		FlowID:    e.cfg.Flow.ID,
		Workspace: e.cfg.Workspace,
		Tasks:     len(e.cfg.Tasks.Tasks(runID)),
	})
	e.logger.Info("run started", "flow_id", e.cfg.Flow.ID, "workspace", e.cfg.Workspace)

	outcome := e.loop(ctx)

	e.emit(events.RunFinishedEvent{
		Header: e.header(outcome.TaskID),
		Status: string(outcome.Status),
		Reason: outcome.Reason,
	})
	if err := e.cfg.Log.FinishRun(e.persistCtx, runID, string(outcome.Status), outcome.Reason); err != nil {
		e.logger.Error("failed to record run outcome", "error", err)
	}
	e.closeBackends()
	e.logger.Info("run finished", "status", outcome.Status, "reason", outcome.Reason)
	return outcome, nil
}

func (e *Executor) loop(ctx context.Context) Outcome {
	runID := e.cfg.RunID

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = e.cfg.PollInterval
	idle.MaxInterval = 8 * e.cfg.PollInterval
	idle.RandomizationFactor = 0
	idle.MaxElapsedTime = 0
	idle.Reset()

	for {
		if e.stopRequested(ctx) {
			e.cancelRemaining("run stopped")
			return Outcome{Status: RunStopped, Reason: "stop requested"}
		}

		if _, err := e.cfg.Tasks.Recompute(runID); err != nil {
			return Outcome{Status: RunFailed, Reason: fmt.Sprintf("failed to recompute schedule: %v", err)}
		}
		tasks := e.cfg.Tasks.Tasks(runID)

		if t, ok := firstWithStatus(tasks, scheduler.StatusFailed); ok {
			return Outcome{Status: RunFailed, Reason: fmt.Sprintf("task %s failed: %s", t.ID, blockerMessage(t)), TaskID: t.ID}
		}
		if allTerminal(tasks) {
			if t, ok := firstWithStatus(tasks, scheduler.StatusBlocked); ok {
				return Outcome{Status: RunFailed, Reason: fmt.Sprintf("task %s blocked: %s", t.ID, blockerMessage(t)), TaskID: t.ID}
			}
			return Outcome{Status: RunSuccess}
		}

		if next, ok := selectRunnable(tasks); ok {
			e.stallSince = time.Time{}
			idle.Reset()
			e.execute(ctx, next)
			continue
		}

		if stuck := unsatisfiable(tasks); len(stuck) > 0 {
			for id, reason := range stuck {
				e.block(id, reason)
			}
			first := sortedKeys(stuck)[0]
			return Outcome{Status: RunFailed, Reason: fmt.Sprintf("task %s blocked: %s", first, stuck[first]), TaskID: first}
		}

		now := e.now()
		if e.stallSince.IsZero() {
			e.stallSince = now
		}
		if now.Sub(e.stallSince) >= e.cfg.StallTimeout {
			reason := fmt.Sprintf("no progress for %s", e.cfg.StallTimeout)
			e.blockRemaining(reason)
			return Outcome{Status: RunFailed, Reason: "run stalled: " + reason}
		}

		wait := idle.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-e.stopCh:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

// execute runs one task to a terminal state.
func (e *Executor) execute(ctx context.Context, t scheduler.Task) {
	runID := e.cfg.RunID
	agentID := t.Lane()
	started := e.now()

	e.mutate(t.ID, func(task *scheduler.Task) {
		task.Status = scheduler.StatusRunning
		ms := started.UnixMilli()
		task.ActualStartMs = &ms
		task.Blocker = nil
	})

	rt, err := e.runtime(ctx, agentID, t)
	if err != nil {
		e.fail(t, agentID, invocationKind(err), err, 0)
		return
	}

	e.emit(events.TaskDispatchedEvent{
		Header:    e.header(t.ID),
		AgentID:   agentID,
		Backend:   rt.res.Backend.Type,
		WorkDir:   rt.workDir,
		Sandboxed: rt.sandbox != nil,
	})

	nodeID := sourceNode(t)
	prompt := e.cfg.Prompts.Build(PromptInput{
		Task:         t,
		AgentID:      agentID,
		Profile:      rt.res.Profile,
		Dependencies: e.dependencyOutputs(t),
		Memory:       e.retrieveMemory(ctx, t),
		Peers:        e.cfg.Flow.CommunicationPolicy(nodeID),
		Sandbox:      rt.sandbox,
	})

	timeout := e.cfg.TaskTimeout
	if d, ok := e.cfg.Flow.InteractionTimeout(nodeID); ok && d < timeout {
		timeout = d
	}
	e.emit(events.NodeStartedEvent{
		Header:      e.header(t.ID),
		NodeID:      nodeID,
		AgentID:     agentID,
		PromptChars: len(prompt),
		TimeoutMs:   timeout.Milliseconds(),
	})

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := e.cfg.Breakers.Send(callCtx, rt.res.Backend.Type, rt.backend, backend.Message{Content: prompt, Role: "user"})
	deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := e.now().Sub(started)

	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	if err != nil {
		if ctx.Err() != nil {
			e.mutate(t.ID, func(task *scheduler.Task) {
				task.Status = scheduler.StatusCanceled
				task.Blocker = &scheduler.Blocker{Kind: scheduler.BlockerExternal, Message: "run stopped"}
			})
			return
		}
		kind := invocationKind(err)
		if kind == "" && deadlineHit {
			kind = string(backend.KindTimeout)
		}
		e.fail(t, agentID, kind, err, elapsed)
		return
	}

	e.mu.Lock()
	e.outputs[t.ID] = DependencyOutput{TaskID: t.ID, AgentID: agentID, Output: resp.Content}
	e.mu.Unlock()

	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = rt.backend.SessionID()
	}
	if sessionID != "" {
		if err := e.cfg.Log.SaveSession(e.persistCtx, runID, agentID, sessionID, rt.res.Backend.Type); err != nil {
			e.logger.Warn("failed to save session", "agent_id", agentID, "error", err)
		}
	}
	e.emit(events.NodeOutputEvent{
		Header:       e.header(t.ID),
		AgentID:      agentID,
		Output:       resp.Content,
		SessionID:    sessionID,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.CostUSD,
		DurationMs:   elapsed.Milliseconds(),
	})

	if rt.sandbox != nil {
		e.proposeAndReview(ctx, t, agentID, rt.sandbox)
	}

	if env, ok := handoff.Extract(resp.Content); ok {
		if err := e.acceptHandoff(t, agentID, rt, env); err != nil {
			e.runLog(t.ID, "warn", fmt.Sprintf("handoff from %s rejected: %v", t.ID, err))
		}
	}

	finished := e.now().UnixMilli()
	e.mutate(t.ID, func(task *scheduler.Task) {
		task.Status = scheduler.StatusDone
		task.Progress = 1
		task.ActualEndMs = &finished
		if task.Meta == nil {
			task.Meta = make(map[string]any)
		}
		task.Meta["backend"] = rt.res.Backend.Type
	})
	e.logger.Info("task done", "task_id", t.ID, "agent_id", agentID, "duration_ms", elapsed.Milliseconds())
}

// runtime returns the backend of agentID, creating it and its sandbox on
// first use within the run.
func (e *Executor) runtime(ctx context.Context, agentID string, t scheduler.Task) (*agentRuntime, error) {
	if rt, ok := e.agents[agentID]; ok {
		return rt, nil
	}

	res, err := e.cfg.Resolver.Resolve(agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	rt := &agentRuntime{res: res, workDir: e.cfg.Workspace}
	if res.Sandboxed() {
		sb, err := e.openSandbox(ctx, agentID, t)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare sandbox: %w", err)
		}
		rt.sandbox = sb
		rt.workDir = sb.WorkDir
	}

	bc := res.Backend
	bc.WorkDir = rt.workDir
	if sessionID, backendType, err := e.cfg.Log.GetSession(e.persistCtx, e.cfg.RunID, agentID); err == nil && backendType == bc.Type {
		bc.SessionID = sessionID
	} else if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		e.logger.Warn("failed to load session", "agent_id", agentID, "error", err)
	}

	b, err := e.cfg.Backends.New(bc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	rt.backend = b
	e.agents[agentID] = rt
	return rt, nil
}

// openSandbox reuses a sandbox left by an earlier attempt at this run, so
// unreviewed edits and pending proposals survive a resume. Its scope comes
// from the last proposal when there is one.
func (e *Executor) openSandbox(ctx context.Context, agentID string, t scheduler.Task) (*sandbox.Sandbox, error) {
	id := e.identity(agentID)
	files := t.MetaStrings(flow.MetaFiles)
	if e.cfg.Sandboxes.Exists(id) {
		if p, err := e.cfg.Proposals.Load(id); err == nil {
			files = p.Manifest.AllowedFiles
		}
		e.logger.Info("reusing sandbox", "run_id", e.cfg.RunID, "agent_id", agentID)
	}
	return e.cfg.Sandboxes.Open(ctx, id, files)
}

func (e *Executor) identity(agentID string) sandbox.Identity {
	return sandbox.Identity{WorkspaceRoot: e.cfg.Workspace, RunID: e.cfg.RunID, AgentID: agentID}
}

func (e *Executor) dependencyOutputs(t scheduler.Task) []DependencyOutput {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []DependencyOutput
	for _, dep := range t.Deps {
		if d, ok := e.outputs[dep]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (e *Executor) retrieveMemory(ctx context.Context, t scheduler.Task) []MemoryItem {
	if e.cfg.MemoryTokens <= 0 {
		return nil
	}
	query := t.MetaString(flow.MetaInstruction)
	if query == "" {
		query = t.Title
	}
	items, err := e.cfg.Retriever.Retrieve(ctx, query, e.cfg.MemoryTokens)
	if err != nil {
		e.logger.Warn("memory retrieval failed", "task_id", t.ID, "error", err)
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	ev := events.MemoryInjectedEvent{Header: e.header(t.ID), Items: len(items)}
	for _, it := range items {
		ev.Tokens += it.Tokens()
		ev.From = append(ev.From, it.Source)
	}
	e.emit(ev)
	return items
}

// proposeAndReview turns the sandbox edits into a proposal and runs it
// through the review gate. Failures are logged to the run, never fatal.
func (e *Executor) proposeAndReview(ctx context.Context, t scheduler.Task, agentID string, sb *sandbox.Sandbox) *proposal.Proposal {
	prop, err := e.cfg.Proposals.Create(ctx, sb, nil, t.Title)
	if err != nil {
		e.runLog(t.ID, "error", fmt.Sprintf("failed to create proposal for %s: %v", agentID, err))
		return nil
	}
	if prop.Empty() {
		e.runLog(t.ID, "info", fmt.Sprintf("%s made no changes", agentID))
		return prop
	}

	e.emit(events.ProposalSubmittedEvent{
		Header:       e.header(t.ID),
		AgentID:      agentID,
		ManifestPath: prop.ManifestPath,
		ChangedFiles: prop.Manifest.Paths(),
		OutOfScope:   prop.Manifest.OutOfScope,
	})

	result, err := e.cfg.Review.Review(ctx, ReviewRequest{
		RunID:    e.cfg.RunID,
		TaskID:   t.ID,
		AgentID:  agentID,
		Proposal: prop,
	})
	if err != nil {
		e.runLog(t.ID, "error", fmt.Sprintf("review of %s failed: %v", agentID, err))
		return prop
	}

	applied := false
	if result.Decision == DecisionApproved {
		if _, err := e.cfg.Proposals.Apply(ctx, sb.Identity); err != nil {
			e.runLog(t.ID, "error", fmt.Sprintf("failed to apply proposal of %s: %v", agentID, err))
		} else {
			applied = true
			if err := e.cfg.Sandboxes.Rebase(sb); err != nil {
				e.runLog(t.ID, "warn", fmt.Sprintf("failed to rebase sandbox of %s: %v", agentID, err))
			}
		}
	}
	e.emit(events.ProposalReviewedEvent{
		Header:   e.header(t.ID),
		AgentID:  agentID,
		Decision: string(result.Decision),
		Reason:   result.Reason,
		Applied:  applied,
	})
	return prop
}

// acceptHandoff validates env and adds the follow-up task it asks for.
func (e *Executor) acceptHandoff(t scheduler.Task, agentID string, rt *agentRuntime, env *handoff.Envelope) error {
	from := sourceNode(t)
	target, ok := e.cfg.Flow.ResolveHandoffTarget(from, env.Target)
	if !ok {
		return fmt.Errorf("%w: %s cannot reach %q", handoff.ErrCommunicationDenied, from, env.Target)
	}

	// The envelope is checked exactly as the agent wrote it.
	var sandboxRoot string
	if rt.sandbox != nil {
		sandboxRoot = rt.sandbox.Root
	} else {
		paths, err := e.cfg.Sandboxes.Paths(e.identity(agentID))
		if err != nil {
			return err
		}
		sandboxRoot = paths.Root
	}

	if err := handoff.AssertValidEnvelope(env); err != nil {
		return err
	}
	if err := handoff.AssertPathsWithinScope(env, sandboxRoot, e.cfg.Workspace); err != nil {
		return err
	}
	if err := handoff.AssertDirectedCommunicationAllowed(e.cfg.Flow, from, target.ID); err != nil {
		return err
	}

	id := e.nextHandoffID(t.ID)
	files := target.Files
	if len(files) == 0 {
		files = env.ChangedFiles
	}
	meta := map[string]any{
		flow.MetaSourceNode:  target.ID,
		flow.MetaInstruction: env.Intent,
		MetaHandoff:          env,
		MetaHandoffFrom:      t.ID,
	}
	if len(files) > 0 {
		meta[flow.MetaFiles] = files
	}
	if _, err := e.cfg.Tasks.UpsertTask(e.cfg.RunID, scheduler.Task{
		ID:         id,
		Title:      fmt.Sprintf("%s (handoff from %s)", target.Label(), t.ID),
		AgentID:    target.AgentID,
		Deps:       []string{t.ID},
		EstimateMs: target.EstimateMs,
		Status:     scheduler.StatusPlanned,
		Meta:       meta,
	}); err != nil {
		return fmt.Errorf("failed to add handoff task: %w", err)
	}

	e.emit(events.AnnounceEvent{
		Header:  e.header(id),
		Level:   "info",
		Message: fmt.Sprintf("%s handed off to %s: %s", agentID, target.AgentID, env.Intent),
	})
	e.logger.Info("handoff accepted", "from_task", t.ID, "task_id", id, "to_agent", target.AgentID)
	return nil
}

func (e *Executor) nextHandoffID(taskID string) string {
	for {
		e.handoffs[taskID]++
		id := fmt.Sprintf("%s-handoff-%d", taskID, e.handoffs[taskID])
		if _, exists := e.cfg.Tasks.Get(e.cfg.RunID, id); !exists {
			return id
		}
	}
}

func (e *Executor) fail(t scheduler.Task, agentID, kind string, err error, elapsed time.Duration) {
	msg := err.Error()
	e.mutate(t.ID, func(task *scheduler.Task) {
		task.Status = scheduler.StatusFailed
		task.Blocker = &scheduler.Blocker{Kind: scheduler.BlockerError, Message: msg}
	})
	e.emit(events.NodeFailedEvent{
		Header:     e.header(t.ID),
		AgentID:    agentID,
		Kind:       kind,
		Error:      msg,
		DurationMs: elapsed.Milliseconds(),
	})
	e.logger.Error("task failed", "task_id", t.ID, "agent_id", agentID, "error", err)
}

func (e *Executor) block(taskID, reason string) {
	e.mutate(taskID, func(task *scheduler.Task) {
		task.Status = scheduler.StatusBlocked
		task.Blocker = &scheduler.Blocker{Kind: scheduler.BlockerError, Message: reason}
	})
}

func (e *Executor) blockRemaining(reason string) {
	for _, t := range e.cfg.Tasks.Tasks(e.cfg.RunID) {
		if !t.Status.IsTerminal() {
			e.block(t.ID, reason)
		}
	}
}

func (e *Executor) cancelRemaining(reason string) {
	for _, t := range e.cfg.Tasks.Tasks(e.cfg.RunID) {
		if t.Status.IsTerminal() {
			continue
		}
		e.mutate(t.ID, func(task *scheduler.Task) {
			task.Status = scheduler.StatusCanceled
			task.Blocker = &scheduler.Blocker{Kind: scheduler.BlockerExternal, Message: reason}
		})
	}
	if _, err := e.cfg.Tasks.Recompute(e.cfg.RunID); err != nil {
		e.logger.Warn("failed to recompute after stop", "error", err)
	}
}

func (e *Executor) mutate(taskID string, fn func(*scheduler.Task)) {
	if _, err := e.cfg.Tasks.Mutate(e.cfg.RunID, taskID, fn); err != nil {
		e.logger.Error("failed to update task", "task_id", taskID, "error", err)
	}
}

func (e *Executor) closeBackends() {
	for id, rt := range e.agents {
		if err := rt.backend.Close(); err != nil {
			e.logger.Warn("failed to close backend", "agent_id", id, "error", err)
		}
	}
}

func (e *Executor) header(taskID string) events.Header {
	return events.Header{Run: e.cfg.RunID, Task: taskID, At: e.now()}
}

// emit appends ev to the run's event log and publishes it on the bus.
func (e *Executor) emit(ev events.Event) {
	payload, err := events.Marshal(ev)
	if err != nil {
		e.logger.Error("failed to encode event", "type", ev.EventType(), "error", err)
	} else if _, err := e.cfg.Log.AppendEvent(e.persistCtx, persistence.EventRecord{
		RunID:     ev.RunID(),
		Type:      ev.EventType(),
		TaskID:    ev.TaskID(),
		Payload:   payload,
		CreatedAt: ev.Time(),
	}); err != nil {
		e.logger.Error("failed to append event", "type", ev.EventType(), "error", err)
	}
	e.cfg.Bus.Emit(ev)
}

func (e *Executor) runLog(taskID, level, message string) {
	e.emit(events.RunLogEvent{Header: e.header(taskID), Level: level, Message: message})
	switch level {
	case "error":
		e.logger.Error(message, "task_id", taskID)
	case "warn":
		e.logger.Warn(message, "task_id", taskID)
	default:
		e.logger.Info(message, "task_id", taskID)
	}
}

// forwardStoreEvent publishes task store changes on the bus and keeps the
// persisted task snapshots current. They are not part of the event log.
func (e *Executor) forwardStoreEvent(ev scheduler.Event) {
	h := events.Header{Run: ev.RunID, Task: ev.TaskID, At: e.now()}
	switch ev.Type {
	case scheduler.EventSnapshot:
		e.cfg.Bus.Emit(events.TaskSnapshotEvent{Header: h, Tasks: ev.Tasks})
		for _, t := range ev.Tasks {
			e.saveSnapshot(t)
		}
	case scheduler.EventTaskAdded:
		e.cfg.Bus.Emit(events.TaskUpdatedEvent{Header: h, Added: ev.Task})
		if ev.Task != nil {
			e.saveSnapshot(*ev.Task)
		}
	case scheduler.EventTaskUpdated:
		e.cfg.Bus.Emit(events.TaskUpdatedEvent{Header: h, Patch: ev.Patch})
		if t, ok := e.cfg.Tasks.Get(ev.RunID, ev.TaskID); ok {
			e.saveSnapshot(t)
		}
	case scheduler.EventScheduleRecomputed:
		if len(ev.TaskIDs) > 0 {
			e.cfg.Bus.Emit(events.ScheduleRecomputedEvent{Header: h, TaskIDs: ev.TaskIDs})
		}
	}
}

func (e *Executor) saveSnapshot(t scheduler.Task) {
	if err := e.cfg.Log.SaveTaskSnapshot(e.persistCtx, e.cfg.RunID, t); err != nil {
		e.logger.Warn("failed to save task snapshot", "task_id", t.ID, "error", err)
	}
}

// selectRunnable picks the next task whose dependencies are all done,
// earliest planned start first.
func selectRunnable(tasks []scheduler.Task) (scheduler.Task, bool) {
	status := make(map[string]scheduler.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	var candidates []scheduler.Task
	for _, t := range tasks {
		if t.Status != scheduler.StatusPlanned && t.Status != scheduler.StatusReady {
			continue
		}
		runnable := true
		for _, dep := range t.Deps {
			if status[dep] != scheduler.StatusDone {
				runnable = false
				break
			}
		}
		if runnable {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return scheduler.Task{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.PlannedStartMs != b.PlannedStartMs {
			return a.PlannedStartMs < b.PlannedStartMs
		}
		if pa, pb := priorityOf(a), priorityOf(b); pa != pb {
			return pa > pb
		}
		if a.Overrides.Pinned != b.Overrides.Pinned {
			return a.Overrides.Pinned
		}
		if a.CreatedAtMs != b.CreatedAtMs {
			return a.CreatedAtMs < b.CreatedAtMs
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// unsatisfiable maps non-terminal tasks that can never run to the reason:
// a dependency is missing, or ended without finishing.
func unsatisfiable(tasks []scheduler.Task) map[string]string {
	byID := make(map[string]scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	out := make(map[string]string)
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		var missing, dead []string
		for _, dep := range t.Deps {
			d, ok := byID[dep]
			switch {
			case !ok:
				missing = append(missing, dep)
			case d.Status == scheduler.StatusFailed, d.Status == scheduler.StatusCanceled, d.Status == scheduler.StatusBlocked:
				dead = append(dead, dep+" "+string(d.Status))
			}
		}
		switch {
		case len(missing) > 0:
			out[t.ID] = "missing dependencies: " + strings.Join(missing, ", ")
		case len(dead) > 0:
			out[t.ID] = "dependency cannot finish: " + strings.Join(dead, ", ")
		}
	}
	return out
}

func allTerminal(tasks []scheduler.Task) bool {
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func firstWithStatus(tasks []scheduler.Task, status scheduler.TaskStatus) (scheduler.Task, bool) {
	var found []scheduler.Task
	for _, t := range tasks {
		if t.Status == status {
			found = append(found, t)
		}
	}
	if len(found) == 0 {
		return scheduler.Task{}, false
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found[0], true
}

func blockerMessage(t scheduler.Task) string {
	if t.Blocker == nil || t.Blocker.Message == "" {
		return string(t.Status)
	}
	return t.Blocker.Message
}

func priorityOf(t scheduler.Task) int {
	if t.Overrides.Priority == nil {
		return 0
	}
	return *t.Overrides.Priority
}

func sourceNode(t scheduler.Task) string {
	if id := t.MetaString(flow.MetaSourceNode); id != "" {
		return id
	}
	return t.ID
}

func invocationKind(err error) string {
	var ie *backend.InvocationError
	if errors.As(err, &ie) {
		return string(ie.Kind)
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return "unavailable"
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
