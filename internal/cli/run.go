package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/backend"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/config"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/flow"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/orchestrator"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/persistence"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/proposal"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/tui"
)

// historyRuns is how many earlier runs memory retrieval searches.
const historyRuns = 20

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	runID  string
	watch  bool
	review string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <flow>",
		Short: "Execute a flow",
		Long: `Execute a flow against the workspace. Passing the id of an unfinished
run resumes it from its last recorded task snapshots.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Run id (default: generated)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Show the terminal run monitor")
	cmd.Flags().StringVar(&opts.review, "review", "", "Review policy for sandbox proposals: manual, auto or interactive")
	return cmd
}

func runFlow(cmd *cobra.Command, root *rootOptions, opts *runOptions, flowPath string) error {
	ctx := cmd.Context()
	e, err := root.load(cmd)
	if err != nil {
		return err
	}
	f, err := flow.Load(flowPath)
	if err != nil {
		return err
	}

	policy := e.cfg.Executor.ReviewPolicy
	if opts.review != "" {
		policy = opts.review
	}
	if opts.watch && policy == config.ReviewInteractive {
		return errors.New("--watch cannot be combined with interactive review")
	}

	store, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks := scheduler.NewStore(scheduler.WithDefaultEstimate(e.cfg.Executor.DefaultEstimateMs))
	if opts.runID != "" {
		if err := restoreRun(ctx, store, tasks, opts.runID); err != nil {
			return err
		}
	}

	var desk *orchestrator.ReviewDesk
	if policy == config.ReviewInteractive {
		desk = orchestrator.NewReviewDesk(1, promptDecision(cmd.InOrStdin(), cmd.OutOrStdout()))
		deskCtx, cancelDesk := context.WithCancel(ctx)
		desk.Start(deskCtx)
		defer func() {
			cancelDesk()
			desk.Stop()
		}()
	}
	gate, err := orchestrator.NewReviewGate(policy, desk)
	if err != nil {
		return err
	}

	pm := backend.NewProcessManager()
	bus := events.NewBus()
	sandboxes := e.sandboxes()

	exec, err := orchestrator.NewExecutor(orchestrator.ExecutorConfig{
		RunID:             opts.runID,
		Flow:              f,
		Workspace:         e.workspace,
		Tasks:             tasks,
		Log:               store,
		Bus:               bus,
		Sandboxes:         sandboxes,
		Proposals:         proposal.NewEngine(sandboxes, e.logger),
		Resolver:          orchestrator.NewConfigResolver(e.cfg),
		Backends:          backend.DefaultFactory(pm),
		Retriever:         orchestrator.NewHistoryRetriever(store, historyRuns),
		Review:            gate,
		Breakers:          orchestrator.NewBreakerRegistry(orchestrator.DefaultBreakerSettings(), e.logger),
		PollInterval:      e.cfg.Executor.PollInterval(),
		StallTimeout:      e.cfg.Executor.StallTimeout(),
		TaskTimeout:       e.cfg.Executor.TaskTimeout(),
		MemoryTokens:      e.cfg.Executor.MemoryTokens,
		DefaultEstimateMs: e.cfg.Executor.DefaultEstimateMs,
		Logger:            e.logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var (
		uiDone  chan struct{}
		uiErr   error
		printed chan struct{}
	)
	if opts.watch {
		program := tea.NewProgram(tui.New(bus, exec.RunID(), exec.Stop), tea.WithAltScreen(), tea.WithContext(ctx))
		uiDone = make(chan struct{})
		go func() {
			defer close(uiDone)
			_, uiErr = program.Run()
		}()
	} else {
		printed = make(chan struct{})
		go func() {
			defer close(printed)
			printEvents(out, bus.SubscribeAll(256))
		}()
	}

	reg := orchestrator.NewRegistry(e.logger)
	if err := reg.Start(ctx, exec); err != nil {
		return err
	}
	if !opts.watch {
		fmt.Fprintf(out, "run %s started\n", exec.RunID())
	}

	outcome, err := waitForRun(ctx, reg, exec, pm, uiDone, e)
	bus.Close()
	if printed != nil {
		<-printed
	}
	if uiDone != nil {
		// The monitor shows the outcome until the user quits.
		<-uiDone
		if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
			e.logger.Error("run monitor failed", "error", uiErr)
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, describeOutcome(exec.RunID(), outcome))
	if outcome.Status != orchestrator.RunSuccess {
		return fmt.Errorf("run %s %s", exec.RunID(), outcome.Status)
	}
	return nil
}

// waitForRun blocks until the run ends. A signal cancels ctx: running
// agents are killed and the registry is given a bounded time to drain.
// Quitting the monitor asks the run to stop.
func waitForRun(ctx context.Context, reg *orchestrator.Registry, exec *orchestrator.Executor, pm *backend.ProcessManager, uiDone <-chan struct{}, e *env) (orchestrator.Outcome, error) {
	type result struct {
		outcome orchestrator.Outcome
		err     error
	}
	finished := make(chan result, 1)
	go func() {
		outcome, err := reg.Wait(context.WithoutCancel(ctx), exec.RunID())
		finished <- result{outcome, err}
	}()

	for {
		select {
		case r := <-finished:
			return r.outcome, r.err
		case <-uiDone:
			uiDone = nil
			exec.Stop()
		case <-ctx.Done():
			e.logger.Info("shutdown signal received, cleaning up")
			if err := pm.KillAll(); err != nil {
				e.logger.Error("failed to kill agent processes", "error", err)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := reg.Shutdown(shutdownCtx)
			cancel()
			if err != nil {
				return orchestrator.Outcome{}, fmt.Errorf("shutdown: %w", err)
			}
			r := <-finished
			if r.err != nil {
				return orchestrator.Outcome{Status: orchestrator.RunStopped, Reason: ctx.Err().Error()}, nil
			}
			return r.outcome, nil
		}
	}
}

// restoreRun seeds tasks from the snapshots of an unfinished run. Tasks that
// were in flight when the process died are planned again.
func restoreRun(ctx context.Context, store persistence.Store, tasks *scheduler.Store, runID string) error {
	run, err := store.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Finished() {
		return fmt.Errorf("run %s already finished (%s)", runID, run.Status)
	}

	snapshots, err := store.ListTaskSnapshots(ctx, runID)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}
	for i := range snapshots {
		if snapshots[i].Status == scheduler.StatusRunning {
			snapshots[i].Status = scheduler.StatusPlanned
			snapshots[i].ActualStartMs = nil
			snapshots[i].Progress = 0
		}
	}
	if err := tasks.CreateRun(runID, snapshots); err != nil {
		return fmt.Errorf("failed to restore run %s: %w", runID, err)
	}
	return nil
}

// promptDecision asks on out and reads y/n answers from in.
func promptDecision(in io.Reader, out io.Writer) orchestrator.DecideFunc {
	reader := bufio.NewReader(in)
	return func(_ context.Context, req orchestrator.ReviewRequest) (orchestrator.ReviewResult, error) {
		fmt.Fprintln(out, proposal.Summary(&req.Proposal.Manifest))
		fmt.Fprintf(out, "Apply the proposal of %s (task %s)? [y/N] ", req.AgentID, req.TaskID)

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return orchestrator.ReviewResult{}, fmt.Errorf("failed to read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return orchestrator.ReviewResult{Decision: orchestrator.DecisionApproved, Reason: "approved interactively"}, nil
		default:
			return orchestrator.ReviewResult{Decision: orchestrator.DecisionRejected, Reason: "rejected interactively"}, nil
		}
	}
}

func printEvents(w io.Writer, sub <-chan events.Event) {
	for ev := range sub {
		if line, ok := tui.FormatLogLine(ev); ok {
			fmt.Fprintln(w, line)
			continue
		}
		switch e := ev.(type) {
		case events.NodeStartedEvent:
			fmt.Fprintf(w, "%s [%s] %s started\n", e.Time().Format("15:04:05"), e.TaskID(), e.AgentID)
		case events.NodeFailedEvent:
			fmt.Fprintf(w, "%s [%s] %s failed: %s\n", e.Time().Format("15:04:05"), e.TaskID(), e.AgentID, e.Error)
		case events.NodeOutputEvent:
			fmt.Fprintf(w, "%s [%s] %s finished in %s\n", e.Time().Format("15:04:05"), e.TaskID(), e.AgentID,
				time.Duration(e.DurationMs)*time.Millisecond)
		}
	}
}

func describeOutcome(runID string, o orchestrator.Outcome) string {
	if o.Reason == "" {
		return fmt.Sprintf("run %s %s", runID, o.Status)
	}
	return fmt.Sprintf("run %s %s: %s", runID, o.Status, o.Reason)
}
