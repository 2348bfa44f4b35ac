package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/events"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/orchestrator"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/persistence"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/proposal"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/sandbox"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recorded runs, or the tasks of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := root.load(cmd)
			if err != nil {
				return err
			}
			store, err := e.openExistingStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				return printRuns(ctx, cmd.OutOrStdout(), store)
			}
			return printRunStatus(ctx, cmd.OutOrStdout(), store, args[0])
		},
	}
}

func printRuns(ctx context.Context, w io.Writer, store persistence.Store) error {
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{r.ID, r.FlowID, r.Status, r.StartedAt.Format(time.DateTime), r.Reason})
	}
	fmt.Fprintln(w, table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "FLOW", "STATUS", "STARTED", "REASON").
		Rows(rows...).
		String())
	return nil
}

func printRunStatus(ctx context.Context, w io.Writer, store persistence.Store, runID string) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run:       %s\n", run.ID)
	fmt.Fprintf(w, "flow:      %s\n", run.FlowID)
	fmt.Fprintf(w, "workspace: %s\n", run.Workspace)
	fmt.Fprintf(w, "status:    %s\n", run.Status)
	if run.Reason != "" {
		fmt.Fprintf(w, "reason:    %s\n", run.Reason)
	}
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "duration:  %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}

	tasks, err := store.ListTaskSnapshots(ctx, runID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	sortByTimeline(tasks)
	fmt.Fprintln(w)
	printTimeline(w, tasks)
	return nil
}

type eventsOptions struct {
	after   int64
	rawJSON bool
}

func newEventsCmd(root *rootOptions) *cobra.Command {
	opts := &eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := root.load(cmd)
			if err != nil {
				return err
			}
			store, err := e.openExistingStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetRun(ctx, args[0]); err != nil {
				return err
			}
			records, err := store.ListEvents(ctx, args[0], opts.after)
			if err != nil {
				return err
			}
			return printEventLog(cmd.OutOrStdout(), records, opts.rawJSON)
		},
	}
	cmd.Flags().Int64Var(&opts.after, "after", 0, "Only events with a higher sequence number")
	cmd.Flags().BoolVar(&opts.rawJSON, "json", false, "Print one JSON object per event")
	return cmd
}

type eventLine struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	TaskID  string          `json:"taskId,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func printEventLog(w io.Writer, records []persistence.EventRecord, rawJSON bool) error {
	if rawJSON {
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(eventLine{
				Seq: rec.Seq, Type: rec.Type, TaskID: rec.TaskID, At: rec.CreatedAt, Payload: rec.Payload,
			}); err != nil {
				return fmt.Errorf("failed to write event %d: %w", rec.Seq, err)
			}
		}
		return nil
	}

	for _, rec := range records {
		task := rec.TaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%5d %s %-20s %-16s %s\n", rec.Seq, rec.CreatedAt.Format("15:04:05.000"), rec.Type, task, describeRecord(rec))
	}
	return nil
}

// describeRecord summarises the payload of a logged event.
func describeRecord(rec persistence.EventRecord) string {
	ev, err := events.Unmarshal(rec.Type, rec.Payload)
	if err != nil {
		return string(rec.Payload)
	}
	switch e := ev.(type) {
	case events.RunStartedEvent:
		return fmt.Sprintf("flow=%s tasks=%d", e.FlowID, e.Tasks)
	case events.RunFinishedEvent:
		return fmt.Sprintf("status=%s %s", e.Status, e.Reason)
	case events.TaskDispatchedEvent:
		return fmt.Sprintf("agent=%s backend=%s sandboxed=%t", e.AgentID, e.Backend, e.Sandboxed)
	case events.NodeStartedEvent:
		return fmt.Sprintf("agent=%s prompt=%d chars", e.AgentID, e.PromptChars)
	case events.NodeOutputEvent:
		return fmt.Sprintf("agent=%s output=%d chars duration=%s", e.AgentID, len(e.Output), time.Duration(e.DurationMs)*time.Millisecond)
	case events.NodeFailedEvent:
		return fmt.Sprintf("agent=%s kind=%s %s", e.AgentID, e.Kind, e.Error)
	case events.ProposalSubmittedEvent:
		return fmt.Sprintf("agent=%s files=%v", e.AgentID, e.ChangedFiles)
	case events.ProposalReviewedEvent:
		return fmt.Sprintf("agent=%s decision=%s applied=%t %s", e.AgentID, e.Decision, e.Applied, e.Reason)
	case events.AnnounceEvent:
		return e.Message
	case events.RunLogEvent:
		return e.Level + ": " + e.Message
	case events.MemoryInjectedEvent:
		return fmt.Sprintf("items=%d tokens=%d", e.Items, e.Tokens)
	}
	return string(rec.Payload)
}

func newApplyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <run-id> <agent-id>",
		Short: "Apply a pending sandbox proposal to the workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := root.load(cmd)
			if err != nil {
				return err
			}
			store, err := e.openExistingStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			files, err := applyProposal(ctx, e, store, args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintln(out, "proposal is empty, nothing applied")
				return nil
			}
			for _, f := range files {
				fmt.Fprintf(out, "%-8s %s\n", f.Status, f.Path)
			}
			return nil
		},
	}
}

// applyProposal applies the proposal of agentID in runID, refreshes the
// sandbox baseline and records the decision in the run's event log.
func applyProposal(ctx context.Context, e *env, store persistence.Store, runID, agentID string) ([]proposal.ChangedFile, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	sandboxes := e.sandboxes()
	id := sandbox.Identity{WorkspaceRoot: run.Workspace, RunID: runID, AgentID: agentID}

	result, err := proposal.NewEngine(sandboxes, e.logger).Apply(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(result.Files) == 0 {
		return nil, nil
	}

	if sb, ok := sandboxes.Lookup(id); ok {
		if err := sandboxes.Rebase(sb); err != nil {
			e.logger.Warn("failed to refresh sandbox baseline", "run_id", runID, "agent_id", agentID, "error", err)
		}
	}

	ev := events.ProposalReviewedEvent{
		Header:   events.Header{Run: runID, At: time.Now()},
		AgentID:  agentID,
		Decision: string(orchestrator.DecisionApproved),
		Reason:   "applied from the command line",
		Applied:  true,
	}
	payload, err := events.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if _, err := store.AppendEvent(ctx, persistence.EventRecord{
		RunID:     runID,
		Type:      ev.EventType(),
		Payload:   payload,
		CreatedAt: ev.Time(),
	}); err != nil {
		return nil, fmt.Errorf("failed to record apply: %w", err)
	}
	return result.Files, nil
}
