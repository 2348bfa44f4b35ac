package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/flow"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/orchestrator"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/scheduler"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow>",
		Short: "Check a flow and the agents it references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := root.load(cmd)
			if err != nil {
				return err
			}
			f, err := flow.Load(args[0])
			if err != nil {
				return err
			}
			warnings, err := validateFlow(f, orchestrator.NewConfigResolver(e.cfg))
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			agents := 0
			for _, n := range f.Nodes {
				if n.IsExecutable() {
					agents++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flow %s is valid: %d agent nodes, %d edges\n", f.ID, agents, len(f.Edges))
			return nil
		},
	}
}

// validateFlow checks that every agent resolves to a backend. A dependency
// cycle is only a warning: the run blocks the tasks on it.
func validateFlow(f *flow.Flow, resolver orchestrator.BackendResolver) (warnings []string, err error) {
	if _, err := f.Order(); err != nil {
		warnings = append(warnings, err.Error())
	}
	var errs []error
	seen := make(map[string]bool)
	for _, n := range f.Nodes {
		if !n.IsExecutable() || seen[n.AgentID] {
			continue
		}
		seen[n.AgentID] = true
		if _, err := resolver.Resolve(n.AgentID); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID, err))
		}
	}
	if len(errs) > 0 {
		return warnings, fmt.Errorf("flow %s is invalid: %w", f.ID, errors.Join(errs...))
	}
	return warnings, nil
}

func newPlanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <flow>",
		Short: "Print the computed timeline of a flow without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := root.load(cmd)
			if err != nil {
				return err
			}
			f, err := flow.Load(args[0])
			if err != nil {
				return err
			}
			tasks, err := planFlow(f, e.cfg.Executor.DefaultEstimateMs)
			if err != nil {
				return err
			}
			printTimeline(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
}

// planFlow expands f and schedules it from time zero.
func planFlow(f *flow.Flow, defaultEstimateMs int64) ([]scheduler.Task, error) {
	const planRun = "plan"
	store := scheduler.NewStore(
		scheduler.WithDefaultEstimate(defaultEstimateMs),
		scheduler.WithClock(func() int64 { return 0 }),
	)
	expanded := flow.Expand(f, flow.ExpandOptions{DefaultEstimateMs: defaultEstimateMs})
	if err := store.CreateRun(planRun, expanded); err != nil {
		return nil, err
	}
	tasks := store.Tasks(planRun)
	sortByTimeline(tasks)
	return tasks, nil
}

func sortByTimeline(tasks []scheduler.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.PlannedStartMs != b.PlannedStartMs {
			return a.PlannedStartMs < b.PlannedStartMs
		}
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		return a.ID < b.ID
	})
}

func printTimeline(w io.Writer, tasks []scheduler.Task) {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		status := string(t.Status)
		if t.Blocker != nil {
			status += ": " + t.Blocker.Message
		}
		rows = append(rows, []string{
			t.ID,
			t.AgentID,
			offset(t.PlannedStartMs),
			offset(t.PlannedEndMs),
			strings.Join(t.Deps, ","),
			status,
		})
	}
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TASK", "AGENT", "START", "END", "DEPS", "STATUS").
		Rows(rows...)
	fmt.Fprintln(w, tbl.String())
}

func offset(ms int64) string {
	return "+" + (time.Duration(ms) * time.Millisecond).String()
}
