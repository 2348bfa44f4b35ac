// Package cli implements the agentcanvas command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/config"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/logging"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/persistence"
	"github.com/KHUCHAN/AgentCanvas-sub001/internal/sandbox"
)

type rootOptions struct {
	workspace  string
	configPath string
	logLevel   string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentcanvas",
		Short: "Run agent flows against a workspace",
		Long: `agentcanvas expands a flow of agent nodes into a scheduled task graph
and drives it to completion, one agent invocation at a time. Every step is
recorded in a durable event log under the workspace.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", ".", "Workspace root")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: ~/.agentcanvas and <workspace>/.agentcanvas)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newPlanCmd(opts),
		newStatusCmd(opts),
		newEventsCmd(opts),
		newApplyCmd(opts),
	)
	return root
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// env is what every command needs once flags are parsed.
type env struct {
	workspace string
	cfg       *config.Config
	logger    *slog.Logger
}

func (o *rootOptions) load(cmd *cobra.Command) (*env, error) {
	workspace, err := filepath.Abs(o.workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	var cfg *config.Config
	if o.configPath != "" {
		cfg, err = config.Load("", o.configPath)
	} else {
		cfg, err = config.LoadDefault(workspace)
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	return &env{
		workspace: workspace,
		cfg:       cfg,
		logger:    logging.New(cfg.Logging, cmd.ErrOrStderr()),
	}, nil
}

func (e *env) statePath() string {
	if filepath.IsAbs(e.cfg.StatePath) {
		return e.cfg.StatePath
	}
	return filepath.Join(e.workspace, e.cfg.StatePath)
}

func (e *env) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	return persistence.NewSQLiteStore(ctx, e.statePath())
}

// openExistingStore fails instead of creating an empty log.
func (e *env) openExistingStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	path := e.statePath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no run state at %s: %w", path, err)
	}
	return persistence.NewSQLiteStore(ctx, path)
}

func (e *env) sandboxes() *sandbox.Manager {
	opts := []sandbox.Option{sandbox.WithLogger(e.logger)}
	if e.cfg.Sandbox.Dir != "" {
		opts = append(opts, sandbox.WithBaseDir(e.cfg.Sandbox.Dir))
	}
	if e.cfg.Sandbox.Deny != nil {
		opts = append(opts, sandbox.WithDenied(e.cfg.Sandbox.Deny))
	}
	return sandbox.NewManager(opts...)
}
