package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Dir is the directory holding config, both in $HOME and in a workspace.
const Dir = ".agentcanvas"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files are.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads ~/.agentcanvas/config.{toml,json} and
// <workspace>/.agentcanvas/config.{toml,json}.
func LoadDefault(workspace string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(FindFile(filepath.Join(homeDir, Dir)), FindFile(filepath.Join(workspace, Dir)))
}

// FindFile returns dir/config.toml if it exists, else dir/config.json.
func FindFile(dir string) string {
	tomlPath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	return filepath.Join(dir, "config.json")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// mergeConfigFile reads a config file and merges it into base. Map entries
// replace by key; scalar settings override when set.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &loaded)
	} else {
		err = json.Unmarshal(data, &loaded)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

func merge(base, loaded *Config) {
	if base.Providers == nil {
		base.Providers = make(map[string]ProviderConfig)
	}
	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	if base.Agents == nil {
		base.Agents = make(map[string]AgentConfig)
	}
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}

	e := loaded.Executor
	if e.PollIntervalMs > 0 {
		base.Executor.PollIntervalMs = e.PollIntervalMs
	}
	if e.StallTimeoutMs > 0 {
		base.Executor.StallTimeoutMs = e.StallTimeoutMs
	}
	if e.TaskTimeoutMs > 0 {
		base.Executor.TaskTimeoutMs = e.TaskTimeoutMs
	}
	if e.DefaultEstimateMs > 0 {
		base.Executor.DefaultEstimateMs = e.DefaultEstimateMs
	}
	if e.ReviewPolicy != "" {
		base.Executor.ReviewPolicy = e.ReviewPolicy
	}
	if e.MemoryTokens > 0 {
		base.Executor.MemoryTokens = e.MemoryTokens
	}

	if loaded.Sandbox.Dir != "" {
		base.Sandbox.Dir = loaded.Sandbox.Dir
	}
	if loaded.Sandbox.Deny != nil {
		base.Sandbox.Deny = loaded.Sandbox.Deny
	}
	if loaded.Logging.Level != "" {
		base.Logging.Level = loaded.Logging.Level
	}
	if loaded.Logging.Format != "" {
		base.Logging.Format = loaded.Logging.Format
	}
	if loaded.StatePath != "" {
		base.StatePath = loaded.StatePath
	}
}

var knownTypes = map[string]bool{
	"claude": true, "codex": true, "goose": true,
	"command": true, "anthropic": true, "openai": true,
}

// Validate checks cross references and enumerations.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range c.Providers {
		if !knownTypes[p.Type] {
			errs = append(errs, fmt.Errorf("provider %s: unknown type %q", name, p.Type))
		}
		if p.Type == "command" && p.Command == "" {
			errs = append(errs, fmt.Errorf("provider %s: command is required", name))
		}
	}
	for name, a := range c.Agents {
		if _, ok := c.Providers[a.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agent %s: unknown provider %q", name, a.Provider))
		}
		switch a.Isolation {
		case "", IsolationWorkspace, IsolationSandbox:
		default:
			errs = append(errs, fmt.Errorf("agent %s: unknown isolation %q", name, a.Isolation))
		}
	}
	switch c.Executor.ReviewPolicy {
	case "", ReviewManual, ReviewAuto, ReviewInteractive:
	default:
		errs = append(errs, fmt.Errorf("executor: unknown review policy %q", c.Executor.ReviewPolicy))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
