package config

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/KHUCHAN/AgentCanvas-sub001/internal/fsutil"
)

// Save writes the configuration atomically, as TOML when path ends in
// .toml and as indented JSON otherwise.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
