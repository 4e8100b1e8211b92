// Package config loads the host-level settings a World's run loop and
// checkpoint store need (scheduler pool width, query plan cache size,
// checkpoint directory), the way cmd/geth loads and dumps its node
// configuration: a plain Go struct decoded from TOML.
package config

import (
	"fmt"
	"os"
	"reflect"
	"runtime"

	"github.com/naoina/toml"
)

// Config holds the settings read from a TOML file at process startup.
type Config struct {
	// PoolWidth bounds how many systems within a single wavefront run
	// concurrently; 0 means unbounded. Defaults to runtime.NumCPU().
	PoolWidth int

	// QueryCacheSize bounds how many compiled query Plans the process
	// keeps memoized.
	QueryCacheSize int

	// CheckpointDir is where the checkpoint package's Writer/Reader open
	// their LevelDB store.
	CheckpointDir string
}

// Default returns the settings used when no config file is supplied.
func Default() Config {
	return Config{
		PoolWidth:      runtime.NumCPU(),
		QueryCacheSize: 256,
		CheckpointDir:  "checkpoints",
	}
}

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, field string) string { return field },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return nil
	},
}

// Load reads and decodes a TOML config file at path, overlaying it onto
// Default().
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, the way geth's "dumpconfig" subcommand
// persists an effective configuration for later reuse.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	if err := tomlSettings.NewEncoder(f).Encode(&cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}
