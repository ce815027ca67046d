// Package config loads the reconciliation engine's tunables from an
// optional YAML file, the way codefang's analyzers decode their settings
// with gopkg.in/yaml.v3, then lets cobra flags given on the command line
// override whatever the file set — mirroring cmd/dupedog's
// habit of binding flags onto a command's Options struct with no
// separate config-file layer, extended here with one because the Gateway
// is long-lived and needs defaults that outlive a single invocation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the CLI/environment surface exposes.
type Config struct {
	DataDir           string `yaml:"data_dir"`
	Workers           int    `yaml:"workers"`
	MaxRowsPerChunk   int    `yaml:"max_rows_per_chunk"`
	SampleThreshold   int64  `yaml:"sample_threshold"`
	MemoryCapKeys     int    `yaml:"memory_cap_keys"`
	MaxCombinations   int64  `yaml:"max_combinations"`
	RetentionDays     int    `yaml:"retention_days"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
	ListenAddr        string `yaml:"listen_addr"`
}

// Default returns the tunables used when neither a config file nor flags
// override them, matching the defaults named throughout the other
// packages (UniquenessAnalyzer's SampleThresholdDefault/MemoryCapKeysDefault,
// ExportWriter's MaxRowsPerChunkDefault, JobRunner's DefaultMaxConcurrentRuns).
func Default() Config {
	return Config{
		DataDir:           "./data",
		Workers:           4,
		MaxRowsPerChunk:   100_000,
		SampleThreshold:   50_000,
		MemoryCapKeys:     2_000_000,
		MaxCombinations:   10_000,
		RetentionDays:     30,
		MaxConcurrentRuns: 2,
		ListenAddr:        ":8080",
	}
}

// Load reads a YAML file at path and overlays it on Default(). A missing
// file is not an error: the caller runs on defaults alone, same as if no
// flags were passed at all.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
