package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// LogName is the event log all indexers read from.
	LogName string `json:"logName" yaml:"logName"`
	// OffsetKind selects the offset representation of the log:
	// "sequence" or "timestamp".
	OffsetKind string `json:"offsetKind" yaml:"offsetKind"`
	// LeaseTTLMs is how long a coordinator singleton lease lives before a
	// stale holder is considered dead.
	LeaseTTLMs int64 `json:"leaseTtlMs" yaml:"leaseTtlMs"`

	Storage StoragePolicy `json:"storage" yaml:"storage"`
	Restart RestartPolicy `json:"restart" yaml:"restart"`
}

// StoragePolicy bounds retries of progress/quarantine writes before the
// coordinator gives up and stops.
type StoragePolicy struct {
	Attempts  int   `json:"attempts" yaml:"attempts"`
	BackoffMs int64 `json:"backoffMs" yaml:"backoffMs"`
	CapMs     int64 `json:"capMs" yaml:"capMs"`
}

// RestartPolicy shapes the backoff between stream restarts. Restarts are
// unbounded; only the delay is configured.
type RestartPolicy struct {
	BaseMs int64   `json:"baseMs" yaml:"baseMs"`
	CapMs  int64   `json:"capMs" yaml:"capMs"`
	Factor float64 `json:"factor" yaml:"factor"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		LogName:    "events",
		OffsetKind: "sequence",
		LeaseTTLMs: 15_000,
		Storage: StoragePolicy{
			Attempts:  5,
			BackoffMs: 100,
			CapMs:     5_000,
		},
		Restart: RestartPolicy{
			BaseMs: 200,
			CapMs:  30_000,
			Factor: 2.0,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If
// path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
