package config

import (
	"os"
	"strconv"
)

// FromEnv overlays SOURCING_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("SOURCING_LOG_NAME"); v != "" {
		cfg.LogName = v
	}
	if v := os.Getenv("SOURCING_OFFSET_KIND"); v != "" {
		cfg.OffsetKind = v
	}
	if v := os.Getenv("SOURCING_LEASE_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.LeaseTTLMs = n
		}
	}
	if v := os.Getenv("SOURCING_STORAGE_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Storage.Attempts = n
		}
	}
	if v := os.Getenv("SOURCING_STORAGE_BACKOFF_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Storage.BackoffMs = n
		}
	}
	if v := os.Getenv("SOURCING_STORAGE_CAP_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Storage.CapMs = n
		}
	}
	if v := os.Getenv("SOURCING_RESTART_BASE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Restart.BaseMs = n
		}
	}
	if v := os.Getenv("SOURCING_RESTART_CAP_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Restart.CapMs = n
		}
	}
	if v := os.Getenv("SOURCING_RESTART_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Restart.Factor = f
		}
	}
}
