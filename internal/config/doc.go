// Package config provides loading and environment overlay for the
// nexus-sourcing runtime configuration. It exposes a Default() baseline,
// file loading (JSON or YAML by extension), and a SOURCING_* env overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/sourcing.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
