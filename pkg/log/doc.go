// Package log provides the structured logging facade used across
// nexus-sourcing. It exposes a small Logger interface with leveled methods
// and a Field type for structured context, backed by the standard library's
// slog handlers so output format and level can be chosen at construction
// time.
//
// Quick start:
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.FormatText),
//	)
//	l = l.WithComponent("indexer")
//	l.Info("started", log.Str("indexer", "idx-1"), log.Uint64("offset", 42))
package log
