// Package runtime assembles storage, configuration, and indexing
// pipelines into a single-node instance. It is the process-level
// placement mechanism: starting an indexer takes its lease, a
// background goroutine renews it, and stopping releases it, so at
// most one coordinator per identifier runs across processes sharing
// the data directory.
package runtime
