// Package eventlog implements the append-only, tag-queryable event log
// that indexing pipelines consume.
//
// # Overview
//
// The log is persisted in Pebble. Every event gets a globally monotonic
// sequence offset at append time plus membership in the index of each tag
// it was appended under. Keys are lexicographically ordered for efficient
// range scans:
//   - log/{name}/m                    (log metadata: lastSeq)
//   - log/{name}/e/{seq_be8}          (entries)
//   - log/{name}/t/{tag}/{seq_be8}    (tag index)
//
// Entries are stored as a self-describing envelope:
// sourceID(16B) | ts_ms(8B BE) | uvarint tagLen | tag | uvarint typeLen |
// type | payload | crc32c(all previous).
//
// API surface (internal)
//
//	l, _ := OpenLog(db, "events")
//	// Append a batch atomically under a tag; returns assigned offsets
//	seqs, _ := l.Append(ctx, "orders", []AppendEvent{{Type: "OrderCreated", Payload: p}})
//
//	// Offset-ordered tag read starting at a sequence (inclusive)
//	events, _ := l.ReadTag("orders", seqs[0], 100)
//
//	// Blocking wait/notify for tailing readers
//	woke := l.WaitForAppend(200 * time.Millisecond)
//	_ = woke
package eventlog
