// Package indexer implements resumable, at-least-once indexing
// pipelines over a tag-filtered event stream.
//
// A Coordinator owns one pipeline, named by a stable indexer
// identifier. It pulls events in offset order, applies type and filter
// classification, invokes a caller-supplied Mapper, routes mapped
// documents to a Sink and mapping failures to a FailureLog, and
// checkpoints a ProgressRecord after every attempted event.
//
// Keyspace (within the shared store):
//
//	idx/{indexer}/progress                  - progress record (JSON)
//	idx/{indexer}/failure/{src_id}/{seq}    - quarantined events (JSON)
//	idx/{indexer}/lease                     - singleton ownership lease (JSON)
//
// src_id is the 16-byte source record identifier and seq the 8-byte
// big-endian log sequence, so failure scans come back roughly in
// per-source order rather than global offset order.
//
// Delivery guarantees:
//   - At-least-once: a crash between processing and checkpointing
//     redelivers the uncheckpointed events on restart. Mappers and
//     sinks must tolerate redelivery.
//   - Progress offsets never move backward; a stale save is a no-op.
//   - A failure record is written at most once per (indexer, source,
//     sequence); later failures at the same coordinates keep the first
//     payload.
package indexer
