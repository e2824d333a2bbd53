package indexer

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
	"github.com/umbreak/nexus-sourcing/pkg/id"
)

// FailureRecord is a quarantined event: the original payload of an
// event whose mapping or sink write failed, kept for inspection and
// replay outside the pipeline.
type FailureRecord struct {
	Indexer         string `json:"indexer"`
	SourceID        string `json:"source_id"`
	Seq             uint64 `json:"seq"`
	Offset          int64  `json:"offset"`
	Type            string `json:"type"`
	Payload         []byte `json:"payload"`
	QuarantinedAtMs int64  `json:"quarantined_at_ms"`
}

// FailureLog stores quarantined events keyed by (indexer, source id,
// sequence). Inserts are conditional on absence: retried failures at
// the same coordinates keep the first stored payload.
type FailureLog struct {
	db *pebblestore.DB
}

// NewFailureLog creates a FailureLog over db.
func NewFailureLog(db *pebblestore.DB) *FailureLog {
	return &FailureLog{db: db}
}

// Store quarantines one event. Returns whether a new record was
// written; false means the coordinates were already occupied, which is
// success, not an error.
func (f *FailureLog) Store(indexer string, src id.ID, seq uint64, rec FailureRecord) (bool, error) {
	rec.Indexer = indexer
	rec.SourceID = src.String()
	rec.Seq = seq
	if rec.QuarantinedAtMs == 0 {
		rec.QuarantinedAtMs = time.Now().UnixMilli()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	return f.db.SetIfAbsent(keyFailure(indexer, src, seq), val)
}

// Fetch scans all failures for indexer. Each call performs a fresh
// scan; records whose stored payload no longer decodes are skipped,
// not surfaced as errors. Order follows the key layout (per source,
// then sequence), so callers sort by Seq when offset order matters.
func (f *FailureLog) Fetch(indexer string) ([]FailureRecord, error) {
	prefix := keyFailurePrefix(indexer)
	iter, err := f.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []FailureRecord
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec FailureRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Count reports how many failure records exist for indexer.
func (f *FailureLog) Count(indexer string) (int, error) {
	prefix := keyFailurePrefix(indexer)
	iter, err := f.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Clear removes every failure record for indexer. Operational action,
// never called by the pipeline.
func (f *FailureLog) Clear(indexer string) error {
	prefix := keyFailurePrefix(indexer)
	return f.db.DeleteRange(prefix, prefixUpperBound(prefix))
}
