package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
)

// ProgressRecord is one indexer's durable checkpoint: the last
// attempted position and running counters. Offset is the normalized
// scalar for the configured kind; Seq is the raw log sequence used to
// resume the stream.
type ProgressRecord struct {
	Indexer     string `json:"indexer"`
	Offset      int64  `json:"offset"`
	Seq         uint64 `json:"seq"`
	Kind        string `json:"kind"`
	Processed   uint64 `json:"processed"`
	Discarded   uint64 `json:"discarded"`
	Failed      uint64 `json:"failed"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// ProgressStore persists one ProgressRecord per indexer identifier.
// Saves are monotonic on Seq: a record behind the stored position is
// dropped silently, so replayed checkpoints after a restart cannot
// move progress backward.
type ProgressStore struct {
	db *pebblestore.DB

	// mu serializes the load-compare-set in Save so overlapping
	// writers cannot interleave and move the stored position back.
	mu sync.Mutex
}

// NewProgressStore creates a ProgressStore over db.
func NewProgressStore(db *pebblestore.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

// Load returns the stored record for indexer, or nil when the indexer
// has never checkpointed.
func (s *ProgressStore) Load(indexer string) (*ProgressRecord, error) {
	val, err := s.db.Get(keyProgress(indexer))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec ProgressRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode progress for %q: %w", indexer, err)
	}
	return &rec, nil
}

// Save upserts rec by its indexer identifier. Saving a position at or
// behind the stored one keeps the stored offset; the call still
// succeeds so replays stay cheap no-ops.
func (s *ProgressStore) Save(rec ProgressRecord) error {
	if rec.Indexer == "" {
		return errors.New("indexer: progress record needs an indexer identifier")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.Load(rec.Indexer)
	if err != nil {
		return err
	}
	if existing != nil && existing.Seq > rec.Seq {
		return nil
	}
	if rec.UpdatedAtMs == 0 {
		rec.UpdatedAtMs = time.Now().UnixMilli()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(keyProgress(rec.Indexer), val)
}

// LastSeq reports the last checkpointed log sequence for indexer. It
// satisfies the stream package's Checkpointer.
func (s *ProgressStore) LastSeq(indexer string) (uint64, bool, error) {
	rec, err := s.Load(indexer)
	if err != nil || rec == nil {
		return 0, false, err
	}
	return rec.Seq, true, nil
}

// Reset deletes the stored record, making the next run start from the
// beginning. Operational escape hatch; the pipeline never calls it.
func (s *ProgressStore) Reset(indexer string) error {
	return s.db.Delete(keyProgress(indexer))
}
