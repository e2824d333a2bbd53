package indexer

import (
	"testing"

	"github.com/umbreak/nexus-sourcing/pkg/id"
)

func TestFailureFirstWins(t *testing.T) {
	f := NewFailureLog(newTestDB(t))
	src := id.NewGenerator().Next()

	inserted, err := f.Store("idx-1", src, 2, FailureRecord{Offset: 2, Type: "A", Payload: []byte("first")})
	if err != nil || !inserted {
		t.Fatalf("first store: inserted=%v err=%v", inserted, err)
	}
	inserted, err = f.Store("idx-1", src, 2, FailureRecord{Offset: 2, Type: "A", Payload: []byte("second")})
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate coordinates must not insert")
	}

	recs, err := f.Fetch("idx-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Payload) != "first" {
		t.Fatalf("want single record with first payload, got %+v", recs)
	}
}

func TestFailureFetchScansOneIndexer(t *testing.T) {
	f := NewFailureLog(newTestDB(t))
	gen := id.NewGenerator()
	for i := uint64(1); i <= 3; i++ {
		if _, err := f.Store("idx-1", gen.Next(), i, FailureRecord{Offset: int64(i)}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if _, err := f.Store("idx-2", gen.Next(), 1, FailureRecord{Offset: 1}); err != nil {
		t.Fatalf("store: %v", err)
	}

	recs, err := f.Fetch("idx-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("want 3 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Indexer != "idx-1" {
			t.Fatalf("foreign record in scan: %+v", r)
		}
	}
}

func TestFailureFetchSkipsUndecodable(t *testing.T) {
	db := newTestDB(t)
	f := NewFailureLog(db)
	src := id.NewGenerator().Next()
	if _, err := f.Store("idx-1", src, 1, FailureRecord{Offset: 1, Payload: []byte("good")}); err != nil {
		t.Fatalf("store: %v", err)
	}
	// a record written by an incompatible schema
	if err := db.Set(keyFailure("idx-1", id.NewGenerator().Next(), 2), []byte("{not json")); err != nil {
		t.Fatalf("set: %v", err)
	}

	recs, err := f.Fetch("idx-1")
	if err != nil {
		t.Fatalf("fetch must not fail on undecodable entries: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Payload) != "good" {
		t.Fatalf("want only the decodable record, got %+v", recs)
	}
}

func TestFailureCountAndClear(t *testing.T) {
	f := NewFailureLog(newTestDB(t))
	gen := id.NewGenerator()
	for i := uint64(1); i <= 5; i++ {
		if _, err := f.Store("idx-1", gen.Next(), i, FailureRecord{Offset: int64(i)}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if _, err := f.Store("idx-2", gen.Next(), 1, FailureRecord{Offset: 1}); err != nil {
		t.Fatalf("store: %v", err)
	}

	n, err := f.Count("idx-1")
	if err != nil || n != 5 {
		t.Fatalf("count = %d, %v", n, err)
	}
	if err := f.Clear("idx-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ = f.Count("idx-1"); n != 0 {
		t.Fatalf("count after clear = %d", n)
	}
	if n, _ = f.Count("idx-2"); n != 1 {
		t.Fatalf("clear crossed indexer boundary: idx-2 count = %d", n)
	}
}
