// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy, batches, conditional inserts, and range deletes.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeAlways,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Point ops
//	_ = db.Set([]byte("k"), []byte("v"))
//	v, _ := db.Get([]byte("k"))
//
//	// First write wins; the second reports inserted=false
//	inserted, _ := db.SetIfAbsent([]byte("k2"), []byte("v2"))
//	_ = inserted
package pebblestore
