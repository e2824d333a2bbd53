package eventlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - log/{name}/m
// - log/{name}/e/{seq_be8}
// - log/{name}/t/{tag}/{seq_be8}

var (
	sep        = byte('/')
	logPrefix  = []byte("log/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
	tagSeg     = []byte("/t/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyLogMeta builds the log metadata key.
func KeyLogMeta(name string) []byte {
	k := make([]byte, 0, len(logPrefix)+len(name)+len(metaSuffix))
	k = append(k, logPrefix...)
	k = append(k, name...)
	k = append(k, metaSuffix...)
	return k
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(name string, seq uint64) []byte {
	k := make([]byte, 0, len(name)+24)
	k = append(k, logPrefix...)
	k = append(k, name...)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

// KeyTagIndex builds the tag index key for one event of a tag.
func KeyTagIndex(name, tag string, seq uint64) []byte {
	k := make([]byte, 0, len(name)+len(tag)+24)
	k = append(k, logPrefix...)
	k = append(k, name...)
	k = append(k, tagSeg...)
	k = append(k, tag...)
	k = append(k, sep)
	k = appendBE8(k, seq)
	return k
}

// KeyTagIndexPrefix returns the range prefix covering all index entries of a tag.
func KeyTagIndexPrefix(name, tag string) []byte {
	k := make([]byte, 0, len(name)+len(tag)+16)
	k = append(k, logPrefix...)
	k = append(k, name...)
	k = append(k, tagSeg...)
	k = append(k, tag...)
	k = append(k, sep)
	return k
}

// seqFromIndexKey extracts the trailing big-endian sequence from a tag
// index key. ok is false for malformed keys.
func seqFromIndexKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}
