package indexer

import (
	"encoding/binary"

	"github.com/umbreak/nexus-sourcing/pkg/id"
)

const (
	prefixIdx      = "idx/"
	suffixProgress = "/progress"
	suffixFailure  = "/failure/"
	suffixLease    = "/lease"
)

// keyProgress returns idx/{indexer}/progress.
func keyProgress(indexer string) []byte {
	return []byte(prefixIdx + indexer + suffixProgress)
}

// keyLease returns idx/{indexer}/lease.
func keyLease(indexer string) []byte {
	return []byte(prefixIdx + indexer + suffixLease)
}

// keyFailure returns idx/{indexer}/failure/{src_id 16B}/{seq_be8}.
func keyFailure(indexer string, src id.ID, seq uint64) []byte {
	prefix := prefixIdx + indexer + suffixFailure
	k := make([]byte, 0, len(prefix)+16+1+8)
	k = append(k, prefix...)
	k = append(k, src.Bytes()...)
	k = append(k, '/')
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], seq)
	return append(k, be[:]...)
}

// keyFailurePrefix returns the scan prefix for one indexer's failures.
func keyFailurePrefix(indexer string) []byte {
	return []byte(prefixIdx + indexer + suffixFailure)
}

// prefixUpperBound returns the smallest key greater than every key
// with the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
