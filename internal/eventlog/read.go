package eventlog

import (
	"errors"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
)

// ReadTag returns up to limit events of a tag with sequence >= fromSeq,
// in increasing offset order. A limit of 0 means no limit. Entries whose
// stored envelope no longer decodes are skipped.
func (l *Log) ReadTag(tag string, fromSeq uint64, limit int) ([]Event, error) {
	if l.Closed() {
		return nil, ErrClosed
	}
	low := KeyTagIndex(l.name, tag, fromSeq)
	hi := KeyTagIndex(l.name, tag, ^uint64(0))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]Event, 0, 16)
	for ok := iter.First(); ok; ok = iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		seq, ok2 := seqFromIndexKey(iter.Key())
		if !ok2 {
			continue
		}
		ev, err := l.getEntry(seq)
		if err != nil {
			if errors.Is(err, pebblestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if ev == nil {
			continue // undecodable entry
		}
		out = append(out, *ev)
	}
	return out, nil
}

// getEntry loads and decodes one entry by sequence. A nil event with nil
// error means the stored envelope failed to decode.
func (l *Log) getEntry(seq uint64) (*Event, error) {
	val, err := l.db.Get(KeyLogEntry(l.name, seq))
	if err != nil {
		return nil, err
	}
	dec, ok := DecodeEntry(val)
	if !ok {
		return nil, nil
	}
	return &Event{
		Seq:          seq,
		SourceID:     dec.SourceID,
		Tag:          dec.Tag,
		Type:         dec.Type,
		AppendedAtMs: dec.AppendedAtMs,
		Payload:      dec.Payload,
	}, nil
}
