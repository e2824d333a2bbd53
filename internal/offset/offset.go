// Package offset normalizes event log positions to a storable scalar.
//
// A log orders its entries either by a plain monotonic sequence counter
// or by a time-ordered value that embeds a wall-clock millisecond
// component. Either representation round-trips through a single int64
// so that progress checkpoints stay representation-agnostic on disk.
package offset

import (
	"errors"
	"fmt"
)

// Kind selects the offset representation used by one event log.
type Kind string

const (
	// KindSequence is a plain monotonic counter starting at 1.
	KindSequence Kind = "sequence"

	// KindTimestamp is a time-ordered value packing wall-clock
	// milliseconds with a per-millisecond disambiguation counter.
	KindTimestamp Kind = "timestamp"
)

// ErrUnsupportedKind is returned when an offset kind is neither
// sequence nor timestamp based.
var ErrUnsupportedKind = errors.New("offset: unsupported offset kind")

// ErrOutOfRange is returned when a value cannot be represented in the
// storable scalar form, or a stored scalar is invalid for its kind.
var ErrOutOfRange = errors.New("offset: value out of range")

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSequence:
		return KindSequence, nil
	case KindTimestamp:
		return KindTimestamp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
}

// Timestamp offsets pack [43 bits ms][20 bits seq] under the int64
// sign bit. 2^43 ms covers wall clocks past year 2200; 2^20 distinct
// values per millisecond matches the log's per-ms allocation limit.
const (
	tsSeqBits = 20
	tsSeqMask = (1 << tsSeqBits) - 1
	tsMaxMs   = (1 << 43) - 1 // int64 sign bit stays clear
)

// Offset is a position in one event log, comparable only to offsets
// of the same Kind from the same log.
type Offset struct {
	kind Kind
	val  int64
}

// Sequence builds a sequence-kind offset.
func Sequence(seq uint64) Offset {
	return Offset{kind: KindSequence, val: int64(seq)}
}

// Timestamp builds a timestamp-kind offset from wall-clock
// milliseconds and a per-millisecond counter. Values outside the
// packable range yield an offset that fails Encode with ErrOutOfRange;
// silently truncating either component could make a later event encode
// below an earlier one.
func Timestamp(ms int64, seq uint64) Offset {
	if ms < 0 || ms > tsMaxMs || seq > tsSeqMask {
		return Offset{kind: KindTimestamp, val: -1}
	}
	return Offset{kind: KindTimestamp, val: ms<<tsSeqBits | int64(seq)}
}

// Kind reports the representation of o.
func (o Offset) Kind() Kind { return o.kind }

// Encode converts o to its storable scalar form.
func Encode(o Offset) (int64, error) {
	switch o.kind {
	case KindSequence:
		if o.val < 0 {
			return 0, fmt.Errorf("%w: sequence %d", ErrOutOfRange, uint64(o.val))
		}
		return o.val, nil
	case KindTimestamp:
		if o.val < 0 {
			return 0, fmt.Errorf("%w: timestamp offset not packable", ErrOutOfRange)
		}
		return o.val, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, o.kind)
	}
}

// Decode reconstructs an offset from its stored scalar form.
func Decode(v int64, kind Kind) (Offset, error) {
	if v < 0 {
		return Offset{}, fmt.Errorf("%w: stored value %d", ErrOutOfRange, v)
	}
	switch kind {
	case KindSequence, KindTimestamp:
		return Offset{kind: kind, val: v}, nil
	default:
		return Offset{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

// Less reports whether o orders strictly before other. Offsets of
// different kinds are not comparable; Less reports false for them.
func (o Offset) Less(other Offset) bool {
	if o.kind != other.kind {
		return false
	}
	return o.val < other.val
}

// Seq returns the sequence component: the counter itself for sequence
// offsets, the per-millisecond counter for timestamp offsets.
func (o Offset) Seq() uint64 {
	if o.kind == KindTimestamp {
		return uint64(o.val & tsSeqMask)
	}
	return uint64(o.val)
}

// TimeMs returns the wall-clock millisecond component of a timestamp
// offset, or 0 for sequence offsets.
func (o Offset) TimeMs() int64 {
	if o.kind != KindTimestamp {
		return 0
	}
	return o.val >> tsSeqBits
}

// String renders o for logs and CLI output.
func (o Offset) String() string {
	if o.kind == KindTimestamp {
		return fmt.Sprintf("ts:%d/%d", o.TimeMs(), o.Seq())
	}
	return fmt.Sprintf("seq:%d", uint64(o.val))
}
