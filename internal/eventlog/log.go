package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
	"github.com/umbreak/nexus-sourcing/pkg/id"
)

// AppendEvent represents a single appendable event. A zero SourceID is
// assigned by the log at append time.
type AppendEvent struct {
	SourceID id.ID
	Type     string
	Payload  []byte
}

// Event is a stored event together with its assigned offset.
type Event struct {
	Seq          uint64
	SourceID     id.ID
	Tag          string
	Type         string
	AppendedAtMs int64
	Payload      []byte
}

// Log provides append-only, tag-indexed operations over one named log.
type Log struct {
	db   *pebblestore.DB
	name string
	gen  *id.Generator

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
	doneCh   chan struct{}
	closed   bool
}

var (
	// ErrClosed is returned for operations on a closed log.
	ErrClosed = errors.New("eventlog: log closed")
)

// validateName rejects names that would collide inside the slash-delimited
// keyspace. A name containing "/" would make its keys prefix-match another
// name's range.
func validateName(what, name string) error {
	if name == "" {
		return errors.New("eventlog: " + what + " is required")
	}
	if strings.Contains(name, "/") {
		return errors.New("eventlog: " + what + " must not contain '/'")
	}
	return nil
}

// OpenLog initializes a Log and loads the last sequence from metadata (if any).
func OpenLog(db *pebblestore.DB, name string) (*Log, error) {
	if err := validateName("log name", name); err != nil {
		return nil, err
	}
	l := &Log{
		db:       db,
		name:     name,
		gen:      id.NewGenerator(),
		notifyCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	meta, err := db.Get(KeyLogMeta(name))
	if err == nil && len(meta) >= 8 {
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}
	return l, nil
}

// Name returns the log name.
func (l *Log) Name() string { return l.name }

// Append appends the provided events under tag as a single atomic batch.
// Returns assigned sequence offsets.
func (l *Log) Append(ctx context.Context, tag string, evs []AppendEvent) ([]uint64, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	if err := validateName("tag", tag); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	b := l.db.NewBatch()
	defer b.Close()

	now := time.Now().UnixMilli()
	seqs := make([]uint64, len(evs))
	for i, ev := range evs {
		src := ev.SourceID
		if src.IsZero() {
			src = l.gen.Next()
		}
		l.lastSeq++
		seq := l.lastSeq
		val := EncodeEntry(src, now, tag, ev.Type, ev.Payload)
		if err := b.Set(KeyLogEntry(l.name, seq), val, nil); err != nil {
			return nil, err
		}
		if err := b.Set(KeyTagIndex(l.name, tag, seq), nil, nil); err != nil {
			return nil, err
		}
		seqs[i] = seq
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], l.lastSeq)
	if err := b.Set(KeyLogMeta(l.name), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}

	// wake tailing readers
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

// LastSeq returns the highest assigned sequence offset, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Close marks the log closed and wakes any blocked waiters. The
// underlying store stays open; Close only severs tailing readers.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.doneCh)
}

// Closed reports whether the log handle has been closed.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
