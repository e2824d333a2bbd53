package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/umbreak/nexus-sourcing/internal/eventlog"
)

// ErrDisconnected is returned by Next when the underlying log has been
// closed or a read fails. The reader is unusable afterward; callers
// recover by opening a fresh reader at their last known position.
var ErrDisconnected = errors.New("stream: disconnected from event log")

// Checkpointer reports the last durably processed log sequence for an
// indexer, used by persistent readers to choose a start position.
type Checkpointer interface {
	LastSeq(indexer string) (seq uint64, ok bool, err error)
}

// Options tune reader behavior. The zero value is usable.
type Options struct {
	// Filter is an optional CEL expression. Events it rejects are
	// still delivered, flagged Filtered, so consumers can account
	// for every sequence they pass over.
	Filter string

	// BatchSize bounds how many entries one refill reads from the
	// log. Defaults to 128.
	BatchSize int

	// PollInterval bounds how long a caught-up reader waits on the
	// log's append notification before rechecking cancellation.
	// Defaults to 250ms.
	PollInterval time.Duration
}

// Event is a log entry as delivered to a stream consumer.
type Event struct {
	eventlog.Event

	// Filtered marks events rejected by the reader's CEL filter.
	Filtered bool
}

// Reader is a tailing, tag-filtered view over one event log. It is not
// safe for concurrent use; one goroutine owns a reader.
type Reader struct {
	log    *eventlog.Log
	tag    string
	filter celFilter

	next  uint64 // next sequence to read
	batch int
	poll  time.Duration
	buf   []eventlog.Event
}

// OpenVolatile opens a reader starting at fromSeq (inclusive) with no
// external persistence consulted. A fromSeq of 0 or 1 starts at the
// beginning.
func OpenVolatile(log *eventlog.Log, tag string, fromSeq uint64, opts Options) (*Reader, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	return open(log, tag, fromSeq, opts)
}

// OpenPersistent opens a reader resuming strictly after the
// checkpointed sequence for indexer, or from the beginning when the
// indexer has never checkpointed.
func OpenPersistent(log *eventlog.Log, tag, indexer string, cp Checkpointer, opts Options) (*Reader, error) {
	from := uint64(1)
	seq, ok, err := cp.LastSeq(indexer)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %q: %w", indexer, err)
	}
	if ok {
		from = seq + 1
	}
	return open(log, tag, from, opts)
}

func open(log *eventlog.Log, tag string, fromSeq uint64, opts Options) (*Reader, error) {
	if tag == "" {
		return nil, errors.New("stream: empty tag")
	}
	if strings.Contains(tag, "/") {
		return nil, errors.New("stream: tag must not contain '/'")
	}
	f, err := newCELFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 128
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Reader{
		log:    log,
		tag:    tag,
		filter: f,
		next:   fromSeq,
		batch:  batch,
		poll:   poll,
	}, nil
}

// Next blocks until an event is available, the context is canceled, or
// the log disconnects. Delivery is in strictly increasing sequence
// order for the reader's tag.
func (r *Reader) Next(ctx context.Context) (Event, error) {
	for {
		if len(r.buf) > 0 {
			ev := r.buf[0]
			r.buf = r.buf[1:]
			return Event{Event: ev, Filtered: !r.filter.Eval(ev)}, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		evs, err := r.log.ReadTag(r.tag, r.next, r.batch)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		if len(evs) > 0 {
			r.next = evs[len(evs)-1].Seq + 1
			r.buf = evs
			continue
		}
		if r.log.Closed() {
			return Event{}, ErrDisconnected
		}
		r.log.WaitForAppend(r.poll)
	}
}

// NextSeq reports the sequence the reader will read next, used as the
// resume position for volatile restarts.
func (r *Reader) NextSeq() uint64 { return r.next }
