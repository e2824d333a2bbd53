package indexer

import (
	"context"

	"github.com/umbreak/nexus-sourcing/internal/stream"
)

// Mapper transforms one stream event into an indexable document. Three
// outcomes: a document with emit=true, a decline with emit=false (the
// event is discarded, not a failure), or an error (the event is
// quarantined and the pipeline continues). Mappers may perform I/O and
// may block; there is no per-event timeout, a hung mapper stalls its
// pipeline. Redelivery after a restart is expected; mappers must be
// idempotent.
type Mapper interface {
	Map(ctx context.Context, ev stream.Event) (doc []byte, emit bool, err error)
}

// Sink receives mapped documents in offset order. A sink error is
// handled like a mapping failure: the event is quarantined and the
// pipeline moves on. Sinks must tolerate redelivery of the same event.
type Sink interface {
	Write(ctx context.Context, ev stream.Event, doc []byte) error
}

// MapperFunc adapts a function to the Mapper interface.
type MapperFunc func(ctx context.Context, ev stream.Event) ([]byte, bool, error)

func (f MapperFunc) Map(ctx context.Context, ev stream.Event) ([]byte, bool, error) {
	return f(ctx, ev)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev stream.Event, doc []byte) error

func (f SinkFunc) Write(ctx context.Context, ev stream.Event, doc []byte) error {
	return f(ctx, ev, doc)
}
