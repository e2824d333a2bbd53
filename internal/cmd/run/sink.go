package runcmd

import (
	"context"
	"io"
	"sync"

	"github.com/umbreak/nexus-sourcing/internal/eventlog"
	"github.com/umbreak/nexus-sourcing/internal/indexer"
	"github.com/umbreak/nexus-sourcing/internal/stream"
)

// NewLogSink appends every mapped document to out under tag, keeping
// the source event's identifier and type. Re-running the pipeline over
// the same input appends again; downstream consumers dedupe on
// source_id.
func NewLogSink(out *eventlog.Log, tag string) indexer.Sink {
	return indexer.SinkFunc(func(ctx context.Context, ev stream.Event, doc []byte) error {
		_, err := out.Append(ctx, tag, []eventlog.AppendEvent{{
			SourceID: ev.SourceID,
			Type:     ev.Type,
			Payload:  doc,
		}})
		return err
	})
}

// NewWriterSink writes one JSON line per mapped document to w.
func NewWriterSink(w io.Writer) indexer.Sink {
	var mu sync.Mutex
	return indexer.SinkFunc(func(_ context.Context, _ stream.Event, doc []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write(doc); err != nil {
			return err
		}
		_, err := w.Write([]byte("\n"))
		return err
	})
}
