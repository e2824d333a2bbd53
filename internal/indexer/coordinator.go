package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/umbreak/nexus-sourcing/internal/eventlog"
	"github.com/umbreak/nexus-sourcing/internal/offset"
	"github.com/umbreak/nexus-sourcing/internal/stream"
	"github.com/umbreak/nexus-sourcing/pkg/id"
	"github.com/umbreak/nexus-sourcing/pkg/log"
)

// State is the coordinator lifecycle phase.
type State string

const (
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// ErrStorageExhausted wraps a storage error that survived every
// bounded retry. It is fatal for the pipeline: halting beats advancing
// without a durable checkpoint or dropping a failure record.
var ErrStorageExhausted = errors.New("indexer: storage retries exhausted")

// Config describes one indexing pipeline.
type Config struct {
	// Indexer is the stable identifier partitioning progress and
	// failure records. Required.
	Indexer string

	// Tag selects the event sub-stream. Required.
	Tag string

	// EventType, when set, discards events whose declared type
	// differs. Discards are counted, never quarantined.
	EventType string

	// Kind is the offset representation of the backing log.
	Kind offset.Kind

	// Filter is an optional CEL expression; rejected events are
	// discarded like type mismatches.
	Filter string

	// Storage paces retries of progress and failure writes. Its
	// MaxAttempts bound, once exhausted, stops the pipeline.
	Storage RetryPolicy

	// Restart paces pipeline reopens after a stream disconnect.
	// MaxAttempts is ignored; restarts are unbounded.
	Restart RetryPolicy

	// StatsEvery throttles the periodic counter log line.
	// Defaults to 30s.
	StatsEvery time.Duration
}

// progressStore is the slice of *ProgressStore the coordinator uses.
type progressStore interface {
	Load(indexer string) (*ProgressRecord, error)
	Save(rec ProgressRecord) error
	LastSeq(indexer string) (seq uint64, ok bool, err error)
}

// failureStore is the slice of *FailureLog the coordinator uses.
type failureStore interface {
	Store(indexer string, src id.ID, seq uint64, rec FailureRecord) (bool, error)
}

// Coordinator runs one indexing pipeline: a single loop that pulls
// events in offset order, classifies them, maps and sinks them, and
// checkpoints after every attempted event. One goroutine calls Run;
// the accessors are safe from any goroutine.
type Coordinator struct {
	cfg      Config
	elog     *eventlog.Log
	progress progressStore
	failures failureStore
	mapper   Mapper
	sink     Sink
	logger   log.Logger

	mu        sync.Mutex
	state     State
	processed uint64
	discarded uint64
	failed    uint64
}

// NewCoordinator validates cfg and builds a coordinator. Unsupported
// offset kinds and uncompilable filters are reported here, before the
// pipeline starts.
func NewCoordinator(cfg Config, elog *eventlog.Log, progress progressStore, failures failureStore, mapper Mapper, sink Sink, logger log.Logger) (*Coordinator, error) {
	if cfg.Indexer == "" {
		return nil, errors.New("indexer: Config.Indexer is required")
	}
	if cfg.Tag == "" {
		return nil, errors.New("indexer: Config.Tag is required")
	}
	if strings.Contains(cfg.Tag, "/") {
		return nil, errors.New("indexer: Config.Tag must not contain '/'")
	}
	if _, err := offset.ParseKind(string(cfg.Kind)); err != nil {
		return nil, err
	}
	if err := stream.ValidateFilter(cfg.Filter); err != nil {
		return nil, fmt.Errorf("indexer: invalid filter: %w", err)
	}
	if mapper == nil || sink == nil {
		return nil, errors.New("indexer: mapper and sink are required")
	}
	if cfg.Storage.MaxAttempts == 0 {
		cfg.Storage.MaxAttempts = 5
	}
	if cfg.StatsEvery <= 0 {
		cfg.StatsEvery = 30 * time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		elog:     elog,
		progress: progress,
		failures: failures,
		mapper:   mapper,
		sink:     sink,
		logger:   logger.With(log.Component("indexer"), log.Str("indexer", cfg.Indexer)),
		state:    StateStarting,
	}, nil
}

// State reports the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counters reports events processed, discarded, and failed since the
// identifier first checkpointed.
func (c *Coordinator) Counters() (processed, discarded, failed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed, c.discarded, c.failed
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the pipeline until ctx is canceled (clean stop, returns
// nil) or a storage failure survives its retry bound (returns the
// error). Stream disconnects restart the pipeline with backoff,
// indefinitely.
func (c *Coordinator) Run(ctx context.Context) error {
	if rec, err := c.progress.Load(c.cfg.Indexer); err == nil && rec != nil {
		c.mu.Lock()
		c.processed, c.discarded, c.failed = rec.Processed, rec.Discarded, rec.Failed
		c.mu.Unlock()
	} else if err != nil {
		c.logger.Warn("could not load prior progress", log.Err(err))
	}

	var attempts uint32
	lastStats := time.Now()
	for {
		c.setState(StateStarting)
		// Opening reads the stored checkpoint; a failing store here is
		// the same storage fault as a failing Save, so it gets the same
		// bounded retries and the same fatal stop on exhaustion.
		var reader *stream.Reader
		err := c.withStorageRetry(ctx, "open pipeline", func() error {
			var oerr error
			reader, oerr = stream.OpenPersistent(c.elog, c.cfg.Tag, c.cfg.Indexer, c.progress, stream.Options{Filter: c.cfg.Filter})
			return oerr
		})
		if err != nil {
			c.setState(StateStopped)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("pipeline stopped", log.Err(err))
			return err
		}
		c.setState(StateStreaming)
		c.logger.Info("streaming", log.Str("tag", c.cfg.Tag), log.Uint64("from_seq", reader.NextSeq()))

		for {
			ev, err := reader.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.setState(StateStopped)
					c.logStats("stopped")
					return nil
				}
				if errors.Is(err, stream.ErrDisconnected) {
					attempts++
					c.setState(StateFailed)
					c.logger.Warn("stream disconnected, restarting",
						log.Err(err), log.Uint64("attempt", uint64(attempts)))
					if !c.sleep(ctx, computeBackoff(c.cfg.Restart, attempts)) {
						c.setState(StateStopped)
						return nil
					}
					break
				}
				c.setState(StateStopped)
				return err
			}
			attempts = 0

			if err := c.handle(ctx, ev); err != nil {
				c.setState(StateStopped)
				c.logger.Error("pipeline stopped", log.Err(err))
				return err
			}
			if time.Since(lastStats) >= c.cfg.StatsEvery {
				c.logStats("progress")
				lastStats = time.Now()
			}
			// complete the in-flight event before honoring a stop
			if ctx.Err() != nil {
				c.setState(StateStopped)
				c.logStats("stopped")
				return nil
			}
		}
	}
}

// handle classifies and processes one event, then checkpoints its
// offset. Mapping and sink errors quarantine the event and continue;
// only exhausted storage retries surface an error.
func (c *Coordinator) handle(ctx context.Context, ev stream.Event) error {
	switch {
	case ev.Filtered:
		c.bump(&c.discarded)
	case c.cfg.EventType != "" && ev.Type != c.cfg.EventType:
		c.bump(&c.discarded)
	default:
		doc, emit, err := c.mapper.Map(ctx, ev)
		switch {
		case err != nil:
			c.logger.Debug("mapping failed, quarantining",
				log.Uint64("seq", ev.Seq), log.Str("type", ev.Type), log.Err(err))
			if qerr := c.quarantine(ctx, ev); qerr != nil {
				return qerr
			}
			c.bump(&c.failed)
		case !emit:
			c.bump(&c.discarded)
		default:
			if err := c.sink.Write(ctx, ev, doc); err != nil {
				c.logger.Debug("sink write failed, quarantining",
					log.Uint64("seq", ev.Seq), log.Err(err))
				if qerr := c.quarantine(ctx, ev); qerr != nil {
					return qerr
				}
				c.bump(&c.failed)
			} else {
				c.bump(&c.processed)
			}
		}
	}
	return c.checkpoint(ctx, ev)
}

func (c *Coordinator) bump(counter *uint64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// eventOffset normalizes an event's position for the configured kind.
func (c *Coordinator) eventOffset(ev stream.Event) (int64, error) {
	var o offset.Offset
	switch c.cfg.Kind {
	case offset.KindTimestamp:
		o = offset.Timestamp(ev.AppendedAtMs, ev.Seq)
	default:
		o = offset.Sequence(ev.Seq)
	}
	return offset.Encode(o)
}

// checkpoint persists progress for ev synchronously, retrying per the
// storage policy before giving up.
func (c *Coordinator) checkpoint(ctx context.Context, ev stream.Event) error {
	off, err := c.eventOffset(ev)
	if err != nil {
		return err
	}
	processed, discarded, failed := c.Counters()
	rec := ProgressRecord{
		Indexer:   c.cfg.Indexer,
		Offset:    off,
		Seq:       ev.Seq,
		Kind:      string(c.cfg.Kind),
		Processed: processed,
		Discarded: discarded,
		Failed:    failed,
	}
	return c.withStorageRetry(ctx, "save progress", func() error {
		return c.progress.Save(rec)
	})
}

// quarantine writes ev to the failure log, retrying per the storage
// policy before giving up.
func (c *Coordinator) quarantine(ctx context.Context, ev stream.Event) error {
	off, err := c.eventOffset(ev)
	if err != nil {
		return err
	}
	rec := FailureRecord{
		Offset:  off,
		Type:    ev.Type,
		Payload: ev.Payload,
	}
	return c.withStorageRetry(ctx, "store failure", func() error {
		_, err := c.failures.Store(c.cfg.Indexer, ev.SourceID, ev.Seq, rec)
		return err
	})
}

func (c *Coordinator) withStorageRetry(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := uint32(1); attempt <= c.cfg.Storage.MaxAttempts; attempt++ {
		if last = fn(); last == nil {
			return nil
		}
		c.logger.Warn("storage operation failed",
			log.Str("op", op), log.Uint64("attempt", uint64(attempt)), log.Err(last))
		if attempt < c.cfg.Storage.MaxAttempts {
			if !c.sleep(ctx, computeBackoff(c.cfg.Storage, attempt)) {
				break
			}
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageExhausted, op, last)
}

// sleep waits d or until ctx is canceled, reporting whether the full
// delay elapsed.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Coordinator) logStats(msg string) {
	processed, discarded, failed := c.Counters()
	c.logger.Info(msg,
		log.Uint64("processed", processed),
		log.Uint64("discarded", discarded),
		log.Uint64("failed", failed))
}
