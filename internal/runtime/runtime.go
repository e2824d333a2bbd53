package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	cfgpkg "github.com/umbreak/nexus-sourcing/internal/config"
	"github.com/umbreak/nexus-sourcing/internal/eventlog"
	"github.com/umbreak/nexus-sourcing/internal/indexer"
	"github.com/umbreak/nexus-sourcing/internal/offset"
	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
	"github.com/umbreak/nexus-sourcing/pkg/log"
)

// ErrAlreadyRunning is returned by StartIndexer when this runtime
// already runs a coordinator for the identifier.
var ErrAlreadyRunning = errors.New("runtime: indexer already running")

// ErrNotRunning is returned by StopIndexer for unknown identifiers.
var ErrNotRunning = errors.New("runtime: indexer not running")

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  log.Logger
}

// IndexerConfig names the per-pipeline knobs a caller supplies when
// starting an indexer. Policies and offset kind come from the runtime
// configuration.
type IndexerConfig struct {
	// Indexer is the stable pipeline identifier. Required.
	Indexer string
	// Tag selects the event sub-stream. Required.
	Tag string
	// EventType, when set, discards events of other types.
	EventType string
	// Filter is an optional CEL expression over events.
	Filter string
}

// running tracks one live coordinator and its shutdown plumbing.
type running struct {
	coord  *indexer.Coordinator
	cancel context.CancelFunc
	done   chan error
}

// Runtime wires storage, config, and the indexing facades for a
// single-node instance. It owns the singleton leases of every indexer
// it starts and renews them until the indexer stops.
type Runtime struct {
	db       *pebblestore.DB
	config   cfgpkg.Config
	logger   log.Logger
	owner    string
	progress *indexer.ProgressStore
	failures *indexer.FailureLog
	leases   *indexer.LeaseManager

	mu      sync.Mutex
	indexes map[string]*running
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	return &Runtime{
		db:       db,
		config:   opts.Config,
		logger:   opts.Logger,
		owner:    fmt.Sprintf("%s/%d", host, os.Getpid()),
		progress: indexer.NewProgressStore(db),
		failures: indexer.NewFailureLog(db),
		leases:   indexer.NewLeaseManager(db),
		indexes:  map[string]*running{},
	}, nil
}

// Close stops every running indexer, then closes storage.
func (r *Runtime) Close() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.indexes))
	for name := range r.indexes {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		_ = r.StopIndexer(name)
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage liveness check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// OpenLog opens the named event log.
func (r *Runtime) OpenLog(name string) (*eventlog.Log, error) {
	return eventlog.OpenLog(r.db, name)
}

// Progress exposes the progress store for operational commands.
func (r *Runtime) Progress() *indexer.ProgressStore { return r.progress }

// Failures exposes the failure log for operational commands.
func (r *Runtime) Failures() *indexer.FailureLog { return r.failures }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// StartIndexer acquires the identifier's singleton lease and launches
// a coordinator goroutine for it. Fails with ErrAlreadyRunning when
// this runtime already runs the identifier, and with
// indexer.ErrLeaseHeld when another process holds it.
func (r *Runtime) StartIndexer(cfg IndexerConfig, mapper indexer.Mapper, sink indexer.Sink) error {
	// Reserve the slot before the slow setup work so a concurrent start
	// of the same identifier fails instead of overwriting this one.
	r.mu.Lock()
	if _, ok := r.indexes[cfg.Indexer]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.Indexer)
	}
	r.indexes[cfg.Indexer] = nil
	r.mu.Unlock()
	release := func() {
		r.mu.Lock()
		delete(r.indexes, cfg.Indexer)
		r.mu.Unlock()
	}

	elog, err := r.OpenLog(r.config.LogName)
	if err != nil {
		release()
		return err
	}
	ttl := time.Duration(r.config.LeaseTTLMs) * time.Millisecond
	coord, err := indexer.NewCoordinator(indexer.Config{
		Indexer:   cfg.Indexer,
		Tag:       cfg.Tag,
		EventType: cfg.EventType,
		Kind:      offset.Kind(r.config.OffsetKind),
		Filter:    cfg.Filter,
		Storage: indexer.RetryPolicy{
			Type:        indexer.BackoffFixed,
			Base:        time.Duration(r.config.Storage.BackoffMs) * time.Millisecond,
			Cap:         time.Duration(r.config.Storage.CapMs) * time.Millisecond,
			MaxAttempts: uint32(r.config.Storage.Attempts),
		},
		Restart: indexer.RetryPolicy{
			Type:   indexer.BackoffExpJitter,
			Base:   time.Duration(r.config.Restart.BaseMs) * time.Millisecond,
			Cap:    time.Duration(r.config.Restart.CapMs) * time.Millisecond,
			Factor: r.config.Restart.Factor,
		},
	}, elog, r.progress, r.failures, mapper, sink, r.logger)
	if err != nil {
		elog.Close()
		release()
		return err
	}

	if err := r.leases.Acquire(cfg.Indexer, r.owner, ttl); err != nil {
		elog.Close()
		release()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &running{coord: coord, cancel: cancel, done: make(chan error, 1)}
	r.mu.Lock()
	r.indexes[cfg.Indexer] = run
	r.mu.Unlock()

	go r.renewLease(ctx, cfg.Indexer, ttl)
	go func() {
		err := coord.Run(ctx)
		if err != nil {
			r.logger.Error("indexer halted", log.Str("indexer", cfg.Indexer), log.Err(err))
		}
		elog.Close()
		run.done <- err
	}()
	r.logger.Info("indexer started", log.Str("indexer", cfg.Indexer), log.Str("tag", cfg.Tag))
	return nil
}

// renewLease keeps the singleton lease alive at a third of its TTL
// until ctx ends.
func (r *Runtime) renewLease(ctx context.Context, name string, ttl time.Duration) {
	tick := time.NewTicker(ttl / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := r.leases.Renew(name, r.owner, ttl); err != nil {
				r.logger.Warn("lease renewal failed", log.Str("indexer", name), log.Err(err))
			}
		}
	}
}

// StopIndexer cancels the identifier's coordinator, waits for it to
// finish its in-flight event, and releases the lease.
func (r *Runtime) StopIndexer(name string) error {
	// A nil entry is a start still in flight; it is not stoppable and
	// its reservation belongs to the starting goroutine.
	r.mu.Lock()
	run, ok := r.indexes[name]
	if ok && run != nil {
		delete(r.indexes, name)
	}
	r.mu.Unlock()
	if !ok || run == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	run.cancel()
	err := <-run.done
	if lerr := r.leases.Release(name, r.owner); lerr != nil {
		r.logger.Warn("lease release failed", log.Str("indexer", name), log.Err(lerr))
	}
	r.logger.Info("indexer stopped", log.Str("indexer", name))
	return err
}

// IndexerState reports the lifecycle state and counters of a running
// indexer.
func (r *Runtime) IndexerState(name string) (indexer.State, uint64, uint64, uint64, error) {
	r.mu.Lock()
	run, ok := r.indexes[name]
	r.mu.Unlock()
	if !ok || run == nil {
		return "", 0, 0, 0, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	processed, discarded, failed := run.coord.Counters()
	return run.coord.State(), processed, discarded, failed, nil
}
