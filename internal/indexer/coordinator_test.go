package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/umbreak/nexus-sourcing/internal/eventlog"
	"github.com/umbreak/nexus-sourcing/internal/offset"
	"github.com/umbreak/nexus-sourcing/internal/stream"
	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
	"github.com/umbreak/nexus-sourcing/pkg/id"
)

type testEnv struct {
	db       *pebblestore.DB
	log      *eventlog.Log
	progress *ProgressStore
	failures *FailureLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	l, err := eventlog.OpenLog(db, "events")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return &testEnv{db: db, log: l, progress: NewProgressStore(db), failures: NewFailureLog(db)}
}

func (e *testEnv) append(t *testing.T, tag string, types ...string) []uint64 {
	t.Helper()
	evs := make([]eventlog.AppendEvent, len(types))
	for i, typ := range types {
		evs[i] = eventlog.AppendEvent{Type: typ, Payload: []byte(typ)}
	}
	seqs, err := e.log.Append(context.Background(), tag, evs)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return seqs
}

// recordingMapper maps every event to its payload, erring on the
// sequences in failSeqs and tracking which sequences it saw.
type recordingMapper struct {
	mu       sync.Mutex
	seen     []uint64
	failSeqs map[uint64]bool
	declines map[uint64]bool
}

func (m *recordingMapper) Map(_ context.Context, ev stream.Event) ([]byte, bool, error) {
	m.mu.Lock()
	m.seen = append(m.seen, ev.Seq)
	m.mu.Unlock()
	if m.failSeqs[ev.Seq] {
		return nil, false, errors.New("mapping blew up")
	}
	if m.declines[ev.Seq] {
		return nil, false, nil
	}
	return ev.Payload, true, nil
}

func (m *recordingMapper) seenSeqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.seen...)
}

type recordingSink struct {
	mu   sync.Mutex
	docs map[uint64][]byte
	err  error
}

func (s *recordingSink) Write(_ context.Context, ev stream.Event, doc []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs == nil {
		s.docs = map[uint64][]byte{}
	}
	s.docs[ev.Seq] = append([]byte(nil), doc...)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(indexer, tag string) Config {
	return Config{
		Indexer: indexer,
		Tag:     tag,
		Kind:    offset.KindSequence,
		Storage: RetryPolicy{Type: BackoffFixed, Base: time.Millisecond, MaxAttempts: 3},
		Restart: RetryPolicy{Type: BackoffFixed, Base: 10 * time.Millisecond},
	}
}

func runCoordinator(t *testing.T, c *Coordinator) (cancel func(), done chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel = func() {
		stop()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("coordinator did not stop")
		}
	}
	return cancel, done
}

func (e *testEnv) progressSeq(t *testing.T, indexer string) uint64 {
	t.Helper()
	rec, err := e.progress.Load(indexer)
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if rec == nil {
		return 0
	}
	return rec.Seq
}

func TestCoordinatorValidation(t *testing.T) {
	e := newTestEnv(t)
	mapper, sink := &recordingMapper{}, &recordingSink{}

	cfg := testConfig("idx-1", "orders")
	cfg.Kind = "uuid"
	if _, err := NewCoordinator(cfg, e.log, e.progress, e.failures, mapper, sink, nil); !errors.Is(err, offset.ErrUnsupportedKind) {
		t.Fatalf("want ErrUnsupportedKind, got %v", err)
	}

	cfg = testConfig("idx-1", "orders")
	cfg.Filter = "not a filter ==="
	if _, err := NewCoordinator(cfg, e.log, e.progress, e.failures, mapper, sink, nil); err == nil {
		t.Fatalf("want filter compile error")
	}

	cfg = testConfig("", "orders")
	if _, err := NewCoordinator(cfg, e.log, e.progress, e.failures, mapper, sink, nil); err == nil {
		t.Fatalf("want missing identifier error")
	}
}

// Offsets [1,2,3], types [A,A,B], expected type A, mapping of the
// second event errors: progress ends at 3, one discard, one failure
// record under the second event's coordinates, and exactly one sink
// write.
func TestCoordinatorMappingFailureMidStream(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A", "A", "B")

	mapper := &recordingMapper{failSeqs: map[uint64]bool{seqs[1]: true}}
	sink := &recordingSink{}
	cfg := testConfig("idx-1", "orders")
	cfg.EventType = "A"
	c, err := NewCoordinator(cfg, e.log, e.progress, e.failures, mapper, sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress to reach last offset", func() bool { return e.progressSeq(t, "idx-1") == seqs[2] })
	cancel()

	processed, discarded, failed := c.Counters()
	if processed != 1 || discarded != 1 || failed != 1 {
		t.Fatalf("counters = %d/%d/%d, want 1/1/1", processed, discarded, failed)
	}
	if sink.count() != 1 {
		t.Fatalf("sink writes = %d, want 1", sink.count())
	}
	recs, err := e.failures.Fetch("idx-1")
	if err != nil {
		t.Fatalf("fetch failures: %v", err)
	}
	if len(recs) != 1 || recs[0].Seq != seqs[1] || string(recs[0].Payload) != "A" {
		t.Fatalf("failure log: %+v", recs)
	}
	rec, _ := e.progress.Load("idx-1")
	if rec.Processed != 1 || rec.Discarded != 1 || rec.Failed != 1 {
		t.Fatalf("persisted counters: %+v", rec)
	}
}

func TestCoordinatorTypeMismatchNeverReachesMapper(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "B", "A", "B")

	mapper := &recordingMapper{}
	sink := &recordingSink{}
	cfg := testConfig("idx-1", "orders")
	cfg.EventType = "A"
	c, err := NewCoordinator(cfg, e.log, e.progress, e.failures, mapper, sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress to reach last offset", func() bool { return e.progressSeq(t, "idx-1") == seqs[2] })
	cancel()

	seen := mapper.seenSeqs()
	if len(seen) != 1 || seen[0] != seqs[1] {
		t.Fatalf("mapper saw %v, want only %d", seen, seqs[1])
	}
	if n, _ := e.failures.Count("idx-1"); n != 0 {
		t.Fatalf("type mismatches must never be quarantined, count=%d", n)
	}
	_, discarded, _ := c.Counters()
	if discarded != 2 {
		t.Fatalf("discarded = %d, want 2", discarded)
	}
}

func TestCoordinatorMapperDeclineIsDiscard(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A", "A")

	mapper := &recordingMapper{declines: map[uint64]bool{seqs[0]: true}}
	sink := &recordingSink{}
	c, err := NewCoordinator(testConfig("idx-1", "orders"), e.log, e.progress, e.failures, mapper, sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress to reach last offset", func() bool { return e.progressSeq(t, "idx-1") == seqs[1] })
	cancel()

	processed, discarded, failed := c.Counters()
	if processed != 1 || discarded != 1 || failed != 0 {
		t.Fatalf("counters = %d/%d/%d, want 1/1/0", processed, discarded, failed)
	}
	if n, _ := e.failures.Count("idx-1"); n != 0 {
		t.Fatalf("declines must not be quarantined")
	}
}

func TestCoordinatorSinkErrorQuarantines(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A")

	mapper := &recordingMapper{}
	sink := &recordingSink{err: errors.New("index unavailable")}
	c, err := NewCoordinator(testConfig("idx-1", "orders"), e.log, e.progress, e.failures, mapper, sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress to reach last offset", func() bool { return e.progressSeq(t, "idx-1") == seqs[0] })
	cancel()

	processed, _, failed := c.Counters()
	if processed != 0 || failed != 1 {
		t.Fatalf("counters = %d/-/%d, want 0/-/1", processed, failed)
	}
	if n, _ := e.failures.Count("idx-1"); n != 1 {
		t.Fatalf("want 1 quarantined record, got %d", n)
	}
}

func TestCoordinatorFilterDiscards(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A", "B", "A")

	mapper := &recordingMapper{}
	sink := &recordingSink{}
	cfg := testConfig("idx-1", "orders")
	cfg.Filter = `event_type == "A"`
	c, err := NewCoordinator(cfg, e.log, e.progress, e.failures, mapper, sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress to reach last offset", func() bool { return e.progressSeq(t, "idx-1") == seqs[2] })
	cancel()

	processed, discarded, _ := c.Counters()
	if processed != 2 || discarded != 1 {
		t.Fatalf("counters = %d/%d, want 2/1", processed, discarded)
	}
	seen := mapper.seenSeqs()
	if len(seen) != 2 {
		t.Fatalf("filtered events must not reach the mapper: %v", seen)
	}
}

// A fresh start with progress at offset N must redeliver nothing at or
// below N and everything above it exactly once.
func TestCoordinatorResumesAfterCheckpoint(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A", "A", "A", "A", "A")

	// prior run checkpointed through the fourth event
	if err := e.progress.Save(ProgressRecord{
		Indexer: "idx-1", Offset: int64(seqs[3]), Seq: seqs[3], Kind: "sequence", Processed: 4,
	}); err != nil {
		t.Fatalf("seed progress: %v", err)
	}

	mapper := &recordingMapper{}
	sink := &recordingSink{}
	c, err := NewCoordinator(testConfig("idx-1", "orders"), e.log, e.progress, e.failures, mapper, sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress to advance", func() bool { return e.progressSeq(t, "idx-1") == seqs[4] })
	cancel()

	seen := mapper.seenSeqs()
	if len(seen) != 1 || seen[0] != seqs[4] {
		t.Fatalf("mapper saw %v, want only the redelivered offset %d", seen, seqs[4])
	}
	if sink.count() != 1 {
		t.Fatalf("sink writes = %d, want 1", sink.count())
	}
	processed, _, _ := c.Counters()
	if processed != 5 {
		t.Fatalf("processed counter must resume: %d", processed)
	}
}

// Redelivery after an uncheckpointed failure keeps the original
// quarantined payload.
func TestCoordinatorRedeliveredFailureKeepsFirstRecord(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A")

	run := func() {
		mapper := &recordingMapper{failSeqs: map[uint64]bool{seqs[0]: true}}
		c, err := NewCoordinator(testConfig("idx-1", "orders"), e.log, e.progress, e.failures, mapper, &recordingSink{}, nil)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		cancel, _ := runCoordinator(t, c)
		waitFor(t, "progress", func() bool { return e.progressSeq(t, "idx-1") == seqs[0] })
		cancel()
	}
	run()
	// simulate a crash before the checkpoint landed
	if err := e.progress.Reset("idx-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	run()

	if n, _ := e.failures.Count("idx-1"); n != 1 {
		t.Fatalf("redelivered failure duplicated: count=%d", n)
	}
}

func TestCoordinatorStopsCleanly(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A")

	c, err := NewCoordinator(testConfig("idx-1", "orders"), e.log, e.progress, e.failures, &recordingMapper{}, &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress", func() bool { return e.progressSeq(t, "idx-1") == seqs[0] })
	cancel()

	if got := c.State(); got != StateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestCoordinatorDisconnectThenStop(t *testing.T) {
	e := newTestEnv(t)
	e.append(t, "orders", "A")

	cfg := testConfig("idx-1", "orders")
	cfg.Restart = RetryPolicy{Type: BackoffFixed, Base: time.Hour}
	c, err := NewCoordinator(cfg, e.log, e.progress, e.failures, &recordingMapper{}, &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, "streaming", func() bool { return c.State() == StateStreaming })
	e.log.Close()
	waitFor(t, "failed state", func() bool { return c.State() == StateFailed })

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("coordinator stuck in restart backoff")
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", c.State())
	}
}

// downFailureLog rejects every write, counting the attempts.
type downFailureLog struct {
	mu       sync.Mutex
	attempts int
}

func (f *downFailureLog) Store(string, id.ID, uint64, FailureRecord) (bool, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return false, errors.New("disk full")
}

func (f *downFailureLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// A failure-log write that keeps failing must be retried exactly
// MaxAttempts times and then stop the pipeline fatally, never skip
// the record and advance.
func TestCoordinatorStorageExhaustionStopsPipeline(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A")

	mapper := &recordingMapper{failSeqs: map[uint64]bool{seqs[0]: true}}
	failures := &downFailureLog{}
	c, err := NewCoordinator(testConfig("idx-1", "orders"), e.log, e.progress, failures, mapper, &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("coordinator kept running past exhausted storage retries")
	}
	if !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("want ErrStorageExhausted, got %v", err)
	}
	if got := failures.count(); got != 3 {
		t.Fatalf("store attempts = %d, want MaxAttempts (3)", got)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", c.State())
	}
	if e.progressSeq(t, "idx-1") != 0 {
		t.Fatalf("progress must not advance past an unrecorded failure")
	}
}

// brokenCheckpointStore persists fine but cannot read positions back.
type brokenCheckpointStore struct {
	*ProgressStore
	mu       sync.Mutex
	attempts int
}

func (s *brokenCheckpointStore) LastSeq(string) (uint64, bool, error) {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	return 0, false, errors.New("checkpoint read failed")
}

func (s *brokenCheckpointStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// A checkpoint load failure at open time is a storage fault: bounded
// retries, then a fatal stop, not an endless restart loop.
func TestCoordinatorCheckpointLoadFailureIsFatal(t *testing.T) {
	e := newTestEnv(t)
	e.append(t, "orders", "A")

	progress := &brokenCheckpointStore{ProgressStore: e.progress}
	c, err := NewCoordinator(testConfig("idx-1", "orders"), e.log, progress, e.failures, &recordingMapper{}, &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("coordinator kept retrying a dead checkpoint store")
	}
	if !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("want ErrStorageExhausted, got %v", err)
	}
	if got := progress.count(); got != 3 {
		t.Fatalf("load attempts = %d, want MaxAttempts (3)", got)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", c.State())
	}
}

func TestCoordinatorTimestampKindCheckpoints(t *testing.T) {
	e := newTestEnv(t)
	seqs := e.append(t, "orders", "A")

	cfg := testConfig("idx-1", "orders")
	cfg.Kind = offset.KindTimestamp
	c, err := NewCoordinator(cfg, e.log, e.progress, e.failures, &recordingMapper{}, &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, _ := runCoordinator(t, c)
	waitFor(t, "progress", func() bool { return e.progressSeq(t, "idx-1") == seqs[0] })
	cancel()

	rec, _ := e.progress.Load("idx-1")
	if rec.Kind != string(offset.KindTimestamp) {
		t.Fatalf("kind = %q", rec.Kind)
	}
	o, err := offset.Decode(rec.Offset, offset.KindTimestamp)
	if err != nil {
		t.Fatalf("stored offset must decode: %v", err)
	}
	if o.TimeMs() == 0 {
		t.Fatalf("timestamp offset missing time component: %v", o)
	}
}
