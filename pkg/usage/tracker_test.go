package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]Record
	fail    bool

	// failures forces that many insert errors before writes succeed again.
	failures int
	inserts  int
}

func (s *fakeStore) InsertUsageBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failures > 0 {
		s.failures--
		return errors.New("store down")
	}
	if s.fail {
		return errors.New("store down")
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

func (s *fakeStore) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func rec(model string) Record {
	return Record{
		ModelAlias:  model,
		TotalTokens: 10,
		RequestType: RequestTypeChat,
		Success:     true,
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, 3, time.Hour)
	tr.Start()
	defer tr.Stop(context.Background())

	tr.Track(rec("qwen"))
	tr.Track(rec("qwen"))
	tr.Track(rec("deepseek"))

	require.Eventually(t, func() bool {
		return len(store.records()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.batchCount(), "size threshold flushes one batch")
}

func TestFlushOnInterval(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, 100, 50*time.Millisecond)
	tr.Start()
	defer tr.Stop(context.Background())

	tr.Track(rec("qwen"))
	tr.Track(rec("kimi"))

	require.Eventually(t, func() bool {
		return len(store.records()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExplicitFlush(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, 100, time.Hour)
	tr.Start()
	defer tr.Stop(context.Background())

	tr.Track(rec("qwen"))
	tr.Track(rec("doubao"))

	require.NoError(t, tr.Flush(context.Background()))
	assert.Len(t, store.records(), 2)
}

func TestFlushPropagatesStoreError(t *testing.T) {
	store := &fakeStore{fail: true}
	tr := NewTracker(store, 100, time.Hour)
	tr.Start()
	defer tr.Stop(context.Background())

	tr.Track(rec("qwen"))

	err := tr.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	// The batch is retained; a later flush lands it.
	store.setFail(false)
	require.NoError(t, tr.Flush(context.Background()))
	assert.Len(t, store.records(), 1)
}

func TestStopDrainsBuffer(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, 100, time.Hour)
	tr.Start()

	for i := 0; i < 10; i++ {
		tr.Track(rec("qwen"))
	}

	require.NoError(t, tr.Stop(context.Background()))
	assert.Len(t, store.records(), 10)

	// Stop is idempotent.
	assert.NoError(t, tr.Stop(context.Background()))
}

func TestTrackNeverBlocks(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, 50, time.Hour)
	// Deliberately not started: the queue backs up and overflows.

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueDepth+500; i++ {
			tr.Track(rec("qwen"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Track blocked on a full buffer")
	}
}

func TestPeriodicFlushRetriesOnceBeforeDropping(t *testing.T) {
	// One transient failure: the single retry lands the batch.
	store := &fakeStore{failures: 1}
	tr := NewTracker(store, 2, 20*time.Millisecond)
	tr.retryBackoff = time.Millisecond
	tr.Start()
	defer tr.Stop(context.Background())

	tr.Track(rec("qwen"))
	tr.Track(rec("qwen"))

	require.Eventually(t, func() bool {
		return len(store.records()) == 2
	}, 2*time.Second, 10*time.Millisecond, "retry must land the failed batch")
	assert.Equal(t, 2, store.insertCount())
}

func TestPeriodicFlushDropsAfterFailedRetry(t *testing.T) {
	// Both the flush and its retry fail; the batch is dropped and the loop
	// keeps serving later batches.
	store := &fakeStore{failures: 2}
	tr := NewTracker(store, 2, 20*time.Millisecond)
	tr.retryBackoff = time.Millisecond
	tr.Start()
	defer tr.Stop(context.Background())

	tr.Track(rec("qwen"))
	tr.Track(rec("qwen"))

	require.Eventually(t, func() bool {
		return store.insertCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	tr.Track(rec("deepseek"))
	tr.Track(rec("deepseek"))

	require.Eventually(t, func() bool {
		recs := store.records()
		return len(recs) == 2 && recs[0].ModelAlias == "deepseek"
	}, 2*time.Second, 10*time.Millisecond, "failed batch dropped, new batch lands")
}

func TestTrackStampsTimestamp(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, 1, time.Hour)
	tr.Start()
	defer tr.Stop(context.Background())

	before := time.Now()
	tr.Track(rec("qwen"))

	require.Eventually(t, func() bool {
		return len(store.records()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ts := store.records()[0].Timestamp
	assert.False(t, ts.IsZero())
	assert.False(t, ts.Before(before))
}
