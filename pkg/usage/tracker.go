package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drawmind/modelmux/pkg/metrics"
)

// Store persists usage batches. Implemented by the database layer.
type Store interface {
	InsertUsageBatch(ctx context.Context, records []Record) error
}

const (
	defaultBatchSize = 50
	defaultInterval  = 10 * time.Second

	// queueDepth bounds memory; Track drops records beyond it rather than
	// ever blocking a request.
	queueDepth = 4096

	flushTimeout = 5 * time.Second

	// retryBackoff separates the one retry a failed flush gets from the
	// attempt that failed.
	defaultRetryBackoff = time.Second
)

// Tracker is the buffered usage writer. Track never blocks and never
// returns an error: a request must not fail because accounting is behind.
type Tracker struct {
	store        Store
	batchSize    int
	interval     time.Duration
	retryBackoff time.Duration

	queue    chan Record
	flushCh  chan chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTracker creates a tracker flushing to store every interval or
// batchSize records, whichever comes first. Zero values select defaults.
func NewTracker(store Store, batchSize int, interval time.Duration) *Tracker {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Tracker{
		store:        store,
		batchSize:    batchSize,
		interval:     interval,
		retryBackoff: defaultRetryBackoff,
		queue:        make(chan Record, queueDepth),
		flushCh:      make(chan chan error),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the flush loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Track queues one record. Non-blocking: when the buffer is full the record
// is dropped and counted.
func (t *Tracker) Track(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case t.queue <- rec:
	default:
		metrics.ObserveUsageDropped(1)
		slog.Debug("Usage buffer full, dropping record",
			"model", rec.ModelAlias, "request_type", rec.RequestType)
	}
}

// Flush drains everything queued so far and writes it synchronously.
func (t *Tracker) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case t.flushCh <- reply:
	case <-t.stopCh:
		return fmt.Errorf("usage tracker stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the buffer, performs a final flush, and waits for the loop to
// exit or ctx to expire. Safe to call multiple times.
func (t *Tracker) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage tracker did not drain in time: %w", ctx.Err())
	}
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	batch := make([]Record, 0, t.batchSize)

	// A failed flush gets exactly one retry after a short backoff, then the
	// batch is dropped: accounting must never back the whole pipeline up
	// behind a dead store.
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := t.write(batch)
		if err != nil {
			slog.Warn("Usage flush failed, retrying once",
				"records", len(batch), "error", err)
			select {
			case <-time.After(t.retryBackoff):
			case <-t.stopCh:
				// Shutting down; retry immediately inside the drain budget.
			}
			err = t.write(batch)
		}
		if err != nil {
			slog.Warn("Usage flush failed after retry, dropping batch",
				"records", len(batch), "error", err)
			metrics.ObserveUsageFlush(false)
			metrics.ObserveUsageDropped(len(batch))
		} else {
			metrics.ObserveUsageFlush(true)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-t.queue:
			batch = append(batch, rec)
			if len(batch) >= t.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case reply := <-t.flushCh:
			t.drainInto(&batch)
			var err error
			if len(batch) > 0 {
				err = t.write(batch)
				if err == nil {
					metrics.ObserveUsageFlush(true)
					batch = batch[:0]
				} else {
					metrics.ObserveUsageFlush(false)
				}
			}
			reply <- err

		case <-t.stopCh:
			t.drainInto(&batch)
			flush()
			slog.Info("Usage tracker stopped")
			return
		}
	}
}

// drainInto moves everything currently queued into the batch without
// blocking.
func (t *Tracker) drainInto(batch *[]Record) {
	for {
		select {
		case rec := <-t.queue:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

func (t *Tracker) write(batch []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	out := make([]Record, len(batch))
	copy(out, batch)
	return t.store.InsertUsageBatch(ctx, out)
}
