package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/metrics"
	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

// BatchingUsageRecorder buffers usage events and writes them in batches to
// the store. A failed write drops the batch and logs it; losing a usage
// record must never block or fail the user's already-completed request.
type BatchingUsageRecorder struct {
	store         ports.UsageStore
	logger        zerolog.Logger
	metrics       *metrics.Collector
	buffer        []usage.Event
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewBatchingUsageRecorder creates a new batching usage recorder.
func NewBatchingUsageRecorder(store ports.UsageStore, logger zerolog.Logger, m *metrics.Collector, batchSize int, flushInterval time.Duration) *BatchingUsageRecorder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	r := &BatchingUsageRecorder{
		store:         store,
		logger:        logger.With().Str("component", "usage_recorder").Logger(),
		metrics:       m,
		buffer:        make([]usage.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Record queues a usage event for processing. Non-blocking.
func (r *BatchingUsageRecorder) Record(e usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, e)

	if len(r.buffer) >= r.batchSize {
		r.flushLocked()
	}
}

// Flush forces immediate processing of queued events.
func (r *BatchingUsageRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	events := r.take()
	r.mu.Unlock()

	r.write(ctx, events)
	return nil
}

// take hands the buffered events to the caller. Must hold r.mu.
func (r *BatchingUsageRecorder) take() []usage.Event {
	if len(r.buffer) == 0 {
		return nil
	}
	events := make([]usage.Event, len(r.buffer))
	copy(events, r.buffer)
	r.buffer = r.buffer[:0]
	return events
}

// flushLocked writes the buffer in the background. Must hold r.mu.
func (r *BatchingUsageRecorder) flushLocked() {
	events := r.take()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.write(ctx, events)
	}()
}

// write persists a batch, dropping it on failure.
func (r *BatchingUsageRecorder) write(ctx context.Context, events []usage.Event) {
	if len(events) == 0 {
		return
	}
	if err := r.store.RecordBatch(ctx, events); err != nil {
		r.logger.Error().Err(err).Int("dropped", len(events)).Msg("usage sink unavailable, dropping batch")
		if r.metrics != nil {
			r.metrics.UsageEventsDropped.Add(float64(len(events)))
		}
	}
}

// flushLoop flushes the buffer on a timer.
func (r *BatchingUsageRecorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the recorder and flushes remaining events.
func (r *BatchingUsageRecorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.Flush(ctx)
	})
	return nil
}

// Ensure interface compliance.
var _ ports.UsageRecorder = (*BatchingUsageRecorder)(nil)
