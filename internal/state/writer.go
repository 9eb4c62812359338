package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/chatrecipe/internal/types"
)

// ErrWriterStopped is returned when work is submitted after Stop.
var ErrWriterStopped = errors.New("writer stopped")

const laneBuffer = 64

// Writer runs Store operations on per-key lanes with a global concurrency
// semaphore. Each key gets its own FIFO channel (lane) so saves, clears and
// loads for one key happen in submission order, while the semaphore limits
// backend work across all keys.
type Writer struct {
	store     *Store
	lanes     map[types.StorageKey]chan func(context.Context)
	semaphore *semaphore.Weighted
	pending   atomic.Int64
	stopped   bool
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewWriter creates a Writer that allows up to maxConcurrent store
// operations at once across all keys.
func NewWriter(store *Store, maxConcurrent int64, logger *slog.Logger) *Writer {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:     store,
		lanes:     make(map[types.StorageKey]chan func(context.Context)),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Start binds the writer to ctx. It only takes effect before the first lane
// exists; later calls are ignored so running lanes keep their context.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.lanes) > 0 || w.stopped {
		w.logger.Warn("writer already running, ignoring Start")
		return
	}
	w.cancel()
	w.ctx, w.cancel = context.WithCancel(ctx)
}

// Stop closes every lane, waits for queued work to finish, then cancels the
// writer context.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, lane := range w.lanes {
		close(lane)
	}
	cancel := w.cancel
	w.mu.Unlock()
	w.wg.Wait()
	cancel()
}

// Save queues a write of msgs under key. msgs is copied.
func (w *Writer) Save(key types.StorageKey, msgs []types.Message) error {
	snapshot := slices.Clone(msgs)
	return w.enqueue(key, func(ctx context.Context) {
		w.store.Save(ctx, key, snapshot)
	})
}

// Clear queues removal of the record for key.
func (w *Writer) Clear(key types.StorageKey) error {
	return w.enqueue(key, func(ctx context.Context) {
		if err := w.store.Clear(ctx, key); err != nil {
			w.logger.Warn("clear conversation failed", "key", key, "error", err)
		}
	})
}

// Load queues a load of key behind every operation already queued for it
// and calls fn with the result from the lane goroutine.
func (w *Writer) Load(key types.StorageKey, fn func([]types.Message)) error {
	return w.enqueue(key, func(ctx context.Context) {
		fn(w.store.Load(ctx, key))
	})
}

// LoadWait is Load for callers that can block.
func (w *Writer) LoadWait(ctx context.Context, key types.StorageKey) ([]types.Message, error) {
	result := make(chan []types.Message, 1)
	if err := w.Load(key, func(msgs []types.Message) { result <- msgs }); err != nil {
		return nil, err
	}
	select {
	case msgs := <-result:
		return msgs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue adds a job to the key's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (w *Writer) enqueue(key types.StorageKey, job func(context.Context)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWriterStopped
	}

	lane, exists := w.lanes[key]
	if !exists {
		lane = make(chan func(context.Context), laneBuffer)
		w.lanes[key] = lane
		w.wg.Add(1)
		go w.processLane(w.ctx, lane)
	}

	select {
	case lane <- job:
		w.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("write lane full for %s", key)
	}
}

// processLane drains a single lane, acquiring a semaphore slot before each
// job so ordering within a key is strict while cross-key parallelism stays
// bounded.
func (w *Writer) processLane(ctx context.Context, lane chan func(context.Context)) {
	defer w.wg.Done()
	for job := range lane {
		if err := w.semaphore.Acquire(ctx, 1); err != nil {
			return
		}
		job(ctx)
		w.semaphore.Release(1)
		w.pending.Add(-1)
	}
}

// WaitIdle blocks until no jobs are running or queued, or the timeout
// expires. Returns true if idle, false if timed out.
func (w *Writer) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if w.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Barrier calls fn from key's lane once every operation already queued for
// key has finished.
func (w *Writer) Barrier(key types.StorageKey, fn func()) error {
	return w.enqueue(key, func(context.Context) { fn() })
}
