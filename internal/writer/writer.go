// Package writer provides the fire-and-forget persistence queue used for
// counter, trust and timeout writes. Side-effect writes must never fail or
// delay an already-decided request, so they are handed to a detached worker
// instead of being awaited on the critical path; the worker keeps draining
// even after the originating request is gone.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Op is one pending persistence operation. Name identifies the operation in
// logs; Do performs the write.
type Op struct {
	Name string
	Do   func(ctx context.Context) error
}

// Enqueuer is the narrow interface consumers depend on.
type Enqueuer interface {
	Enqueue(op Op)
}

// Writer runs a single worker goroutine draining enqueued operations.
// Eventual write ordering does not matter; last-write-wins is acceptable
// for every operation that goes through here.
type Writer struct {
	ch      chan Op
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
	timeout time.Duration
}

// New creates a Writer with the given queue size and starts its worker.
func New(queueSize int, logger *slog.Logger) *Writer {
	if queueSize < 1 {
		queueSize = 1
	}
	w := &Writer{
		ch:      make(chan Op, queueSize),
		logger:  logger,
		timeout: 30 * time.Second,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue hands an operation to the worker without blocking the request
// path. When the queue is full the operation is dropped and counted; a
// dropped counter write under-counts by a bounded margin, which the system
// accepts.
func (w *Writer) Enqueue(op Op) {
	if w.closed.Load() {
		w.dropped.Add(1)
		return
	}
	select {
	case w.ch <- op:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("writer queue full, dropping write",
			slog.String("op", op.Name),
			slog.Int64("dropped_total", n),
		)
	}
}

// Dropped returns the number of operations dropped so far.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting new operations, drains the queue and waits for the
// worker to finish.
func (w *Writer) Close() {
	if w.closed.Swap(true) {
		return
	}
	close(w.ch)
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for op := range w.ch {
		// Each write gets its own context: the originating request may be
		// long gone by the time the write runs.
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := op.Do(ctx); err != nil {
			w.logger.Error("async write failed",
				slog.String("op", op.Name),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}
