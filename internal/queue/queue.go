package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
)

// ErrQueueClosed is returned when enqueue operations are attempted after the queue has stopped.
var ErrQueueClosed = errors.New("operation queue closed")

// Queue is an unbounded FIFO of operations executed by a pool of runners.
// It is created once per account connection.
type Queue[E any] struct {
	// Metrics is optional; set it before calling Start.
	Metrics *Metrics

	env E
	buf *buffer[E]
	log *slog.Logger

	mu      sync.Mutex
	runners []*Runner[E]
	wg      sync.WaitGroup
}

// New returns an empty queue whose operations all receive env.
func New[E any](env E, logger *slog.Logger) *Queue[E] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Queue[E]{
		env: env,
		buf: newBuffer[E](),
		log: logger,
	}
}

// Start spawns n runners in the background and returns immediately. Every
// call adds n more runners to the pool.
func (q *Queue[E]) Start(ctx context.Context, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < n; i++ {
		r := &Runner[E]{id: len(q.runners), q: q}
		q.Metrics.runnerAdded()
		q.runners = append(q.runners, r)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			r.run(ctx)
		}()
	}
	q.log.Info("started runners", slog.Int("added", n), slog.Int("total", len(q.runners)))
}

// Enqueue appends op to the tail of the queue. It never blocks on capacity
// and fails with ErrQueueClosed once Stop has been called.
func (q *Queue[E]) Enqueue(op Operation[E]) error {
	if err := q.buf.push(op); err != nil {
		q.Metrics.rejected(op.Name())
		return err
	}
	q.Metrics.enqueued(op.Name())
	return nil
}

// Stop closes the queue to new operations. Operations already queued or
// executing still run to completion.
func (q *Queue[E]) Stop() {
	if !q.buf.close() {
		q.log.Warn("operation queue already stopped")
		return
	}
	q.log.Info("operation queue stopped", slog.Int("pending", q.buf.len()))
}

// Running reports whether at least one runner has not stopped.
func (q *Queue[E]) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.runners {
		if r.State() != StateStopped {
			return true
		}
	}
	return false
}

// Idle reports whether every runner is waiting for work. Operations still
// sitting in the queue are not considered.
func (q *Queue[E]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.runners {
		if r.State() != StateWaiting {
			return false
		}
	}
	return true
}

// Len returns the number of operations queued but not yet picked up.
func (q *Queue[E]) Len() int { return q.buf.len() }

// Runners returns the runners started so far.
func (q *Queue[E]) Runners() []*Runner[E] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Runner[E](nil), q.runners...)
}

// Wait blocks until every runner has stopped. It only returns after Stop.
func (q *Queue[E]) Wait() {
	q.wg.Wait()
}
