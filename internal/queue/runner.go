package queue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is the observable lifecycle position of a Runner.
type State int32

const (
	// StatePending is a runner that was created but has not started looping.
	StatePending State = iota
	// StateWaiting is a runner blocked on the next queued operation.
	StateWaiting
	// StateRunning is a runner executing an operation.
	StateRunning
	// StateStopped is terminal: the queue was closed and drained.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Runner repeatedly takes the next operation from its queue and executes
// it. Only the runner's own goroutine writes its state.
type Runner[E any] struct {
	id    int
	state atomic.Int32
	q     *Queue[E]
}

// ID returns the runner's id, unique within its queue.
func (r *Runner[E]) ID() int { return r.id }

// State returns the runner's current state.
func (r *Runner[E]) State() State { return State(r.state.Load()) }

func (r *Runner[E]) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	r.q.Metrics.runnerTransition(prev, s)
}

func (r *Runner[E]) run(ctx context.Context) {
	log := r.q.log.With(slog.Int("runner", r.id))
	log.Debug("runner started")
	for {
		r.setState(StateWaiting)
		op, ok := r.q.buf.pop()
		if !ok {
			r.setState(StateStopped)
			log.Debug("runner stopped")
			return
		}
		r.setState(StateRunning)
		name := op.Name()
		log.Debug("executing operation", slog.String("operation", name))
		start := time.Now()
		op.Execute(ctx, r.q.env)
		r.q.Metrics.observe(name, time.Since(start))
	}
}
