// Package queue runs heterogeneous remote operations for one account on a
// pool of runners pulling from a shared FIFO.
package queue

import "context"

// Operation is a unit of work the queue can execute. E is the execution
// environment shared read-only by every runner, typically the account's
// protocol client.
//
// Execute must not panic: runners do not recover. Outcomes are reported
// through a listener the operation holds, never through the queue.
type Operation[E any] interface {
	Name() string
	Execute(ctx context.Context, env E)
}
