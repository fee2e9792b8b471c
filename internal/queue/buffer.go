package queue

import "sync"

// buffer is an unbounded multi-producer multi-consumer FIFO.
type buffer[E any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Operation[E]
	head   int
	closed bool
}

func newBuffer[E any]() *buffer[E] {
	b := &buffer[E]{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *buffer[E]) push(op Operation[E]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}
	b.items = append(b.items, op)
	b.cond.Signal()
	return nil
}

// pop blocks until an item is available. It returns false once the buffer is
// closed and drained.
func (b *buffer[E]) pop() (Operation[E], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.head == len(b.items) && !b.closed {
		b.cond.Wait()
	}
	if b.head == len(b.items) {
		return nil, false
	}
	op := b.items[b.head]
	b.items[b.head] = nil
	b.head++
	// reclaim the consumed prefix once it dominates the slice
	if b.head > 64 && b.head*2 >= len(b.items) {
		n := copy(b.items, b.items[b.head:])
		clear(b.items[n:])
		b.items = b.items[:n]
		b.head = 0
	}
	return op, true
}

// close stops further pushes. It reports false if the buffer was already
// closed.
func (b *buffer[E]) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	b.cond.Broadcast()
	return true
}

func (b *buffer[E]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) - b.head
}
