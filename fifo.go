package doser

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by FIFO.Push when the queue is at its limit.
var ErrQueueFull = errors.New("queue is full")

// FIFO is a first-in-first-out queue. It can optionally be limited in size;
// a limited queue rejects pushes while full rather than evicting, so callers
// waiting on queued work never lose entries.
type FIFO[T any] struct {
	values []T
	limit  int
	mu     sync.Mutex
}

func NewFIFO[T any](limit int) *FIFO[T] {
	return &FIFO[T]{
		limit:  limit,
		values: make([]T, 0, limit),
	}
}

func (f *FIFO[T]) Push(value T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && len(f.values) >= f.limit {
		return ErrQueueFull
	}
	f.values = append(f.values, value)
	return nil
}

// Pop removes and returns the oldest entry.
func (f *FIFO[T]) Pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if len(f.values) == 0 {
		return zero, false
	}
	v := f.values[0]
	f.values = f.values[1:]
	return v, true
}

// Peek returns the oldest entry without removing it.
func (f *FIFO[T]) Peek() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if len(f.values) == 0 {
		return zero, false
	}
	return f.values[0], true
}

// Drain removes and returns everything in the queue, oldest first.
func (f *FIFO[T]) Drain() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.values
	f.values = make([]T, 0, f.limit)
	return values
}

func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}
