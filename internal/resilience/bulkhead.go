package resilience

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrBulkheadFull is returned when both the execution slots and the wait
// queue are exhausted. Excess submissions are rejected immediately rather
// than queued without bound.
var ErrBulkheadFull = errors.New("bulkhead full")

// Bulkhead caps concurrent executions for one scope and bounds how many
// callers may wait for a slot.
type Bulkhead struct {
	name          string
	maxConcurrent int64
	maxQueued     int

	sem *semaphore.Weighted

	mu      sync.Mutex
	active  int
	waiting int
}

// NewBulkhead creates a bulkhead with maxConcurrent execution slots and a
// wait queue of maxQueued.
func NewBulkhead(name string, maxConcurrent, maxQueued int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxQueued < 0 {
		maxQueued = 0
	}
	return &Bulkhead{
		name:          name,
		maxConcurrent: int64(maxConcurrent),
		maxQueued:     maxQueued,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Execute runs fn inside the bulkhead, waiting for a slot if the queue has
// room. Returns ErrBulkheadFull when it does not.
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.active >= int(b.maxConcurrent) && b.waiting >= b.maxQueued {
		b.mu.Unlock()
		return ErrBulkheadFull
	}
	b.waiting++
	b.mu.Unlock()

	err := b.sem.Acquire(ctx, 1)

	b.mu.Lock()
	b.waiting--
	if err == nil {
		b.active++
	}
	b.mu.Unlock()

	if err != nil {
		return err
	}
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
		b.sem.Release(1)
	}()

	return fn(ctx)
}

// Stats reports the current occupancy.
func (b *Bulkhead) Stats() (active, waiting int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.waiting
}
