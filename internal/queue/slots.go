package queue

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Slots caps concurrent in-flight inference calls independently of
// worker count and the queue. Workers acquire a slot after releasing
// the Phase-1 session lock and before calling the inference client;
// they release it immediately after the call returns, before
// reacquiring the session lock for Phase 2.
type Slots struct {
	sem *semaphore.Weighted
}

// NewSlots builds a Slots with the given number of permits.
func NewSlots(count int) *Slots {
	return &Slots{sem: semaphore.NewWeighted(int64(count))}
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Slots) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// Release returns a permit.
func (s *Slots) Release() {
	s.sem.Release(1)
}

// TryAcquire attempts to acquire a permit without blocking.
func (s *Slots) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}
