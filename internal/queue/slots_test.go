package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSlots_CapsConcurrency(t *testing.T) {
	s := NewSlots(2)
	var inFlight, maxInFlight int64

	const n = 10
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if err := s.Acquire(context.Background()); err != nil {
				return
			}
			defer s.Release()

			cur := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}

	for i := 0; i < n; i++ {
		<-done
	}

	if maxInFlight > 2 {
		t.Errorf("observed %d concurrent holders, want <= 2", maxInFlight)
	}
}

func TestSlots_TryAcquire(t *testing.T) {
	s := NewSlots(1)
	if !s.TryAcquire() {
		t.Fatal("expected first TryAcquire to succeed")
	}
	if s.TryAcquire() {
		t.Fatal("expected second TryAcquire to fail while slot held")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed after release")
	}
}

func TestSlots_AcquireRespectsContextCancellation(t *testing.T) {
	s := NewSlots(1)
	s.TryAcquire() // hold the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to fail once context deadline passes")
	}
}
