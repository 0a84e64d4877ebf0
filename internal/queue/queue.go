// Package queue implements the bounded priority request queue (C5) and
// the independent inference-slot semaphore (C6).
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nugget/thane-gateway/internal/gwerr"
)

// Request is one accepted unit of work: a session-scoped chat turn
// waiting for a worker to process it.
type Request struct {
	ProjectName  string
	SessionID    string
	UserMessage  string
	ReplyTopic   string
	RequestID    string
	SystemPrompt string // resolved at ingress (frame override, else project prompt); empty means no system message

	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	EnableThinking *bool

	EnqueuedAt time.Time
	Deadline   time.Time
	Priority   int

	sequence int64 // assigned by the queue; breaks priority ties FIFO
}

// item is the heap element: a Request plus its heap index for
// container/heap bookkeeping.
type item struct {
	req   Request
	index int
}

// priorityHeap orders items by (Priority desc, sequence asc) so that
// higher-priority requests dequeue first, and within equal priority,
// earlier-enqueued requests dequeue first (FIFO).
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].req.sequence < h[j].req.sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a bounded FIFO with a secondary integer priority, guarded by
// a mutex/cond pair rather than a channel: priority ordering within
// capacity isn't expressible with plain buffered-channel semantics.
type Queue struct {
	capacity int

	mu       sync.Mutex
	notEmpty *sync.Cond
	heap     priorityHeap
	nextSeq  int64
	closed   bool
}

// New builds a Queue bounded at capacity.
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// TryEnqueue attempts to add req without blocking. Returns a
// backpressure error if the queue is at capacity — ingress must never
// block waiting for room, per the no-head-of-line-blocking requirement
// on the MQTT receive path.
func (q *Queue) TryEnqueue(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return gwerr.New(gwerr.KindInternal, "queue is closed")
	}
	if len(q.heap) >= q.capacity {
		return gwerr.New(gwerr.KindBackpressure, "queue at capacity")
	}

	req.sequence = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, &item{req: req})
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a request is available, the queue is closed, or
// ctx is cancelled. Returns ok=false once the queue is closed and
// drained.
func (q *Queue) Dequeue(ctx context.Context) (Request, bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.closed {
		if ctx.Err() != nil {
			return Request{}, false
		}
		q.notEmpty.Wait()
	}

	if len(q.heap) == 0 {
		return Request{}, false
	}

	it := heap.Pop(&q.heap).(*item)
	return it.req, true
}

// Close marks the queue closed: no further enqueues are accepted, and
// blocked/future Dequeue calls drain remaining items then return false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Len reports the current number of queued (not yet dequeued) requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
