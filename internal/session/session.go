// Package session implements the two-phase-locked session registry:
// per-(project, session_id) dialog state, LRU eviction at a concurrent
// session cap, an idle-session reaper, and per-session rate limiting.
package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/nugget/thane-gateway/internal/gwerr"
	"github.com/nugget/thane-gateway/internal/llm"
)

// Key identifies a session by its owning project and client-chosen id.
type Key struct {
	Project   string
	SessionID string
}

// Record holds one session's mutable state. Every field below is
// guarded by lock; callers must never read or write them without
// holding it. lock is never held across network I/O — see Phase1/Phase2.
type Record struct {
	key Key

	lock sync.Mutex

	dialog []llm.Message

	createdAt  time.Time
	lastUsedAt time.Time

	requestCountInWindow int
	windowStartAt        time.Time

	// elem links this record into the registry's LRU list. Owned by
	// the registry, protected by the registry lock, not Record.lock.
	elem *list.Element
}

// Registry maps (project, session_id) -> *Record, evicting the
// least-recently-used record when a configured cap is exceeded.
type Registry struct {
	maxConcurrentSessions int
	sessionTimeout        time.Duration
	maxHistoryTokens      int
	rateLimit             RateLimitPolicy

	mu       sync.Mutex
	byKey    map[Key]*Record
	lruOrder *list.List // front = most recently used

	reaperInterval time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
}

// RateLimitPolicy bounds how many requests a session may issue per
// fixed window.
type RateLimitPolicy struct {
	MaxRequestsPerWindow int
	WindowDuration       time.Duration
}

// New builds an empty Registry.
func New(maxConcurrentSessions int, sessionTimeout time.Duration, maxHistoryTokens int, reaperInterval time.Duration, rateLimit RateLimitPolicy) *Registry {
	return &Registry{
		maxConcurrentSessions: maxConcurrentSessions,
		sessionTimeout:        sessionTimeout,
		maxHistoryTokens:      maxHistoryTokens,
		rateLimit:             rateLimit,
		byKey:                 make(map[Key]*Record),
		lruOrder:              list.New(),
		reaperInterval:        reaperInterval,
		stopCh:                make(chan struct{}),
	}
}

// GetOrCreate returns the record for key, creating one and evicting the
// least-recently-used record if the registry is at capacity. Touches
// LRU order.
func (r *Registry) GetOrCreate(key Key) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byKey[key]; ok {
		r.lruOrder.MoveToFront(rec.elem)
		return rec
	}

	if len(r.byKey) >= r.maxConcurrentSessions {
		r.evictLRULocked()
	}

	now := time.Now()
	rec := &Record{
		key:           key,
		createdAt:     now,
		lastUsedAt:    now,
		windowStartAt: now,
	}
	rec.elem = r.lruOrder.PushFront(rec)
	r.byKey[key] = rec
	return rec
}

// evictLRULocked removes the least-recently-used record. Caller must
// hold r.mu. A session whose lock is currently held is skipped in
// favor of the next-oldest candidate, matching the reaper's
// lock-respecting eviction discipline.
func (r *Registry) evictLRULocked() {
	for e := r.lruOrder.Back(); e != nil; e = e.Prev() {
		rec := e.Value.(*Record)
		if rec.lock.TryLock() {
			rec.lock.Unlock()
			r.lruOrder.Remove(e)
			delete(r.byKey, rec.key)
			return
		}
	}
}

// Phase1Result carries what a worker needs out of the pre-inference
// critical section: the composed messages to send to the backend, plus
// an error if the session should short-circuit straight to reply
// publication (e.g. rate_limited).
type Phase1Result struct {
	Messages []llm.Message
	Err      error
}

// Phase1 runs compose under the session lock: enforce the rate limit,
// append the user turn, compose the full message list via composeFn,
// and copy it out. No I/O happens here — composeFn must be pure.
// Released before returning.
func (rec *Record) Phase1(userMessage string, systemPrompt string, policy RateLimitPolicy, composeFn func(systemPrompt string, dialog []llm.Message, newUserTurn string) []llm.Message) Phase1Result {
	rec.lock.Lock()
	defer rec.lock.Unlock()

	if err := rec.checkRateLimitLocked(policy); err != nil {
		return Phase1Result{Err: err}
	}

	// Compose against the dialog as it stood before this turn, then
	// persist the turn — composeFn appends newUserTurn itself, so
	// appending to rec.dialog first would duplicate it in the prompt.
	messages := composeFn(systemPrompt, rec.dialog, userMessage)
	rec.dialog = append(rec.dialog, llm.Message{Role: "user", Content: userMessage})

	return Phase1Result{Messages: messages}
}

// checkRateLimitLocked enforces the per-session fixed window: the
// counter resets once WindowDuration has passed since the window began.
// Caller must hold rec.lock.
func (rec *Record) checkRateLimitLocked(policy RateLimitPolicy) error {
	now := time.Now()
	if now.Sub(rec.windowStartAt) > policy.WindowDuration {
		rec.requestCountInWindow = 0
		rec.windowStartAt = now
	}
	rec.requestCountInWindow++
	if rec.requestCountInWindow > policy.MaxRequestsPerWindow {
		return gwerr.New(gwerr.KindRateLimited, "session exceeded request rate limit")
	}
	return nil
}

// Phase2 runs under the session lock after inference completes:
// appends the assistant turn, trims the dialog to budget via trimFn,
// and stamps last-use time.
func (rec *Record) Phase2(assistantReply string, maxHistoryTokens int, trimFn func(dialog []llm.Message, budget int) []llm.Message) {
	rec.lock.Lock()
	defer rec.lock.Unlock()

	rec.dialog = append(rec.dialog, llm.Message{Role: "assistant", Content: assistantReply})
	rec.dialog = trimFn(rec.dialog, maxHistoryTokens)
	rec.lastUsedAt = time.Now()
}

// Dialog returns a copy of the session's current dialog. Takes the
// session lock briefly; safe to call from outside the worker state
// machine (e.g. diagnostics).
func (rec *Record) Dialog() []llm.Message {
	rec.lock.Lock()
	defer rec.lock.Unlock()
	out := make([]llm.Message, len(rec.dialog))
	copy(out, rec.dialog)
	return out
}

// StartReaper launches the background idle-session sweep. Mirrors the
// ticker/WaitGroup/stopCh start-stop discipline used elsewhere for
// periodic background tasks: a running flag guarded by the registry
// lock prevents double-start, stopCh signals shutdown, and wg.Wait
// blocks StopReaper until the sweep goroutine has exited.
func (r *Registry) StartReaper() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.reapLoop()
}

// StopReaper signals the reaper goroutine to exit and waits for it.
func (r *Registry) StopReaper() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

// reapOnce removes sessions idle longer than sessionTimeout. A session
// whose lock is currently held is skipped and retried next tick, per
// spec: reaping never blocks on an in-progress request.
func (r *Registry) reapOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for e := r.lruOrder.Back(); e != nil; {
		prev := e.Prev()
		rec := e.Value.(*Record)

		if !rec.lock.TryLock() {
			e = prev
			continue
		}
		idle := now.Sub(rec.lastUsedAt) > r.sessionTimeout
		rec.lock.Unlock()

		if idle {
			r.lruOrder.Remove(e)
			delete(r.byKey, rec.key)
		}
		e = prev
	}
}

// Len reports the current number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}
