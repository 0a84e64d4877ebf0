package session

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/thane-gateway/internal/gwerr"
	"github.com/nugget/thane-gateway/internal/history"
	"github.com/nugget/thane-gateway/internal/llm"
	"github.com/nugget/thane-gateway/internal/prompt"
)

func newTestRegistry(maxSessions int, timeout time.Duration) *Registry {
	return New(maxSessions, timeout, 4096, time.Hour, RateLimitPolicy{
		MaxRequestsPerWindow: 1000,
		WindowDuration:       time.Minute,
	})
}

func TestGetOrCreate_SameKeyReturnsSameRecord(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	key := Key{Project: "p", SessionID: "s1"}

	a := r.GetOrCreate(key)
	b := r.GetOrCreate(key)
	if a != b {
		t.Fatal("expected GetOrCreate to return the same record for the same key")
	}
}

func TestGetOrCreate_EvictsLRUAtCapacity(t *testing.T) {
	r := newTestRegistry(2, time.Hour)

	r.GetOrCreate(Key{Project: "p", SessionID: "s1"})
	r.GetOrCreate(Key{Project: "p", SessionID: "s2"})
	// Touch s1 so it's most-recently-used, leaving s2 as LRU.
	r.GetOrCreate(Key{Project: "p", SessionID: "s1"})
	r.GetOrCreate(Key{Project: "p", SessionID: "s3"})

	if r.Len() != 2 {
		t.Fatalf("expected registry capped at 2 sessions, got %d", r.Len())
	}

	r.mu.Lock()
	_, hasS2 := r.byKey[Key{Project: "p", SessionID: "s2"}]
	_, hasS1 := r.byKey[Key{Project: "p", SessionID: "s1"}]
	r.mu.Unlock()

	if hasS2 {
		t.Error("expected least-recently-used session s2 to be evicted")
	}
	if !hasS1 {
		t.Error("expected recently-touched session s1 to survive eviction")
	}
}

func TestPhase1_AppendsUserTurnWithoutDuplication(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	rec := r.GetOrCreate(Key{Project: "p", SessionID: "s1"})

	res := rec.Phase1("hello", "be nice", RateLimitPolicy{MaxRequestsPerWindow: 10, WindowDuration: time.Minute}, prompt.Compose)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	want := []llm.Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hello"},
	}
	if len(res.Messages) != len(want) {
		t.Fatalf("Messages = %+v, want %+v", res.Messages, want)
	}
	for i := range want {
		if res.Messages[i] != want[i] {
			t.Errorf("Messages[%d] = %+v, want %+v", i, res.Messages[i], want[i])
		}
	}

	dialog := rec.Dialog()
	if len(dialog) != 1 || dialog[0].Content != "hello" {
		t.Errorf("expected dialog to contain exactly the new user turn, got %+v", dialog)
	}
}

func TestPhase2_AppendsAssistantTurnAndTrims(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	rec := r.GetOrCreate(Key{Project: "p", SessionID: "s1"})

	rec.Phase1("hi", "", RateLimitPolicy{MaxRequestsPerWindow: 10, WindowDuration: time.Minute}, prompt.Compose)
	rec.Phase2("hello there", 4096, history.Trim)

	dialog := rec.Dialog()
	if len(dialog) != 2 {
		t.Fatalf("expected 2 turns after phase2, got %d", len(dialog))
	}
	if dialog[1].Role != "assistant" || dialog[1].Content != "hello there" {
		t.Errorf("dialog[1] = %+v, want assistant turn", dialog[1])
	}
}

func TestPhase1_RateLimitExceeded(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	rec := r.GetOrCreate(Key{Project: "p", SessionID: "s1"})
	policy := RateLimitPolicy{MaxRequestsPerWindow: 2, WindowDuration: time.Minute}

	rec.Phase1("a", "", policy, prompt.Compose)
	rec.Phase1("b", "", policy, prompt.Compose)
	res := rec.Phase1("c", "", policy, prompt.Compose)

	if res.Err == nil {
		t.Fatal("expected rate limit error on third request within window")
	}
	if gwerr.KindOf(res.Err) != gwerr.KindRateLimited {
		t.Errorf("kind = %v, want %v", gwerr.KindOf(res.Err), gwerr.KindRateLimited)
	}
}

func TestPhase1_RateLimitResetsAfterWindow(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	rec := r.GetOrCreate(Key{Project: "p", SessionID: "s1"})
	policy := RateLimitPolicy{MaxRequestsPerWindow: 1, WindowDuration: 10 * time.Millisecond}

	rec.Phase1("a", "", policy, prompt.Compose)
	time.Sleep(20 * time.Millisecond)
	res := rec.Phase1("b", "", policy, prompt.Compose)

	if res.Err != nil {
		t.Fatalf("expected rate limit to reset after window elapses, got: %v", res.Err)
	}
}

// TestConcurrentSameSessionNoDeadlock exercises the documented open
// question: concurrent requests against one session may interleave,
// but must never deadlock or corrupt the dialog's append-only
// invariant.
func TestConcurrentSameSessionNoDeadlock(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	rec := r.GetOrCreate(Key{Project: "p", SessionID: "s1"})
	policy := RateLimitPolicy{MaxRequestsPerWindow: 1000, WindowDuration: time.Minute}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec.Phase1("msg", "", policy, prompt.Compose)
			rec.Phase2("reply", 1_000_000, history.Trim)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent same-session requests deadlocked")
	}

	dialog := rec.Dialog()
	if len(dialog) != 40 {
		t.Errorf("expected 40 turns (20 pairs), got %d", len(dialog))
	}
}

func TestReaper_EvictsIdleSessions(t *testing.T) {
	r := New(10, 10*time.Millisecond, 4096, 5*time.Millisecond, RateLimitPolicy{
		MaxRequestsPerWindow: 10, WindowDuration: time.Minute,
	})
	r.GetOrCreate(Key{Project: "p", SessionID: "idle"})

	r.StartReaper()
	defer r.StopReaper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected idle session to be reaped")
}

func TestReaper_SkipsLockedSession(t *testing.T) {
	r := New(10, 1*time.Millisecond, 4096, 5*time.Millisecond, RateLimitPolicy{
		MaxRequestsPerWindow: 10, WindowDuration: time.Minute,
	})
	rec := r.GetOrCreate(Key{Project: "p", SessionID: "busy"})

	rec.lock.Lock()
	r.StartReaper()

	time.Sleep(50 * time.Millisecond)
	if r.Len() != 1 {
		rec.lock.Unlock()
		r.StopReaper()
		t.Fatal("expected reaper to skip a session whose lock is held")
	}
	rec.lock.Unlock()
	r.StopReaper()
}
