package mqttgw

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// projectRateLimiter tracks inbound message rates per project and
// drops messages once a project's input topic exceeds the configured
// threshold. This is a second line of defense in front of the request
// queue's own backpressure — it protects against a publisher flooding
// faster than the queue can even be checked, not a replacement for C5
// backpressure.
type projectRateLimiter struct {
	limit    int64
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[string]*rateCounter
}

type rateCounter struct {
	count   atomic.Int64
	dropped atomic.Int64
}

func newProjectRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *projectRateLimiter {
	return &projectRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
		counters: make(map[string]*rateCounter),
	}
}

// allow increments project's counter and reports whether the message
// is within the current interval's limit.
func (r *projectRateLimiter) allow(project string) bool {
	r.mu.Lock()
	c, ok := r.counters[project]
	if !ok {
		c = &rateCounter{}
		r.counters[project] = c
	}
	r.mu.Unlock()

	n := c.count.Add(1)
	if n > r.limit {
		c.dropped.Add(1)
		return false
	}
	return true
}

// start runs the periodic counter reset loop, logging a warning per
// project that dropped any messages in the interval just ended.
// Blocks until ctx is cancelled.
func (r *projectRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			snapshot := make(map[string]*rateCounter, len(r.counters))
			for k, v := range r.counters {
				snapshot[k] = v
			}
			r.mu.Unlock()

			for project, c := range snapshot {
				count := c.count.Swap(0)
				dropped := c.dropped.Swap(0)
				if dropped > 0 {
					r.logger.Warn("mqtt messages dropped due to per-project rate limit",
						"project", project,
						"received", count,
						"dropped", dropped,
						"interval", r.interval.String(),
						"limit", r.limit,
					)
				}
			}
		}
	}
}
