// Package gateway wires the inference client, prompt composer, history
// trimmer, session registry, request queue, MQTT ingress/egress, and
// stats counters into the running gateway process: it owns the worker
// pool and the startup/shutdown sequence.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/thane-gateway/internal/config"
	"github.com/nugget/thane-gateway/internal/gwerr"
	"github.com/nugget/thane-gateway/internal/history"
	"github.com/nugget/thane-gateway/internal/llm"
	"github.com/nugget/thane-gateway/internal/mqttgw"
	"github.com/nugget/thane-gateway/internal/project"
	"github.com/nugget/thane-gateway/internal/prompt"
	"github.com/nugget/thane-gateway/internal/queue"
	"github.com/nugget/thane-gateway/internal/session"
	"github.com/nugget/thane-gateway/internal/stats"
)

// Controller wires C1-C9 together, runs the worker pool, and owns the
// startup/shutdown sequence.
type Controller struct {
	cfg *config.Config

	projects *project.Registry
	sessions *session.Registry
	queue    *queue.Queue
	slots    *queue.Slots
	backend  llm.Client
	gw       *mqttgw.Gateway
	stats    *stats.Stats
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New builds a Controller from a loaded config. It does not start the
// worker pool or connect to MQTT — call Run for that.
func New(cfg *config.Config, logger *slog.Logger) (*Controller, error) {
	projects, err := project.Load(cfg.Projects)
	if err != nil {
		return nil, fmt.Errorf("gateway: load projects: %w", err)
	}

	sessionRateLimit := session.RateLimitPolicy{
		MaxRequestsPerWindow: cfg.RateLimit.MaxRequestsPerWindow,
		WindowDuration:       cfg.RateLimit.WindowDuration,
	}
	sessions := session.New(
		cfg.Sessions.MaxConcurrentSessions,
		cfg.Sessions.SessionTimeout,
		cfg.Sessions.MaxHistoryTokens,
		cfg.Sessions.ReaperInterval,
		sessionRateLimit,
	)

	q := queue.New(cfg.Workers.QueueCapacity)
	slots := queue.NewSlots(cfg.Workers.InferenceSlots)
	backend := llm.NewBackend(cfg.Backend, cfg.Backend.Model, logger)

	c := &Controller{
		cfg:      cfg,
		projects: projects,
		sessions: sessions,
		queue:    q,
		slots:    slots,
		backend:  backend,
		stats:    stats.New(),
		logger:   logger.With("component", "gateway"),
	}

	c.gw = mqttgw.New(cfg.MQTT, projects, c.enqueue, mqttgw.RateLimitConfig{
		MaxMessagesPerInterval: cfg.RateLimit.MaxRequestsPerWindow * len(projects.Names()),
		Interval:               cfg.RateLimit.WindowDuration,
	}, logger)

	return c, nil
}

// enqueue stamps a request's deadline from the configured request TTL
// and hands it to the queue. Supplied to mqttgw so ingress never needs
// to know about worker-pool configuration.
func (c *Controller) enqueue(req queue.Request) error {
	req.Deadline = req.EnqueuedAt.Add(c.cfg.Workers.RequestTTL)
	return c.queue.TryEnqueue(req)
}

// Run executes the full startup sequence, blocks until ctx is
// cancelled, then runs the bounded shutdown sequence.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		c.logger.Warn("backend readiness ping failed; continuing, will retry on first request", "error", err)
	} else {
		c.logger.Info("backend ready")
	}

	c.sessions.StartReaper()
	defer c.sessions.StopReaper()

	statsCtx, cancelStats := context.WithCancel(context.Background())
	defer cancelStats()
	go c.stats.RunLogger(statsCtx, time.Minute, c.logger)

	for i := 0; i < c.cfg.Workers.NumWorkers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}

	if err := c.gw.Start(ctx); err != nil {
		c.queue.Close()
		c.wg.Wait()
		return fmt.Errorf("gateway: mqtt start: %w", err)
	}
	c.logger.Info("gateway running", "workers", c.cfg.Workers.NumWorkers, "inference_slots", c.cfg.Workers.InferenceSlots)

	<-ctx.Done()
	c.logger.Info("shutdown initiated")

	c.queue.Close()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		c.logger.Info("workers drained cleanly")
	case <-time.After(c.cfg.Workers.ShutdownDeadline):
		c.logger.Warn("shutdown deadline exceeded; proceeding with workers still in flight")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Workers.ShutdownDeadline)
	defer cancel()
	if err := c.gw.Stop(stopCtx); err != nil {
		c.logger.Warn("error disconnecting mqtt client", "error", err)
	}

	return nil
}

// workerLoop implements the IDLE -> DEQUEUED -> ... -> IDLE state
// machine for one worker goroutine, dequeuing until the queue is
// closed and drained or ctx is cancelled.
func (c *Controller) workerLoop(ctx context.Context, id int) {
	defer c.wg.Done()

	logger := c.logger.With("worker", id)
	for {
		req, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}
		c.handleRequest(ctx, logger, req)
	}
}

func (c *Controller) handleRequest(ctx context.Context, logger *slog.Logger, req queue.Request) {
	start := time.Now()
	c.stats.RecordRequest()

	if !req.Deadline.IsZero() && start.After(req.Deadline) {
		c.publishError(ctx, logger, req, gwerr.New(gwerr.KindTimeout, "request exceeded its queue TTL"), start)
		return
	}

	p, ok := c.projects.Lookup(req.ProjectName)
	if !ok {
		c.publishError(ctx, logger, req, gwerr.New(gwerr.KindInternal, "unknown project at dequeue time"), start)
		return
	}

	// SESSION_PREP
	rec := c.sessions.GetOrCreate(session.Key{Project: req.ProjectName, SessionID: req.SessionID})
	rateLimit := session.RateLimitPolicy{
		MaxRequestsPerWindow: c.cfg.RateLimit.MaxRequestsPerWindow,
		WindowDuration:       c.cfg.RateLimit.WindowDuration,
	}
	phase1 := rec.Phase1(req.UserMessage, req.SystemPrompt, rateLimit, prompt.Compose)
	if phase1.Err != nil {
		c.publishError(ctx, logger, req, phase1.Err, start)
		return
	}

	params := llm.Params{
		Temperature:    deref(req.Temperature, p.DefaultParams.Temperature),
		TopP:           deref(req.TopP, p.DefaultParams.TopP),
		MaxTokens:      derefInt(req.MaxTokens, p.DefaultParams.MaxTokens),
		EnableThinking: derefBool(req.EnableThinking, p.DefaultParams.EnableThinking),
	}

	inferCtx := ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		inferCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	// INFERENCE_WAIT
	if err := c.slots.Acquire(inferCtx); err != nil {
		c.publishError(ctx, logger, req, gwerr.Wrap(gwerr.KindTimeout, "timed out waiting for an inference slot", err), start)
		return
	}

	// INFERENCE_ACTIVE
	reply, err := c.backend.Generate(inferCtx, phase1.Messages, params)
	// INFERENCE_DONE
	c.slots.Release()

	if err != nil {
		c.publishError(ctx, logger, req, err, start)
		return
	}

	// SESSION_FINALIZE
	rec.Phase2(reply, c.cfg.Sessions.MaxHistoryTokens, history.Trim)

	c.stats.RecordInference(time.Since(start))

	// REPLY_PUBLISH
	c.publishReply(ctx, logger, req, Reply{
		Response:  reply,
		RequestID: req.RequestID,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (c *Controller) publishError(ctx context.Context, logger *slog.Logger, req queue.Request, err error, start time.Time) {
	c.stats.RecordError()
	kind := gwerr.KindOf(err)
	logger.Warn("request failed", "project", req.ProjectName, "session", req.SessionID, "kind", kind, "error", err)
	c.publishReply(ctx, logger, req, Reply{
		RequestID: req.RequestID,
		Error:     string(kind),
		Detail:    err.Error(),
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (c *Controller) publishReply(ctx context.Context, logger *slog.Logger, req queue.Request, reply Reply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := c.gw.Publish(ctx, req.ReplyTopic, payload); err != nil {
		logger.Warn("failed to publish reply", "topic", req.ReplyTopic, "error", err)
	}
}

func deref(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}

func derefInt(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func derefBool(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}
