// Package mqttgw is the MQTT ingress/egress boundary of the gateway: it
// subscribes to each project's input topic, parses and validates
// inbound frames, hands accepted requests off to an injected enqueue
// function, and publishes replies back to the correlated reply topic.
package mqttgw

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/thane-gateway/internal/config"
	"github.com/nugget/thane-gateway/internal/gwerr"
	"github.com/nugget/thane-gateway/internal/project"
	"github.com/nugget/thane-gateway/internal/queue"
)

// statusOnline and statusOffline are the status values published (as
// {"status": ...}) to the gateway's liveness topic on connect and as
// the MQTT will message.
const (
	statusOnline  = "online"
	statusOffline = "offline"
	statusTopic   = "gateway/status"
)

// EnqueueFunc hands an accepted, parsed request off to the request
// queue. mqttgw does not depend on the queue's internal wiring beyond
// this function and the Request type, so the controller that owns the
// queue supplies it at construction time.
type EnqueueFunc func(queue.Request) error

// Gateway owns the MQTT connection and the subscribe/publish surface
// for every configured project.
type Gateway struct {
	cfg      config.MQTTConfig
	projects *project.Registry
	enqueue  EnqueueFunc
	logger   *slog.Logger

	rateLimiter *projectRateLimiter

	mu   sync.Mutex
	conn *autopaho.ConnectionManager
}

// New builds a Gateway. It does not connect until Start is called.
func New(cfg config.MQTTConfig, projects *project.Registry, enqueue EnqueueFunc, rateLimit RateLimitConfig, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:         cfg,
		projects:    projects,
		enqueue:     enqueue,
		logger:      logger.With("component", "mqttgw"),
		rateLimiter: newProjectRateLimiter(int64(rateLimit.MaxMessagesPerInterval), rateLimit.Interval, logger.With("component", "mqttgw.ratelimit")),
	}
}

// RateLimitConfig bounds inbound message rate per project independent
// of the per-session rate limiting enforced later by the session
// registry; this one guards the MQTT ingress path itself.
type RateLimitConfig struct {
	MaxMessagesPerInterval int
	Interval               time.Duration
}

// Start connects to the broker and subscribes to every project's
// input topic. It waits up to 30 seconds for the initial connection;
// if the connection is not up by then, it logs a warning and returns
// nil while autopaho keeps retrying in the background.
func (g *Gateway) Start(ctx context.Context) error {
	serverURL, err := g.brokerURL()
	if err != nil {
		return fmt.Errorf("mqttgw: %w", err)
	}

	willPayload, _ := json.Marshal(statusPayload{Status: statusOffline})

	clientCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{serverURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			g.logger.Info("mqtt connection established", "broker", g.cfg.Broker)
			if err := g.subscribeAll(cm); err != nil {
				g.logger.Error("failed to (re)subscribe after connect", "error", err)
				return
			}
			g.publishStatus(cm, statusOnline)
		},
		OnConnectError: func(err error) {
			g.logger.Warn("mqtt connection attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: g.cfg.ClientID,
		},
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			QoS:     1,
			Retain:  true,
			Payload: willPayload,
		},
	}

	if g.cfg.Username != "" {
		clientCfg.ConnectUsername = g.cfg.Username
		clientCfg.ConnectPassword = []byte(g.cfg.Password)
	}

	if serverURL.Scheme == "mqtts" || serverURL.Scheme == "ssl" {
		clientCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	conn, err := autopaho.NewConnection(ctx, clientCfg)
	if err != nil {
		return fmt.Errorf("mqttgw: connect: %w", err)
	}

	// autopaho does not automatically re-deliver handler registration
	// across reconnects; AddOnPublishReceived attaches once for the
	// life of the ConnectionManager.
	conn.AddOnPublishReceived(g.onPublishReceived)

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	go g.rateLimiter.start(ctx)

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := conn.AwaitConnection(connCtx); err != nil {
		g.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes the offline status and disconnects cleanly.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		return nil
	}
	g.publishStatus(conn, statusOffline)
	return conn.Disconnect(ctx)
}

func (g *Gateway) subscribeAll(cm *autopaho.ConnectionManager) error {
	var subs []paho.SubscribeOptions
	for _, name := range g.projects.Names() {
		p, _ := g.projects.Lookup(name)
		subs = append(subs, paho.SubscribeOptions{Topic: p.InputTopic, QoS: 1})
	}
	if len(subs) == 0 {
		return nil
	}
	_, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: subs})
	return err
}

func (g *Gateway) publishStatus(cm *autopaho.ConnectionManager, status string) {
	payload, _ := json.Marshal(statusPayload{Status: status})
	_, err := cm.Publish(context.Background(), &paho.Publish{
		Topic:   statusTopic,
		QoS:     1,
		Retain:  true,
		Payload: payload,
	})
	if err != nil {
		g.logger.Warn("failed to publish gateway status", "status", status, "error", err)
	}
}

type statusPayload struct {
	Status string `json:"status"`
}

// onPublishReceived dispatches one inbound MQTT message. It recovers
// from panics in frame handling so a single malformed message cannot
// take down the connection's receive loop.
func (g *Gateway) onPublishReceived(pr autopaho.PublishReceived) (bool, error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic while handling mqtt message", "panic", r, "topic", pr.Packet.Topic)
		}
	}()

	projectName, ok := g.projectForTopic(pr.Packet.Topic)
	if !ok {
		g.logger.Debug("received message on unrecognized topic", "topic", pr.Packet.Topic)
		return true, nil
	}

	if !g.rateLimiter.allow(projectName) {
		return true, nil
	}

	p, _ := g.projects.Lookup(projectName)

	// The input topic's own last segment is not a session id; only a
	// topic below it carries one.
	fallbackSessionID := ""
	if strings.HasPrefix(pr.Packet.Topic, p.InputTopic+"/") {
		fallbackSessionID = fallbackSessionIDFromTopic(pr.Packet.Topic)
	}
	frame, err := ParseFrame(pr.Packet.Payload, fallbackSessionID)
	if err != nil {
		g.logger.Warn("rejected malformed frame", "project", projectName, "error", err)
		return true, nil
	}

	replyTopic := frame.ReplyTopic
	if replyTopic == "" {
		replyTopic = ReplyTopicFor(p.ReplyTopicTemplate, frame.SessionID)
	}

	requestID := frame.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	systemPrompt := frame.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = p.SystemPrompt
	}

	now := time.Now()
	req := queue.Request{
		ProjectName:    projectName,
		SessionID:      frame.SessionID,
		UserMessage:    frame.Message,
		ReplyTopic:     replyTopic,
		RequestID:      requestID,
		SystemPrompt:   systemPrompt,
		Temperature:    coalesce(frame.Temperature, p.DefaultParams.Temperature),
		TopP:           coalesce(frame.TopP, p.DefaultParams.TopP),
		MaxTokens:      coalesceInt(frame.MaxTokens, p.DefaultParams.MaxTokens),
		EnableThinking: &p.DefaultParams.EnableThinking,
		EnqueuedAt:     now,
	}

	if err := g.enqueue(req); err != nil {
		g.logger.Warn("dropped request", "project", projectName, "session", frame.SessionID, "kind", gwerr.KindOf(err), "error", err)
		g.publishEnqueueError(replyTopic, requestID, err)
		return true, nil
	}

	return true, nil
}

// publishEnqueueError sends a best-effort error reply when a request is
// rejected before it ever reaches the queue (e.g. backpressure). The
// reply topic and request id are already resolved by the caller, so the
// only way this can silently fail is a broken or not-yet-established
// MQTT connection, which is logged rather than retried.
func (g *Gateway) publishEnqueueError(replyTopic, requestID string, err error) {
	payload, merr := json.Marshal(errorReply{
		Error:     string(gwerr.KindOf(err)),
		Detail:    err.Error(),
		RequestID: requestID,
	})
	if merr != nil {
		g.logger.Error("failed to marshal backpressure reply", "error", merr)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if perr := g.Publish(pubCtx, replyTopic, payload); perr != nil {
		g.logger.Warn("failed to publish backpressure reply", "topic", replyTopic, "error", perr)
	}
}

// errorReply mirrors the gateway's error reply shape (internal/gateway.Reply)
// for the one path where mqttgw must publish a reply itself, before a
// request ever reaches the controller.
type errorReply struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func coalesce(v *float64, fallback float64) *float64 {
	if v != nil {
		return v
	}
	return &fallback
}

func coalesceInt(v *int, fallback int) *int {
	if v != nil {
		return v
	}
	return &fallback
}

// projectForTopic matches a received topic against each project's
// configured input topic.
func (g *Gateway) projectForTopic(topic string) (string, bool) {
	for _, name := range g.projects.Names() {
		p, _ := g.projects.Lookup(name)
		if p.InputTopic == topic {
			return name, true
		}
	}
	return "", false
}

// fallbackSessionIDFromTopic extracts a trailing topic segment to use
// as a session id when the payload is plain text rather than a JSON
// frame, e.g. "myproject/user_input/abc123" -> "abc123".
func fallbackSessionIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// Publish sends a reply payload to topic at QoS 1.
func (g *Gateway) Publish(ctx context.Context, topic string, payload []byte) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		return gwerr.New(gwerr.KindInternal, "mqtt connection not established")
	}
	_, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	if err != nil {
		return gwerr.Wrap(gwerr.KindPublishFailed, "publish reply", err)
	}
	return nil
}

func (g *Gateway) brokerURL() (*url.URL, error) {
	raw := g.cfg.Broker
	if !strings.Contains(raw, "://") {
		raw = fmt.Sprintf("mqtt://%s:%d", raw, g.cfg.Port)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	return u, nil
}
