package mqttgw

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/thane-gateway/internal/config"
	"github.com/nugget/thane-gateway/internal/gwerr"
	"github.com/nugget/thane-gateway/internal/project"
	"github.com/nugget/thane-gateway/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingHandler records every log record so tests can assert on
// messages logged deep inside gateway internals (e.g. a best-effort
// publish failure) without parsing text output.
type capturingHandler struct {
	mu   sync.Mutex
	recs []slog.Record
}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, r)
	return nil
}

func (h *capturingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *capturingHandler) WithGroup(string) slog.Handler      { return h }

func (h *capturingHandler) records() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]slog.Record(nil), h.recs...)
}

func testRegistry(t *testing.T) *project.Registry {
	t.Helper()
	reg, err := project.Load([]config.ProjectConfig{
		{
			Name:               "chatbot",
			SystemPrompt:       "be helpful",
			InputTopic:         "chatbot/user_input",
			ReplyTopicTemplate: "chatbot/assistant_response/{sessionId}",
			Defaults: config.GenParams{
				Temperature:    floatPtr(0.5),
				TopP:           floatPtr(0.9),
				MaxTokens:      intPtr(256),
				EnableThinking: boolPtr(false),
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error building registry: %v", err)
	}
	return reg
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func boolPtr(b bool) *bool        { return &b }

func newTestGateway(t *testing.T, enqueue EnqueueFunc) *Gateway {
	t.Helper()
	return New(
		config.MQTTConfig{Broker: "localhost", Port: 1883, ClientID: "test"},
		testRegistry(t),
		enqueue,
		RateLimitConfig{MaxMessagesPerInterval: 100, Interval: time.Second},
		testLogger(),
	)
}

func publishReceived(topic string, payload []byte) autopaho.PublishReceived {
	return autopaho.PublishReceived{
		Packet: &paho.Publish{Topic: topic, Payload: payload},
	}
}

func TestOnPublishReceived_EnqueuesAcceptedFrame(t *testing.T) {
	var got queue.Request
	enqueued := false
	g := newTestGateway(t, func(r queue.Request) error {
		got = r
		enqueued = true
		return nil
	})

	_, err := g.onPublishReceived(publishReceived("chatbot/user_input", []byte(`{"sessionId":"s1","message":"hi"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !enqueued {
		t.Fatal("expected request to be enqueued")
	}
	if got.ProjectName != "chatbot" || got.SessionID != "s1" || got.UserMessage != "hi" {
		t.Errorf("got %+v", got)
	}
	if got.ReplyTopic != "chatbot/assistant_response/s1" {
		t.Errorf("ReplyTopic = %q", got.ReplyTopic)
	}
	if got.SystemPrompt != "be helpful" {
		t.Errorf("SystemPrompt = %q, want project default", got.SystemPrompt)
	}
	if got.RequestID == "" {
		t.Error("expected a generated RequestID")
	}
}

func TestOnPublishReceived_ExplicitReplyTopicHonored(t *testing.T) {
	var got queue.Request
	g := newTestGateway(t, func(r queue.Request) error {
		got = r
		return nil
	})

	payload := []byte(`{"sessionId":"s1","message":"hi","replyTopic":"custom/topic"}`)
	g.onPublishReceived(publishReceived("chatbot/user_input", payload))

	if got.ReplyTopic != "custom/topic" {
		t.Errorf("ReplyTopic = %q, want custom/topic", got.ReplyTopic)
	}
}

func TestOnPublishReceived_UnrecognizedTopicIgnored(t *testing.T) {
	enqueued := false
	g := newTestGateway(t, func(r queue.Request) error {
		enqueued = true
		return nil
	})

	g.onPublishReceived(publishReceived("unknown/topic", []byte(`{"sessionId":"s1","message":"hi"}`)))
	if enqueued {
		t.Error("expected no enqueue for unrecognized topic")
	}
}

func TestOnPublishReceived_MalformedFrameDropped(t *testing.T) {
	enqueued := false
	g := newTestGateway(t, func(r queue.Request) error {
		enqueued = true
		return nil
	})

	g.onPublishReceived(publishReceived("chatbot/user_input", []byte(`not json and no fallback`)))
	if enqueued {
		t.Error("expected malformed/unfallback-able frame to be dropped, not enqueued")
	}
}

func TestOnPublishReceived_BackpressurePublishesErrorReplyAndDoesNotPropagateError(t *testing.T) {
	h := &capturingHandler{}
	logger := slog.New(h)
	g := New(
		config.MQTTConfig{Broker: "localhost", Port: 1883, ClientID: "test"},
		testRegistry(t),
		func(r queue.Request) error {
			return gwerr.New(gwerr.KindBackpressure, "queue full")
		},
		RateLimitConfig{MaxMessagesPerInterval: 100, Interval: time.Second},
		logger,
	)

	_, err := g.onPublishReceived(publishReceived("chatbot/user_input", []byte(`{"sessionId":"s1","message":"hi"}`)))
	if err != nil {
		t.Fatalf("expected nil error even when enqueue is rejected, got %v", err)
	}

	// No MQTT connection exists in this test (Start was never called),
	// so the best-effort publish attempt itself fails; its failure being
	// logged is evidence the attempt was made, per spec's requirement of
	// exactly one backpressure error reply.
	found := false
	for _, r := range h.records() {
		if r.Message == "failed to publish backpressure reply" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a best-effort backpressure error reply publish attempt to be logged")
	}
}

func TestOnPublishReceived_RateLimiterDropsExcess(t *testing.T) {
	count := 0
	g := New(
		config.MQTTConfig{Broker: "localhost", Port: 1883, ClientID: "test"},
		testRegistry(t),
		func(r queue.Request) error { count++; return nil },
		RateLimitConfig{MaxMessagesPerInterval: 1, Interval: time.Minute},
		testLogger(),
	)

	payload := []byte(`{"sessionId":"s1","message":"hi"}`)
	g.onPublishReceived(publishReceived("chatbot/user_input", payload))
	g.onPublishReceived(publishReceived("chatbot/user_input", payload))

	if count != 1 {
		t.Errorf("expected exactly one enqueue under rate limit of 1, got %d", count)
	}
}

func TestOnPublishReceived_PanicInHandlerRecovered(t *testing.T) {
	g := newTestGateway(t, func(r queue.Request) error {
		panic("boom")
	})

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic escaped onPublishReceived: %v", r)
		}
	}()
	g.onPublishReceived(publishReceived("chatbot/user_input", []byte(`{"sessionId":"s1","message":"hi"}`)))
}

func TestPublish_WithoutConnectionReturnsInternalError(t *testing.T) {
	g := newTestGateway(t, nil)
	err := g.Publish(context.Background(), "some/topic", []byte("x"))
	if gwerr.KindOf(err) != gwerr.KindInternal {
		t.Fatalf("expected internal error before Start, got %v", err)
	}
}

func TestFallbackSessionIDFromTopic(t *testing.T) {
	cases := map[string]string{
		"chatbot/user_input/abc123": "abc123",
		"abc123":                    "",
		"a/b/c/d":                   "d",
	}
	for topic, want := range cases {
		if got := fallbackSessionIDFromTopic(topic); got != want {
			t.Errorf("fallbackSessionIDFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}
