package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/thane-gateway/internal/config"
	"github.com/nugget/thane-gateway/internal/gwerr"
	"github.com/nugget/thane-gateway/internal/httpkit"
)

// responseHeaderTimeout is generous because local llama.cpp/vLLM
// backends can take tens of seconds to produce a first token on a cold
// model load.
const responseHeaderTimeout = 5 * time.Minute

// Backend is the OpenAI-compatible chat-completion client. It POSTs to
// <baseURL>/v1/chat/completions and parses choices[0].message.content.
type Backend struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewBackend builds a Backend client for the given base URL (e.g.
// "http://localhost:8000") and model name.
func NewBackend(cfg config.BackendConfig, model string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}

	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = responseHeaderTimeout

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	client := httpkit.NewClient(
		httpkit.WithTimeout(timeout),
		httpkit.WithTransport(transport),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)

	return &Backend{
		baseURL:    cfg.URL,
		model:      model,
		httpClient: client,
		logger:     logger.With("component", "llm"),
	}
}

// chatRequest is the wire body for POST /v1/chat/completions.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
	ExtraBody   extraBody `json:"extra_body"`
}

type extraBody struct {
	EnableThinking bool `json:"enable_thinking"`
}

// chatResponse is the subset of the OpenAI chat-completion response
// shape the gateway actually consumes.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Generate implements Client.
func (b *Backend) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	reqBody := chatRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stream:      false,
		ExtraBody:   extraBody{EnableThinking: params.EnableThinking},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindInternal, "marshal chat request", err)
	}

	b.logger.Log(ctx, config.LevelTrace, "chat request", "payload", string(payload))
	b.logger.Debug("chat request",
		"model", b.model,
		"messages", len(messages),
		"max_tokens", params.MaxTokens,
	)

	url := b.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindInternal, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return "", gwerr.Wrap(gwerr.KindTimeout, "chat request cancelled or deadline exceeded", ctx.Err())
		}
		return "", gwerr.Wrap(gwerr.KindBackendTransport, "chat request transport failure", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return "", gwerr.New(gwerr.KindBackendHTTP,
			fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", gwerr.Wrap(gwerr.KindBackendDecode, "decode chat response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", gwerr.New(gwerr.KindBackendDecode, "chat response has no choices")
	}

	content := parsed.Choices[0].Message.Content

	b.logger.Debug("chat response",
		"model", b.model,
		"elapsed", elapsed,
		"content_len", len(content),
	)

	return content, nil
}

// Ping implements Client. It performs a GET against /v1/models, the
// OpenAI convention for a lightweight reachability check.
func (b *Backend) Ping(ctx context.Context) error {
	url := b.baseURL + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.KindInternal, "build ping request", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return gwerr.Wrap(gwerr.KindBackendTransport, "ping transport failure", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gwerr.New(gwerr.KindBackendHTTP, fmt.Sprintf("ping returned status %d", resp.StatusCode))
	}
	return nil
}
