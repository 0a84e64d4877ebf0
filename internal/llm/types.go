// Package llm implements the gateway's client for an OpenAI-compatible
// chat-completion backend (llama.cpp server, vLLM, or similar).
package llm

// Message is one turn of a chat dialog, in the shape the backend's
// /v1/chat/completions endpoint expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params carries per-request generation parameters. All fields are
// required by the time a Generate call is made — the caller (the
// gateway controller) is responsible for layering request overrides
// over project defaults before this point.
type Params struct {
	Temperature    float64
	TopP           float64
	MaxTokens      int
	EnableThinking bool
}
