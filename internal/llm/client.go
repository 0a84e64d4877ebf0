package llm

import "context"

// Client is the gateway's interface to an inference backend.
type Client interface {
	// Generate sends dialog to the backend and returns the assistant's
	// reply text. Errors are classified via gwerr.Kind: transport,
	// HTTP-status, and decode failures are distinguished so callers can
	// build the right error reply.
	Generate(ctx context.Context, messages []Message, params Params) (string, error)

	// Ping checks backend reachability. Used at startup for a
	// non-fatal readiness log, not on the request hot path.
	Ping(ctx context.Context) error
}
