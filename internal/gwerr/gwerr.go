// Package gwerr defines the gateway's error-kind taxonomy. Kinds are
// enumerated values rather than Go error types per call site, so every
// layer (MQTT ingress, queue, session, backend client) can classify a
// failure the same way when deciding whether to reply, log, or drop.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure for reply construction and logging.
type Kind string

const (
	// KindBadRequest covers malformed or incomplete inbound frames.
	KindBadRequest Kind = "bad_request"
	// KindBackpressure means the request queue was at capacity.
	KindBackpressure Kind = "backpressure"
	// KindRateLimited means the session exceeded its per-window quota.
	KindRateLimited Kind = "rate_limited"
	// KindTimeout means the request exceeded its TTL or inference deadline.
	KindTimeout Kind = "timeout"
	// KindBackendTransport covers connection/DNS/socket failures to the backend.
	KindBackendTransport Kind = "backend_transport"
	// KindBackendHTTP means the backend responded with a non-2xx status.
	KindBackendHTTP Kind = "backend_http"
	// KindBackendDecode means the backend's response body was malformed
	// or missing expected fields.
	KindBackendDecode Kind = "backend_decode"
	// KindPublishFailed means an MQTT publish returned failure.
	KindPublishFailed Kind = "publish_failed"
	// KindInternal covers unexpected programmer errors.
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a Kind so callers can classify
// it without type assertions or sentinel comparisons.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error classifying an existing error under kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *gwerr.Error,
// defaulting to KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
