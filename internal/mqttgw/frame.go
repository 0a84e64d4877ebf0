package mqttgw

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/nugget/thane-gateway/internal/gwerr"
)

// Frame is the inbound request shape on a project's input topic.
// Unrecognized top-level fields are rejected rather than silently
// ignored — the reference frame schema has drifted between camelCase
// and snake_case across generations, and this gateway standardizes on
// the camelCase shape below.
type Frame struct {
	SessionID    string   `json:"sessionId"`
	Message      string   `json:"message"`
	RequestID    string   `json:"requestId,omitempty"`
	ReplyTopic   string   `json:"replyTopic,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"topP,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
}

// ParseFrame decodes payload into a Frame. A JSON object is decoded
// strictly: any field outside the recognized set is a bad_request
// rather than being silently dropped, so a snake_case or otherwise
// drifted frame surfaces as an error instead of silently losing data.
//
// If payload is not a JSON object, the whole payload is treated as the
// message body and fallbackSessionID (typically derived from a topic
// sub-segment by the caller) is used as the session id; if
// fallbackSessionID is empty, the frame is rejected.
func ParseFrame(payload []byte, fallbackSessionID string) (Frame, error) {
	trimmed := bytes.TrimSpace(payload)

	if len(trimmed) == 0 || trimmed[0] != '{' {
		if fallbackSessionID == "" {
			return Frame{}, gwerr.New(gwerr.KindBadRequest, "plain-text payload with no topic-derived session id")
		}
		return Frame{SessionID: fallbackSessionID, Message: string(payload)}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, gwerr.Wrap(gwerr.KindBadRequest, "malformed frame", err)
	}

	if f.SessionID == "" {
		return Frame{}, gwerr.New(gwerr.KindBadRequest, "missing sessionId")
	}
	if f.Message == "" {
		return Frame{}, gwerr.New(gwerr.KindBadRequest, "missing message")
	}

	return f, nil
}

// ReplyTopicFor expands a project's reply topic template, substituting
// {sessionId} with sessionID. If the frame specified an explicit
// ReplyTopic, callers should prefer that over this.
func ReplyTopicFor(template, sessionID string) string {
	return strings.ReplaceAll(template, "{sessionId}", sessionID)
}
