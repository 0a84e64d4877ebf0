package gateway

// Reply is the JSON body published back to a request's reply topic.
// Exactly one Reply is published per accepted request, whether it
// succeeded or failed at any stage of the worker state machine.
// Error replies carry the gwerr.Kind string in Error and a
// human-readable message in Detail, so a consumer can match on
// Error == "rate_limited" without parsing free text.
type Reply struct {
	Response  string `json:"response,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}
