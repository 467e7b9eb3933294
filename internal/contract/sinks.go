package contract

import "encoding/json"

// Schema versions for the outbound sink payloads.
const (
	SchemaRouteV1  = "route.v1"
	SchemaNotifyV1 = "notify.v1"
)

// RouteRequest is the route.v1 payload dispatched to a butler target.
type RouteRequest struct {
	SchemaVersion string            `json:"schema_version"`
	RequestID     string            `json:"request_id"`
	Target        string            `json:"target"`
	Prompt        string            `json:"prompt"`
	PromptVersion string            `json:"prompt_version"`
	Context       map[string]string `json:"context,omitempty"`
	DeadlineMS    int64             `json:"deadline_ms"`
	Attempt       int               `json:"attempt"`
}

// NotifyRequest is the notify.v1 payload a butler uses to push a message
// back out through a channel. The switchboard logs these as outbound inbox
// rows before handing them to the channel connector.
type NotifyRequest struct {
	SchemaVersion string            `json:"schema_version"`
	SourceButler  string            `json:"source_butler"`
	Channel       string            `json:"channel"`
	Recipient     string            `json:"recipient"`
	Message       string            `json:"message"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
}

// SinkResponse is the canonical reply from a route/notify sink.
type SinkResponse struct {
	Success       bool   `json:"success"`
	DurationMS    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
}

// AcceptResponse is returned to connectors on the ingest entry point.
type AcceptResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Duplicate bool   `json:"duplicate"`
	Deferred  bool   `json:"deferred,omitempty"`
}

// Marshal is a convenience helper for sink payloads.
func (r *RouteRequest) Marshal() ([]byte, error) { return json.Marshal(r) }

// Marshal serializes a notify.v1 payload.
func (n *NotifyRequest) Marshal() ([]byte, error) { return json.Marshal(n) }
