// Package contract defines the canonical message shapes exchanged at the
// switchboard boundary: the inbound ingest.v1 envelope and the outbound
// route.v1 / notify.v1 sink payloads.
//
// Envelopes are immutable once parsed. Validation is strict: unknown fields
// are rejected so that a new schema_version is the only extension point.
package contract

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// SchemaIngestV1 is the only inbound schema version this core accepts.
const SchemaIngestV1 = "ingest.v1"

// PolicyTier is the scheduling class of a request. It controls queue
// priority, rate limits, and timeout budgets.
type PolicyTier string

const (
	TierRealtime PolicyTier = "realtime"
	TierDefault  PolicyTier = "default"
	TierBulk     PolicyTier = "bulk"
)

// Valid reports whether the tier is one of the known scheduling classes.
func (t PolicyTier) Valid() bool {
	switch t {
	case TierRealtime, TierDefault, TierBulk:
		return true
	}
	return false
}

// Source identifies where an envelope entered the system.
type Source struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// Event carries the external event coordinates. (Channel, ExternalEventID)
// uniquely identifies an inbound event at its source.
type Event struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Sender describes the external principal that produced the event.
type Sender struct {
	Identity string   `json:"identity"`
	Display  string   `json:"display,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Attachment is an opaque reference to binary content carried alongside the
// message body. The core never dereferences attachments.
type Attachment struct {
	Kind string `json:"kind"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Payload holds the message content. Raw is the untouched provider payload;
// NormalizedText is the connector's best-effort plain-text rendering.
type Payload struct {
	Raw            json.RawMessage `json:"raw"`
	NormalizedText string          `json:"normalized_text,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
}

// Control carries per-request policy knobs set by the connector.
type Control struct {
	PolicyTier PolicyTier `json:"policy_tier"`
}

// Envelope is the canonical ingest.v1 boundary object. Immutable after
// ParseEnvelope returns.
type Envelope struct {
	SchemaVersion string  `json:"schema_version"`
	Source        Source  `json:"source"`
	Event         Event   `json:"event"`
	Sender        Sender  `json:"sender"`
	Payload       Payload `json:"payload"`
	Control       Control `json:"control"`
}

// Text returns the normalized text of the envelope, falling back to the raw
// payload when the connector supplied none.
func (e *Envelope) Text() string {
	if e.Payload.NormalizedText != "" {
		return e.Payload.NormalizedText
	}
	return string(e.Payload.Raw)
}

// ThreadKey returns the affinity key for this envelope, or "" when the
// source carries no thread identity.
func (e *Envelope) ThreadKey() string {
	if e.Event.ExternalThreadID == "" {
		return ""
	}
	return e.Source.Channel + ":" + e.Event.ExternalThreadID
}

// ParseEnvelope decodes and validates an ingest.v1 envelope from r.
// Unknown fields anywhere in the document are a validation error.
func ParseEnvelope(r io.Reader) (*Envelope, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &ValidationError{Field: "envelope", Reason: err.Error()}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	env.normalize()
	return &env, nil
}

// Validate checks required fields and the schema version. It does not
// mutate the envelope.
func (e *Envelope) Validate() error {
	if e.SchemaVersion != SchemaIngestV1 {
		return &ValidationError{Field: "schema_version", Reason: fmt.Sprintf("unsupported version %q", e.SchemaVersion)}
	}
	if e.Source.Channel == "" {
		return &ValidationError{Field: "source.channel", Reason: "required"}
	}
	if e.Source.EndpointIdentity == "" {
		return &ValidationError{Field: "source.endpoint_identity", Reason: "required"}
	}
	if e.Event.ExternalEventID == "" {
		return &ValidationError{Field: "event.external_event_id", Reason: "required"}
	}
	if e.Event.ObservedAt.IsZero() {
		return &ValidationError{Field: "event.observed_at", Reason: "required"}
	}
	if e.Sender.Identity == "" {
		return &ValidationError{Field: "sender.identity", Reason: "required"}
	}
	if e.Control.PolicyTier != "" && !e.Control.PolicyTier.Valid() {
		return &ValidationError{Field: "control.policy_tier", Reason: fmt.Sprintf("unknown tier %q", e.Control.PolicyTier)}
	}
	return nil
}

// normalize lowercases channel/provider identifiers and defaults the policy
// tier. Receipt order is preserved by the store; observed_at may arrive out
// of order.
func (e *Envelope) normalize() {
	e.Source.Channel = strings.ToLower(strings.TrimSpace(e.Source.Channel))
	e.Source.Provider = strings.ToLower(strings.TrimSpace(e.Source.Provider))
	if e.Control.PolicyTier == "" {
		e.Control.PolicyTier = TierDefault
	}
}

// Tier returns the effective policy tier of the envelope.
func (e *Envelope) Tier() PolicyTier {
	if e.Control.PolicyTier.Valid() {
		return e.Control.PolicyTier
	}
	return TierDefault
}
