// Package inbox is the authoritative store for switchboard requests: a
// partitioned append log with narrow lifecycle mutations. A record's
// immutable core (envelope, dedupe key, receipt time) is written once on
// ingest; only the lifecycle columns ever change afterwards.
package inbox

import (
	"encoding/json"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// Lifecycle states of an inbox record. completed and dead_lettered are
// terminal; failed is transient while retries remain.
const (
	StateAccepted     = "accepted"
	StateTriaged      = "triaged"
	StateClassifying  = "classifying"
	StateDispatching  = "dispatching"
	StateCompleted    = "completed"
	StateFailed       = "failed"
	StateDeadLettered = "dead_lettered"
)

// Message directions. notify.v1 traffic is logged into the same table with
// direction "outbound".
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// validTransitions encodes the lifecycle state machine. Terminal states have
// no successors, which is what makes regression impossible at the store
// level (the UPDATE is conditional on the current state).
var validTransitions = map[string][]string{
	StateAccepted:    {StateTriaged, StateFailed},
	StateTriaged:     {StateClassifying, StateDispatching, StateCompleted, StateFailed},
	StateClassifying: {StateDispatching, StateFailed},
	StateDispatching: {StateCompleted, StateFailed},
	StateFailed:      {StateDispatching, StateDeadLettered, StateCompleted},
}

// TransitionAllowed reports whether from -> to is a legal lifecycle move.
func TransitionAllowed(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func Terminal(state string) bool {
	return state == StateCompleted || state == StateDeadLettered
}

// DispatchOutcome records one target's result inside dispatch_outcomes.
type DispatchOutcome struct {
	Butler        string `json:"butler"`
	Success       bool   `json:"success"`
	DurationMS    int64  `json:"duration_ms"`
	ErrorCategory string `json:"error_category,omitempty"`
	HTTPStatus    int    `json:"http_status,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
}

// Record is one row of message_inbox.
type Record struct {
	RequestID     string
	ReceivedAt    time.Time
	Envelope      contract.Envelope
	DedupeKey     string
	SchemaVersion string
	Direction     string

	LifecycleState   string
	TriageOutcome    string
	Classification   json.RawMessage
	DispatchOutcomes []DispatchOutcome
	ProcessingMeta   map[string]string
}
