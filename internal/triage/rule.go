// Package triage evaluates deterministic pre-classification rules against
// inbound envelopes. Rules are pure functions of envelope fields; the first
// match wins under a strict (priority ASC, created_at ASC) order, which
// keeps decisions stable and prompt-cache friendly.
package triage

import (
	"strings"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// Action types a rule can produce. Actions are side-effect-free
// descriptors; the router executes them.
const (
	ActionShortCircuit     = "short_circuit_to"
	ActionBypassClassifier = "bypass_classifier_with"
	ActionEscalate         = "escalate"
	ActionDrop             = "drop"
)

// Condition operators.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpStartsWith = "starts_with"
	OpContains   = "contains"
	OpIn         = "in"
	OpExists     = "exists"
)

// Envelope fields addressable by conditions.
const (
	FieldChannel  = "channel"
	FieldProvider = "provider"
	FieldEndpoint = "endpoint_identity"
	FieldSender   = "sender"
	FieldText     = "text"
	FieldTier     = "policy_tier"
	FieldThread   = "external_thread_id"
)

// Condition is one predicate over an envelope field. All conditions of a
// rule must hold (AND).
type Condition struct {
	Field  string   `json:"field"`
	Op     string   `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Action is the structured outcome of a matching rule.
type Action struct {
	Type           string   `json:"type"`
	Target         string   `json:"target,omitempty"`
	PromptTemplate string   `json:"prompt_template,omitempty"`
	Targets        []string `json:"targets,omitempty"`
}

// Rule is a versioned, cached triage rule.
type Rule struct {
	ID         string
	Priority   int
	Conditions []Condition
	Action     Action
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Matches reports whether every condition of the rule holds for env.
func (r *Rule) Matches(env *contract.Envelope) bool {
	for _, c := range r.Conditions {
		if !c.eval(env) {
			return false
		}
	}
	return true
}

func (c *Condition) eval(env *contract.Envelope) bool {
	val := fieldValue(env, c.Field)
	switch c.Op {
	case OpEquals:
		return val == c.Value
	case OpNotEquals:
		return val != c.Value
	case OpStartsWith:
		return strings.HasPrefix(val, c.Value)
	case OpContains:
		return strings.Contains(val, c.Value)
	case OpIn:
		for _, v := range c.Values {
			if val == v {
				return true
			}
		}
		return false
	case OpExists:
		return val != ""
	}
	return false
}

func fieldValue(env *contract.Envelope, field string) string {
	switch field {
	case FieldChannel:
		return env.Source.Channel
	case FieldProvider:
		return env.Source.Provider
	case FieldEndpoint:
		return env.Source.EndpointIdentity
	case FieldSender:
		return env.Sender.Identity
	case FieldText:
		return env.Text()
	case FieldTier:
		return string(env.Tier())
	case FieldThread:
		return env.Event.ExternalThreadID
	}
	return ""
}
