package triage

import (
	"context"
	"log"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// Decision is the structured outcome of triage for one envelope.
type Decision struct {
	Action Action
	RuleID string // empty for affinity pins and the no-match escalate
}

// Evaluator runs thread affinity and the cached rule walk for each
// envelope. It performs no I/O beyond the affinity lookup; rule conditions
// are pure functions of envelope fields.
type Evaluator struct {
	cache         *Cache
	affinity      Affinity
	allowAffinity bool
	logger        *log.Logger
}

// NewEvaluator wires a rule cache and an affinity map. Set allowAffinity
// false to disable thread pinning entirely.
func NewEvaluator(cache *Cache, affinity Affinity, allowAffinity bool) *Evaluator {
	return &Evaluator{
		cache:         cache,
		affinity:      affinity,
		allowAffinity: allowAffinity,
		logger:        log.New(log.Writer(), "[TRIAGE] ", log.LstdFlags),
	}
}

// Evaluate decides what to do with an envelope:
//  1. a live thread pin bypasses the classifier toward the last target,
//  2. otherwise the first matching rule's action wins,
//  3. no match escalates to the classifier.
//
// An affinity lookup failure degrades to the rule walk rather than failing
// the request.
func (e *Evaluator) Evaluate(ctx context.Context, env *contract.Envelope) Decision {
	if e.allowAffinity && e.affinity != nil {
		if key := env.ThreadKey(); key != "" {
			butler, ok, err := e.affinity.Lookup(ctx, key)
			if err != nil {
				e.logger.Printf("affinity lookup failed for %s: %v", key, err)
			} else if ok {
				return Decision{Action: Action{
					Type:    ActionBypassClassifier,
					Targets: []string{butler},
				}}
			}
		}
	}

	for i := range e.cache.Rules() {
		rule := &e.cache.Rules()[i]
		if rule.Matches(env) {
			return Decision{Action: rule.Action, RuleID: rule.ID}
		}
	}

	return Decision{Action: Action{Type: ActionEscalate}}
}
