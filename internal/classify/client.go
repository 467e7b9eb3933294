// Package classify calls the downstream classifier exactly once per request
// and turns its structured output into a routing decision. The classifier
// is a latency budget hazard: one attempt, bounded by a timeout, then a
// deterministic fallback to the default target.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/route"
)

// Client produces a routing decision for an envelope. Implementations make
// at most one remote call.
type Client interface {
	Classify(ctx context.Context, env *contract.Envelope, instructions []string) (*route.Decision, error)
}

// request is the classifier wire payload: the envelope plus any standing
// routing instructions, priority order preserved.
type request struct {
	Envelope     *contract.Envelope `json:"envelope"`
	Instructions []string           `json:"instructions,omitempty"`
}

// Budgets bounds the single classifier call per policy tier: realtime
// traffic cannot wait as long as bulk traffic can.
type Budgets struct {
	Default time.Duration
	ByTier  map[contract.PolicyTier]time.Duration
}

// DefaultBudgets returns the stock call budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Default: 5 * time.Second,
		ByTier: map[contract.PolicyTier]time.Duration{
			contract.TierRealtime: 2 * time.Second,
			contract.TierBulk:     10 * time.Second,
		},
	}
}

// For returns the call budget for one tier.
func (b Budgets) For(tier contract.PolicyTier) time.Duration {
	if d, ok := b.ByTier[tier]; ok && d > 0 {
		return d
	}
	if b.Default > 0 {
		return b.Default
	}
	return 5 * time.Second
}

// HTTPClient posts to a classifier endpoint and strictly decodes the
// decision it returns.
type HTTPClient struct {
	endpoint string
	budgets  Budgets
	httpc    *http.Client
}

// NewHTTPClient creates a classifier client. budgets bound the single call
// by the envelope's policy tier.
func NewHTTPClient(endpoint string, budgets Budgets) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		budgets:  budgets,
		httpc:    &http.Client{},
	}
}

// Classify makes the one-shot classifier call, bounded by the envelope
// tier's budget.
func (c *HTTPClient) Classify(ctx context.Context, env *contract.Envelope, instructions []string) (*route.Decision, error) {
	body, err := json.Marshal(request{Envelope: env, Instructions: instructions})
	if err != nil {
		return nil, fmt.Errorf("marshal classifier request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.budgets.For(env.Tier()))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, contract.Categorized(contract.Categorize(err), fmt.Errorf("classifier call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, contract.Categorized(contract.ErrDownstreamFailure,
			fmt.Errorf("classifier returned %d", resp.StatusCode))
	}

	dec := json.NewDecoder(resp.Body)
	dec.DisallowUnknownFields()
	var decision route.Decision
	if err := dec.Decode(&decision); err != nil {
		return nil, fmt.Errorf("parse_failure: %w", err)
	}
	decision.Normalize()
	decision.ParseSource = route.SourceClassifier
	if !decision.Valid() {
		return nil, fmt.Errorf("parse_failure: decision has no usable targets")
	}
	return &decision, nil
}

// Resolver wraps a Client with the fallback contract: classification never
// fails the request, it degrades to the default target.
type Resolver struct {
	client        Client
	defaultTarget string
	logger        *log.Logger
}

// NewResolver wires the fallback around a client. defaultTarget is usually
// "general".
func NewResolver(client Client, defaultTarget string) *Resolver {
	if defaultTarget == "" {
		defaultTarget = "general"
	}
	return &Resolver{
		client:        client,
		defaultTarget: defaultTarget,
		logger:        log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags),
	}
}

// Resolve returns the classifier's decision, or the fallback decision with
// parse_source "fallback" when the call failed or its output was unusable.
// The second return reports whether the fallback fired.
func (r *Resolver) Resolve(ctx context.Context, env *contract.Envelope, instructions []string) (*route.Decision, bool) {
	decision, err := r.client.Classify(ctx, env, instructions)
	if err == nil {
		return decision, false
	}

	r.logger.Printf("classifier unavailable (%v), falling back to %q", err, r.defaultTarget)
	return route.SingleTarget(r.defaultTarget, env.Text(), "fallback.v1", route.SourceFallback), true
}
