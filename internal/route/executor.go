package route

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/inbox"
	"github.com/butlerfleet/switchboard/internal/registry"
	"github.com/butlerfleet/switchboard/internal/reliability"
)

// Heartbeat marks a butler as alive after a successful dispatch.
type Heartbeat interface {
	Heartbeat(ctx context.Context, name string) error
}

// Result is the aggregate of one fanout execution.
type Result struct {
	Outcomes  []inbox.DispatchOutcome
	Succeeded int
	Failed    int
	// Satisfied reports whether the join policy was met. Unsatisfied
	// results move the request to failed (or dead_lettered, once retries
	// are spent).
	Satisfied bool
	// Aborted reports whether the abort policy cut the fanout short;
	// targets never attempted get no outcome entry.
	Aborted bool
}

// Err summarizes an unsatisfied result for lifecycle bookkeeping. The
// category is the first failure's, retry_exhausted winning over the rest.
func (r *Result) Err() error {
	if r.Satisfied {
		return nil
	}
	cat := contract.ErrDownstreamFailure
	for _, o := range r.Outcomes {
		if o.Success {
			continue
		}
		c := contract.ErrorCategory(o.ErrorCategory)
		if c.Terminal() {
			cat = c
			break
		}
		cat = c
	}
	return contract.Categorized(cat,
		fmt.Errorf("fanout unsatisfied: %d/%d targets succeeded", r.Succeeded, r.Succeeded+r.Failed))
}

// Executor runs routing decisions against the butler roster, pushing every
// dispatch through the reliability fabric.
type Executor struct {
	roster   *registry.Cache
	sink     Sink
	breakers *reliability.BreakerManager
	limiter  *reliability.RateLimiter
	timeouts reliability.Timeouts
	retry    reliability.RetryPolicy
	hb       Heartbeat
	logger   *log.Logger
}

// NewExecutor wires the executor. hb may be nil when no registry store is
// available (tests).
func NewExecutor(roster *registry.Cache, sink Sink, breakers *reliability.BreakerManager,
	limiter *reliability.RateLimiter, timeouts reliability.Timeouts, retry reliability.RetryPolicy, hb Heartbeat) *Executor {
	return &Executor{
		roster:   roster,
		sink:     sink,
		breakers: breakers,
		limiter:  limiter,
		timeouts: timeouts,
		retry:    retry,
		hb:       hb,
		logger:   log.New(log.Writer(), "[ROUTE] ", log.LstdFlags),
	}
}

// Execute runs the decision's targets under its fanout, join, and abort
// policies and returns the aggregate. The decision must be Normalized and
// Valid; callers get that from the triage/classify layers.
func (e *Executor) Execute(ctx context.Context, requestID string, env *contract.Envelope, d *Decision) *Result {
	if d.FanoutMode == FanoutParallel {
		return e.executeParallel(ctx, requestID, env, d)
	}
	return e.executeSequential(ctx, requestID, env, d)
}

func (e *Executor) executeSequential(ctx context.Context, requestID string, env *contract.Envelope, d *Decision) *Result {
	res := &Result{}
	for _, t := range d.Targets {
		if joinSatisfied(d.JoinPolicy, res.Succeeded, len(d.Targets)) && d.JoinPolicy.Kind != JoinAll {
			// first_success / quorum already met; later targets are noise.
			break
		}

		out := e.dispatchOne(ctx, requestID, env, t)
		res.Outcomes = append(res.Outcomes, out)
		if out.Success {
			res.Succeeded++
		} else {
			res.Failed++
			if abortNow(d.AbortPolicy, res.Failed) {
				res.Aborted = true
				break
			}
		}
	}
	res.Satisfied = joinSatisfied(d.JoinPolicy, res.Succeeded, len(d.Targets))
	return res
}

func (e *Executor) executeParallel(ctx context.Context, requestID string, env *contract.Envelope, d *Decision) *Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := &Result{Outcomes: make([]inbox.DispatchOutcome, len(d.Targets))}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, t := range d.Targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			out := e.dispatchOne(ctx, requestID, env, t)

			mu.Lock()
			res.Outcomes[i] = out
			if out.Success {
				res.Succeeded++
				// Join met early: cancel the stragglers, best effort.
				if joinSatisfied(d.JoinPolicy, res.Succeeded, len(d.Targets)) && d.JoinPolicy.Kind != JoinAll {
					cancel()
				}
			} else {
				res.Failed++
				if abortNow(d.AbortPolicy, res.Failed) {
					res.Aborted = true
					cancel()
				}
			}
			mu.Unlock()
		}(i, t)
	}
	wg.Wait()

	res.Satisfied = joinSatisfied(d.JoinPolicy, res.Succeeded, len(d.Targets))
	return res
}

// joinSatisfied evaluates the join policy against the success count.
func joinSatisfied(p JoinPolicy, succeeded, total int) bool {
	switch p.Kind {
	case JoinFirstSuccess:
		return succeeded >= 1
	case JoinQuorum:
		return succeeded >= p.K
	default: // all
		return succeeded == total
	}
}

// abortNow evaluates the abort policy against the failure count.
func abortNow(p AbortPolicy, failed int) bool {
	switch p.Kind {
	case AbortStopOnFirstError:
		return failed >= 1
	case AbortThreshold:
		return p.K > 0 && failed >= p.K
	default: // continue
		return false
	}
}

// dispatchOne drives one target through the full fabric: roster lookup,
// rate limit, circuit breaker, per-channel timeout, bounded retry.
func (e *Executor) dispatchOne(ctx context.Context, requestID string, env *contract.Envelope, t Target) inbox.DispatchOutcome {
	start := time.Now()
	out := inbox.DispatchOutcome{Butler: t.Butler}

	entry, err := e.roster.Lookup(t.Butler)
	if err != nil {
		e.logger.Printf("request %s: %v", requestID, err)
		out.ErrorCategory = string(contract.ErrValidation)
		out.DurationMS = time.Since(start).Milliseconds()
		return out
	}

	tier := env.Tier()
	if !e.limiter.Allow(t.Butler, tier) {
		out.ErrorCategory = string(contract.ErrOverload)
		out.DurationMS = time.Since(start).Milliseconds()
		return out
	}

	timeout := e.timeouts.For(env.Source.Channel)
	breaker := e.breakers.Get(t.Butler)

	var lastStatus int
	err = reliability.Retry(ctx, e.retry, func(ctx context.Context, attempt int) reliability.AttemptResult {
		out.Attempt = attempt

		gen, allowErr := breaker.Allow()
		if allowErr != nil {
			return reliability.AttemptResult{
				Err: contract.Categorized(contract.ErrCircuitOpen, allowErr),
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		sr, sendErr := e.sink.Send(callCtx, entry.EndpointURL, &contract.RouteRequest{
			SchemaVersion: contract.SchemaRouteV1,
			RequestID:     requestID,
			Target:        t.Butler,
			Prompt:        t.Prompt,
			PromptVersion: t.PromptVersion,
			DeadlineMS:    timeout.Milliseconds(),
			Attempt:       attempt,
		})
		breaker.Record(gen, sendErr == nil)

		result := reliability.AttemptResult{Err: sendErr}
		if sr != nil {
			lastStatus = sr.Status
			result.RetryAfter = sr.RetryAfter
		}
		return result
	})

	out.HTTPStatus = lastStatus
	out.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		out.ErrorCategory = string(contract.Categorize(err))
		e.logger.Printf("request %s: dispatch to %s failed after %d attempt(s): %v",
			requestID, t.Butler, out.Attempt, err)
		return out
	}

	out.Success = true
	if e.hb != nil {
		if hbErr := e.hb.Heartbeat(ctx, t.Butler); hbErr != nil {
			e.logger.Printf("heartbeat %s: %v", t.Butler, hbErr)
		}
	}
	return out
}
