package reliability

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter in [0,1): fraction of the computed delay randomized away.
	Jitter float64
}

// DefaultRetryPolicy: 3 attempts, 500ms base, 10s cap, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// AttemptResult is what the retried function reports back: an error plus an
// optional server hint (Retry-After on 429/503).
type AttemptResult struct {
	Err        error
	RetryAfter time.Duration
}

// Retry runs fn up to MaxAttempts times with exponential backoff + jitter,
// honoring Retry-After hints. It stops immediately on success, on a
// non-retriable error category, or when ctx is done. On exhaustion the last
// error is wrapped as retry_exhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) AttemptResult) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var last AttemptResult
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		last = fn(ctx, attempt)
		if last.Err == nil {
			return nil
		}
		if !contract.Categorize(last.Err).Retriable() {
			return last.Err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		if last.RetryAfter > delay {
			delay = last.RetryAfter
		}

		select {
		case <-ctx.Done():
			return contract.Categorized(contract.ErrTimeout,
				fmt.Errorf("retry aborted after attempt %d: %w", attempt, ctx.Err()))
		case <-time.After(delay):
		}
	}

	return contract.Categorized(contract.ErrRetryExhausted,
		fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, last.Err))
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << (attempt - 1)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter > 0 {
		spread := float64(delay) * policy.Jitter
		delay = time.Duration(float64(delay) - spread/2 + rand.Float64()*spread)
	}
	return delay
}
