package route

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// SinkResult carries the transport-level facts of one dispatch attempt:
// the HTTP status, any Retry-After hint, and the decoded sink response.
type SinkResult struct {
	Status     int
	RetryAfter time.Duration
	Response   *contract.SinkResponse
}

// Sink delivers a route.v1 payload to a butler endpoint. Implementations
// return a categorized error for every non-success so the retry loop can
// decide what to do with it.
type Sink interface {
	Send(ctx context.Context, endpoint string, req *contract.RouteRequest) (*SinkResult, error)
}

// HTTPSink posts route.v1 payloads to <endpoint>/route.
type HTTPSink struct {
	httpc *http.Client
}

// NewHTTPSink creates a sink. The per-call deadline comes from ctx, so the
// underlying client carries no timeout of its own.
func NewHTTPSink() *HTTPSink {
	return &HTTPSink{httpc: &http.Client{}}
}

// Send posts the payload and maps the HTTP status onto the error taxonomy:
// 2xx succeeds, 408 is a timeout, 429/503 are downstream failures carrying
// the Retry-After hint, other 5xx are downstream failures, and remaining
// 4xx are policy violations (the butler rejected the request; retrying the
// same payload cannot help).
func (s *HTTPSink) Send(ctx context.Context, endpoint string, req *contract.RouteRequest) (*SinkResult, error) {
	body, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/route", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return nil, contract.Categorized(contract.Categorize(err), fmt.Errorf("dispatch %s: %w", req.Target, err))
	}
	defer resp.Body.Close()

	result := &SinkResult{
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr contract.SinkResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err == nil {
			result.Response = &sr
		}
		return result, nil
	case resp.StatusCode == http.StatusRequestTimeout:
		return result, contract.Categorized(contract.ErrTimeout,
			fmt.Errorf("dispatch %s: %d", req.Target, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return result, contract.Categorized(contract.ErrDownstreamFailure,
			fmt.Errorf("dispatch %s: %d", req.Target, resp.StatusCode))
	case resp.StatusCode >= 500:
		return result, contract.Categorized(contract.ErrDownstreamFailure,
			fmt.Errorf("dispatch %s: %d", req.Target, resp.StatusCode))
	default:
		return result, contract.Categorized(contract.ErrPolicyViolation,
			fmt.Errorf("dispatch %s: rejected with %d", req.Target, resp.StatusCode))
	}
}

// parseRetryAfter handles the delta-seconds form; HTTP-date is rare enough
// from butlers that it falls back to zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
