package route

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/registry"
	"github.com/butlerfleet/switchboard/internal/reliability"
)

// fakeSink scripts per-target behavior and records call order.
type fakeSink struct {
	mu      sync.Mutex
	calls   []string
	results map[string][]sinkScript // consumed per call, last entry repeats
}

type sinkScript struct {
	status     int
	retryAfter time.Duration
	err        error
}

func (f *fakeSink) Send(ctx context.Context, endpoint string, req *contract.RouteRequest) (*SinkResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Target)
	scripts := f.results[req.Target]
	var s sinkScript
	if len(scripts) > 0 {
		s = scripts[0]
		if len(scripts) > 1 {
			f.results[req.Target] = scripts[1:]
		}
	} else {
		s = sinkScript{status: http.StatusOK}
	}
	f.mu.Unlock()

	return &SinkResult{Status: s.status, RetryAfter: s.retryAfter}, s.err
}

func (f *fakeSink) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == target {
			n++
		}
	}
	return n
}

func testRoster(names ...string) *registry.Cache {
	c := registry.NewCache()
	entries := make([]registry.Entry, 0, len(names))
	for _, n := range names {
		entries = append(entries, registry.Entry{Name: n, EndpointURL: "http://" + n + ":9000"})
	}
	c.Replace(entries)
	return c
}

func testExecutor(sink Sink, roster *registry.Cache) *Executor {
	return NewExecutor(
		roster,
		sink,
		reliability.NewBreakerManager(reliability.DefaultBreakerConfig("")),
		reliability.NewRateLimiter(nil),
		reliability.DefaultTimeouts(),
		reliability.RetryPolicy{MaxAttempts: 1},
		nil,
	)
}

func routeEnvelope() *contract.Envelope {
	return &contract.Envelope{
		SchemaVersion: contract.SchemaIngestV1,
		Source:        contract.Source{Channel: "telegram", EndpointIdentity: "E1"},
		Event:         contract.Event{ExternalEventID: "evt-1", ObservedAt: time.Now()},
		Sender:        contract.Sender{Identity: "U1"},
		Control:       contract.Control{PolicyTier: contract.TierDefault},
	}
}

func TestSequentialStopOnFirstError(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{
		"general": {{status: 500, err: contract.Categorized(contract.ErrDownstreamFailure, errors.New("boom"))}},
	}}
	e := testExecutor(sink, testRoster("general", "messenger"))

	d := &Decision{
		Targets:     []Target{{Butler: "general"}, {Butler: "messenger"}},
		FanoutMode:  FanoutSequential,
		JoinPolicy:  JoinPolicy{Kind: JoinAll},
		AbortPolicy: AbortPolicy{Kind: AbortStopOnFirstError},
	}

	res := e.Execute(context.Background(), "req-1", routeEnvelope(), d)

	assert.True(t, res.Aborted)
	assert.False(t, res.Satisfied)
	require.Len(t, res.Outcomes, 1, "messenger must not be attempted")
	assert.Equal(t, "general", res.Outcomes[0].Butler)
	assert.Equal(t, 500, res.Outcomes[0].HTTPStatus)
	assert.Equal(t, 0, sink.callCount("messenger"))
	assert.Error(t, res.Err())
}

func TestSequentialFirstSuccessSkipsRest(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{}}
	e := testExecutor(sink, testRoster("general", "health"))

	d := &Decision{
		Targets:     []Target{{Butler: "general"}, {Butler: "health"}},
		FanoutMode:  FanoutSequential,
		JoinPolicy:  JoinPolicy{Kind: JoinFirstSuccess},
		AbortPolicy: AbortPolicy{Kind: AbortContinue},
	}

	res := e.Execute(context.Background(), "req-2", routeEnvelope(), d)

	assert.True(t, res.Satisfied)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, sink.callCount("health"))
	assert.NoError(t, res.Err())
}

func TestParallelContinueAttemptsAll(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{
		"health": {{status: 500, err: contract.Categorized(contract.ErrDownstreamFailure, errors.New("boom"))}},
	}}
	e := testExecutor(sink, testRoster("general", "health", "finance"))

	d := &Decision{
		Targets:     []Target{{Butler: "general"}, {Butler: "health"}, {Butler: "finance"}},
		FanoutMode:  FanoutParallel,
		JoinPolicy:  JoinPolicy{Kind: JoinAll},
		AbortPolicy: AbortPolicy{Kind: AbortContinue},
	}

	res := e.Execute(context.Background(), "req-3", routeEnvelope(), d)

	assert.False(t, res.Satisfied, "join all with one failure")
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Outcomes, 3)
	assert.Equal(t, 1, sink.callCount("general"))
	assert.Equal(t, 1, sink.callCount("finance"))
}

func TestParallelQuorum(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{
		"finance": {{status: 500, err: contract.Categorized(contract.ErrDownstreamFailure, errors.New("boom"))}},
	}}
	e := testExecutor(sink, testRoster("general", "health", "finance"))

	d := &Decision{
		Targets:     []Target{{Butler: "general"}, {Butler: "health"}, {Butler: "finance"}},
		FanoutMode:  FanoutParallel,
		JoinPolicy:  JoinPolicy{Kind: JoinQuorum, K: 2},
		AbortPolicy: AbortPolicy{Kind: AbortContinue},
	}

	res := e.Execute(context.Background(), "req-4", routeEnvelope(), d)

	assert.True(t, res.Satisfied, "2 of 3 meets quorum(2)")
	assert.GreaterOrEqual(t, res.Succeeded, 2)
}

func TestAbortThreshold(t *testing.T) {
	fail := sinkScript{status: 500, err: contract.Categorized(contract.ErrDownstreamFailure, errors.New("boom"))}
	sink := &fakeSink{results: map[string][]sinkScript{
		"a": {fail}, "b": {fail}, "c": {fail},
	}}
	e := testExecutor(sink, testRoster("a", "b", "c"))

	d := &Decision{
		Targets:     []Target{{Butler: "a"}, {Butler: "b"}, {Butler: "c"}},
		FanoutMode:  FanoutSequential,
		JoinPolicy:  JoinPolicy{Kind: JoinAll},
		AbortPolicy: AbortPolicy{Kind: AbortThreshold, K: 2},
	}

	res := e.Execute(context.Background(), "req-5", routeEnvelope(), d)

	assert.True(t, res.Aborted)
	assert.Len(t, res.Outcomes, 2, "third target abandoned after hitting the threshold")
	assert.Equal(t, 0, sink.callCount("c"))
}

func TestUnknownTargetIsTerminal(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{}}
	e := testExecutor(sink, testRoster("general"))

	d := SingleTarget("ghost", "p", "v1", SourceTriage)
	res := e.Execute(context.Background(), "req-6", routeEnvelope(), d)

	assert.False(t, res.Satisfied)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, string(contract.ErrValidation), res.Outcomes[0].ErrorCategory)
	assert.Equal(t, 0, len(sink.calls), "no dispatch for an unregistered butler")
}

func TestRetryThenSuccess(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{
		"general": {
			{status: 503, retryAfter: time.Millisecond, err: contract.Categorized(contract.ErrDownstreamFailure, errors.New("warming up"))},
			{status: 200},
		},
	}}
	e := NewExecutor(
		testRoster("general"),
		sink,
		reliability.NewBreakerManager(reliability.DefaultBreakerConfig("")),
		reliability.NewRateLimiter(nil),
		reliability.DefaultTimeouts(),
		reliability.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		nil,
	)

	res := e.Execute(context.Background(), "req-7", routeEnvelope(), SingleTarget("general", "p", "v1", SourceTriage))

	assert.True(t, res.Satisfied)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Success)
	assert.Equal(t, 2, res.Outcomes[0].Attempt)
}

func TestRateLimitOverload(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{}}
	limiter := reliability.NewRateLimiter(map[contract.PolicyTier]reliability.BucketConfig{
		contract.TierDefault: {Capacity: 1, RefillPerSec: 0.001},
	})
	e := NewExecutor(
		testRoster("general"),
		sink,
		reliability.NewBreakerManager(reliability.DefaultBreakerConfig("")),
		limiter,
		reliability.DefaultTimeouts(),
		reliability.RetryPolicy{MaxAttempts: 1},
		nil,
	)

	env := routeEnvelope()
	d := SingleTarget("general", "p", "v1", SourceTriage)

	first := e.Execute(context.Background(), "req-8a", env, d)
	assert.True(t, first.Satisfied)

	second := e.Execute(context.Background(), "req-8b", env, d)
	assert.False(t, second.Satisfied)
	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, string(contract.ErrOverload), second.Outcomes[0].ErrorCategory)
	assert.Equal(t, 1, sink.callCount("general"), "rate-limited dispatch never reaches the sink")
}

func TestHeartbeatOnSuccess(t *testing.T) {
	sink := &fakeSink{results: map[string][]sinkScript{}}
	hb := &recordingHeartbeat{}
	e := NewExecutor(
		testRoster("general"),
		sink,
		reliability.NewBreakerManager(reliability.DefaultBreakerConfig("")),
		reliability.NewRateLimiter(nil),
		reliability.DefaultTimeouts(),
		reliability.RetryPolicy{MaxAttempts: 1},
		hb,
	)

	e.Execute(context.Background(), "req-9", routeEnvelope(), SingleTarget("general", "p", "v1", SourceTriage))
	assert.Equal(t, []string{"general"}, hb.seen)
}

type recordingHeartbeat struct {
	seen []string
}

func (r *recordingHeartbeat) Heartbeat(_ context.Context, name string) error {
	r.seen = append(r.seen, name)
	return nil
}

// ============================================================================
// HTTP SINK
// ============================================================================

func TestHTTPSinkStatusMapping(t *testing.T) {
	var status int
	var retryAfter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"success": true, "duration_ms": 12}`))
		}
	}))
	defer srv.Close()

	sink := NewHTTPSink()
	req := &contract.RouteRequest{SchemaVersion: contract.SchemaRouteV1, RequestID: "r", Target: "general"}

	status = http.StatusOK
	res, err := sink.Send(context.Background(), srv.URL, req)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.True(t, res.Response.Success)

	status = http.StatusServiceUnavailable
	retryAfter = "7"
	res, err = sink.Send(context.Background(), srv.URL, req)
	assert.Equal(t, contract.ErrDownstreamFailure, contract.Categorize(err))
	assert.Equal(t, 7*time.Second, res.RetryAfter)

	status = http.StatusBadRequest
	retryAfter = ""
	_, err = sink.Send(context.Background(), srv.URL, req)
	assert.Equal(t, contract.ErrPolicyViolation, contract.Categorize(err))
	assert.False(t, contract.Categorize(err).Retriable())

	status = http.StatusBadGateway
	_, err = sink.Send(context.Background(), srv.URL, req)
	assert.Equal(t, contract.ErrDownstreamFailure, contract.Categorize(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
}
