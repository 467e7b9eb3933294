package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/inbox"
	"github.com/butlerfleet/switchboard/internal/route"
	"github.com/butlerfleet/switchboard/internal/triage"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeJournal struct {
	mu      sync.Mutex
	records map[string]*inbox.Record
	history map[string][]string
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		records: make(map[string]*inbox.Record),
		history: make(map[string][]string),
	}
}

func (f *fakeJournal) put(rec *inbox.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.RequestID] = rec
	f.history[rec.RequestID] = []string{rec.LifecycleState}
}

func (f *fakeJournal) Get(_ context.Context, id string) (*inbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, inbox.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeJournal) SetTriageOutcome(_ context.Context, id, from, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[id]
	if rec == nil || rec.LifecycleState != from {
		return inbox.ErrStaleTransition
	}
	rec.LifecycleState = inbox.StateTriaged
	rec.TriageOutcome = outcome
	f.history[id] = append(f.history[id], inbox.StateTriaged)
	return nil
}

func (f *fakeJournal) Transition(_ context.Context, id, from, to string) error {
	if !inbox.TransitionAllowed(from, to) {
		return errors.New("illegal transition")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[id]
	if rec == nil || rec.LifecycleState != from {
		return inbox.ErrStaleTransition
	}
	rec.LifecycleState = to
	f.history[id] = append(f.history[id], to)
	return nil
}

func (f *fakeJournal) SetClassification(_ context.Context, id string, decision json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec := f.records[id]; rec != nil {
		rec.Classification = decision
	}
	return nil
}

func (f *fakeJournal) RecordDispatchOutcomes(_ context.Context, id, toState string, outcomes []inbox.DispatchOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[id]
	if rec == nil || (rec.LifecycleState != inbox.StateDispatching && rec.LifecycleState != inbox.StateFailed) {
		return inbox.ErrStaleTransition
	}
	rec.LifecycleState = toState
	rec.DispatchOutcomes = append(rec.DispatchOutcomes, outcomes...)
	f.history[id] = append(f.history[id], toState)
	return nil
}

func (f *fakeJournal) RecordCancellation(_ context.Context, id, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[id]
	if rec == nil || inbox.Terminal(rec.LifecycleState) {
		return inbox.ErrStaleTransition
	}
	rec.LifecycleState = inbox.StateFailed
	if rec.ProcessingMeta == nil {
		rec.ProcessingMeta = make(map[string]string)
	}
	rec.ProcessingMeta["cancellation"] = note
	f.history[id] = append(f.history[id], inbox.StateFailed)
	return nil
}

func (f *fakeJournal) meta(id, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id].ProcessingMeta[key]
}

func (f *fakeJournal) state(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id].LifecycleState
}

func (f *fakeJournal) path(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history[id]...)
}

type fakeRouter struct {
	mu      sync.Mutex
	results []*route.Result // consumed per call, last repeats
	seen    []*route.Decision
}

func (f *fakeRouter) Execute(_ context.Context, _ string, _ *contract.Envelope, d *route.Decision) *route.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, d)
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

type fakeResolver struct {
	decision     *route.Decision
	fellBack     bool
	calls        int
	instructions []string
}

func (f *fakeResolver) Resolve(_ context.Context, env *contract.Envelope, instructions []string) (*route.Decision, bool) {
	f.calls++
	f.instructions = instructions
	if f.decision != nil {
		return f.decision, f.fellBack
	}
	return route.SingleTarget("general", env.Text(), "fallback.v1", route.SourceFallback), true
}

type staticDirectives struct {
	list []string
}

func (s *staticDirectives) Directives(context.Context) []string { return s.list }

type fakeBurier struct {
	mu      sync.Mutex
	buried  []string
	retries []int
}

func (f *fakeBurier) Bury(_ context.Context, id string, _ *contract.Envelope, _ contract.ErrorCategory, _ string, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buried = append(f.buried, id)
	f.retries = append(f.retries, retryCount)
	return nil
}

type staticRules struct {
	rules []triage.Rule
}

func (s *staticRules) Version(context.Context) (int64, error) { return 1, nil }

func (s *staticRules) LoadEnabled(context.Context) ([]triage.Rule, error) { return s.rules, nil }

// ============================================================================
// HELPERS
// ============================================================================

func successResult(butlers ...string) *route.Result {
	res := &route.Result{Satisfied: true}
	for _, b := range butlers {
		res.Outcomes = append(res.Outcomes, inbox.DispatchOutcome{Butler: b, Success: true, Attempt: 1})
		res.Succeeded++
	}
	return res
}

func failedResult(category contract.ErrorCategory) *route.Result {
	return &route.Result{
		Outcomes: []inbox.DispatchOutcome{{Butler: "general", ErrorCategory: string(category), Attempt: 1}},
		Failed:   1,
	}
}

func testRecord(id string, text string) *inbox.Record {
	return &inbox.Record{
		RequestID:      id,
		ReceivedAt:     time.Now(),
		LifecycleState: inbox.StateAccepted,
		Direction:      inbox.DirectionInbound,
		Envelope: contract.Envelope{
			SchemaVersion: contract.SchemaIngestV1,
			Source:        contract.Source{Channel: "telegram", EndpointIdentity: "E1"},
			Event:         contract.Event{ExternalEventID: "evt-" + id, ObservedAt: time.Now()},
			Sender:        contract.Sender{Identity: "U1"},
			Payload:       contract.Payload{NormalizedText: text},
			Control:       contract.Control{PolicyTier: contract.TierDefault},
		},
	}
}

func testEvaluator(t *testing.T, rules ...triage.Rule) *triage.Evaluator {
	t.Helper()
	cache := triage.NewCache(&staticRules{rules: rules}, time.Hour)
	_, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	return triage.NewEvaluator(cache, triage.NewMemoryAffinity(time.Hour), true)
}

func testPipeline(journal *fakeJournal, router *fakeRouter, resolver *fakeResolver,
	burier *fakeBurier, evaluator *triage.Evaluator, affinity triage.Affinity, q *buffer.Queue) *Pipeline {
	if q == nil {
		q = buffer.New(buffer.DefaultConfig())
	}
	return New(Config{Workers: 1, MaxRequeues: 1}, journal, q, evaluator, affinity, resolver, router, burier, nil, nil)
}

// ============================================================================
// TESTS
// ============================================================================

func TestEscalateThroughClassifierToCompleted(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-1", "remind me about rent"))

	router := &fakeRouter{results: []*route.Result{successResult("general")}}
	resolver := &fakeResolver{decision: route.SingleTarget("general", "remind me about rent", "v1", route.SourceClassifier)}
	p := testPipeline(journal, router, resolver, &fakeBurier{}, testEvaluator(t), nil, nil)

	p.Process(context.Background(), buffer.Item{RequestID: "req-1", Tier: contract.TierDefault})

	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, []string{
		inbox.StateAccepted, inbox.StateTriaged, inbox.StateClassifying,
		inbox.StateDispatching, inbox.StateCompleted,
	}, journal.path("req-1"))
}

func TestShortCircuitSkipsClassifier(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-2", "/health status"))

	rule := triage.Rule{
		ID: "rule-health", Priority: 1, Enabled: true,
		Conditions: []triage.Condition{{Field: triage.FieldText, Op: triage.OpStartsWith, Value: "/health"}},
		Action:     triage.Action{Type: triage.ActionShortCircuit, Target: "health"},
	}

	router := &fakeRouter{results: []*route.Result{successResult("health")}}
	resolver := &fakeResolver{}
	p := testPipeline(journal, router, resolver, &fakeBurier{}, testEvaluator(t, rule), nil, nil)

	p.Process(context.Background(), buffer.Item{RequestID: "req-2", Tier: contract.TierDefault})

	assert.Equal(t, 0, resolver.calls, "short circuit never reaches the classifier")
	require.Len(t, router.seen, 1)
	assert.Equal(t, "health", router.seen[0].Targets[0].Butler)
	assert.Equal(t, route.SourceTriage, router.seen[0].ParseSource)
	assert.Equal(t, inbox.StateCompleted, journal.state("req-2"))
}

func TestDropCompletesWithoutDispatch(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-3", "SPAM OFFER"))

	rule := triage.Rule{
		ID: "rule-spam", Priority: 1, Enabled: true,
		Conditions: []triage.Condition{{Field: triage.FieldText, Op: triage.OpContains, Value: "SPAM"}},
		Action:     triage.Action{Type: triage.ActionDrop},
	}

	router := &fakeRouter{results: []*route.Result{successResult("never")}}
	p := testPipeline(journal, router, &fakeResolver{}, &fakeBurier{}, testEvaluator(t, rule), nil, nil)

	p.Process(context.Background(), buffer.Item{RequestID: "req-3", Tier: contract.TierBulk})

	assert.Empty(t, router.seen, "dropped requests are never dispatched")
	assert.Equal(t, inbox.StateCompleted, journal.state("req-3"))
	assert.Equal(t, triage.ActionDrop, journal.records["req-3"].TriageOutcome)
}

func TestTransientFailureRequeuesThenDeadLetters(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-4", "hello"))

	router := &fakeRouter{results: []*route.Result{
		failedResult(contract.ErrDownstreamFailure),
		failedResult(contract.ErrDownstreamFailure),
	}}
	burier := &fakeBurier{}
	q := buffer.New(buffer.DefaultConfig())
	p := testPipeline(journal, router, &fakeResolver{}, burier, testEvaluator(t), nil, q)

	item := buffer.Item{RequestID: "req-4", Tier: contract.TierDefault}
	p.Process(context.Background(), item)

	// First pass: failed then requeued for another round.
	assert.Equal(t, inbox.StateDispatching, journal.state("req-4"))
	assert.Equal(t, 1, q.Depth())

	requeued, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	p.Process(context.Background(), requeued)

	// Second pass exhausts MaxRequeues=1 and buries the request.
	assert.Equal(t, inbox.StateDeadLettered, journal.state("req-4"))
	assert.Equal(t, []string{"req-4"}, burier.buried)
}

func TestTerminalFailureBuriesImmediately(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-5", "hello"))

	router := &fakeRouter{results: []*route.Result{failedResult(contract.ErrRetryExhausted)}}
	burier := &fakeBurier{}
	p := testPipeline(journal, router, &fakeResolver{}, burier, testEvaluator(t), nil, nil)

	p.Process(context.Background(), buffer.Item{RequestID: "req-5", Tier: contract.TierDefault})

	assert.Equal(t, inbox.StateDeadLettered, journal.state("req-5"))
	assert.Equal(t, []string{"req-5"}, burier.buried)
}

func TestRequeuedRequestReusesStoredDecision(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-6", "hello"))

	router := &fakeRouter{results: []*route.Result{
		failedResult(contract.ErrTimeout),
		successResult("general"),
	}}
	resolver := &fakeResolver{decision: route.SingleTarget("general", "hello", "v1", route.SourceClassifier)}
	q := buffer.New(buffer.DefaultConfig())
	p := testPipeline(journal, router, resolver, &fakeBurier{}, testEvaluator(t), nil, q)

	item := buffer.Item{RequestID: "req-6", Tier: contract.TierDefault}
	p.Process(context.Background(), item)
	require.Equal(t, inbox.StateDispatching, journal.state("req-6"))

	requeued, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	p.Process(context.Background(), requeued)

	assert.Equal(t, inbox.StateCompleted, journal.state("req-6"))
	assert.Equal(t, 1, resolver.calls, "classifier runs once; the requeue reuses the stored decision")
}

func TestOperatorCancelSkipsQueuedRequest(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-7", "hello"))

	router := &fakeRouter{results: []*route.Result{successResult("general")}}
	p := testPipeline(journal, router, &fakeResolver{}, &fakeBurier{}, testEvaluator(t), nil, nil)

	assert.False(t, p.Cancel("req-7", "operator requested cancel"),
		"queued request has no running fanout to interrupt")
	p.Process(context.Background(), buffer.Item{RequestID: "req-7", Tier: contract.TierDefault})

	assert.Empty(t, router.seen, "cancelled request never dispatches")
	assert.Equal(t, inbox.StateFailed, journal.state("req-7"),
		"a cancellation never counts as a completion")
	assert.Equal(t, "cancelled: operator requested cancel", journal.meta("req-7", "cancellation"))
}

// blockingRouter parks inside Execute until the request context is
// cancelled, standing in for a long fanout an operator aborts.
type blockingRouter struct {
	started chan struct{}
}

func (b *blockingRouter) Execute(ctx context.Context, _ string, _ *contract.Envelope, _ *route.Decision) *route.Result {
	close(b.started)
	<-ctx.Done()
	return &route.Result{
		Outcomes: []inbox.DispatchOutcome{
			{Butler: "general", Success: true, Attempt: 1},
			{Butler: "finance", ErrorCategory: string(contract.ErrTimeout), Attempt: 1},
		},
		Succeeded: 1,
		Failed:    1,
	}
}

func TestAbortInterruptsInFlightDispatch(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-10", "hello"))

	router := &blockingRouter{started: make(chan struct{})}
	resolver := &fakeResolver{decision: route.SingleTarget("general", "hello", "v1", route.SourceClassifier)}
	burier := &fakeBurier{}
	q := buffer.New(buffer.DefaultConfig())
	p := testPipeline(journal, nil, resolver, burier, testEvaluator(t), nil, q)
	p.router = router

	assert.False(t, p.Abort("req-10", "wrong tenant"), "nothing in flight yet")

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Process(context.Background(), buffer.Item{RequestID: "req-10", Tier: contract.TierDefault})
	}()

	<-router.started
	assert.True(t, p.Abort("req-10", "wrong tenant"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not unwind after abort")
	}

	assert.Equal(t, inbox.StateFailed, journal.state("req-10"))
	assert.Equal(t, "aborted: wrong tenant", journal.meta("req-10", "cancellation"))
	assert.Empty(t, burier.buried, "an abort is not a delivery failure")
	assert.Equal(t, 0, q.Depth(), "aborted requests are not requeued")

	// The subroute that finished before the abort stays on record.
	outcomes := journal.records["req-10"].DispatchOutcomes
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Success)
}

func TestAffinityPinAfterSuccess(t *testing.T) {
	journal := newFakeJournal()
	rec := testRecord("req-8", "hello again")
	rec.Envelope.Event.ExternalThreadID = "T1"
	journal.put(rec)

	affinity := triage.NewMemoryAffinity(time.Hour)
	router := &fakeRouter{results: []*route.Result{successResult("relationship")}}
	resolver := &fakeResolver{decision: route.SingleTarget("relationship", "hello again", "v1", route.SourceClassifier)}
	p := testPipeline(journal, router, resolver, &fakeBurier{}, testEvaluator(t), affinity, nil)

	p.Process(context.Background(), buffer.Item{RequestID: "req-8", Tier: contract.TierDefault, ThreadKey: "telegram:T1"})

	butler, ok, err := affinity.Lookup(context.Background(), "telegram:T1")
	require.NoError(t, err)
	require.True(t, ok, "successful dispatch pins the thread")
	assert.Equal(t, "relationship", butler)
}

func TestSameThreadSameLane(t *testing.T) {
	p := testPipeline(newFakeJournal(), &fakeRouter{results: []*route.Result{successResult("x")}},
		&fakeResolver{}, &fakeBurier{}, testEvaluator(t), nil, nil)
	p.cfg.Workers = 8

	a := p.laneFor(buffer.Item{RequestID: "r1", ThreadKey: "telegram:T9"})
	b := p.laneFor(buffer.Item{RequestID: "r2", ThreadKey: "telegram:T9"})
	assert.Equal(t, a, b, "one conversation always lands on one worker")
}

func TestStandingDirectivesReachClassifier(t *testing.T) {
	journal := newFakeJournal()
	journal.put(testRecord("req-9", "who handles invoices?"))

	router := &fakeRouter{results: []*route.Result{successResult("finance")}}
	resolver := &fakeResolver{decision: route.SingleTarget("finance", "who handles invoices?", "v1", route.SourceClassifier)}
	p := testPipeline(journal, router, resolver, &fakeBurier{}, testEvaluator(t), nil, nil)
	p.SetInstructions(&staticDirectives{list: []string{"billing questions go to finance"}})

	p.Process(context.Background(), buffer.Item{RequestID: "req-9", Tier: contract.TierDefault})

	assert.Equal(t, []string{"billing questions go to finance"}, resolver.instructions)
}
