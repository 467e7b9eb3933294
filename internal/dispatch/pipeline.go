// Package dispatch drains the buffer and drives each request through
// triage, classification, and fanout, recording every lifecycle move in the
// inbox. Requests sharing a thread key are processed serially in arrival
// order; unrelated requests run concurrently across the worker pool.
package dispatch

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/events"
	"github.com/butlerfleet/switchboard/internal/inbox"
	"github.com/butlerfleet/switchboard/internal/route"
	"github.com/butlerfleet/switchboard/internal/telemetry"
	"github.com/butlerfleet/switchboard/internal/triage"
)

// Journal is the slice of the inbox store the pipeline mutates.
type Journal interface {
	Get(ctx context.Context, requestID string) (*inbox.Record, error)
	SetTriageOutcome(ctx context.Context, requestID, from, outcome string) error
	Transition(ctx context.Context, requestID, from, to string) error
	SetClassification(ctx context.Context, requestID string, decision json.RawMessage) error
	RecordDispatchOutcomes(ctx context.Context, requestID, toState string, outcomes []inbox.DispatchOutcome) error
	RecordCancellation(ctx context.Context, requestID, note string) error
}

// Burier moves terminally failed requests into the DLQ. retryCount is how
// many dispatch rounds the request burned before giving up.
type Burier interface {
	Bury(ctx context.Context, requestID string, env *contract.Envelope, category contract.ErrorCategory, detail string, retryCount int) error
}

// Router executes a routing decision.
type Router interface {
	Execute(ctx context.Context, requestID string, env *contract.Envelope, d *route.Decision) *route.Result
}

// DecisionResolver produces a routing decision via the classifier, falling
// back to the default target on failure.
type DecisionResolver interface {
	Resolve(ctx context.Context, env *contract.Envelope, instructions []string) (*route.Decision, bool)
}

// InstructionSource supplies standing routing directives the classifier
// receives as context.
type InstructionSource interface {
	Directives(ctx context.Context) []string
}

// Config bounds the pipeline.
type Config struct {
	// Workers is the size of the pool. Thread keys hash onto workers, so
	// one conversation always lands on the same worker queue.
	Workers int
	// MaxRequeues bounds how often a transiently failed request re-enters
	// the buffer before it is dead-lettered.
	MaxRequeues int
	// PerWorkerQueue is the per-worker channel depth.
	PerWorkerQueue int
}

// DefaultConfig returns the stock pipeline shape.
func DefaultConfig() Config {
	return Config{Workers: 8, MaxRequeues: 2, PerWorkerQueue: 64}
}

// Pipeline owns the worker pool.
type Pipeline struct {
	cfg      Config
	journal  Journal
	queue    *buffer.Queue
	triage   *triage.Evaluator
	affinity triage.Affinity
	resolver DecisionResolver
	router   Router
	burier   Burier
	metrics  *telemetry.Metrics
	emitter  events.Emitter
	logger   *log.Logger

	instructions InstructionSource

	mu        sync.Mutex
	inFlight  map[string]context.CancelFunc
	cancelled map[string]string // request id -> operator reason
	requeues  map[string]int
}

// New wires the pipeline. metrics and emitter may be nil in tests.
func New(cfg Config, journal Journal, queue *buffer.Queue, evaluator *triage.Evaluator,
	affinity triage.Affinity, resolver DecisionResolver, router Router, burier Burier,
	metrics *telemetry.Metrics, emitter events.Emitter) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	if cfg.PerWorkerQueue <= 0 {
		cfg.PerWorkerQueue = 64
	}
	return &Pipeline{
		cfg:       cfg,
		journal:   journal,
		queue:     queue,
		triage:    evaluator,
		affinity:  affinity,
		resolver:  resolver,
		router:    router,
		burier:    burier,
		metrics:   metrics,
		emitter:   emitter,
		logger:    log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		inFlight:  make(map[string]context.CancelFunc),
		cancelled: make(map[string]string),
		requeues:  make(map[string]int),
	}
}

// SetInstructions attaches a standing-directive source. Without one the
// classifier runs with no extra context.
func (p *Pipeline) SetInstructions(src InstructionSource) {
	p.instructions = src
}

func (p *Pipeline) directives(ctx context.Context) []string {
	if p.instructions == nil {
		return nil
	}
	return p.instructions.Directives(ctx)
}

// Run drains the buffer until ctx is cancelled. A single feeder goroutine
// dequeues in priority order and hashes each item onto its worker, which
// preserves arrival order within a thread.
func (p *Pipeline) Run(ctx context.Context) {
	lanes := make([]chan buffer.Item, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan buffer.Item, p.cfg.PerWorkerQueue)
		wg.Add(1)
		go func(lane chan buffer.Item) {
			defer wg.Done()
			for item := range lane {
				p.Process(ctx, item)
			}
		}(lanes[i])
	}

	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			break
		}
		lanes[p.laneFor(item)] <- item
	}
	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()
}

// laneFor pins a thread key to a worker; requests without a thread spread
// by request id.
func (p *Pipeline) laneFor(item buffer.Item) int {
	key := item.ThreadKey
	if key == "" {
		key = item.RequestID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.cfg.Workers))
}

// Cancel stops a request on behalf of an operator. An in-flight dispatch
// gets its context cancelled immediately; otherwise the cancellation is
// recorded and the request is skipped when it surfaces from the buffer.
// Returns true when an in-flight dispatch was interrupted.
func (p *Pipeline) Cancel(requestID, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelled[requestID] = reason
	if cancel, ok := p.inFlight[requestID]; ok {
		cancel()
		return true
	}
	return false
}

// Abort interrupts an in-flight dispatch. Unlike Cancel it does nothing for
// queued requests: there is no running fanout to stop. Returns false when
// the request is not in flight.
func (p *Pipeline) Abort(requestID, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.inFlight[requestID]
	if !ok {
		return false
	}
	p.cancelled[requestID] = reason
	cancel()
	return true
}

// Process runs one request end to end. Exposed for the replay path and
// tests; Run calls it from the worker pool.
func (p *Pipeline) Process(ctx context.Context, item buffer.Item) {
	if reason, ok := p.takeCancellation(item.RequestID); ok {
		p.abandon(ctx, item.RequestID, "cancelled: "+reason)
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	p.trackInFlight(item.RequestID, cancel)
	defer p.untrackInFlight(item.RequestID)
	defer cancel()

	rec, err := p.journal.Get(reqCtx, item.RequestID)
	if err != nil {
		p.logger.Printf("request %s vanished from inbox: %v", item.RequestID, err)
		return
	}
	if inbox.Terminal(rec.LifecycleState) {
		return
	}
	env := &rec.Envelope

	var (
		decision *route.Decision
		proceed  bool
	)
	if rec.LifecycleState == inbox.StateDispatching && len(rec.Classification) > 0 {
		// Requeued after a transient failure: the decision is already on
		// record, triage and classification do not run again.
		decision, proceed = p.storedDecision(rec)
	} else {
		decision, proceed = p.decide(reqCtx, rec, env)
	}
	if !proceed {
		return
	}

	result := p.router.Execute(reqCtx, item.RequestID, env, decision)
	p.settle(reqCtx, item, env, decision, result)
}

// persistDecision journals the routing decision so a requeued request can
// skip straight to dispatch.
func (p *Pipeline) persistDecision(ctx context.Context, id string, d *route.Decision) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := p.journal.SetClassification(ctx, id, raw); err != nil {
		p.logger.Printf("request %s: %v", id, err)
	}
}

// storedDecision revives the persisted routing decision of a requeued
// request.
func (p *Pipeline) storedDecision(rec *inbox.Record) (*route.Decision, bool) {
	var d route.Decision
	if err := json.Unmarshal(rec.Classification, &d); err != nil || !d.Valid() {
		p.logger.Printf("request %s: stored decision unusable, abandoning requeue", rec.RequestID)
		return nil, false
	}
	d.Normalize()
	return &d, true
}

// decide runs triage and, when escalated, the classifier. It returns the
// routing decision and whether dispatch should proceed.
func (p *Pipeline) decide(ctx context.Context, rec *inbox.Record, env *contract.Envelope) (*route.Decision, bool) {
	id := rec.RequestID
	td := p.triage.Evaluate(ctx, env)

	switch td.Action.Type {
	case triage.ActionDrop:
		if err := p.journal.SetTriageOutcome(ctx, id, rec.LifecycleState, triage.ActionDrop); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}
		if err := p.journal.Transition(ctx, id, inbox.StateTriaged, inbox.StateCompleted); err != nil {
			p.logger.Printf("request %s: %v", id, err)
		}
		p.emit(events.TypeCompleted, id, env, "", map[string]string{"triage": "drop", "rule_id": td.RuleID})
		return nil, false

	case triage.ActionShortCircuit:
		if err := p.journal.SetTriageOutcome(ctx, id, rec.LifecycleState, triage.ActionShortCircuit); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}
		if err := p.journal.Transition(ctx, id, inbox.StateTriaged, inbox.StateDispatching); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}
		d := route.SingleTarget(td.Action.Target, renderPrompt(td.Action.PromptTemplate, env), "triage.v1", route.SourceTriage)
		p.persistDecision(ctx, id, d)
		return d, true

	case triage.ActionBypassClassifier:
		if err := p.journal.SetTriageOutcome(ctx, id, rec.LifecycleState, triage.ActionBypassClassifier); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}
		if err := p.journal.Transition(ctx, id, inbox.StateTriaged, inbox.StateDispatching); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}
		d := &route.Decision{
			FanoutMode:  route.FanoutSequential,
			JoinPolicy:  route.JoinPolicy{Kind: route.JoinAll},
			AbortPolicy: route.AbortPolicy{Kind: route.AbortStopOnFirstError},
			ParseSource: route.SourceTriage,
		}
		for _, target := range td.Action.Targets {
			d.Targets = append(d.Targets, route.Target{
				Butler: target, Prompt: env.Text(), PromptVersion: "triage.v1", Confidence: 1.0,
			})
		}
		p.persistDecision(ctx, id, d)
		return d, true

	default: // escalate to the classifier
		if err := p.journal.SetTriageOutcome(ctx, id, rec.LifecycleState, triage.ActionEscalate); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}
		if err := p.journal.Transition(ctx, id, inbox.StateTriaged, inbox.StateClassifying); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}

		d, fellBack := p.resolver.Resolve(ctx, env, p.directives(ctx))
		p.persistDecision(ctx, id, d)
		if fellBack {
			p.logger.Printf("request %s: classifier fallback to %s", id, d.Targets[0].Butler)
		}
		if err := p.journal.Transition(ctx, id, inbox.StateClassifying, inbox.StateDispatching); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return nil, false
		}
		return d, true
	}
}

// settle writes the fanout result back and decides the request's fate:
// completed, requeued for another round, or dead-lettered.
func (p *Pipeline) settle(ctx context.Context, item buffer.Item, env *contract.Envelope, d *route.Decision, result *route.Result) {
	id := item.RequestID

	for _, out := range result.Outcomes {
		if p.metrics != nil {
			p.metrics.RecordDispatch(out.Butler, out.Success, float64(out.DurationMS)/1000, out.Attempt)
		}
	}

	if result.Satisfied {
		if err := p.journal.RecordDispatchOutcomes(ctx, id, inbox.StateCompleted, result.Outcomes); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return
		}
		p.pinThread(ctx, env, result)
		p.forget(id)
		p.emit(events.TypeCompleted, id, env, "", map[string]string{
			"targets": strconv.Itoa(len(result.Outcomes)), "parse_source": d.ParseSource,
		})
		return
	}

	if err := p.journal.RecordDispatchOutcomes(ctx, id, inbox.StateFailed, result.Outcomes); err != nil {
		p.logger.Printf("request %s: %v", id, err)
		return
	}

	// Operator abort mid-fanout: the completed subroutes stay on record,
	// the request closes out as cancelled rather than retrying or burying.
	if reason, ok := p.takeCancellation(id); ok {
		if err := p.journal.RecordCancellation(ctx, id, "aborted: "+reason); err != nil {
			p.logger.Printf("request %s: %v", id, err)
		}
		p.forget(id)
		p.emit(events.TypeCancelled, id, env, "", map[string]string{"note": "aborted: " + reason})
		return
	}

	failure := result.Err()
	category := contract.Categorize(failure)
	if p.metrics != nil {
		p.metrics.RecordError(string(category))
	}
	p.emit(events.TypeFailed, id, env, string(category), nil)

	if category.Retriable() && p.bumpRequeue(id) {
		if err := p.journal.Transition(ctx, id, inbox.StateFailed, inbox.StateDispatching); err != nil {
			p.logger.Printf("request %s: %v", id, err)
			return
		}
		if _, err := p.queue.Enqueue(item); err != nil {
			p.logger.Printf("request %s: requeue rejected: %v", id, err)
			p.bury(ctx, id, env, category, failure)
		}
		return
	}

	p.bury(ctx, id, env, category, failure)
}

func (p *Pipeline) bury(ctx context.Context, id string, env *contract.Envelope, category contract.ErrorCategory, failure error) {
	detail := ""
	if failure != nil {
		detail = failure.Error()
	}
	if err := p.burier.Bury(ctx, id, env, category, detail, p.requeueCount(id)); err != nil {
		p.logger.Printf("request %s: dlq write failed: %v", id, err)
		return
	}
	if err := p.journal.Transition(ctx, id, inbox.StateFailed, inbox.StateDeadLettered); err != nil {
		p.logger.Printf("request %s: %v", id, err)
	}
	p.forget(id)
	if p.metrics != nil {
		p.metrics.RecordDeadLettered(string(category))
	}
	p.emit(events.TypeDeadLettered, id, env, string(category), nil)
}

// abandon closes out a request the operator cancelled while it was queued.
// The record lands in failed with a cancellation note in its processing
// metadata, so lifecycle metrics never count a cancellation as a success.
func (p *Pipeline) abandon(ctx context.Context, id, note string) {
	rec, err := p.journal.Get(ctx, id)
	if err != nil || inbox.Terminal(rec.LifecycleState) {
		return
	}
	if err := p.journal.RecordCancellation(ctx, id, note); err != nil {
		p.logger.Printf("request %s: %v", id, err)
		return
	}
	p.logger.Printf("request %s: %s", id, note)
	p.emit(events.TypeCancelled, id, nil, "", map[string]string{"note": note})
}

// pinThread records conversational affinity after a satisfied fanout: the
// first successful target becomes the thread's pinned butler.
func (p *Pipeline) pinThread(ctx context.Context, env *contract.Envelope, result *route.Result) {
	key := env.ThreadKey()
	if key == "" || p.affinity == nil {
		return
	}
	for _, out := range result.Outcomes {
		if out.Success {
			if err := p.affinity.Pin(ctx, key, out.Butler); err != nil {
				p.logger.Printf("affinity pin %s: %v", key, err)
			}
			return
		}
	}
}

func (p *Pipeline) emit(eventType, requestID string, env *contract.Envelope, errClass string, detail map[string]string) {
	if p.emitter == nil {
		return
	}
	ev := events.Event{
		Type:       eventType,
		Source:     "/dispatch",
		RequestID:  requestID,
		ErrorClass: errClass,
		Detail:     detail,
	}
	if env != nil {
		ev.Channel = env.Source.Channel
		ev.ThreadKey = env.ThreadKey()
		ev.Tier = string(env.Tier())
	}
	p.emitter.Emit(ev)
}

func (p *Pipeline) trackInFlight(id string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.inFlight[id] = cancel
	p.mu.Unlock()
}

func (p *Pipeline) untrackInFlight(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Pipeline) takeCancellation(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason, ok := p.cancelled[id]
	if ok {
		delete(p.cancelled, id)
	}
	return reason, ok
}

// bumpRequeue reports whether the request may re-enter the buffer.
func (p *Pipeline) bumpRequeue(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requeues[id] >= p.cfg.MaxRequeues {
		return false
	}
	p.requeues[id]++
	return true
}

// requeueCount reports how many dispatch rounds the request has retried.
func (p *Pipeline) requeueCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requeues[id]
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	delete(p.requeues, id)
	delete(p.cancelled, id)
	p.mu.Unlock()
}

// renderPrompt substitutes the envelope text into a triage prompt template.
func renderPrompt(template string, env *contract.Envelope) string {
	if template == "" {
		return env.Text()
	}
	return strings.ReplaceAll(template, "{{text}}", env.Text())
}
