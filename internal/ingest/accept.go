// Package ingest is the front door: it validates envelopes, suppresses
// duplicates, journals the request, and admits it to the buffer. Once
// Accept returns a request id the envelope is durable.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/dedup"
	"github.com/butlerfleet/switchboard/internal/dlq"
	"github.com/butlerfleet/switchboard/internal/events"
	"github.com/butlerfleet/switchboard/internal/inbox"
	"github.com/butlerfleet/switchboard/internal/telemetry"
)

// StatusAccepted is the canonical response status. Duplicates are still
// "accepted": the envelope is on record, connectors read the duplicate flag.
const StatusAccepted = "accepted"

// Ledger is the slice of the inbox store the acceptor writes.
type Ledger interface {
	Append(ctx context.Context, env *contract.Envelope, dedupeKey string) (requestID string, duplicate bool, err error)
	AppendOutbound(ctx context.Context, notify *contract.NotifyRequest) (string, error)
	Transition(ctx context.Context, requestID, from, to string) error
}

// Acceptor runs the acceptance pipeline for validated envelopes.
type Acceptor struct {
	ledger  Ledger
	window  dedup.Window
	queue   *buffer.Queue
	metrics *telemetry.Metrics
	emitter events.Emitter
	logger  *log.Logger
}

// NewAcceptor wires the acceptance pipeline. metrics and emitter may be nil
// in tests.
func NewAcceptor(ledger Ledger, window dedup.Window, queue *buffer.Queue,
	metrics *telemetry.Metrics, emitter events.Emitter) *Acceptor {
	return &Acceptor{
		ledger:  ledger,
		window:  window,
		queue:   queue,
		metrics: metrics,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Accept takes a validated envelope through dedup, the journal, and the
// buffer. Duplicates return the prior request id; they are never processed
// twice. The returned response is safe to hand straight to the connector.
func (a *Acceptor) Accept(ctx context.Context, env *contract.Envelope) (*contract.AcceptResponse, error) {
	start := time.Now()
	key := dedup.Key(env)

	// Fast path: the window answers duplicates without touching Postgres.
	if prior, seen, err := a.window.Seen(ctx, key); err != nil {
		a.logger.Printf("dedup window lookup failed, falling through to the journal: %v", err)
	} else if seen {
		a.recordDuplicate(env)
		return &contract.AcceptResponse{Status: StatusAccepted, RequestID: prior, Duplicate: true}, nil
	}

	// The journal's unique constraint is the authority; the window is only
	// a cache of it.
	requestID, duplicate, err := a.ledger.Append(ctx, env, key)
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordRejected(env.Source.Channel, string(contract.Categorize(err)))
		}
		return nil, err
	}
	if duplicate {
		a.recordDuplicate(env)
		return &contract.AcceptResponse{Status: StatusAccepted, RequestID: requestID, Duplicate: true}, nil
	}

	if err := a.window.Record(ctx, key, requestID); err != nil {
		a.logger.Printf("dedup window record failed for %s: %v", requestID, err)
	}

	deferred, err := a.queue.Enqueue(buffer.Item{
		RequestID:  requestID,
		Tier:       env.Tier(),
		ThreadKey:  env.ThreadKey(),
		ReceivedAt: start,
	})
	if err != nil {
		// Hard overload: the journal keeps the rejection on record.
		if terr := a.ledger.Transition(ctx, requestID, inbox.StateAccepted, inbox.StateFailed); terr != nil {
			a.logger.Printf("request %s: %v", requestID, terr)
		}
		if a.metrics != nil {
			a.metrics.RecordRejected(env.Source.Channel, string(contract.ErrOverload))
		}
		return nil, fmt.Errorf("request %s rejected: %w", requestID, err)
	}

	if a.metrics != nil {
		a.metrics.RecordAccepted(env.Source.Channel, string(env.Tier()), time.Since(start).Seconds())
		if deferred {
			a.metrics.RecordDeferred(string(env.Tier()))
		}
	}
	a.emit(events.TypeAccepted, requestID, env)

	return &contract.AcceptResponse{Status: StatusAccepted, RequestID: requestID, Deferred: deferred}, nil
}

// LogOutbound journals a notify.v1 message a butler pushed back out.
func (a *Acceptor) LogOutbound(ctx context.Context, notify *contract.NotifyRequest) (string, error) {
	if notify.SourceButler == "" || notify.Channel == "" || notify.Recipient == "" {
		return "", &contract.ValidationError{Field: "notify", Reason: "source_butler, channel and recipient are required"}
	}
	return a.ledger.AppendOutbound(ctx, notify)
}

// Resubmit re-enters a dead-lettered envelope as a fresh request. The
// dedupe key is derived from the buried request id, not the envelope, so
// the replay is never suppressed as a duplicate of itself.
func (a *Acceptor) Resubmit(ctx context.Context, entry *dlq.Entry) (string, error) {
	requestID, duplicate, err := a.ledger.Append(ctx, &entry.Envelope, "replay:"+entry.RequestID)
	if err != nil {
		return "", err
	}
	if duplicate {
		// A previous replay of this entry already created the row.
		return requestID, nil
	}

	if _, err := a.queue.Enqueue(buffer.Item{
		RequestID:  requestID,
		Tier:       entry.Envelope.Tier(),
		ThreadKey:  entry.Envelope.ThreadKey(),
		ReceivedAt: time.Now(),
	}); err != nil {
		return "", err
	}

	if a.metrics != nil {
		a.metrics.RecordReplay()
	}
	a.emit(events.TypeReplayed, requestID, &entry.Envelope)
	return requestID, nil
}

func (a *Acceptor) recordDuplicate(env *contract.Envelope) {
	if a.metrics != nil {
		a.metrics.RecordDuplicate(env.Source.Channel)
	}
	a.emit(events.TypeDuplicate, "", env)
}

func (a *Acceptor) emit(eventType, requestID string, env *contract.Envelope) {
	if a.emitter == nil {
		return
	}
	a.emitter.Emit(events.Event{
		Type:      eventType,
		Source:    "/v1/ingest",
		RequestID: requestID,
		Channel:   env.Source.Channel,
		ThreadKey: env.ThreadKey(),
		Tier:      string(env.Tier()),
	})
}

var _ dlq.Intake = (*Acceptor)(nil)
