package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/dedup"
	"github.com/butlerfleet/switchboard/internal/dlq"
	"github.com/butlerfleet/switchboard/internal/inbox"
)

// fakeLedger mimics the journal's dedupe-key uniqueness.
type fakeLedger struct {
	mu       sync.Mutex
	byKey    map[string]string
	outbound []*contract.NotifyRequest
	states   map[string]string
	seq      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{byKey: make(map[string]string), states: make(map[string]string)}
}

func (f *fakeLedger) Append(_ context.Context, _ *contract.Envelope, dedupeKey string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prior, ok := f.byKey[dedupeKey]; ok {
		return prior, true, nil
	}
	f.seq++
	id := "req-" + string(rune('a'+f.seq-1))
	f.byKey[dedupeKey] = id
	f.states[id] = inbox.StateAccepted
	return id, false, nil
}

func (f *fakeLedger) AppendOutbound(_ context.Context, n *contract.NotifyRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, n)
	return "out-1", nil
}

func (f *fakeLedger) Transition(_ context.Context, id, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[id] != from {
		return inbox.ErrStaleTransition
	}
	f.states[id] = to
	return nil
}

func ingestEnvelope(eventID string) *contract.Envelope {
	return &contract.Envelope{
		SchemaVersion: contract.SchemaIngestV1,
		Source:        contract.Source{Channel: "telegram", Provider: "telegram-bot", EndpointIdentity: "bot-1"},
		Event:         contract.Event{ExternalEventID: eventID, ObservedAt: time.Now()},
		Sender:        contract.Sender{Identity: "U1"},
		Payload:       contract.Payload{NormalizedText: "hello"},
		Control:       contract.Control{PolicyTier: contract.TierDefault},
	}
}

func TestAcceptThenDuplicate(t *testing.T) {
	ledger := newFakeLedger()
	q := buffer.New(buffer.DefaultConfig())
	a := NewAcceptor(ledger, dedup.NewMemoryWindow(time.Hour), q, nil, nil)

	first, err := a.Accept(context.Background(), ingestEnvelope("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, first.Status)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 1, q.Depth())

	// Same envelope again: suppressed by the window, same request id, not
	// enqueued a second time. The status stays "accepted" so connectors can
	// treat every well-formed delivery uniformly; only the flag differs.
	second, err := a.Accept(context.Background(), ingestEnvelope("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, second.Status)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, q.Depth())
}

func TestDuplicateCaughtByJournalWhenWindowCold(t *testing.T) {
	ledger := newFakeLedger()
	q := buffer.New(buffer.DefaultConfig())

	// Two acceptors sharing a journal but not a window: instance restart.
	a1 := NewAcceptor(ledger, dedup.NewMemoryWindow(time.Hour), q, nil, nil)
	a2 := NewAcceptor(ledger, dedup.NewMemoryWindow(time.Hour), q, nil, nil)

	first, err := a1.Accept(context.Background(), ingestEnvelope("evt-2"))
	require.NoError(t, err)

	second, err := a2.Accept(context.Background(), ingestEnvelope("evt-2"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate, "journal constraint backstops a cold window")
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, q.Depth())
}

func TestDistinctEventsAreDistinctRequests(t *testing.T) {
	ledger := newFakeLedger()
	q := buffer.New(buffer.DefaultConfig())
	a := NewAcceptor(ledger, dedup.NewMemoryWindow(time.Hour), q, nil, nil)

	r1, err := a.Accept(context.Background(), ingestEnvelope("evt-3"))
	require.NoError(t, err)
	r2, err := a.Accept(context.Background(), ingestEnvelope("evt-4"))
	require.NoError(t, err)

	assert.NotEqual(t, r1.RequestID, r2.RequestID)
	assert.Equal(t, 2, q.Depth())
}

func TestOverloadRejectsBulkAndFailsRecord(t *testing.T) {
	ledger := newFakeLedger()
	q := buffer.New(buffer.Config{MaxDepth: 1, HardLimit: 2, StarvationAfter: 10})
	a := NewAcceptor(ledger, dedup.NewMemoryWindow(time.Hour), q, nil, nil)

	for i := 0; i < 2; i++ {
		env := ingestEnvelope("evt-fill-" + string(rune('0'+i)))
		env.Control.PolicyTier = contract.TierBulk
		_, err := a.Accept(context.Background(), env)
		require.NoError(t, err)
	}

	env := ingestEnvelope("evt-overflow")
	env.Control.PolicyTier = contract.TierBulk
	_, err := a.Accept(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, contract.ErrOverload, contract.Categorize(err))

	// Realtime traffic is still admitted past the hard limit.
	rt := ingestEnvelope("evt-urgent")
	rt.Control.PolicyTier = contract.TierRealtime
	resp, err := a.Accept(context.Background(), rt)
	require.NoError(t, err)
	assert.True(t, resp.Deferred, "past MaxDepth acceptance is flagged deferred")
}

func TestLogOutboundValidation(t *testing.T) {
	ledger := newFakeLedger()
	a := NewAcceptor(ledger, dedup.NewMemoryWindow(time.Hour), buffer.New(buffer.DefaultConfig()), nil, nil)

	_, err := a.LogOutbound(context.Background(), &contract.NotifyRequest{
		SchemaVersion: contract.SchemaNotifyV1, SourceButler: "health",
	})
	assert.Error(t, err, "channel and recipient are required")

	id, err := a.LogOutbound(context.Background(), &contract.NotifyRequest{
		SchemaVersion: contract.SchemaNotifyV1,
		SourceButler:  "health",
		Channel:       "telegram",
		Recipient:     "U1",
		Message:       "your appointment is tomorrow",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, ledger.outbound, 1)
}

func TestResubmitBypassesEnvelopeDedup(t *testing.T) {
	ledger := newFakeLedger()
	q := buffer.New(buffer.DefaultConfig())
	a := NewAcceptor(ledger, dedup.NewMemoryWindow(time.Hour), q, nil, nil)

	env := ingestEnvelope("evt-5")
	first, err := a.Accept(context.Background(), env)
	require.NoError(t, err)

	// The original request dead-lettered; a replay of the same envelope
	// must become a new request, not a suppressed duplicate.
	newID, err := a.Resubmit(context.Background(), &dlq.Entry{
		RequestID: first.RequestID,
		Envelope:  *ingestEnvelope("evt-5"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RequestID, newID)
	assert.Equal(t, 2, q.Depth())
}
