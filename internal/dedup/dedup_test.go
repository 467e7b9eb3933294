package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/switchboard/internal/contract"
)

func sampleEnvelope(eventID string) *contract.Envelope {
	return &contract.Envelope{
		SchemaVersion: contract.SchemaIngestV1,
		Source:        contract.Source{Channel: "telegram", EndpointIdentity: "E1"},
		Event:         contract.Event{ExternalEventID: eventID, ObservedAt: time.Now()},
		Sender:        contract.Sender{Identity: "U1"},
	}
}

func TestKeyStable(t *testing.T) {
	a := Key(sampleEnvelope("evt-1"))
	b := Key(sampleEnvelope("evt-1"))
	assert.Equal(t, a, b, "same envelope must always derive the same key")
	assert.Len(t, a, 64)
}

func TestKeyDistinguishesEvents(t *testing.T) {
	assert.NotEqual(t, Key(sampleEnvelope("evt-1")), Key(sampleEnvelope("evt-2")))
}

func TestKeyFieldBoundaries(t *testing.T) {
	// "E1"+"U1ab" must not collide with "E1U1"+"ab" style splits.
	a := sampleEnvelope("x")
	a.Source.EndpointIdentity = "E1"
	a.Sender.Identity = "U1ab"

	b := sampleEnvelope("x")
	b.Source.EndpointIdentity = "E1U1"
	b.Sender.Identity = "ab"

	assert.NotEqual(t, Key(a), Key(b))
}

func TestRedisWindowRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	w := NewRedisWindow(rdb, time.Hour)
	ctx := context.Background()

	_, ok, err := w.Seen(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Record(ctx, "k1", "req-1"))

	id, ok, err := w.Seen(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	// First writer wins on races.
	require.NoError(t, w.Record(ctx, "k1", "req-2"))
	id, _, _ = w.Seen(ctx, "k1")
	assert.Equal(t, "req-1", id)
}

func TestRedisWindowExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	w := NewRedisWindow(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, w.Record(ctx, "k1", "req-1"))
	mr.FastForward(2 * time.Minute)

	_, ok, err := w.Seen(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryWindow(t *testing.T) {
	w := NewMemoryWindow(time.Hour)
	ctx := context.Background()

	require.NoError(t, w.Record(ctx, "k1", "req-1"))
	id, ok, err := w.Seen(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	require.NoError(t, w.Record(ctx, "k1", "req-2"))
	id, _, _ = w.Seen(ctx, "k1")
	assert.Equal(t, "req-1", id)
}
