package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodEnvelope = `{
	"schema_version": "ingest.v1",
	"source": {"channel": "Telegram", "provider": "BotAPI", "endpoint_identity": "bot-1"},
	"event": {"external_event_id": "evt-1", "external_thread_id": "th-9", "observed_at": "2026-03-01T00:00:00Z"},
	"sender": {"identity": "U1", "display": "Uli"},
	"payload": {"raw": "{\"text\":\"hi\"}", "normalized_text": "hi"},
	"control": {"policy_tier": "default"}
}`

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope(strings.NewReader(goodEnvelope))
	require.NoError(t, err)

	// Channel and provider identifiers are lowercased on accept.
	assert.Equal(t, "telegram", env.Source.Channel)
	assert.Equal(t, "botapi", env.Source.Provider)
	assert.Equal(t, "evt-1", env.Event.ExternalEventID)
	assert.Equal(t, TierDefault, env.Tier())
	assert.Equal(t, "telegram:th-9", env.ThreadKey())
	assert.Equal(t, "hi", env.Text())
}

func TestParseEnvelopeRejectsUnknownFields(t *testing.T) {
	body := strings.Replace(goodEnvelope, `"control"`, `"extra": 1, "control"`, 1)
	_, err := ParseEnvelope(strings.NewReader(body))
	require.Error(t, err)
	assert.Equal(t, ErrValidation, Categorize(err))
}

func TestParseEnvelopeMissingEventID(t *testing.T) {
	body := strings.Replace(goodEnvelope, `"external_event_id": "evt-1", `, "", 1)
	_, err := ParseEnvelope(strings.NewReader(body))
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "event.external_event_id", ve.Field)
}

func TestParseEnvelopeWrongSchemaVersion(t *testing.T) {
	body := strings.Replace(goodEnvelope, "ingest.v1", "ingest.v2", 1)
	_, err := ParseEnvelope(strings.NewReader(body))
	require.Error(t, err)
	assert.Equal(t, ErrValidation, Categorize(err))
}

func TestParseEnvelopeBadTier(t *testing.T) {
	body := strings.Replace(goodEnvelope, `"policy_tier": "default"`, `"policy_tier": "express"`, 1)
	_, err := ParseEnvelope(strings.NewReader(body))
	require.Error(t, err)
}

func TestParseEnvelopeDefaultsTier(t *testing.T) {
	body := strings.Replace(goodEnvelope, `"control": {"policy_tier": "default"}`, `"control": {}`, 1)
	env, err := ParseEnvelope(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, TierDefault, env.Control.PolicyTier)
}

func TestCategoryRetriable(t *testing.T) {
	assert.True(t, ErrTimeout.Retriable())
	assert.True(t, ErrDownstreamFailure.Retriable())
	assert.True(t, ErrCircuitOpen.Retriable())
	assert.False(t, ErrValidation.Retriable())
	assert.False(t, ErrPolicyViolation.Retriable())
	assert.False(t, ErrOverload.Retriable())
	assert.False(t, ErrRetryExhausted.Retriable())
	assert.True(t, ErrRetryExhausted.Terminal())
}

func TestCategorizeWrapped(t *testing.T) {
	err := Categorized(ErrCircuitOpen, assert.AnError)
	assert.Equal(t, ErrCircuitOpen, Categorize(err))
	assert.ErrorIs(t, err, assert.AnError)
}
