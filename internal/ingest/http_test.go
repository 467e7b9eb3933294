package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/switchboard/internal/audit"
	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/dedup"
	"github.com/butlerfleet/switchboard/internal/dlq"
	"github.com/butlerfleet/switchboard/internal/events"
	"github.com/butlerfleet/switchboard/internal/inbox"
	"github.com/butlerfleet/switchboard/internal/registry"
)

type fakeCanceler struct {
	calls    []string
	aborts   []string
	inFlight bool
}

func (f *fakeCanceler) Cancel(id, _ string) bool {
	f.calls = append(f.calls, id)
	return f.inFlight
}

func (f *fakeCanceler) Abort(id, _ string) bool {
	f.aborts = append(f.aborts, id)
	return f.inFlight
}

type fakeReplayer struct {
	newID string
	err   error
}

func (f *fakeReplayer) Replay(context.Context, string) (string, error) {
	return f.newID, f.err
}

func newTestServer(t *testing.T, mock func(sqlmock.Sqlmock)) (*Server, *fakeCanceler) {
	t.Helper()
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if mock != nil {
		mock(m)
	}

	acceptor := NewAcceptor(newFakeLedger(), dedup.NewMemoryWindow(time.Hour),
		buffer.New(buffer.DefaultConfig()), nil, nil)
	canceler := &fakeCanceler{}
	srv := NewServer(acceptor, inbox.NewStore(db), buffer.New(buffer.DefaultConfig()),
		canceler, &fakeReplayer{newID: "req-new"}, audit.NewStore(db),
		registry.NewCache(), events.NewBus(), nil)
	return srv, canceler
}

const validBody = `{
	"schema_version": "ingest.v1",
	"source": {"channel": "telegram", "provider": "telegram-bot", "endpoint_identity": "bot-1"},
	"event": {"external_event_id": "evt-http-1", "observed_at": "2026-08-24T10:00:00Z"},
	"sender": {"identity": "U1"},
	"payload": {"raw": {"text": "hi"}, "normalized_text": "hi"},
	"control": {"policy_tier": "default"}
}`

func TestIngestEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	// First delivery is accepted.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/ingest", strings.NewReader(validBody)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "accepted", first["status"])

	// Redelivery of the same event is still "accepted" with the duplicate
	// flag set and the original request id.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/ingest", strings.NewReader(validBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, "accepted", second["status"])
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["request_id"], second["request_id"])
}

func TestIngestRejectsMalformedEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	cases := []string{
		`{"schema_version": "ingest.v2"}`,
		`{"schema_version": "ingest.v1", "bogus_field": true}`,
		`not json`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/ingest", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "validation_error", resp["error_class"])
	}
}

func TestNotifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	body := `{"schema_version": "notify.v1", "source_butler": "health", "channel": "telegram", "recipient": "U1", "message": "hi"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/notify", strings.NewReader(body)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/notify",
		strings.NewReader(`{"schema_version": "route.v1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRequiresOperatorAndReason(t *testing.T) {
	srv, canceler := newTestServer(t, nil)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/requests/req-1/cancel",
		strings.NewReader(`{"operator": "ops@butlerfleet"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is mandatory")
	assert.Empty(t, canceler.calls)
}

func TestCancelAuditsAndCancels(t *testing.T) {
	srv, canceler := newTestServer(t, func(m sqlmock.Sqlmock) {
		m.ExpectExec("INSERT INTO operator_audit_log").
			WillReturnResult(sqlmock.NewResult(0, 1))
	})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/requests/req-1/cancel",
		strings.NewReader(`{"operator": "ops@butlerfleet", "reason": "stuck on a dead butler"}`)))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"req-1"}, canceler.calls)
}

func TestAbortRejectedWhenNotInFlight(t *testing.T) {
	srv, canceler := newTestServer(t, func(m sqlmock.Sqlmock) {
		m.ExpectExec("INSERT INTO operator_audit_log").
			WillReturnResult(sqlmock.NewResult(0, 1))
	})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/requests/req-1/abort",
		strings.NewReader(`{"operator": "ops@butlerfleet", "reason": "wrong tenant"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing in flight to stop")
	assert.Equal(t, []string{"req-1"}, canceler.aborts)
}

func TestAbortInterruptsRunningDispatch(t *testing.T) {
	srv, canceler := newTestServer(t, func(m sqlmock.Sqlmock) {
		m.ExpectExec("INSERT INTO operator_audit_log").
			WillReturnResult(sqlmock.NewResult(0, 1))
	})
	canceler.inFlight = true
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/requests/req-1/abort",
		strings.NewReader(`{"operator": "ops@butlerfleet", "reason": "wrong tenant"}`)))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "aborting", resp["status"])
}

func inboxRow(state string, classification []byte) *sqlmock.Rows {
	env := []byte(`{"schema_version":"ingest.v1","source":{"channel":"telegram","endpoint_identity":"bot-1"},` +
		`"event":{"external_event_id":"evt-1","observed_at":"2026-08-24T10:00:00Z"},` +
		`"sender":{"identity":"U1"},"payload":{"normalized_text":"hi"}}`)
	return sqlmock.NewRows([]string{
		"request_id", "received_at", "envelope", "dedupe_key", "schema_version", "direction",
		"lifecycle_state", "triage_outcome", "classification", "dispatch_outcomes", "processing_metadata",
	}).AddRow("req-1", time.Now(), env, "dk-1", "ingest.v1", "inbound",
		state, "escalate", classification, nil, nil)
}

func TestRetryRedispatchesFailedRequest(t *testing.T) {
	decision := []byte(`{"targets":[{"butler":"general","prompt":"hi","prompt_version":"v1","confidence":1}],` +
		`"fanout_mode":"sequential","join_policy":{"kind":"all"},"abort_policy":{"kind":"continue"},"parse_source":"classifier"}`)
	srv, _ := newTestServer(t, func(m sqlmock.Sqlmock) {
		m.ExpectQuery("SELECT request_id, received_at, envelope").
			WillReturnRows(inboxRow("failed", decision))
		m.ExpectExec("UPDATE message_inbox").
			WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectExec("INSERT INTO operator_audit_log").
			WillReturnResult(sqlmock.NewResult(0, 1))
	})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/requests/req-1/retry",
		strings.NewReader(`{"operator": "ops@butlerfleet", "reason": "downstream recovered"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "retrying", resp["status"])
	assert.Equal(t, 1, srv.queue.Depth(), "retry puts the request back on the buffer")
}

func TestRetryWithoutStoredDecisionConflicts(t *testing.T) {
	srv, _ := newTestServer(t, func(m sqlmock.Sqlmock) {
		m.ExpectQuery("SELECT request_id, received_at, envelope").
			WillReturnRows(inboxRow("failed", nil))
		m.ExpectExec("INSERT INTO operator_audit_log").
			WillReturnResult(sqlmock.NewResult(0, 1))
	})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/requests/req-1/retry",
		strings.NewReader(`{"operator": "ops@butlerfleet", "reason": "downstream recovered"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code, "a retry needs the original routing decision")
}

func TestReplayConflictMapsTo409(t *testing.T) {
	srv, _ := newTestServer(t, func(m sqlmock.Sqlmock) {
		m.ExpectExec("INSERT INTO operator_audit_log").
			WillReturnResult(sqlmock.NewResult(0, 1))
	})
	srv.replayer = &fakeReplayer{err: dlq.ErrAlreadyReplayed}
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/dlq/req-dead/replay",
		strings.NewReader(`{"operator": "ops@butlerfleet", "reason": "retrying after outage"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReplayIneligibleMapsTo409(t *testing.T) {
	srv, _ := newTestServer(t, func(m sqlmock.Sqlmock) {
		m.ExpectExec("INSERT INTO operator_audit_log").
			WillReturnResult(sqlmock.NewResult(0, 1))
	})
	srv.replayer = &fakeReplayer{err: dlq.ErrReplayIneligible}
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/ops/dlq/req-dead/replay",
		strings.NewReader(`{"operator": "ops@butlerfleet", "reason": "retrying after outage"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code, "quarantined entries are refused")
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "buffer_depth")
}
