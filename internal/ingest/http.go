package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/butlerfleet/switchboard/internal/audit"
	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/dlq"
	"github.com/butlerfleet/switchboard/internal/events"
	"github.com/butlerfleet/switchboard/internal/inbox"
	"github.com/butlerfleet/switchboard/internal/registry"
	"github.com/butlerfleet/switchboard/internal/route"
	"github.com/butlerfleet/switchboard/internal/telemetry"
)

// Canceler stops requests on an operator's behalf. Cancel covers queued and
// in-flight requests; Abort only interrupts a running fanout.
type Canceler interface {
	Cancel(requestID, reason string) bool
	Abort(requestID, reason string) bool
}

// Replays resubmits a dead-lettered request.
type Replays interface {
	Replay(ctx context.Context, requestID string) (string, error)
}

// Server is the HTTP surface: connector ingress, the operator console, and
// the observability endpoints.
type Server struct {
	acceptor *Acceptor
	journal  *inbox.Store
	queue    *buffer.Queue
	canceler Canceler
	replayer Replays
	audits   *audit.Store
	roster   *registry.Cache
	bus      *events.Bus
	metrics  *telemetry.Metrics
	logger   *log.Logger
}

// NewServer wires the HTTP surface.
func NewServer(acceptor *Acceptor, journal *inbox.Store, queue *buffer.Queue,
	canceler Canceler, replayer Replays, audits *audit.Store,
	roster *registry.Cache, bus *events.Bus, metrics *telemetry.Metrics) *Server {
	return &Server{
		acceptor: acceptor,
		journal:  journal,
		queue:    queue,
		canceler: canceler,
		replayer: replayer,
		audits:   audits,
		roster:   roster,
		bus:      bus,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Connector ingress
	r.HandleFunc("/v1/ingest", s.handleIngest).Methods("POST")
	r.HandleFunc("/v1/notify", s.handleNotify).Methods("POST")

	// Request introspection
	r.HandleFunc("/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	r.HandleFunc("/v1/butlers", s.handleButlers).Methods("GET")

	// Operator console
	r.HandleFunc("/ops/requests/{id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/ops/requests/{id}/abort", s.handleAbort).Methods("POST")
	r.HandleFunc("/ops/requests/{id}/reroute", s.handleReroute).Methods("POST")
	r.HandleFunc("/ops/requests/{id}/retry", s.handleRetry).Methods("POST")
	r.HandleFunc("/ops/requests/{id}/force-complete", s.handleForceComplete).Methods("POST")
	r.HandleFunc("/ops/requests/{id}/audit", s.handleAuditTrail).Methods("GET")
	r.HandleFunc("/ops/dlq/{id}/replay", s.handleReplay).Methods("POST")

	// Observability
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// ListenAndServe starts the server with sane timeouts, shutting down when
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// INGRESS
// ============================================================================

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	env, err := contract.ParseEnvelope(r.Body)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRejected("unknown", string(contract.ErrValidation))
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.acceptor.Accept(r.Context(), env)
	if err != nil {
		if contract.Categorize(err) == contract.ErrOverload {
			writeError(w, http.StatusTooManyRequests, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var notify contract.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&notify); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid notify payload: %w", err))
		return
	}
	if notify.SchemaVersion != contract.SchemaNotifyV1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported schema_version %q", notify.SchemaVersion))
		return
	}

	id, err := s.acceptor.LogOutbound(r.Context(), &notify)
	if err != nil {
		var ve *contract.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "logged", "request_id": id})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, inbox.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":        rec.RequestID,
		"received_at":       rec.ReceivedAt,
		"direction":         rec.Direction,
		"lifecycle_state":   rec.LifecycleState,
		"triage_outcome":    rec.TriageOutcome,
		"classification":    rec.Classification,
		"dispatch_outcomes": rec.DispatchOutcomes,
	})
}

func (s *Server) handleButlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"butlers": s.roster.Names()})
}

// ============================================================================
// OPERATOR CONSOLE
// ============================================================================

// opRequest is the common body of operator interventions. operator and
// reason are mandatory; an intervention that cannot be audited is refused.
type opRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
	Target   string `json:"target,omitempty"`
}

func (s *Server) readOpRequest(w http.ResponseWriter, r *http.Request) (*opRequest, bool) {
	var req opRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid operator request: %w", err))
		return nil, false
	}
	if req.Operator == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("operator and reason are required"))
		return nil, false
	}
	return &req, true
}

// recordAudit appends the audit entry; a failed append fails the whole
// intervention.
func (s *Server) recordAudit(ctx context.Context, w http.ResponseWriter, op *opRequest, action, requestID, outcome, detail string) bool {
	_, err := s.audits.Append(ctx, &audit.Entry{
		OperatorIdentity: op.Operator,
		Action:           action,
		RequestID:        requestID,
		Reason:           op.Reason,
		Outcome:          outcome,
		Detail:           detail,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("audit append failed, intervention aborted: %w", err))
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordIntervention(action, outcome)
	}
	return true
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	op, ok := s.readOpRequest(w, r)
	if !ok {
		return
	}

	detail := "queued"
	if s.canceler.Cancel(id, op.Reason) {
		detail = "in_flight"
	}
	if !s.recordAudit(r.Context(), w, op, audit.ActionCancel, id, audit.OutcomeSuccess, detail) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "request_id": id})
}

// handleAbort interrupts a running fanout. Unlike cancel it is rejected
// when nothing is in flight: there is no dispatch to stop.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	op, ok := s.readOpRequest(w, r)
	if !ok {
		return
	}

	if !s.canceler.Abort(id, op.Reason) {
		if !s.recordAudit(r.Context(), w, op, audit.ActionAbort, id, audit.OutcomeRejected, "not_in_flight") {
			return
		}
		writeError(w, http.StatusConflict, fmt.Errorf("request %s is not in flight", id))
		return
	}
	if !s.recordAudit(r.Context(), w, op, audit.ActionAbort, id, audit.OutcomeSuccess, "") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting", "request_id": id})
}

// handleReroute redirects a failed request to an operator-chosen butler.
// Only failed requests are reroutable: anything queued or in flight should
// be cancelled first.
func (s *Server) handleReroute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	op, ok := s.readOpRequest(w, r)
	if !ok {
		return
	}
	if op.Target == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reroute requires a target"))
		return
	}
	if _, err := s.roster.Lookup(op.Target); err != nil {
		s.recordAudit(r.Context(), w, op, audit.ActionManualReroute, id, audit.OutcomeRejected, err.Error())
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, inbox.ErrNotFound) {
		s.recordAudit(r.Context(), w, op, audit.ActionManualReroute, id, audit.OutcomeRejected, "not_found")
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec.LifecycleState != inbox.StateFailed {
		detail := fmt.Sprintf("state %s is not reroutable", rec.LifecycleState)
		s.recordAudit(r.Context(), w, op, audit.ActionManualReroute, id, audit.OutcomeRejected, detail)
		writeError(w, http.StatusConflict, fmt.Errorf("%s", detail))
		return
	}

	decision := route.SingleTarget(op.Target, rec.Envelope.Text(), "operator.v1", route.SourceTriage)
	raw, _ := json.Marshal(decision)
	if err := s.journal.SetClassification(r.Context(), id, raw); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.journal.Transition(r.Context(), id, inbox.StateFailed, inbox.StateDispatching); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if _, err := s.queue.Enqueue(buffer.Item{
		RequestID:  id,
		Tier:       rec.Envelope.Tier(),
		ThreadKey:  rec.Envelope.ThreadKey(),
		ReceivedAt: rec.ReceivedAt,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	if !s.recordAudit(r.Context(), w, op, audit.ActionManualReroute, id, audit.OutcomeSuccess, "target="+op.Target) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rerouted", "request_id": id, "target": op.Target})
}

// handleRetry re-dispatches a failed request with its stored routing
// decision intact; reroute is the variant that overrides the target.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	op, ok := s.readOpRequest(w, r)
	if !ok {
		return
	}

	rec, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, inbox.ErrNotFound) {
		s.recordAudit(r.Context(), w, op, audit.ActionControlledRetry, id, audit.OutcomeRejected, "not_found")
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec.LifecycleState != inbox.StateFailed {
		detail := fmt.Sprintf("state %s is not retriable", rec.LifecycleState)
		s.recordAudit(r.Context(), w, op, audit.ActionControlledRetry, id, audit.OutcomeRejected, detail)
		writeError(w, http.StatusConflict, fmt.Errorf("%s", detail))
		return
	}
	if len(rec.Classification) == 0 {
		s.recordAudit(r.Context(), w, op, audit.ActionControlledRetry, id, audit.OutcomeRejected, "no stored decision")
		writeError(w, http.StatusConflict, fmt.Errorf("request %s has no routing decision to retry", id))
		return
	}

	if err := s.journal.Transition(r.Context(), id, inbox.StateFailed, inbox.StateDispatching); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if _, err := s.queue.Enqueue(buffer.Item{
		RequestID:  id,
		Tier:       rec.Envelope.Tier(),
		ThreadKey:  rec.Envelope.ThreadKey(),
		ReceivedAt: rec.ReceivedAt,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	if !s.recordAudit(r.Context(), w, op, audit.ActionControlledRetry, id, audit.OutcomeSuccess, "") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying", "request_id": id})
}

func (s *Server) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	op, ok := s.readOpRequest(w, r)
	if !ok {
		return
	}

	err := s.journal.ForceComplete(r.Context(), id)
	if errors.Is(err, inbox.ErrStaleTransition) {
		s.recordAudit(r.Context(), w, op, audit.ActionForceComplete, id, audit.OutcomeRejected, "already terminal or missing")
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if !s.recordAudit(r.Context(), w, op, audit.ActionForceComplete, id, audit.OutcomeSuccess, "") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "request_id": id})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	op, ok := s.readOpRequest(w, r)
	if !ok {
		return
	}

	newID, err := s.replayer.Replay(r.Context(), id)
	switch {
	case errors.Is(err, dlq.ErrNotFound):
		s.recordAudit(r.Context(), w, op, audit.ActionControlledReplay, id, audit.OutcomeRejected, "not_found")
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, dlq.ErrAlreadyReplayed):
		s.recordAudit(r.Context(), w, op, audit.ActionControlledReplay, id, audit.OutcomeRejected, "already_replayed")
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, dlq.ErrReplayIneligible):
		s.recordAudit(r.Context(), w, op, audit.ActionControlledReplay, id, audit.OutcomeRejected, "replay_ineligible")
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.recordAudit(r.Context(), w, op, audit.ActionControlledReplay, id, audit.OutcomeFailed, err.Error())
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if !s.recordAudit(r.Context(), w, op, audit.ActionControlledReplay, id, audit.OutcomeSuccess, "replayed_as="+newID) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed", "request_id": id, "replayed_as": newID})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := s.audits.ForRequest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request_id": id, "entries": entries})
}

// ============================================================================
// OBSERVABILITY
// ============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"buffer_depth": s.queue.Depth(),
	})
}

// handleEventStream pushes lifecycle events over SSE until the client
// disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			payload, err := ev.SSE()
			if err != nil {
				continue
			}
			w.Write(payload)
			flusher.Flush()
		}
	}
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":       err.Error(),
		"error_class": string(contract.Categorize(err)),
	})
}
