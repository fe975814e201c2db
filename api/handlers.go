/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the engine over REST. Handles request decoding, actor
  extraction, role checks and error mapping, then delegates every
  decision to engine.Engine.

ENDPOINTS:
  Counter-parties:
    POST   /api/parties                           Register a counter-party
    GET    /api/parties/{kind}/{id}               Get a counter-party
    GET    /api/parties/{kind}/{id}/balance       Derived balance
    GET    /api/parties/{kind}/{id}/statement     Statement (?from=&to=)

  Employees:
    POST   /api/employees                         Register an employee
    GET    /api/employees/{id}                    Get an employee
    GET    /api/employees/{id}/payroll            Payroll result
    GET    /api/employees/{id}/statement          Statement (?from=&to=)

  Transactions:
    POST   /api/transactions/{kind}               Create a row of any kind
    PUT    /api/transactions/{kind}/{id}          Update a delivery, payment or adjustment

  Recycle bin:
    DELETE /api/records/{type}/{id}               Soft delete
    POST   /api/records/{type}/{id}/restore       Restore
    DELETE /api/records/{type}/{id}/permanent     Permanent delete (admin)
    GET    /api/recycle-bin/{type}                Soft-deleted rows (?from=&to=)

  Audit:
    GET    /api/audit                             Query (?entity_type=&entity_id=&actor_id=&action=&from=&to=&limit=)
    POST   /api/audit                             Append an external entry

ERROR HANDLING:
  - 400: validation errors, malformed input
  - 401: no actor on a mutating request
  - 403: role may not perform the action (recorded as blocked)
  - 404: row missing or soft-deleted
  - 409: duplicate key, referential guard, concurrent modification
  - 500: invariant violations and storage failures

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/quarry-ledger/audit"
	"github.com/warp/quarry-ledger/engine"
	"github.com/warp/quarry-ledger/factory"
	"github.com/warp/quarry-ledger/ledger"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies of every HTTP handler.
type Handler struct {
	Engine *engine.Engine
	log    logrus.FieldLogger
}

// NewHandler creates a handler over an engine.
func NewHandler(eng *engine.Engine, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Engine: eng, log: log}
}

// =============================================================================
// COUNTER-PARTY HANDLERS
// =============================================================================

// RegisterCounterParty registers a client, crusher, contractor, supplier or
// administration entity.
func (h *Handler) RegisterCounterParty(w http.ResponseWriter, r *http.Request) {
	var cp ledger.CounterParty
	if !h.decode(w, r, &cp) {
		return
	}
	if !cp.Kind.IsCounterParty() {
		h.fail(w, r, &ledger.ValidationError{Field: "kind", Message: "must be a counter-party kind"})
		return
	}
	ref := ledger.EntityRef{Type: ledger.EntityTypeFor(cp.Kind), ID: cp.ID}
	actor, ok := h.authorize(w, r, ledger.AuditCreate, ref)
	if !ok {
		return
	}
	created, err := h.Engine.RegisterCounterParty(r.Context(), actor, cp)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetCounterParty(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	cp, err := h.Engine.CounterParty(r.Context(), chi.URLParam(r, "id"), kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// GetBalance returns the derived balance of a counter-party.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	bal, err := h.Engine.ComputeBalance(r.Context(), chi.URLParam(r, "id"), kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetStatement returns the chronological statement of a counter-party.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	h.statement(w, r, kind)
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

func (h *Handler) RegisterEmployee(w http.ResponseWriter, r *http.Request) {
	var emp ledger.Employee
	if !h.decode(w, r, &emp) {
		return
	}
	actor, ok := h.authorize(w, r, ledger.AuditCreate, emp.Ref())
	if !ok {
		return
	}
	created, err := h.Engine.RegisterEmployee(r.Context(), actor, emp)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Engine.Employee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emp)
}

// GetPayroll returns the payroll result. An invalid calculation is a 200
// with valid=false and a reason.
func (h *Handler) GetPayroll(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ComputeEmployeeBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetEmployeeStatement(w http.ResponseWriter, r *http.Request) {
	h.statement(w, r, ledger.KindEmployee)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request, kind ledger.Kind) {
	rng, err := parseRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.Engine.ListTransactions(r.Context(), chi.URLParam(r, "id"), kind, rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if st.Entries == nil {
		st.Entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction records a delivery, payment, adjustment, attendance
// period, capital movement or opening balance.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	kind, err := factory.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor, ok := h.authorize(w, r, ledger.AuditCreate, ledger.EntityRef{Type: kind.EntityType()})
	if !ok {
		return
	}
	body, ok := h.body(w, r)
	if !ok {
		return
	}
	rec, err := h.Engine.CreateTransaction(r.Context(), actor, kind, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRecordResponse(rec))
}

func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	kind, err := factory.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	actor, ok := h.authorize(w, r, ledger.AuditUpdate, ledger.EntityRef{Type: kind.EntityType(), ID: id})
	if !ok {
		return
	}
	body, ok := h.body(w, r)
	if !ok {
		return
	}
	rec, err := h.Engine.UpdateTransaction(r.Context(), actor, kind, id, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

// =============================================================================
// RECYCLE BIN HANDLERS
// =============================================================================

func (h *Handler) SoftDelete(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.refParam(w, r)
	if !ok {
		return
	}
	actor, ok := h.authorize(w, r, ledger.AuditDelete, ref)
	if !ok {
		return
	}
	rec, err := h.Engine.SoftDelete(r.Context(), actor, ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.refParam(w, r)
	if !ok {
		return
	}
	actor, ok := h.authorize(w, r, ledger.AuditRestore, ref)
	if !ok {
		return
	}
	rec, err := h.Engine.Restore(r.Context(), actor, ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

// PermanentDelete purges a row. Refused with 409 while anything references it.
func (h *Handler) PermanentDelete(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.refParam(w, r)
	if !ok {
		return
	}
	actor, ok := h.authorize(w, r, ledger.AuditPermanentDelete, ref)
	if !ok {
		return
	}
	if err := h.Engine.PermanentDelete(r.Context(), actor, ref); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListDeleted(w http.ResponseWriter, r *http.Request) {
	t, err := ledger.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recs, err := h.Engine.ListDeleted(r.Context(), t, rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, RecycleBinResponse{EntityType: t, Count: len(recs), Records: recs})
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.Engine.AuditLog(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, AuditLogResponse{Count: len(entries), Entries: entries})
}

// AppendAudit records an entry on behalf of a collaborator that mutates
// data outside the engine.
func (h *Handler) AppendAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := audit.ParseAction(req.Action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := ledger.ParseEntityType(req.EntityType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.EntityID == "" {
		h.fail(w, r, &ledger.ValidationError{Field: "entity_id", Message: "is required"})
		return
	}
	ref := ledger.EntityRef{Type: t, ID: req.EntityID}
	actor, ok := h.authorize(w, r, ledger.AuditCreate, ref)
	if !ok {
		return
	}
	entry, err := h.Engine.AppendAuditEntry(r.Context(), actor, action, ref, rawOrNil(req.OldValues), rawOrNil(req.NewValues))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func (h *Handler) kindParam(w http.ResponseWriter, r *http.Request) (ledger.Kind, bool) {
	kind, err := ledger.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return 0, false
	}
	return kind, true
}

func (h *Handler) refParam(w http.ResponseWriter, r *http.Request) (ledger.EntityRef, bool) {
	t, err := ledger.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		h.fail(w, r, err)
		return ledger.EntityRef{}, false
	}
	return ledger.EntityRef{Type: t, ID: chi.URLParam(r, "id")}, true
}

func (h *Handler) body(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return nil, false
	}
	return body, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := h.body(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.fail(w, r, &ledger.ValidationError{Message: err.Error()})
		return false
	}
	return true
}

// parseRange reads ?from= and ?to=. A date-only "to" covers the whole day.
func parseRange(r *http.Request) (ledger.DateRange, error) {
	var rng ledger.DateRange
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		t, _, err := parseTime(s)
		if err != nil {
			return rng, &ledger.ValidationError{Field: "from", Message: err.Error()}
		}
		rng.From = t
	}
	if s := q.Get("to"); s != "" {
		t, dateOnly, err := parseTime(s)
		if err != nil {
			return rng, &ledger.ValidationError{Field: "to", Message: err.Error()}
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		rng.To = t
	}
	return rng, rng.Validate()
}

func parseTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("want YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t.UTC(), false, nil
}

func parseAuditFilter(r *http.Request) (ledger.AuditFilter, error) {
	q := r.URL.Query()
	var f ledger.AuditFilter
	if s := q.Get("entity_type"); s != "" {
		t, err := ledger.ParseEntityType(s)
		if err != nil {
			return f, err
		}
		f.Type = t
		if id := q.Get("entity_id"); id != "" {
			f.Entity = &ledger.EntityRef{Type: t, ID: id}
		}
	} else if q.Get("entity_id") != "" {
		return f, &ledger.ValidationError{Field: "entity_type", Message: "is required with entity_id"}
	}
	f.ActorID = q.Get("actor_id")
	for _, s := range q["action"] {
		a, err := audit.ParseAction(s)
		if err != nil {
			return f, err
		}
		f.Actions = append(f.Actions, a)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, &ledger.ValidationError{Field: "limit", Message: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	rng, err := parseRange(r)
	if err != nil {
		return f, err
	}
	f.Range = rng
	return f, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// fail maps an engine error to a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: http.StatusText(status), Code: code}

	var (
		ve    *ledger.ValidationError
		guard *ledger.ReferentialGuardError
	)
	switch {
	case errors.As(err, &guard):
		resp.Details = map[string]any{"message": err.Error(), "blocking": guard.Blocking}
	case errors.As(err, &ve) && ve.Field != "":
		resp.Details = map[string]any{"message": err.Error(), "field": ve.Field}
	default:
		resp.Details = err.Error()
	}

	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrReferentialGuard):
		return http.StatusConflict, "referenced"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, "retry"
	case errors.Is(err, ledger.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant_violation"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
