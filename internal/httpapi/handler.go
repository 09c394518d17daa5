package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"

	"clinicq/queue-service/internal/queue"
	"clinicq/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	engine queue.Controller
}

func NewHandler(engine queue.Controller) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/tokens", h.handleCheckIn)
	mux.HandleFunc("/api/tokens/walk-in", h.handleWalkIn)
	mux.HandleFunc("/api/tokens/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tokens/actions/complete-and-call-next", h.handleCompleteAndCallNext)
	mux.HandleFunc("/api/tokens/", h.handleTokenActions)
	mux.HandleFunc("/api/queue", h.handleQueueView)
	mux.HandleFunc("/api/audit", h.handleAudit)
	return mux
}

type checkInRequest struct {
	TenantID   string `json:"tenant_id"`
	SubjectRef string `json:"subject_ref"`
	VisitType  string `json:"visit_type"`
	Actor      string `json:"actor"`
}

type tenantActionRequest struct {
	TenantID string `json:"tenant_id"`
	Actor    string `json:"actor"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	h.handleAdmit(w, r, false)
}

func (h *Handler) handleWalkIn(w http.ResponseWriter, r *http.Request) {
	h.handleAdmit(w, r, true)
}

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request, walkIn bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req checkInRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.TenantID = strings.TrimSpace(req.TenantID)
	req.SubjectRef = strings.TrimSpace(req.SubjectRef)
	req.VisitType = strings.TrimSpace(req.VisitType)
	req.Actor = strings.TrimSpace(req.Actor)

	if req.TenantID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "tenant_id is required")
		return
	}
	if !isValidUUID(req.TenantID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}
	if !walkIn && req.SubjectRef == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "subject_ref is required for scheduled check-in")
		return
	}
	if !requireTenant(w, r, req.TenantID) {
		return
	}

	input := queue.CheckInInput{
		TenantID:   req.TenantID,
		SubjectRef: req.SubjectRef,
		VisitType:  req.VisitType,
		Actor:      req.Actor,
	}

	var err error
	var token any
	if walkIn {
		token, err = h.engine.AddWalkIn(r.Context(), input)
	} else {
		token, err = h.engine.CheckIn(r.Context(), input)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodeTenantAction(w, r)
	if !ok {
		return
	}
	result, err := h.engine.CallNext(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCompleteAndCallNext(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodeTenantAction(w, r)
	if !ok {
		return
	}
	result, err := h.engine.CompleteCurrentAndCallNext(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) decodeTenantAction(w http.ResponseWriter, r *http.Request) (queue.TenantInput, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return queue.TenantInput{}, false
	}

	var req tenantActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return queue.TenantInput{}, false
	}

	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Actor = strings.TrimSpace(req.Actor)
	if req.TenantID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "tenant_id is required")
		return queue.TenantInput{}, false
	}
	if !isValidUUID(req.TenantID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return queue.TenantInput{}, false
	}
	if !requireTenant(w, r, req.TenantID) {
		return queue.TenantInput{}, false
	}
	return queue.TenantInput{TenantID: req.TenantID, Actor: req.Actor}, true
}

func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	tokenID := parts[0]
	action := parts[2]
	if !isValidUUID(tokenID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "token id must be a UUID")
		return
	}

	var req tenantActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Actor = strings.TrimSpace(req.Actor)
	if req.TenantID == "" || !isValidUUID(req.TenantID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}
	if !requireTenant(w, r, req.TenantID) {
		return
	}

	input := queue.TokenInput{TenantID: req.TenantID, TokenID: tokenID, Actor: req.Actor}

	var token any
	var err error
	switch action {
	case "call":
		token, err = h.engine.CallSpecific(r.Context(), input)
	case "skip":
		token, err = h.engine.Skip(r.Context(), input)
	case "complete":
		token, err = h.engine.Complete(r.Context(), input)
	case "emergency":
		token, err = h.engine.EmergencyInsert(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleQueueView(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromQuery(w, r)
	if !ok {
		return
	}
	view, err := h.engine.GetQueueView(r.Context(), tenantID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromQuery(w, r)
	if !ok {
		return
	}
	records, err := h.engine.ListAudit(r.Context(), tenantID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) tenantFromQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "", false
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "tenant_id is required")
		return "", false
	}
	if !isValidUUID(tenantID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return "", false
	}
	if !requireTenant(w, r, tenantID) {
		return "", false
	}
	return tenantID, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token status does not allow this action"
	case errors.Is(err, store.ErrSubscriptionInactive):
		return http.StatusForbidden, "subscription_inactive", "tenant subscription is not active"
	case errors.Is(err, store.ErrConsultationInProgress):
		return http.StatusConflict, "consultation_in_progress", "another consultation is in progress"
	case errors.Is(err, store.ErrStaleWrite):
		return http.StatusConflict, "stale_write", "queue changed concurrently, re-read and retry"
	case errors.Is(err, store.ErrBusy):
		return http.StatusServiceUnavailable, "busy", "queue is busy, retry shortly"
	case errors.Is(err, store.ErrDuplicateTokenNumber):
		return http.StatusInternalServerError, "duplicate_token_number", "internal sequencing error"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
