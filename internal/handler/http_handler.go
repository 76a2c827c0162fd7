// Package handler exposes the requisition workflow over HTTP/JSON.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/logger"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
	"github.com/sierra-crm/be-pr-requisitions/internal/service"
	"github.com/sierra-crm/be-pr-requisitions/pkg/metrics"
)

// userIDHeader carries the authenticated caller's ID, set by the API gateway.
const userIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests for the requisition workflow.
type HTTPHandler struct {
	service *service.RequisitionService
	metrics *metrics.Collector
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. collector may be nil.
func NewHTTPHandler(svc *service.RequisitionService, collector *metrics.Collector, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, metrics: collector, log: log}
}

// Register mounts all workflow routes on the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/requisitions", h.CreateRequisition)
	mux.HandleFunc("GET /api/v1/requisitions", h.ListRequisitions)
	mux.HandleFunc("GET /api/v1/requisitions/{id}", h.GetRequisition)
	mux.HandleFunc("PUT /api/v1/requisitions/{id}", h.UpdateRequisition)
	mux.HandleFunc("DELETE /api/v1/requisitions/{id}", h.DeleteRequisition)
	mux.HandleFunc("POST /api/v1/requisitions/{id}/submit", h.SubmitRequisition)
	mux.HandleFunc("POST /api/v1/requisitions/{id}/approve", h.ApproveRequisition)
	mux.HandleFunc("POST /api/v1/requisitions/{id}/reject", h.RejectRequisition)
	mux.HandleFunc("POST /api/v1/requisitions/{id}/cancel", h.CancelRequisition)
	mux.HandleFunc("POST /api/v1/requisitions/{id}/complete", h.CompleteRequisition)
	mux.HandleFunc("POST /api/v1/requisitions/{id}/escalate", h.EscalateRequisition)
	mux.HandleFunc("POST /api/v1/requisitions/{id}/comments", h.AddComment)
	mux.HandleFunc("GET /api/v1/approvals/pending", h.PendingApprovals)
	mux.HandleFunc("GET /api/v1/approval-rules", h.ListApprovalRules)
	mux.HandleFunc("POST /api/v1/approval-rules", h.CreateApprovalRule)
	mux.HandleFunc("PUT /api/v1/approval-rules/{id}", h.UpdateApprovalRule)
}

// CreateRequisition handles draft creation.
func (h *HTTPHandler) CreateRequisition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateRequisitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	req.RequesterID = actorID

	pr, err := h.service.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, pr)
}

// GetRequisition returns the composed workflow view.
func (h *HTTPHandler) GetRequisition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	view, err := h.service.View(r.Context(), r.PathValue("id"), actorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ListRequisitions returns a filtered page of requisitions.
func (h *HTTPHandler) ListRequisitions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	q := r.URL.Query()
	filter := repository.ListFilter{}
	if v := q.Get("status"); v != "" {
		status := repository.Status(v)
		filter.Status = &status
	}
	if v := q.Get("requester_id"); v != "" {
		filter.RequesterID = &v
	}
	if v := q.Get("approver_id"); v != "" {
		filter.ApproverID = &v
	}
	if v := q.Get("priority"); v != "" {
		priority := repository.Priority(v)
		filter.Priority = &priority
	}
	if v := q.Get("category"); v != "" {
		filter.Category = &v
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	items, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requisitions": items,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
	})
}

// UpdateRequisition edits a draft.
func (h *HTTPHandler) UpdateRequisition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateRequisitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	pr, err := h.service.UpdateDraft(r.Context(), r.PathValue("id"), actorID, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pr)
}

// DeleteRequisition removes a draft.
func (h *HTTPHandler) DeleteRequisition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteDraft(r.Context(), r.PathValue("id"), actorID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitRequisition routes a draft into the approval flow.
func (h *HTTPHandler) SubmitRequisition(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actorID string, _ noteRequest) (*repository.Requisition, error) {
		return h.service.Submit(r.Context(), id, actorID)
	})
}

// ApproveRequisition resolves a pending requisition in favour of the request.
func (h *HTTPHandler) ApproveRequisition(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actorID string, body noteRequest) (*repository.Requisition, error) {
		return h.service.Approve(r.Context(), id, actorID, body.note())
	})
}

// RejectRequisition resolves a pending requisition against the request.
func (h *HTTPHandler) RejectRequisition(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actorID string, body noteRequest) (*repository.Requisition, error) {
		return h.service.Reject(r.Context(), id, actorID, body.note())
	})
}

// CancelRequisition withdraws a non-terminal requisition.
func (h *HTTPHandler) CancelRequisition(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actorID string, body noteRequest) (*repository.Requisition, error) {
		return h.service.Cancel(r.Context(), id, actorID, body.note())
	})
}

// CompleteRequisition marks an approved requisition as fulfilled.
func (h *HTTPHandler) CompleteRequisition(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actorID string, _ noteRequest) (*repository.Requisition, error) {
		return h.service.Complete(r.Context(), id, actorID)
	})
}

// EscalateRequisition reassigns an overdue approval to the supervisor.
func (h *HTTPHandler) EscalateRequisition(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actorID string, _ noteRequest) (*repository.Requisition, error) {
		return h.service.Escalate(r.Context(), id, actorID)
	})
}

// AddComment appends a comment entry to the ledger.
func (h *HTTPHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Text       string `json:"text"`
		IsInternal bool   `json:"is_internal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	entry, err := h.service.Comment(r.Context(), r.PathValue("id"), actorID, req.Text, req.IsInternal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// PendingApprovals returns the caller's approval inbox.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	items, err := h.service.PendingApprovals(r.Context(), actorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requisitions": items,
		"total":        len(items),
	})
}

// ListApprovalRules returns all configured approval rules.
func (h *HTTPHandler) ListApprovalRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	rules, err := h.service.ListRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// CreateApprovalRule adds a rule to the active partition.
func (h *HTTPHandler) CreateApprovalRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	var rule repository.ApprovalRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	created, err := h.service.CreateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// UpdateApprovalRule modifies a rule under partition validation.
func (h *HTTPHandler) UpdateApprovalRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	var rule repository.ApprovalRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	rule.ID = r.PathValue("id")

	updated, err := h.service.UpdateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type noteRequest struct {
	Comments *string `json:"comments"`
	Reason   *string `json:"reason"`
}

func (n noteRequest) note() string {
	if n.Reason != nil {
		return *n.Reason
	}
	if n.Comments != nil {
		return *n.Comments
	}
	return ""
}

// transition factors the shared shape of the POST action endpoints: resolve
// the actor, decode the optional note body, run the operation, write the
// updated requisition.
func (h *HTTPHandler) transition(w http.ResponseWriter, r *http.Request, op func(id, actorID string, body noteRequest) (*repository.Requisition, error)) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body noteRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
			return
		}
	}

	pr, err := op(r.PathValue("id"), actorID, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pr)
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := r.Header.Get(userIDHeader)
	if actorID == "" {
		h.writeError(w, apperrors.Unauthorized("missing "+userIDHeader+" header"))
		return "", false
	}
	return actorID, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal error")
	}

	status := apperrors.HTTPStatus(appErr)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("code", string(appErr.Code)).Msg("Request failed")
	}
	if h.metrics != nil {
		h.metrics.RecordError(string(appErr.Code))
	}

	resp := map[string]any{
		"error": map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	}
	if len(appErr.Details) > 0 {
		resp["error"].(map[string]any)["details"] = appErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		h.log.Error().Err(encodeErr).Msg("Failed to encode error response")
	}
}
