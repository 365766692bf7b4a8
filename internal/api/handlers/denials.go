package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rcm/internal/analytics"
	"github.com/drfirst/go-rcm/internal/domain/denial"
)

// ListDenials handles GET /denials
func (h *Handler) ListDenials(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := h.svc.ListDenials(r.Context(), denial.Filter{
		Status:   denial.Status(q.Get("status")),
		Category: denial.Category(q.Get("category")),
		PayerID:  q.Get("payer_id"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// OverdueDenials handles GET /denials/overdue
func (h *Handler) OverdueDenials(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.OverdueDenials(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDenial handles GET /denials/{id}
func (h *Handler) GetDenial(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetDenial(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ReviewRequest is the optional body of POST /denials/{id}/review
type ReviewRequest struct {
	Notes string `json:"notes"`
}

// StartReview handles POST /denials/{id}/review
func (h *Handler) StartReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := h.decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.svc.StartDenialReview(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// AppealResponse is the body of POST /denials/{id}/appeals
type AppealResponse struct {
	Denial *denial.Denial `json:"denial"`
	Appeal *denial.Appeal `json:"appeal"`
}

// FileAppeal handles POST /denials/{id}/appeals
func (h *Handler) FileAppeal(w http.ResponseWriter, r *http.Request) {
	var in denial.AppealInput
	if err := h.decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.DenialID = chi.URLParam(r, "id")

	d, a, err := h.svc.FileAppeal(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AppealResponse{Denial: d, Appeal: a})
}

// MarkAppealInReview handles POST /denials/{id}/appeals/{level}/review
func (h *Handler) MarkAppealInReview(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.MarkAppealInReview(r.Context(), chi.URLParam(r, "id"), denial.AppealLevel(chi.URLParam(r, "level")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DecisionRequest is the body of POST /denials/{id}/appeals/{level}/decision
type DecisionRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Detail   string `json:"detail"`
}

// RecordDecision handles POST /denials/{id}/appeals/{level}/decision
func (h *Handler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := denial.DecisionInput{
		DenialID: chi.URLParam(r, "id"),
		Level:    denial.AppealLevel(chi.URLParam(r, "level")),
		Approved: *req.Approved,
		Detail:   req.Detail,
	}
	if err := h.validate.Struct(in); err != nil {
		h.fail(w, r, err)
		return
	}

	d, err := h.svc.RecordAppealDecision(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// WriteOff handles POST /denials/{id}/write-off
func (h *Handler) WriteOff(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.svc.WriteOffDenial(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RevenueMetrics handles GET /metrics/revenue
func (h *Handler) RevenueMetrics(w http.ResponseWriter, r *http.Request) {
	var q analytics.Query
	var err error
	if q.From, err = queryTime(r, "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if q.To, err = queryTime(r, "to"); err != nil {
		h.fail(w, r, err)
		return
	}
	q.ProviderID = r.URL.Query().Get("provider_id")

	m, err := h.svc.GetRevenueMetrics(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
