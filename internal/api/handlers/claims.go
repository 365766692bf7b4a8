package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/eligibility"
	"github.com/drfirst/go-rcm/internal/store"
)

// CreateClaim handles POST /claims
func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var in claim.CreateInput
	if err := h.decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.svc.CreateClaim(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/claims/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

// ClaimList is the body of GET /claims
type ClaimList struct {
	Claims []*claim.Claim `json:"claims"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

// ListClaims handles GET /claims
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ClaimFilter{
		PatientID:  q.Get("patient_id"),
		PayerID:    q.Get("payer_id"),
		ProviderID: q.Get("provider_id"),
		Status:     claim.Status(q.Get("status")),
	}

	var err error
	if f.ServiceFrom, err = queryTime(r, "service_from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.ServiceTo, err = queryTime(r, "service_to"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		h.fail(w, r, err)
		return
	}

	claims, total, err := h.svc.ListClaims(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	if limit > store.MaxLimit {
		limit = store.MaxLimit
	}
	writeJSON(w, http.StatusOK, ClaimList{Claims: claims, Total: total, Offset: f.Offset, Limit: limit})
}

// GetClaim handles GET /claims/{id}
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ClaimHistory handles GET /claims/{id}/history
func (h *Handler) ClaimHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.ClaimHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// ValidationResponse pairs the validation outcome with the claim after it
type ValidationResponse struct {
	Result claim.ValidationResult `json:"result"`
	Claim  *claim.Claim           `json:"claim"`
}

// ValidateClaim handles POST /claims/{id}/validate. A failing claim is
// still a 200; the result carries the issues.
func (h *Handler) ValidateClaim(w http.ResponseWriter, r *http.Request) {
	res, c, err := h.svc.ValidateClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidationResponse{Result: res, Claim: c})
}

// SubmitRequest is the body of POST /claims/{id}/submit
type SubmitRequest struct {
	ClearinghouseID string `json:"clearinghouse_id" validate:"required"`
}

// SubmitClaim handles POST /claims/{id}/submit
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.svc.SubmitClaim(r.Context(), chi.URLParam(r, "id"), req.ClearinghouseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AcknowledgeRequest is the body of POST /claims/{id}/acknowledge
type AcknowledgeRequest struct {
	Status          claim.Status `json:"status" validate:"required,oneof=accepted rejected pending processing"`
	ClearinghouseID string       `json:"clearinghouse_id"`
	ResponseCode    string       `json:"response_code"`
	Details         string       `json:"details"`
}

// AcknowledgeClaim handles POST /claims/{id}/acknowledge
func (h *Handler) AcknowledgeClaim(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.svc.AcknowledgeClaim(r.Context(), chi.URLParam(r, "id"), claim.Acknowledgment{
		Status:          req.Status,
		ClearinghouseID: req.ClearinghouseID,
		ResponseCode:    req.ResponseCode,
		Details:         req.Details,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ReasonRequest carries a free-text reason
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// VoidClaim handles POST /claims/{id}/void
func (h *Handler) VoidClaim(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.svc.VoidClaim(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CheckClaimEligibility handles POST /claims/{id}/eligibility
func (h *Handler) CheckClaimEligibility(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.CheckClaimEligibility(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CheckEligibility handles POST /eligibility
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var req eligibility.Request
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.svc.CheckEligibility(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
