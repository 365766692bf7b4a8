package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rcm/internal/domain/remittance"
)

// ProcessRemittance handles POST /remittances
func (h *Handler) ProcessRemittance(w http.ResponseWriter, r *http.Request) {
	var in remittance.Input
	if err := h.decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.svc.ProcessRemittance(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetRemittance handles GET /remittances/{id}
func (h *Handler) GetRemittance(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetRemittance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
