// Package handlers provides HTTP handlers for the claims API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/api/middleware"
	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/domain/denial"
	"github.com/drfirst/go-rcm/internal/domain/remittance"
	"github.com/drfirst/go-rcm/internal/eligibility"
	"github.com/drfirst/go-rcm/internal/rcm"
	"github.com/drfirst/go-rcm/internal/reference"
)

const maxBodyBytes = 4 << 20

// Handler serves the /api/v1 routes
type Handler struct {
	svc      *rcm.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// New creates a handler
func New(svc *rcm.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:      svc,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes returns the API routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/claims", func(r chi.Router) {
		r.Post("/", h.CreateClaim)
		r.Get("/", h.ListClaims)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetClaim)
			r.Get("/history", h.ClaimHistory)
			r.Post("/validate", h.ValidateClaim)
			r.Post("/submit", h.SubmitClaim)
			r.Post("/acknowledge", h.AcknowledgeClaim)
			r.Post("/void", h.VoidClaim)
			r.Post("/eligibility", h.CheckClaimEligibility)
		})
	})

	r.Post("/eligibility", h.CheckEligibility)

	r.Route("/remittances", func(r chi.Router) {
		r.Post("/", h.ProcessRemittance)
		r.Get("/{id}", h.GetRemittance)
	})

	r.Route("/denials", func(r chi.Router) {
		r.Get("/", h.ListDenials)
		r.Get("/overdue", h.OverdueDenials)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetDenial)
			r.Post("/review", h.StartReview)
			r.Post("/appeals", h.FileAppeal)
			r.Post("/appeals/{level}/review", h.MarkAppealInReview)
			r.Post("/appeals/{level}/decision", h.RecordDecision)
			r.Post("/write-off", h.WriteOff)
		})
	})

	r.Get("/metrics/revenue", h.RevenueMetrics)
	return r
}

// decode reads a JSON body into v and validates it
func (h *Handler) decode(r *http.Request, v interface{}) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return h.validate.Struct(v)
}

var errEmptyBody = errors.New("request body is required")

// decodeOptional is decode for endpoints whose body may be omitted
func (h *Handler) decodeOptional(r *http.Request, v interface{}) error {
	if err := h.decode(r, v); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// statusOf maps domain errors to HTTP status codes
func statusOf(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, claim.ErrClaimNotFound),
		errors.Is(err, denial.ErrDenialNotFound),
		errors.Is(err, denial.ErrAppealNotFound),
		errors.Is(err, remittance.ErrRemittanceNotFound),
		errors.Is(err, reference.ErrPayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, claim.ErrInvalidTransition),
		errors.Is(err, claim.ErrNotReadyForSubmission),
		errors.Is(err, denial.ErrInvalidTransition),
		errors.Is(err, denial.ErrAppealAlreadyOpen),
		errors.Is(err, denial.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, claim.ErrInvalidInput),
		errors.Is(err, remittance.ErrInvalidInput),
		errors.Is(err, denial.ErrInvalidAppealLevel),
		errors.Is(err, errEmptyBody),
		errors.Is(err, errBadQuery):
		return http.StatusBadRequest
	case errors.Is(err, eligibility.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, eligibility.ErrUnavailable),
		errors.Is(err, rcm.ErrEligibilityNotConfigured):
		return http.StatusServiceUnavailable
	}
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntax) || errors.As(err, &typeErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	resp := ErrorResponse{Error: err.Error(), RequestID: middleware.GetRequestID(r.Context())}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = "validation failed"
		resp.Fields = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Fields[fe.Namespace()] = fe.Tag()
		}
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
		resp.Error = "internal server error"
	}
	writeJSON(w, code, resp)
}

var errBadQuery = errors.New("invalid query parameter")

// queryTime accepts RFC 3339 timestamps or plain dates
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q", errBadQuery, name, v)
	}
	return t, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", errBadQuery, name, v)
	}
	return n, nil
}
