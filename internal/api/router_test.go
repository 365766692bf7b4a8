package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rcm/internal/api"
	"github.com/drfirst/go-rcm/internal/api/handlers"
	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/domain/denial"
	"github.com/drfirst/go-rcm/internal/observability/metrics"
	"github.com/drfirst/go-rcm/internal/rcm"
	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/internal/store"
	"github.com/drfirst/go-rcm/pkg/workerpool"
)

const apiKey = "test-key"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	svc, err := rcm.New(store.NewMemory(), reference.DefaultCatalog(),
		rcm.WithClock(func() time.Time { return now }),
		rcm.WithMetrics(metrics.New(reg)),
		rcm.WithPool(workerpool.Config{Workers: 2, QueueSize: 16}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	srv := httptest.NewServer(api.NewRouter(api.Config{
		ServiceName: "claims-server",
		Version:     "test",
		APIKeys:     map[string]string{apiKey: "billing"},
		Gatherer:    reg,
	}, svc, nil))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"patient":      map[string]string{"id": "pat-1", "name": "Maria Lopez", "member_id": "M-100"},
		"payer_id":     "payer-aetna",
		"provider":     map[string]string{"id": "prov-1", "name": "Lakeside Clinic"},
		"service_from": "2026-02-20T00:00:00Z",
		"diagnoses":    []map[string]interface{}{{"code": "J45.909", "is_principal": true}},
		"procedures":   []map[string]interface{}{{"code": "99213", "quantity": 1, "unit_price": "150"}},
	}
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	srv := newServer(t)

	var c claim.Claim
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/claims", createBody(), &c))
	assert.Equal(t, claim.StatusDraft, c.Status)
	assert.Equal(t, "150", c.TotalCharges.String())

	var vr handlers.ValidationResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/claims/"+c.ID+"/validate", nil, &vr))
	assert.True(t, vr.Result.IsValid)
	assert.Equal(t, claim.StatusReady, vr.Claim.Status)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/claims/"+c.ID+"/submit",
		handlers.SubmitRequest{ClearinghouseID: "CH-01"}, &c))
	assert.Equal(t, claim.StatusSubmitted, c.Status)

	var list handlers.ClaimList
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/claims?status=submitted&limit=10", nil, &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 10, list.Limit)
	require.Len(t, list.Claims, 1)

	var history []claim.SubmissionEvent
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/claims/"+c.ID+"/history", nil, &history))
	assert.Len(t, history, 3)
}

func TestDenialWorkflowOverHTTP(t *testing.T) {
	srv := newServer(t)

	var c claim.Claim
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/claims", createBody(), &c))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/claims/"+c.ID+"/validate", nil, nil))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/claims/"+c.ID+"/submit",
		handlers.SubmitRequest{ClearinghouseID: "CH-01"}, nil))

	era := map[string]interface{}{
		"payer_id":  "payer-aetna",
		"eft_trace": "EFT-77",
		"lines": []map[string]interface{}{{
			"claim_number":   c.ClaimNumber,
			"status":         "denied",
			"denial_reasons": []string{"50"},
			"adjustments":    []map[string]interface{}{{"group_code": "CO", "code": "50", "amount": "150"}},
		}},
	}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/remittances", era, nil))

	var denials []denial.Denial
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/denials?category=clinical", nil, &denials))
	require.Len(t, denials, 1)
	id := denials[0].ID

	var appeal handlers.AppealResponse
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/denials/"+id+"/appeals",
		map[string]string{"level": "first", "reason": "records attached"}, &appeal))
	assert.Equal(t, denial.StatusAppealing, appeal.Denial.Status)

	var errResp handlers.ErrorResponse
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/api/v1/denials/"+id+"/appeals",
		map[string]string{"level": "first"}, &errResp))

	approved := true
	var d denial.Denial
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/denials/"+id+"/appeals/first/decision",
		handlers.DecisionRequest{Approved: &approved}, &d))
	assert.Equal(t, denial.StatusResolved, d.Status)

	var got claim.Claim
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/claims/"+c.ID, nil, &got))
	assert.Equal(t, claim.StatusProcessing, got.Status)
}

func TestErrorMapping(t *testing.T) {
	srv := newServer(t)

	var errResp handlers.ErrorResponse
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/api/v1/claims/missing", nil, &errResp))
	assert.NotEmpty(t, errResp.RequestID)

	body := createBody()
	delete(body, "payer_id")
	errResp = handlers.ErrorResponse{}
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/api/v1/claims", body, &errResp))
	assert.Equal(t, "validation failed", errResp.Error)
	assert.Contains(t, errResp.Fields, "CreateInput.PayerID")

	body = createBody()
	body["payer_id"] = "payer-nope"
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPost, "/api/v1/claims", body, nil))

	var c claim.Claim
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/claims", createBody(), &c))
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/api/v1/claims/"+c.ID+"/submit",
		handlers.SubmitRequest{ClearinghouseID: "CH-01"}, nil))

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/api/v1/claims?limit=abc", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, srv, http.MethodPost, "/api/v1/claims/"+c.ID+"/eligibility", nil, nil))
}

func TestAuthAndProbes(t *testing.T) {
	srv := newServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/claims")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
