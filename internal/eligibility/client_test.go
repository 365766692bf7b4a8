package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/pkg/circuitbreaker"
)

var dos = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

func request() Request {
	return Request{
		PatientID:     "pat-1",
		PayerID:       "payer-aetna",
		MemberID:      "W123456789",
		FirstName:     "Jane",
		LastName:      "Roe",
		DateOfBirth:   time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC),
		DateOfService: dos,
	}
}

func TestCheckActiveCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "60054", body["tradingPartnerServiceId"])
		sub := body["subscriber"].(map[string]interface{})
		assert.Equal(t, "W123456789", sub["memberId"])
		assert.Equal(t, "19800115", sub["dateOfBirth"])
		enc := body["encounter"].(map[string]interface{})
		assert.Equal(t, "20260504", enc["dateOfService"])

		_, _ = w.Write([]byte(`{
			"planStatus": [{"statusCode": "1", "status": "Active Coverage", "planDetails": "Open Access Gold"}],
			"benefitsInformation": [
				{"code": "B", "benefitAmount": "25"},
				{"code": "C", "benefitAmount": "1500"},
				{"code": "G", "benefitAmount": "6000"},
				{"code": "1"}
			]
		}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "secret", ProviderNPI: "1234567893"}, reference.DefaultCatalog(), nil)
	e, err := c.Check(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, e.Eligible)
	assert.Equal(t, CoverageActive, e.CoverageStatus)
	assert.Equal(t, "Aetna", e.PayerName)
	assert.Equal(t, "Open Access Gold", e.PlanName)
	require.NotNil(t, e.Copay)
	assert.Equal(t, "25", e.Copay.String())
	require.NotNil(t, e.Deductible)
	assert.Equal(t, "1500", e.Deductible.String())
	require.NotNil(t, e.OutOfPocketMax)
}

func TestCheckInactiveCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"planStatus": [{"statusCode": "6", "status": "Inactive"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, reference.DefaultCatalog(), nil)
	e, err := c.Check(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, e.Eligible)
	assert.Equal(t, CoverageInactive, e.CoverageStatus)
}

func TestUnknownPayerMakesNoCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, reference.DefaultCatalog(), nil)
	req := request()
	req.PayerID = "payer-unknown"
	_, err := c.Check(context.Background(), req)
	assert.True(t, errors.Is(err, reference.ErrPayerNotFound))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRejectionsDoNotOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid member id"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, reference.DefaultCatalog(), nil)
	for i := 0; i < 8; i++ {
		_, err := c.Check(context.Background(), request())
		assert.True(t, errors.Is(err, ErrRejected))
	}
	health := c.Breakers()
	require.Len(t, health, 1)
	assert.Equal(t, circuitbreaker.StateClosed, health[0].State)
}

func TestServerErrorsOpenBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, reference.DefaultCatalog(), nil)
	for i := 0; i < 7; i++ {
		_, err := c.Check(context.Background(), request())
		assert.True(t, errors.Is(err, ErrUnavailable))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateOpen, c.Breakers()[0].State)
}
