// Package eligibility shapes real-time eligibility requests to an external
// payer-eligibility service and maps its responses.
package eligibility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/pkg/circuitbreaker"
)

var (
	// ErrRejected is a 4xx from the eligibility service; it does not trip the breaker
	ErrRejected = errors.New("eligibility request rejected")
	// ErrUnavailable is a transport failure or 5xx from the eligibility service
	ErrUnavailable = errors.New("eligibility service unavailable")
)

// Coverage statuses
const (
	CoverageActive   = "active"
	CoverageInactive = "inactive"
	CoverageUnknown  = "unknown"
)

// Request identifies the member and service date to check
type Request struct {
	PatientID     string    `json:"patient_id" validate:"required"`
	PayerID       string    `json:"payer_id" validate:"required"`
	MemberID      string    `json:"member_id" validate:"required"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	DateOfBirth   time.Time `json:"date_of_birth,omitempty"`
	DateOfService time.Time `json:"date_of_service" validate:"required"`
}

// Eligibility is the coverage summary returned to callers
type Eligibility struct {
	PatientID      string           `json:"patient_id"`
	PayerID        string           `json:"payer_id"`
	PayerName      string           `json:"payer_name"`
	MemberID       string           `json:"member_id"`
	DateOfService  time.Time        `json:"date_of_service"`
	Eligible       bool             `json:"eligible"`
	CoverageStatus string           `json:"coverage_status"`
	PlanName       string           `json:"plan_name,omitempty"`
	Copay          *decimal.Decimal `json:"copay,omitempty"`
	Deductible     *decimal.Decimal `json:"deductible,omitempty"`
	OutOfPocketMax *decimal.Decimal `json:"out_of_pocket_max,omitempty"`
	CheckedAt      time.Time        `json:"checked_at"`
}

// Config configures the HTTP client
type Config struct {
	URL          string
	APIKey       string
	ProviderName string
	ProviderNPI  string
	Timeout      time.Duration
}

// Client calls the eligibility service through a per-payer circuit breaker
type Client struct {
	cfg      Config
	http     *http.Client
	catalog  *reference.Catalog
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient creates an eligibility client
func NewClient(cfg Config, catalog *reference.Catalog, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	bcfg := circuitbreaker.DefaultConfig("eligibility")
	bcfg.IsFailure = func(err error) bool { return !errors.Is(err, ErrRejected) }
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		catalog:  catalog,
		breakers: circuitbreaker.NewManager(bcfg, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Breakers exposes breaker health for readiness checks
func (c *Client) Breakers() []circuitbreaker.HealthStatus {
	return c.breakers.HealthStatus()
}

// x12Date renders dates the way the eligibility API expects (CCYYMMDD)
type x12Date time.Time

func (d x12Date) MarshalJSON() ([]byte, error) {
	if time.Time(d).IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(time.Time(d).Format("20060102"))
}

type subscriber struct {
	MemberID    string  `json:"memberId"`
	FirstName   string  `json:"firstName,omitempty"`
	LastName    string  `json:"lastName,omitempty"`
	DateOfBirth x12Date `json:"dateOfBirth"`
}

type wireRequest struct {
	ControlNumber           string `json:"controlNumber"`
	TradingPartnerServiceID string `json:"tradingPartnerServiceId"`
	Provider                struct {
		NPI              string `json:"npi"`
		OrganizationName string `json:"organizationName"`
	} `json:"provider"`
	Subscriber subscriber `json:"subscriber"`
	Encounter  struct {
		DateOfService    x12Date  `json:"dateOfService"`
		ServiceTypeCodes []string `json:"serviceTypeCodes"`
	} `json:"encounter"`
}

type wireResponse struct {
	PlanStatus []struct {
		StatusCode  string `json:"statusCode"`
		Status      string `json:"status"`
		PlanDetails string `json:"planDetails"`
	} `json:"planStatus"`
	BenefitsInformation []struct {
		Code          string `json:"code"`
		BenefitAmount string `json:"benefitAmount"`
	} `json:"benefitsInformation"`
}

// Check runs a real-time eligibility inquiry. It fails with
// reference.ErrPayerNotFound before any call when the payer is unknown.
func (c *Client) Check(ctx context.Context, req Request) (*Eligibility, error) {
	payer, err := c.catalog.Payer(req.PayerID)
	if err != nil {
		return nil, err
	}
	tradingPartner := payer.EligibilityPayerID
	if tradingPartner == "" {
		tradingPartner = payer.PayerCode
	}

	var wire wireRequest
	wire.ControlNumber = controlNumber(c.now())
	wire.TradingPartnerServiceID = tradingPartner
	wire.Provider.NPI = c.cfg.ProviderNPI
	wire.Provider.OrganizationName = c.cfg.ProviderName
	wire.Subscriber = subscriber{
		MemberID:    req.MemberID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: x12Date(req.DateOfBirth),
	}
	wire.Encounter.DateOfService = x12Date(req.DateOfService)
	wire.Encounter.ServiceTypeCodes = []string{"30"}

	breaker, err := c.breakers.Get(payer.ID)
	if err != nil {
		return nil, err
	}
	out, err := breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return c.post(ctx, wire)
	})
	if err != nil {
		c.logger.Warn("eligibility check failed",
			zap.String("payer_id", payer.ID),
			zap.String("patient_id", req.PatientID),
			zap.Error(err))
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	resp := out.(*wireResponse)

	e := &Eligibility{
		PatientID:      req.PatientID,
		PayerID:        payer.ID,
		PayerName:      payer.Name,
		MemberID:       req.MemberID,
		DateOfService:  req.DateOfService,
		CoverageStatus: CoverageUnknown,
		CheckedAt:      c.now().UTC(),
	}
	if len(resp.PlanStatus) > 0 {
		ps := resp.PlanStatus[0]
		e.PlanName = ps.PlanDetails
		switch ps.StatusCode {
		case "1":
			e.CoverageStatus = CoverageActive
			e.Eligible = true
		case "6":
			e.CoverageStatus = CoverageInactive
		}
	}
	for _, b := range resp.BenefitsInformation {
		amount, err := decimal.NewFromString(b.BenefitAmount)
		if err != nil {
			continue
		}
		switch b.Code {
		case "B":
			e.Copay = &amount
		case "C":
			e.Deductible = &amount
		case "G":
			e.OutOfPocketMax = &amount
		}
	}
	return e, nil
}

func (c *Client) post(ctx context.Context, wire wireRequest) (*wireResponse, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal eligibility request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build eligibility request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(payload))
	}

	var out wireResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return &out, nil
}

// controlNumber is a 9-digit interchange control number
func controlNumber(at time.Time) string {
	return fmt.Sprintf("%09d", at.UnixNano()%1_000_000_000)
}
