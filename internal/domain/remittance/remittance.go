// Package remittance posts payer remittance advice against claims.
package remittance

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rcm/internal/domain/claim"
)

// Status is the remittance advice processing status
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusException Status = "exception"
)

var (
	ErrRemittanceNotFound = errors.New("remittance not found")
	ErrInvalidInput       = errors.New("invalid remittance input")
)

// Unmatched reasons
const (
	ReasonClaimNotFound = "claim_not_found"
	ReasonPayerMismatch = "payer_mismatch"
	ReasonRefused       = "refused_by_claim_state"
	ReasonInvalid       = "invalid_line"
)

// LineInput is one per-claim outcome on the advice
type LineInput struct {
	ClaimNumber           string              `json:"claim_number" validate:"required"`
	Status                claim.OutcomeStatus `json:"status" validate:"required,oneof=paid partial denied"`
	AllowedAmount         decimal.Decimal     `json:"allowed_amount"`
	PaidAmount            decimal.Decimal     `json:"paid_amount"`
	PatientResponsibility decimal.Decimal     `json:"patient_responsibility"`
	Adjustments           []claim.Adjustment  `json:"adjustments"`
	DenialReasons         []string            `json:"denial_reasons,omitempty"`
	RemarkCodes           []string            `json:"remark_codes,omitempty"`
}

// Input is a batch payment notice from one payer
type Input struct {
	PayerID       string          `json:"payer_id" validate:"required"`
	CheckNumber   string          `json:"check_number"`
	EFTTrace      string          `json:"eft_trace"`
	PaymentMethod string          `json:"payment_method"`
	PaymentDate   time.Time       `json:"payment_date"`
	TotalPayment  decimal.Decimal `json:"total_payment"`
	Lines         []LineInput     `json:"lines" validate:"required,min=1,dive"`
}

// BatchKey is the natural dedup key of the batch for transport retries
func (in Input) BatchKey() string {
	ref := in.EFTTrace
	if ref == "" {
		ref = in.CheckNumber
	}
	return in.PayerID + ":" + ref
}

// ClaimPayment is a posted line, denormalized at processing time
type ClaimPayment struct {
	ClaimID               string              `json:"claim_id"`
	ClaimNumber           string              `json:"claim_number"`
	PatientName           string              `json:"patient_name"`
	ServiceDate           time.Time           `json:"service_date"`
	BilledAmount          decimal.Decimal     `json:"billed_amount"`
	AllowedAmount         decimal.Decimal     `json:"allowed_amount"`
	PaidAmount            decimal.Decimal     `json:"paid_amount"`
	PatientResponsibility decimal.Decimal     `json:"patient_responsibility"`
	Adjustments           []claim.Adjustment  `json:"adjustments,omitempty"`
	Status                claim.OutcomeStatus `json:"status"`
	DenialReasons         []string            `json:"denial_reasons,omitempty"`
	RemarkCodes           []string            `json:"remark_codes,omitempty"`
	// Duplicate is set when the same outcome had already been posted
	Duplicate bool `json:"duplicate,omitempty"`
}

// UnmatchedLine is a line that could not be applied
type UnmatchedLine struct {
	Line        int                 `json:"line"`
	ClaimNumber string              `json:"claim_number"`
	Status      claim.OutcomeStatus `json:"status"`
	PaidAmount  decimal.Decimal     `json:"paid_amount"`
	Reason      string              `json:"reason"`
	Detail      string              `json:"detail,omitempty"`
}

// Advice is the processed remittance. It is immutable once processed.
type Advice struct {
	ID              string          `json:"id"`
	PayerID         string          `json:"payer_id"`
	PayerName       string          `json:"payer_name"`
	CheckNumber     string          `json:"check_number,omitempty"`
	EFTTrace        string          `json:"eft_trace,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	PaymentDate     time.Time       `json:"payment_date"`
	TotalPayment    decimal.Decimal `json:"total_payment"`
	PostedTotal     decimal.Decimal `json:"posted_total"`
	Payments        []ClaimPayment  `json:"payments"`
	Unmatched       []UnmatchedLine `json:"unmatched"`
	BalanceMismatch bool            `json:"balance_mismatch"`
	Status          Status          `json:"status"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// Clone returns a deep copy
func (a *Advice) Clone() *Advice {
	out := *a
	out.Payments = make([]ClaimPayment, len(a.Payments))
	for i, p := range a.Payments {
		p.Adjustments = append([]claim.Adjustment(nil), p.Adjustments...)
		p.DenialReasons = append([]string(nil), p.DenialReasons...)
		p.RemarkCodes = append([]string(nil), p.RemarkCodes...)
		out.Payments[i] = p
	}
	out.Unmatched = append([]UnmatchedLine(nil), a.Unmatched...)
	if a.ProcessedAt != nil {
		t := *a.ProcessedAt
		out.ProcessedAt = &t
	}
	return &out
}

func (l LineInput) outcome(remittanceID string) claim.PaymentOutcome {
	return claim.PaymentOutcome{
		RemittanceID:          remittanceID,
		Status:                l.Status,
		AllowedAmount:         l.AllowedAmount,
		PaidAmount:            l.PaidAmount,
		PatientResponsibility: l.PatientResponsibility,
		Adjustments:           append([]claim.Adjustment(nil), l.Adjustments...),
		DenialReasons:         append([]string(nil), l.DenialReasons...),
		RemarkCodes:           append([]string(nil), l.RemarkCodes...),
	}
}
