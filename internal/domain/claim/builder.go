package claim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rcm/internal/reference"
)

// DiagnosisInput is a diagnosis supplied at creation
type DiagnosisInput struct {
	Code        string `json:"code" validate:"required"`
	CodeSystem  string `json:"code_system"`
	Description string `json:"description"`
	IsPrincipal bool   `json:"is_principal"`
}

// ProcedureInput is a service line supplied at creation, without totals
type ProcedureInput struct {
	Code                  string          `json:"code" validate:"required"`
	CodeSystem            string          `json:"code_system"`
	Description           string          `json:"description"`
	Modifiers             []string        `json:"modifiers"`
	Quantity              int             `json:"quantity" validate:"gte=1"`
	UnitPrice             decimal.Decimal `json:"unit_price"`
	DiagnosisPointers     []int           `json:"diagnosis_pointers"`
	RequiresAuthorization bool            `json:"requires_authorization"`
}

// CreateInput carries everything needed to build a claim
type CreateInput struct {
	Patient        Patient          `json:"patient"`
	PayerID        string           `json:"payer_id" validate:"required"`
	Provider       Provider         `json:"provider"`
	Facility       *PartyRef        `json:"facility,omitempty"`
	ServiceFrom    time.Time        `json:"service_from" validate:"required"`
	ServiceTo      time.Time        `json:"service_to"`
	PlaceOfService string           `json:"place_of_service"`
	Diagnoses      []DiagnosisInput `json:"diagnoses" validate:"dive"`
	Procedures     []ProcedureInput `json:"procedures" validate:"dive"`
	Authorization  *Authorization   `json:"authorization,omitempty"`
}

func (in *CreateInput) check() error {
	if in.Patient.ID == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if in.Provider.ID == "" {
		return fmt.Errorf("%w: provider id is required", ErrInvalidInput)
	}
	if in.ServiceFrom.IsZero() {
		return fmt.Errorf("%w: service date is required", ErrInvalidInput)
	}
	if !in.ServiceTo.IsZero() && in.ServiceTo.Before(in.ServiceFrom) {
		return fmt.Errorf("%w: service end precedes service start", ErrInvalidInput)
	}
	for i, p := range in.Procedures {
		if p.Quantity <= 0 {
			return fmt.Errorf("%w: procedure %d quantity must be positive", ErrInvalidInput, i+1)
		}
		if p.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: procedure %d unit price is negative", ErrInvalidInput, i+1)
		}
	}
	return nil
}

// Build constructs a draft claim. Sequence numbers are 1-based in input
// order; TotalCharges is the sum of procedure totals and is fixed here.
func Build(in CreateInput, payer reference.Payer, claimNumber string, at time.Time) (*Claim, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	at = at.UTC()
	serviceTo := in.ServiceTo
	if serviceTo.IsZero() {
		serviceTo = in.ServiceFrom
	}

	c := &Claim{
		ID:             uuid.New().String(),
		ClaimNumber:    claimNumber,
		Patient:        in.Patient,
		Payer:          PartyRef{ID: payer.ID, Name: payer.Name},
		Provider:       in.Provider,
		ServiceFrom:    in.ServiceFrom.UTC(),
		ServiceTo:      serviceTo.UTC(),
		PlaceOfService: in.PlaceOfService,
		Diagnoses:      make([]Diagnosis, 0, len(in.Diagnoses)),
		Procedures:     make([]Procedure, 0, len(in.Procedures)),
		Charges:        make([]Charge, 0, len(in.Procedures)),
		TotalCharges:   decimal.Zero,
		Status:         StatusDraft,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if in.Facility != nil {
		f := *in.Facility
		c.Facility = &f
	}
	if in.Authorization != nil {
		a := *in.Authorization
		c.Authorization = &a
	}

	for i, d := range in.Diagnoses {
		system := d.CodeSystem
		if system == "" {
			system = "ICD-10-CM"
		}
		c.Diagnoses = append(c.Diagnoses, Diagnosis{
			Sequence:    i + 1,
			Code:        d.Code,
			CodeSystem:  system,
			Description: d.Description,
			IsPrincipal: d.IsPrincipal,
		})
	}

	for i, p := range in.Procedures {
		system := p.CodeSystem
		if system == "" {
			system = "CPT"
		}
		total := p.UnitPrice.Mul(decimal.NewFromInt(int64(p.Quantity)))
		c.Procedures = append(c.Procedures, Procedure{
			Sequence:              i + 1,
			Code:                  p.Code,
			CodeSystem:            system,
			Description:           p.Description,
			Modifiers:             append([]string(nil), p.Modifiers...),
			Quantity:              p.Quantity,
			UnitPrice:             p.UnitPrice,
			TotalPrice:            total,
			DiagnosisPointers:     append([]int(nil), p.DiagnosisPointers...),
			RequiresAuthorization: p.RequiresAuthorization,
		})
		c.Charges = append(c.Charges, Charge{
			Line:          i + 1,
			ProcedureCode: p.Code,
			Quantity:      p.Quantity,
			UnitPrice:     p.UnitPrice,
			Amount:        total,
			ServiceDate:   c.ServiceFrom,
		})
		c.TotalCharges = c.TotalCharges.Add(total)
	}

	c.SubmissionHistory = []SubmissionEvent{{
		Timestamp: at,
		Event:     "Claim created",
		Status:    StatusDraft,
	}}

	if err := c.record(EventClaimCreated, &ClaimCreatedData{
		ClaimID:      c.ID,
		ClaimNumber:  c.ClaimNumber,
		PatientID:    c.Patient.ID,
		PayerID:      c.Payer.ID,
		ProviderID:   c.Provider.ID,
		TotalCharges: c.TotalCharges,
	}, at); err != nil {
		return nil, err
	}
	return c, nil
}

// FormatClaimNumber renders CLM-YYYYMM-###### for a sequence value
func FormatClaimNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("CLM-%s-%06d", at.UTC().Format("200601"), seq)
}

// LineTotal recomputes the sum of procedure totals
func (c *Claim) LineTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range c.Procedures {
		sum = sum.Add(p.TotalPrice)
	}
	return sum
}
