// Package claim implements the claim aggregate: construction, the
// submission lifecycle state machine, validation and payment posting.
package claim

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents claim lifecycle status
type Status string

const (
	StatusDraft       Status = "draft"
	StatusReady       Status = "ready"
	StatusSubmitted   Status = "submitted"
	StatusAccepted    Status = "accepted"
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusPaid        Status = "paid"
	StatusPartialPaid Status = "partial_paid"
	StatusDenied      Status = "denied"
	StatusRejected    Status = "rejected"
	StatusAppealed    Status = "appealed"
	StatusVoided      Status = "voided"
)

var (
	// ErrClaimNotFound indicates an unknown claim id or claim number
	ErrClaimNotFound = errors.New("claim not found")
	// ErrInvalidTransition indicates a status change the lifecycle graph forbids
	ErrInvalidTransition = errors.New("invalid claim status transition")
	// ErrNotReadyForSubmission indicates submit was attempted on a claim that is not ready
	ErrNotReadyForSubmission = errors.New("claim is not ready for submission")
	// ErrInvalidInput indicates malformed construction or posting input
	ErrInvalidInput = errors.New("invalid claim input")
)

// ResponseWindow is the payer response window applied at submission
const ResponseWindow = 45 * 24 * time.Hour

// PartyRef references a party by id with a denormalized display name
type PartyRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Patient identifies the patient on the claim
type Patient struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DateOfBirth time.Time `json:"date_of_birth,omitempty"`
	MemberID    string    `json:"member_id,omitempty"`
}

// Provider identifies the rendering provider
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	NPI  string `json:"npi,omitempty"`
}

// Diagnosis is a coded diagnosis on the claim
type Diagnosis struct {
	Sequence    int    `json:"sequence"`
	Code        string `json:"code"`
	CodeSystem  string `json:"code_system"`
	Description string `json:"description,omitempty"`
	IsPrincipal bool   `json:"is_principal"`
}

// Procedure is a billed service line
type Procedure struct {
	Sequence              int             `json:"sequence"`
	Code                  string          `json:"code"`
	CodeSystem            string          `json:"code_system"`
	Description           string          `json:"description,omitempty"`
	Modifiers             []string        `json:"modifiers,omitempty"`
	Quantity              int             `json:"quantity"`
	UnitPrice             decimal.Decimal `json:"unit_price"`
	TotalPrice            decimal.Decimal `json:"total_price"`
	DiagnosisPointers     []int           `json:"diagnosis_pointers,omitempty"`
	RequiresAuthorization bool            `json:"requires_authorization,omitempty"`
}

// Charge mirrors a procedure line for line-item billing
type Charge struct {
	Line          int             `json:"line"`
	ProcedureCode string          `json:"procedure_code"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Amount        decimal.Decimal `json:"amount"`
	ServiceDate   time.Time       `json:"service_date"`
}

// AdjustmentGroup is the CARC responsibility group
type AdjustmentGroup string

const (
	GroupContractual    AdjustmentGroup = "CO"
	GroupPatient        AdjustmentGroup = "PR"
	GroupOther          AdjustmentGroup = "OA"
	GroupPayerInitiated AdjustmentGroup = "PI"
	GroupCorrection     AdjustmentGroup = "CR"
)

// Adjustment is a payer-applied reduction
type Adjustment struct {
	GroupCode   AdjustmentGroup `json:"group_code"`
	Code        string          `json:"code"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// Authorization is a prior authorization attached to the claim
type Authorization struct {
	Number         string    `json:"number"`
	Status         string    `json:"status"`
	EffectiveDate  time.Time `json:"effective_date"`
	ExpirationDate time.Time `json:"expiration_date"`
	ApprovedUnits  int       `json:"approved_units"`
	UsedUnits      int       `json:"used_units"`
}

// SubmissionEvent is one entry in the append-only audit trail
type SubmissionEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	Event           string    `json:"event"`
	Status          Status    `json:"status"`
	ResponseCode    string    `json:"response_code,omitempty"`
	ClearinghouseID string    `json:"clearinghouse_id,omitempty"`
	Details         string    `json:"details,omitempty"`
	Error           bool      `json:"error,omitempty"`
}

// Claim is the claim aggregate root
type Claim struct {
	ID             string    `json:"id"`
	ClaimNumber    string    `json:"claim_number"`
	Patient        Patient   `json:"patient"`
	Payer          PartyRef  `json:"payer"`
	Provider       Provider  `json:"provider"`
	Facility       *PartyRef `json:"facility,omitempty"`
	ServiceFrom    time.Time `json:"service_from"`
	ServiceTo      time.Time `json:"service_to"`
	PlaceOfService string    `json:"place_of_service"`

	Diagnoses  []Diagnosis `json:"diagnoses"`
	Procedures []Procedure `json:"procedures"`
	Charges    []Charge    `json:"charges"`

	TotalCharges          decimal.Decimal  `json:"total_charges"`
	AllowedAmount         *decimal.Decimal `json:"allowed_amount,omitempty"`
	PaidAmount            *decimal.Decimal `json:"paid_amount,omitempty"`
	PatientResponsibility *decimal.Decimal `json:"patient_responsibility,omitempty"`
	Adjustments           []Adjustment     `json:"adjustments,omitempty"`

	Status            Status            `json:"status"`
	SubmissionHistory []SubmissionEvent `json:"submission_history"`
	Authorization     *Authorization    `json:"authorization,omitempty"`
	SubmittedAt       *time.Time        `json:"submitted_at,omitempty"`
	DueDate           *time.Time        `json:"due_date,omitempty"`

	// LastPosting fingerprints the most recently applied remittance outcome
	LastPosting string `json:"last_posting,omitempty"`
	// DenialPosting is the version of the ClaimDenied event behind the
	// current denied status; 0 when the claim was never denied
	DenialPosting int `json:"denial_posting,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	changes []*Event
}

// Changes returns uncommitted events
func (c *Claim) Changes() []*Event { return c.changes }

// ClearChanges clears uncommitted events
func (c *Claim) ClearChanges() { c.changes = nil }

// Paid returns the paid amount, treating an unposted claim as zero
func (c *Claim) Paid() decimal.Decimal {
	if c.PaidAmount == nil {
		return decimal.Zero
	}
	return *c.PaidAmount
}

// Outstanding returns total charges less paid amount
func (c *Claim) Outstanding() decimal.Decimal {
	return c.TotalCharges.Sub(c.Paid())
}

// TotalAdjustments sums all adjustment amounts
func (c *Claim) TotalAdjustments() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range c.Adjustments {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// PrincipalDiagnosis returns the diagnosis marked principal, if exactly one is
func (c *Claim) PrincipalDiagnosis() (Diagnosis, bool) {
	var found *Diagnosis
	for i := range c.Diagnoses {
		if c.Diagnoses[i].IsPrincipal {
			if found != nil {
				return Diagnosis{}, false
			}
			found = &c.Diagnoses[i]
		}
	}
	if found == nil {
		return Diagnosis{}, false
	}
	return *found, true
}

// HasErrorEvent reports whether the audit trail carries a rejection or error
func (c *Claim) HasErrorEvent() bool {
	for _, e := range c.SubmissionHistory {
		if e.Error || e.Status == StatusRejected {
			return true
		}
	}
	return false
}

// Clone returns a deep copy without uncommitted changes
func (c *Claim) Clone() *Claim {
	out := *c
	out.changes = nil
	if c.Facility != nil {
		f := *c.Facility
		out.Facility = &f
	}
	out.Diagnoses = append([]Diagnosis(nil), c.Diagnoses...)
	out.Procedures = make([]Procedure, len(c.Procedures))
	for i, p := range c.Procedures {
		p.Modifiers = append([]string(nil), p.Modifiers...)
		p.DiagnosisPointers = append([]int(nil), p.DiagnosisPointers...)
		out.Procedures[i] = p
	}
	out.Charges = append([]Charge(nil), c.Charges...)
	out.Adjustments = append([]Adjustment(nil), c.Adjustments...)
	out.SubmissionHistory = append([]SubmissionEvent(nil), c.SubmissionHistory...)
	out.AllowedAmount = cloneDecimal(c.AllowedAmount)
	out.PaidAmount = cloneDecimal(c.PaidAmount)
	out.PatientResponsibility = cloneDecimal(c.PatientResponsibility)
	out.SubmittedAt = cloneTime(c.SubmittedAt)
	out.DueDate = cloneTime(c.DueDate)
	if c.Authorization != nil {
		a := *c.Authorization
		out.Authorization = &a
	}
	return &out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
