// Package denial implements denial classification and appeal tracking.
package denial

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/reference"
)

// Category is the root-cause class of a denial
type Category string

const (
	CategoryClinical       Category = "clinical"
	CategoryAdministrative Category = "administrative"
	CategoryTechnical      Category = "technical"
	CategoryAuthorization  Category = "authorization"
)

// Status is the denial work-queue status
type Status string

const (
	StatusNew        Status = "new"
	StatusInReview   Status = "in_review"
	StatusAppealing  Status = "appealing"
	StatusResolved   Status = "resolved"
	StatusWrittenOff Status = "written_off"
)

// AppealLevel is the escalation level of an appeal
type AppealLevel string

const (
	LevelFirst    AppealLevel = "first"
	LevelSecond   AppealLevel = "second"
	LevelExternal AppealLevel = "external"
	LevelJudicial AppealLevel = "judicial"
)

func (l AppealLevel) rank() int {
	switch l {
	case LevelFirst:
		return 1
	case LevelSecond:
		return 2
	case LevelExternal:
		return 3
	case LevelJudicial:
		return 4
	}
	return 0
}

// Valid reports whether l is a known level
func (l AppealLevel) Valid() bool { return l.rank() > 0 }

// AppealStatus is the appeal sub-lifecycle status
type AppealStatus string

const (
	AppealPending  AppealStatus = "pending"
	AppealInReview AppealStatus = "in_review"
	AppealApproved AppealStatus = "approved"
	AppealDenied   AppealStatus = "denied"
)

// Open reports whether the appeal still awaits a decision
func (s AppealStatus) Open() bool {
	return s == AppealPending || s == AppealInReview
}

const (
	// AppealWindow is the time allowed to appeal after a denial
	AppealWindow = 60 * 24 * time.Hour
	// AppealResponseWindow is the payer response deadline after filing
	AppealResponseWindow = 30 * 24 * time.Hour
)

var (
	ErrDenialNotFound     = errors.New("denial not found")
	ErrInvalidTransition  = errors.New("invalid denial status transition")
	ErrAppealAlreadyOpen  = errors.New("an appeal is already open at this level")
	ErrAppealNotFound     = errors.New("no open appeal at this level")
	ErrInvalidAppealLevel = errors.New("invalid appeal level")
)

// Appeal is a request to the payer to reconsider a denial
type Appeal struct {
	ID             string       `json:"id"`
	Level          AppealLevel  `json:"level"`
	FiledDate      time.Time    `json:"filed_date"`
	Deadline       time.Time    `json:"deadline"`
	Status         AppealStatus `json:"status"`
	Reason         string       `json:"reason"`
	SupportingDocs []string     `json:"supporting_docs,omitempty"`
	ResponseDate   *time.Time   `json:"response_date,omitempty"`
	ResponseDetail string       `json:"response_detail,omitempty"`
}

// Denial tracks one denied claim through review and appeal
type Denial struct {
	ID             string          `json:"id"`
	ClaimID        string          `json:"claim_id"`
	ClaimNumber    string          `json:"claim_number"`
	RemittanceID   string          `json:"remittance_id"`
	Posting        int             `json:"posting,omitempty"`
	PatientID      string          `json:"patient_id"`
	PatientName    string          `json:"patient_name"`
	PayerID        string          `json:"payer_id"`
	PayerName      string          `json:"payer_name"`
	DenialDate     time.Time       `json:"denial_date"`
	DeniedAmount   decimal.Decimal `json:"denied_amount"`
	DenialCodes    []string        `json:"denial_codes"`
	DenialReasons  []string        `json:"denial_reasons"`
	RemarkCodes    []string        `json:"remark_codes,omitempty"`
	Category       Category        `json:"category"`
	AppealDeadline time.Time       `json:"appeal_deadline"`
	Status         Status          `json:"status"`
	Appeals        []Appeal        `json:"appeals"`
	Notes          string          `json:"notes,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

var categoryByCode = map[string]Category{
	// medical necessity, coverage and bundling
	"4": CategoryClinical, "11": CategoryClinical, "50": CategoryClinical, "55": CategoryClinical,
	"96": CategoryClinical, "97": CategoryClinical, "151": CategoryClinical, "167": CategoryClinical,
	"204": CategoryClinical,
	// missing or inconsistent data, eligibility, filing
	"16": CategoryAdministrative, "18": CategoryAdministrative, "22": CategoryAdministrative,
	"27": CategoryAdministrative, "29": CategoryAdministrative, "31": CategoryAdministrative,
	"140": CategoryAdministrative,
	// prior authorization
	"15": CategoryAuthorization, "62": CategoryAuthorization, "197": CategoryAuthorization,
	"198": CategoryAuthorization,
}

// Categorize maps adjustment reason codes to a denial category. The first
// adjustment with a known code decides; unknown codes fall back to technical.
func Categorize(adjustments []claim.Adjustment) Category {
	for _, a := range adjustments {
		if cat, ok := categoryByCode[reference.NormalizeCode(a.Code)]; ok {
			return cat
		}
	}
	return CategoryTechnical
}

// New creates a denial from a ClaimDenied event payload. Only payer
// responsibility (CO) adjustments become denial codes.
func New(data claim.ClaimDeniedData, catalog *reference.Catalog) *Denial {
	var co []claim.Adjustment
	for _, a := range data.Adjustments {
		if a.GroupCode == claim.GroupContractual {
			co = append(co, a)
		}
	}

	codes := make([]string, 0, len(co))
	reasons := make([]string, 0, len(co))
	for _, a := range co {
		code := reference.NormalizeCode(a.Code)
		codes = append(codes, code)
		desc := a.Description
		if desc == "" && catalog != nil {
			desc = catalog.DenialDescription(code)
		}
		reasons = append(reasons, desc)
	}

	at := data.DeniedAt.UTC()
	return &Denial{
		ID:             uuid.New().String(),
		ClaimID:        data.ClaimID,
		ClaimNumber:    data.ClaimNumber,
		RemittanceID:   data.RemittanceID,
		Posting:        data.Posting,
		PatientID:      data.PatientID,
		PatientName:    data.PatientName,
		PayerID:        data.PayerID,
		PayerName:      data.PayerName,
		DenialDate:     at,
		DeniedAmount:   data.BilledAmount,
		DenialCodes:    codes,
		DenialReasons:  reasons,
		RemarkCodes:    append([]string(nil), data.RemarkCodes...),
		Category:       Categorize(co),
		AppealDeadline: at.Add(AppealWindow),
		Status:         StatusNew,
		Appeals:        []Appeal{},
		Version:        1,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// IsOpen reports whether the denial still needs work
func (d *Denial) IsOpen() bool {
	return d.Status != StatusResolved && d.Status != StatusWrittenOff
}

func (d *Denial) touch(at time.Time) {
	d.Version++
	d.UpdatedAt = at.UTC()
}

// StartReview moves a new denial into review
func (d *Denial) StartReview(notes string, at time.Time) error {
	if d.Status != StatusNew {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusInReview)
	}
	d.Status = StatusInReview
	if notes != "" {
		d.Notes = notes
	}
	d.touch(at)
	return nil
}

// FileAppeal appends an appeal at the given level. Levels never go below
// the highest level already filed, and only one appeal per level may be open.
func (d *Denial) FileAppeal(level AppealLevel, docs []string, reason string, at time.Time) (*Appeal, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAppealLevel, level)
	}
	if !d.IsOpen() {
		return nil, fmt.Errorf("%w: denial is %s", ErrInvalidTransition, d.Status)
	}
	for _, a := range d.Appeals {
		if a.Level == level && a.Status.Open() {
			return nil, fmt.Errorf("%w: %s", ErrAppealAlreadyOpen, level)
		}
		if a.Level.rank() > level.rank() {
			return nil, fmt.Errorf("%w: %s is below already filed %s", ErrInvalidAppealLevel, level, a.Level)
		}
	}

	filed := at.UTC()
	d.Appeals = append(d.Appeals, Appeal{
		ID:             uuid.New().String(),
		Level:          level,
		FiledDate:      filed,
		Deadline:       filed.Add(AppealResponseWindow),
		Status:         AppealPending,
		Reason:         reason,
		SupportingDocs: append([]string(nil), docs...),
	})
	d.Status = StatusAppealing
	d.touch(at)
	return &d.Appeals[len(d.Appeals)-1], nil
}

func (d *Denial) openAppeal(level AppealLevel) *Appeal {
	for i := range d.Appeals {
		if d.Appeals[i].Level == level && d.Appeals[i].Status.Open() {
			return &d.Appeals[i]
		}
	}
	return nil
}

// MarkAppealInReview records that the payer acknowledged the appeal
func (d *Denial) MarkAppealInReview(level AppealLevel, at time.Time) error {
	a := d.openAppeal(level)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrAppealNotFound, level)
	}
	if a.Status != AppealPending {
		return fmt.Errorf("%w: appeal is %s", ErrInvalidTransition, a.Status)
	}
	a.Status = AppealInReview
	d.touch(at)
	return nil
}

// RecordDecision closes the open appeal at level. An approval resolves the
// denial; a rejection returns it to review so it can be escalated.
func (d *Denial) RecordDecision(level AppealLevel, approved bool, detail string, at time.Time) error {
	a := d.openAppeal(level)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrAppealNotFound, level)
	}
	responded := at.UTC()
	a.ResponseDate = &responded
	a.ResponseDetail = detail
	if approved {
		a.Status = AppealApproved
		d.Status = StatusResolved
	} else {
		a.Status = AppealDenied
		if !d.hasOpenAppeal() {
			d.Status = StatusInReview
		}
	}
	d.touch(at)
	return nil
}

func (d *Denial) hasOpenAppeal() bool {
	for _, a := range d.Appeals {
		if a.Status.Open() {
			return true
		}
	}
	return false
}

// WriteOff closes the denial without recovery
func (d *Denial) WriteOff(reason string, at time.Time) error {
	if !d.IsOpen() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusWrittenOff)
	}
	d.Status = StatusWrittenOff
	d.Notes = reason
	d.touch(at)
	return nil
}

// Overdue reports whether the denial has missed its appeal deadline without
// an appeal, or has an open appeal past its response deadline.
func (d *Denial) Overdue(at time.Time) bool {
	if !d.IsOpen() {
		return false
	}
	if len(d.Appeals) == 0 {
		return at.After(d.AppealDeadline)
	}
	for _, a := range d.Appeals {
		if a.Status.Open() && at.After(a.Deadline) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (d *Denial) Clone() *Denial {
	out := *d
	out.DenialCodes = append([]string(nil), d.DenialCodes...)
	out.DenialReasons = append([]string(nil), d.DenialReasons...)
	out.RemarkCodes = append([]string(nil), d.RemarkCodes...)
	out.Appeals = make([]Appeal, len(d.Appeals))
	for i, a := range d.Appeals {
		a.SupportingDocs = append([]string(nil), a.SupportingDocs...)
		if a.ResponseDate != nil {
			t := *a.ResponseDate
			a.ResponseDate = &t
		}
		out.Appeals[i] = a
	}
	return &out
}
