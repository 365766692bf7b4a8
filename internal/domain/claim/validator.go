package claim

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHighValueThreshold is the advisory total-charges threshold
var DefaultHighValueThreshold = decimal.NewFromInt(50000)

// Issue is a single validation finding
type Issue struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationResult is returned as data; a failing claim simply stays in draft
type ValidationResult struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Validator runs submission-readiness rules over a claim
type Validator struct {
	HighValueThreshold decimal.Decimal
}

// NewValidator returns a validator with the given threshold, or the default
// when the threshold is not positive.
func NewValidator(threshold decimal.Decimal) *Validator {
	if !threshold.IsPositive() {
		threshold = DefaultHighValueThreshold
	}
	return &Validator{HighValueThreshold: threshold}
}

// Validate evaluates every rule independently. When there are no errors and
// the claim is in draft it is moved to ready, so ready always means validated.
func (v *Validator) Validate(c *Claim, at time.Time) (ValidationResult, error) {
	res := ValidationResult{Errors: []Issue{}, Warnings: []Issue{}}

	if len(c.Diagnoses) == 0 {
		res.Errors = append(res.Errors, Issue{Rule: "diagnosis_required", Message: "at least one diagnosis is required"})
	}
	if len(c.Procedures) == 0 {
		res.Errors = append(res.Errors, Issue{Rule: "procedure_required", Message: "at least one procedure is required"})
	}

	principals := 0
	for _, d := range c.Diagnoses {
		if d.IsPrincipal {
			principals++
		}
	}
	switch {
	case principals == 0:
		res.Errors = append(res.Errors, Issue{Rule: "principal_diagnosis", Message: "a principal diagnosis is required"})
	case principals > 1:
		res.Errors = append(res.Errors, Issue{Rule: "principal_diagnosis", Message: fmt.Sprintf("exactly one principal diagnosis is allowed, found %d", principals)})
	}

	for _, p := range c.Procedures {
		if p.RequiresAuthorization && c.Authorization == nil {
			res.Errors = append(res.Errors, Issue{
				Rule:    "authorization_required",
				Message: fmt.Sprintf("procedure %s requires prior authorization", p.Code),
			})
			break
		}
	}

	if c.Authorization != nil && c.Authorization.ExpirationDate.Before(at) {
		res.Errors = append(res.Errors, Issue{
			Rule:    "authorization_expired",
			Message: fmt.Sprintf("authorization %s expired on %s", c.Authorization.Number, c.Authorization.ExpirationDate.Format("2006-01-02")),
		})
	}

	threshold := v.HighValueThreshold
	if !threshold.IsPositive() {
		threshold = DefaultHighValueThreshold
	}
	if c.TotalCharges.GreaterThan(threshold) {
		res.Warnings = append(res.Warnings, Issue{
			Rule:    "high_value",
			Message: fmt.Sprintf("total charges %s exceed review threshold %s", c.TotalCharges.StringFixed(2), threshold.StringFixed(2)),
		})
	}

	for _, p := range c.Procedures {
		for _, ptr := range p.DiagnosisPointers {
			if ptr < 1 || ptr > len(c.Diagnoses) {
				res.Warnings = append(res.Warnings, Issue{
					Rule:    "diagnosis_pointer",
					Message: fmt.Sprintf("procedure %d points to unknown diagnosis %d", p.Sequence, ptr),
				})
			}
		}
	}

	res.IsValid = len(res.Errors) == 0
	if res.IsValid && c.Status == StatusDraft {
		if err := c.markReady(at); err != nil {
			return res, err
		}
	}
	return res, nil
}
