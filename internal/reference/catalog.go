// Package reference provides the static payer directory and denial-code dictionary.
package reference

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPayerNotFound indicates the payer id does not resolve in the catalog
var ErrPayerNotFound = errors.New("payer not found")

// Payer describes an insurer or funding body
type Payer struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	PayerCode          string `json:"payer_code"`
	PlanType           string `json:"plan_type"`
	TimelyFilingDays   int    `json:"timely_filing_days"`
	EligibilityPayerID string `json:"eligibility_payer_id,omitempty"`
}

// DenialCode is a claim adjustment reason code (CARC) entry
type DenialCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Catalog is an immutable lookup of payers and denial codes.
// It is safe for concurrent use.
type Catalog struct {
	payers map[string]Payer
	codes  map[string]DenialCode
}

// NewCatalog builds a catalog from collaborator-supplied reference data
func NewCatalog(payers []Payer, codes []DenialCode) *Catalog {
	c := &Catalog{
		payers: make(map[string]Payer, len(payers)),
		codes:  make(map[string]DenialCode, len(codes)),
	}
	for _, p := range payers {
		c.payers[p.ID] = p
	}
	for _, d := range codes {
		c.codes[NormalizeCode(d.Code)] = d
	}
	return c
}

// Payer resolves a payer by id
func (c *Catalog) Payer(id string) (Payer, error) {
	p, ok := c.payers[id]
	if !ok {
		return Payer{}, fmt.Errorf("%w: %s", ErrPayerNotFound, id)
	}
	return p, nil
}

// Payers returns all payers sorted by name
func (c *Catalog) Payers() []Payer {
	out := make([]Payer, 0, len(c.payers))
	for _, p := range c.payers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DenialDescription returns the description for a CARC, or a generic
// placeholder for codes the dictionary does not know.
func (c *Catalog) DenialDescription(code string) string {
	if d, ok := c.codes[NormalizeCode(code)]; ok {
		return d.Description
	}
	return "Unknown adjustment reason " + code
}

// NormalizeCode strips a group prefix such as "CO-" and surrounding space
// from an adjustment reason code.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(strings.ToUpper(code))
	if i := strings.IndexByte(code, '-'); i > 0 && i <= 2 {
		code = code[i+1:]
	}
	return code
}

// DefaultCatalog returns the seed reference data
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultPayers, defaultDenialCodes)
}

var defaultPayers = []Payer{
	{ID: "payer-medicare", Name: "Medicare", PayerCode: "00430", PlanType: "medicare", TimelyFilingDays: 365, EligibilityPayerID: "CMS"},
	{ID: "payer-medicaid", Name: "Medicaid", PayerCode: "77027", PlanType: "medicaid", TimelyFilingDays: 180, EligibilityPayerID: "SKCO0"},
	{ID: "payer-bcbs", Name: "Blue Cross Blue Shield", PayerCode: "00060", PlanType: "commercial", TimelyFilingDays: 180, EligibilityPayerID: "BCBSF"},
	{ID: "payer-aetna", Name: "Aetna", PayerCode: "60054", PlanType: "commercial", TimelyFilingDays: 90, EligibilityPayerID: "60054"},
	{ID: "payer-uhc", Name: "UnitedHealthcare", PayerCode: "87726", PlanType: "commercial", TimelyFilingDays: 90, EligibilityPayerID: "87726"},
	{ID: "payer-cigna", Name: "Cigna", PayerCode: "62308", PlanType: "commercial", TimelyFilingDays: 90, EligibilityPayerID: "62308"},
}

var defaultDenialCodes = []DenialCode{
	{Code: "1", Description: "Deductible amount"},
	{Code: "2", Description: "Coinsurance amount"},
	{Code: "3", Description: "Co-payment amount"},
	{Code: "4", Description: "Procedure code inconsistent with the modifier used"},
	{Code: "11", Description: "Diagnosis inconsistent with the procedure"},
	{Code: "15", Description: "Authorization number missing, invalid, or does not apply"},
	{Code: "16", Description: "Claim lacks information or has submission/billing errors"},
	{Code: "18", Description: "Exact duplicate claim/service"},
	{Code: "22", Description: "Care may be covered by another payer per coordination of benefits"},
	{Code: "27", Description: "Expenses incurred after coverage terminated"},
	{Code: "29", Description: "The time limit for filing has expired"},
	{Code: "31", Description: "Patient cannot be identified as our insured"},
	{Code: "45", Description: "Charge exceeds fee schedule/maximum allowable"},
	{Code: "50", Description: "Non-covered service: not deemed a medical necessity"},
	{Code: "55", Description: "Procedure/treatment is deemed experimental/investigational"},
	{Code: "62", Description: "Payment denied/reduced for absence of precertification"},
	{Code: "96", Description: "Non-covered charge(s)"},
	{Code: "97", Description: "Benefit included in the payment for another service already adjudicated"},
	{Code: "140", Description: "Patient/insured health identification number and name do not match"},
	{Code: "151", Description: "Payer deems the information submitted does not support this many services"},
	{Code: "167", Description: "This (these) diagnosis(es) is (are) not covered"},
	{Code: "197", Description: "Precertification/authorization/notification absent"},
	{Code: "198", Description: "Precertification/notification/authorization exceeded"},
	{Code: "204", Description: "Service not covered under the patient's current benefit plan"},
	{Code: "B7", Description: "Provider not certified/eligible to be paid for this procedure on this date"},
}
