// Package analytics computes revenue-cycle metrics over claim snapshots.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rcm/internal/domain/claim"
)

// Query selects the reporting window by date of service. Zero bounds are open.
type Query struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	ProviderID string    `json:"provider_id,omitempty"`
}

// AgingBucket is one bucket of the A/R aging histogram
type AgingBucket struct {
	Label   string          `json:"label"`
	MinDays int             `json:"min_days"`
	MaxDays int             `json:"max_days"` // -1 means unbounded
	Amount  decimal.Decimal `json:"amount"`
	Count   int             `json:"count"`
}

// PayerBreakdown aggregates claims by payer display name
type PayerBreakdown struct {
	PayerName   string          `json:"payer_name"`
	ClaimCount  int             `json:"claim_count"`
	Charges     decimal.Decimal `json:"charges"`
	Payments    decimal.Decimal `json:"payments"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// RevenueMetrics is the result of Compute
type RevenueMetrics struct {
	From             time.Time        `json:"from"`
	To               time.Time        `json:"to"`
	ClaimCount       int              `json:"claim_count"`
	TotalCharges     decimal.Decimal  `json:"total_charges"`
	TotalPayments    decimal.Decimal  `json:"total_payments"`
	TotalAdjustments decimal.Decimal  `json:"total_adjustments"`
	NetRevenue       decimal.Decimal  `json:"net_revenue"`
	CollectionRate   float64          `json:"collection_rate"`
	DenialRate       float64          `json:"denial_rate"`
	CleanClaimRate   float64          `json:"clean_claim_rate"`
	DaysInAR         float64          `json:"days_in_ar"`
	Outstanding      decimal.Decimal  `json:"outstanding"`
	AgingBuckets     []AgingBucket    `json:"aging_buckets"`
	ByPayer          []PayerBreakdown `json:"by_payer"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

var bucketBounds = []struct {
	label    string
	min, max int
}{
	{"0-30", 0, 30},
	{"31-60", 31, 60},
	{"61-90", 61, 90},
	{"91-120", 91, 120},
	{">120", 121, -1},
}

func bucketIndex(days int) int {
	for i, b := range bucketBounds {
		if b.max < 0 || days <= b.max {
			return i
		}
	}
	return len(bucketBounds) - 1
}

func (q Query) includes(c *claim.Claim) bool {
	if q.ProviderID != "" && c.Provider.ID != q.ProviderID {
		return false
	}
	if !q.From.IsZero() && c.ServiceFrom.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && c.ServiceFrom.After(q.To) {
		return false
	}
	return true
}

// closedForPayerAR reports statuses excluded from per-payer outstanding
func closedForPayerAR(s claim.Status) bool {
	return s == claim.StatusPaid || s == claim.StatusDenied || s == claim.StatusVoided
}

// Compute aggregates the claims in the window. Rates are 0 for an empty
// population. Days in A/R and aging cover in-flight claims only, measured
// from submission (or creation when never submitted) to now.
func Compute(claims []*claim.Claim, q Query, now time.Time) RevenueMetrics {
	m := RevenueMetrics{
		From:             q.From,
		To:               q.To,
		TotalCharges:     decimal.Zero,
		TotalPayments:    decimal.Zero,
		TotalAdjustments: decimal.Zero,
		Outstanding:      decimal.Zero,
		AgingBuckets:     make([]AgingBucket, len(bucketBounds)),
		ByPayer:          []PayerBreakdown{},
		GeneratedAt:      now.UTC(),
	}
	for i, b := range bucketBounds {
		m.AgingBuckets[i] = AgingBucket{Label: b.label, MinDays: b.min, MaxDays: b.max, Amount: decimal.Zero}
	}

	var denied, clean, inFlight int
	var daysSum float64
	payers := make(map[string]*PayerBreakdown)

	for _, c := range claims {
		if !q.includes(c) {
			continue
		}
		m.ClaimCount++
		paid := c.Paid()
		m.TotalCharges = m.TotalCharges.Add(c.TotalCharges)
		m.TotalPayments = m.TotalPayments.Add(paid)
		m.TotalAdjustments = m.TotalAdjustments.Add(c.TotalAdjustments())

		if c.Status == claim.StatusDenied {
			denied++
		}
		if !c.HasErrorEvent() {
			clean++
		}

		if c.Status.IsInFlight() {
			start := c.CreatedAt
			if c.SubmittedAt != nil {
				start = *c.SubmittedAt
			}
			days := now.Sub(start).Hours() / 24
			if days < 0 {
				days = 0
			}
			daysSum += days
			inFlight++

			b := &m.AgingBuckets[bucketIndex(int(math.Floor(days)))]
			b.Amount = b.Amount.Add(c.Outstanding())
			b.Count++
			m.Outstanding = m.Outstanding.Add(c.Outstanding())
		}

		pb, ok := payers[c.Payer.Name]
		if !ok {
			pb = &PayerBreakdown{
				PayerName:   c.Payer.Name,
				Charges:     decimal.Zero,
				Payments:    decimal.Zero,
				Outstanding: decimal.Zero,
			}
			payers[c.Payer.Name] = pb
		}
		pb.ClaimCount++
		pb.Charges = pb.Charges.Add(c.TotalCharges)
		pb.Payments = pb.Payments.Add(paid)
		if !closedForPayerAR(c.Status) {
			pb.Outstanding = pb.Outstanding.Add(c.Outstanding())
		}
	}

	m.NetRevenue = m.TotalPayments.Sub(m.TotalAdjustments)
	if m.TotalCharges.IsPositive() {
		m.CollectionRate = m.TotalPayments.Div(m.TotalCharges).InexactFloat64()
		// payers occasionally remit more than was billed; the rate stays a ratio
		if m.CollectionRate > 1 {
			m.CollectionRate = 1
		}
	}
	if m.ClaimCount > 0 {
		m.DenialRate = float64(denied) / float64(m.ClaimCount)
		m.CleanClaimRate = float64(clean) / float64(m.ClaimCount)
	}
	if inFlight > 0 {
		m.DaysInAR = daysSum / float64(inFlight)
	}

	for _, pb := range payers {
		m.ByPayer = append(m.ByPayer, *pb)
	}
	sort.Slice(m.ByPayer, func(i, j int) bool { return m.ByPayer[i].PayerName < m.ByPayer[j].PayerName })
	return m
}
