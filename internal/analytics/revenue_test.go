package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rcm/internal/domain/claim"
)

var now = time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func fixture(number string, status claim.Status, charged, paid int64, payer string) *claim.Claim {
	c := &claim.Claim{
		ID:           number,
		ClaimNumber:  number,
		Payer:        claim.PartyRef{ID: payer, Name: payer},
		Provider:     claim.Provider{ID: "prov-1"},
		ServiceFrom:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		TotalCharges: money(charged),
		Status:       status,
		CreatedAt:    now.AddDate(0, 0, -20),
	}
	if paid > 0 || status == claim.StatusDenied {
		c.PaidAmount = ptr(money(paid))
	}
	return c
}

func submittedDaysAgo(number string, days int, charged, paid int64) *claim.Claim {
	c := fixture(number, claim.StatusSubmitted, charged, paid, "Aetna")
	at := now.AddDate(0, 0, -days)
	c.SubmittedAt = &at
	return c
}

func TestRatesForMixedPopulation(t *testing.T) {
	claims := []*claim.Claim{
		fixture("c1", claim.StatusPartialPaid, 100, 80, "Aetna"),
		fixture("c2", claim.StatusPaid, 200, 200, "Cigna"),
		fixture("c3", claim.StatusDenied, 150, 0, "Aetna"),
	}
	m := Compute(claims, Query{From: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), To: now}, now)

	assert.Equal(t, 3, m.ClaimCount)
	assert.True(t, m.TotalCharges.Equal(money(450)))
	assert.True(t, m.TotalPayments.Equal(money(280)))
	assert.InDelta(t, 0.622, m.CollectionRate, 0.001)
	assert.InDelta(t, 0.333, m.DenialRate, 0.001)
	assert.InDelta(t, 1.0, m.CleanClaimRate, 1e-9)
}

func TestEmptyPopulationHasZeroRates(t *testing.T) {
	m := Compute(nil, Query{}, now)
	assert.Zero(t, m.ClaimCount)
	assert.Zero(t, m.CollectionRate)
	assert.Zero(t, m.DenialRate)
	assert.Zero(t, m.CleanClaimRate)
	assert.Zero(t, m.DaysInAR)
	require.Len(t, m.AgingBuckets, 5)
	assert.Empty(t, m.ByPayer)
}

func TestZeroChargesDoNotDivide(t *testing.T) {
	m := Compute([]*claim.Claim{fixture("c1", claim.StatusDraft, 0, 0, "Aetna")}, Query{}, now)
	assert.Zero(t, m.CollectionRate)
	assert.Equal(t, 1, m.ClaimCount)
}

func TestCollectionRateNeverExceedsOne(t *testing.T) {
	m := Compute([]*claim.Claim{fixture("c1", claim.StatusPaid, 100, 150, "Aetna")}, Query{}, now)
	assert.True(t, m.TotalPayments.Equal(money(150)))
	assert.InDelta(t, 1.0, m.CollectionRate, 1e-9)
}

func TestAgingBucketsAreUpperInclusive(t *testing.T) {
	claims := []*claim.Claim{
		submittedDaysAgo("a", 0, 10, 0),
		submittedDaysAgo("b", 30, 20, 0),
		submittedDaysAgo("c", 31, 40, 0),
		submittedDaysAgo("d", 60, 80, 10),
		submittedDaysAgo("e", 90, 160, 0),
		submittedDaysAgo("f", 120, 320, 0),
		submittedDaysAgo("g", 121, 640, 0),
		fixture("paid", claim.StatusPaid, 1000, 1000, "Aetna"),
	}
	m := Compute(claims, Query{}, now)

	counts := make([]int, 5)
	for i, b := range m.AgingBuckets {
		counts[i] = b.Count
	}
	assert.Equal(t, []int{2, 2, 1, 1, 1}, counts)
	assert.True(t, m.AgingBuckets[0].Amount.Equal(money(30)))
	assert.True(t, m.AgingBuckets[1].Amount.Equal(money(110)))
	assert.Equal(t, ">120", m.AgingBuckets[4].Label)

	sum := decimal.Zero
	for _, b := range m.AgingBuckets {
		sum = sum.Add(b.Amount)
	}
	assert.True(t, sum.Equal(m.Outstanding))
	assert.True(t, m.Outstanding.Equal(money(1260)))
	assert.InDelta(t, float64(0+30+31+60+90+120+121)/7, m.DaysInAR, 0.01)
}

func TestDaysInARFallsBackToCreation(t *testing.T) {
	c := fixture("c1", claim.StatusAccepted, 100, 0, "Aetna")
	m := Compute([]*claim.Claim{c}, Query{}, now)
	assert.InDelta(t, 20, m.DaysInAR, 0.01)
}

func TestWindowAndProviderFilter(t *testing.T) {
	inside := fixture("in", claim.StatusPaid, 100, 100, "Aetna")
	before := fixture("before", claim.StatusPaid, 100, 100, "Aetna")
	before.ServiceFrom = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	otherProvider := fixture("other", claim.StatusPaid, 100, 100, "Aetna")
	otherProvider.Provider.ID = "prov-2"

	m := Compute([]*claim.Claim{inside, before, otherProvider}, Query{
		From:       time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		To:         now,
		ProviderID: "prov-1",
	}, now)
	assert.Equal(t, 1, m.ClaimCount)
}

func TestCleanClaimRateCountsRejections(t *testing.T) {
	rejected := fixture("r", claim.StatusRejected, 100, 0, "Aetna")
	rejected.SubmissionHistory = []claim.SubmissionEvent{{Status: claim.StatusRejected, Error: true}}
	ok := fixture("ok", claim.StatusPaid, 100, 100, "Aetna")

	m := Compute([]*claim.Claim{rejected, ok}, Query{}, now)
	assert.InDelta(t, 0.5, m.CleanClaimRate, 1e-9)
}

func TestPayerBreakdownExcludesClosedFromOutstanding(t *testing.T) {
	claims := []*claim.Claim{
		fixture("p1", claim.StatusPartialPaid, 100, 60, "Aetna"),
		fixture("p2", claim.StatusDenied, 150, 0, "Aetna"),
		fixture("p3", claim.StatusPaid, 200, 180, "Cigna"),
	}
	claims[0].Adjustments = []claim.Adjustment{{GroupCode: claim.GroupContractual, Code: "45", Amount: money(15)}}
	m := Compute(claims, Query{}, now)

	require.Len(t, m.ByPayer, 2)
	aetna, cigna := m.ByPayer[0], m.ByPayer[1]
	assert.Equal(t, "Aetna", aetna.PayerName)
	assert.Equal(t, 2, aetna.ClaimCount)
	assert.True(t, aetna.Charges.Equal(money(250)))
	assert.True(t, aetna.Payments.Equal(money(60)))
	assert.True(t, aetna.Outstanding.Equal(money(40)))
	assert.True(t, cigna.Outstanding.IsZero())

	assert.True(t, m.TotalAdjustments.Equal(money(15)))
	assert.True(t, m.NetRevenue.Equal(money(225)))
}
