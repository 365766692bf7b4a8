package rcm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rcm/internal/analytics"
	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/domain/denial"
	"github.com/drfirst/go-rcm/internal/domain/remittance"
	"github.com/drfirst/go-rcm/internal/eligibility"
	"github.com/drfirst/go-rcm/internal/observability/metrics"
	"github.com/drfirst/go-rcm/internal/rcm"
	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/internal/store"
	"github.com/drfirst/go-rcm/pkg/workerpool"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newService(t *testing.T, opts ...rcm.Option) (*rcm.Service, *clock) {
	t.Helper()
	clk := &clock{t: start}
	opts = append([]rcm.Option{
		rcm.WithClock(clk.Now),
		rcm.WithMetrics(metrics.New(prometheus.NewRegistry())),
		rcm.WithPool(workerpool.Config{Workers: 4, QueueSize: 64}),
	}, opts...)
	svc, err := rcm.New(store.NewMemory(), reference.DefaultCatalog(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, clk
}

func claimInput(payerID string, prices ...int64) claim.CreateInput {
	in := claim.CreateInput{
		Patient:     claim.Patient{ID: "pat-1", Name: "Maria Lopez", MemberID: "M-100", DateOfBirth: time.Date(1975, 6, 1, 0, 0, 0, 0, time.UTC)},
		PayerID:     payerID,
		Provider:    claim.Provider{ID: "prov-1", Name: "Lakeside Clinic", NPI: "1234567893"},
		ServiceFrom: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		Diagnoses:   []claim.DiagnosisInput{{Code: "J45.909", IsPrincipal: true}},
	}
	for _, p := range prices {
		in.Procedures = append(in.Procedures, claim.ProcedureInput{Code: "99213", Quantity: 1, UnitPrice: dec(p)})
	}
	return in
}

// submitted creates, validates and submits a claim
func submitted(t *testing.T, svc *rcm.Service, payerID string, prices ...int64) *claim.Claim {
	t.Helper()
	ctx := context.Background()
	c, err := svc.CreateClaim(ctx, claimInput(payerID, prices...))
	require.NoError(t, err)
	res, _, err := svc.ValidateClaim(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, res.IsValid, "%+v", res.Errors)
	c, err = svc.SubmitClaim(ctx, c.ID, "CH-01")
	require.NoError(t, err)
	return c
}

func deniedLine(number string) remittance.LineInput {
	return remittance.LineInput{
		ClaimNumber:   number,
		Status:        claim.OutcomeDenied,
		AllowedAmount: decimal.Zero,
		PaidAmount:    decimal.Zero,
		Adjustments:   []claim.Adjustment{{GroupCode: claim.GroupContractual, Code: "50", Amount: dec(150)}},
		DenialReasons: []string{"50"},
	}
}

func TestCreateValidateSubmit(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	c, err := svc.CreateClaim(ctx, claimInput("payer-aetna", 100, 250))
	require.NoError(t, err)
	assert.True(t, c.TotalCharges.Equal(dec(350)))
	assert.Equal(t, claim.StatusDraft, c.Status)
	assert.Equal(t, "CLM-202603-000001", c.ClaimNumber)

	res, c, err := svc.ValidateClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Equal(t, claim.StatusReady, c.Status)

	clk.Advance(time.Hour)
	c, err = svc.SubmitClaim(ctx, c.ID, "CH-01")
	require.NoError(t, err)
	assert.Equal(t, claim.StatusSubmitted, c.Status)
	require.NotNil(t, c.SubmittedAt)
	require.NotNil(t, c.DueDate)
	assert.Equal(t, clk.Now(), *c.SubmittedAt)
	assert.Equal(t, c.SubmittedAt.Add(45*24*time.Hour), *c.DueDate)

	history, err := svc.ClaimHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestFailedValidationLeavesDraft(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	in := claimInput("payer-aetna", 100)
	in.Diagnoses = nil
	c, err := svc.CreateClaim(ctx, in)
	require.NoError(t, err)

	res, c, err := svc.ValidateClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.Errors)
	assert.Equal(t, claim.StatusDraft, c.Status)

	_, err = svc.SubmitClaim(ctx, c.ID, "CH-01")
	assert.True(t, errors.Is(err, claim.ErrNotReadyForSubmission))
}

func TestCreateClaimUnknownPayer(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CreateClaim(context.Background(), claimInput("payer-nope", 100))
	assert.True(t, errors.Is(err, reference.ErrPayerNotFound))
}

func TestPartialPaymentPosting(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c := submitted(t, svc, "payer-aetna", 100, 250)

	advice, err := svc.ProcessRemittance(ctx, remittance.Input{
		PayerID:      "payer-aetna",
		EFTTrace:     "EFT-1",
		TotalPayment: dec(300),
		Lines: []remittance.LineInput{{
			ClaimNumber:   c.ClaimNumber,
			Status:        claim.OutcomePartial,
			AllowedAmount: dec(350),
			PaidAmount:    dec(300),
			Adjustments:   []claim.Adjustment{{GroupCode: claim.GroupPatient, Code: "2", Amount: dec(50)}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusProcessed, advice.Status)

	got, err := svc.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPartialPaid, got.Status)
	require.NotNil(t, got.PaidAmount)
	assert.Equal(t, "300", got.PaidAmount.String())

	stored, err := svc.GetRemittance(ctx, advice.ID)
	require.NoError(t, err)
	assert.Equal(t, advice.ID, stored.ID)
}

func TestDeniedLineOpensDenialAndAppeal(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()
	c := submitted(t, svc, "payer-bcbs", 150)

	clk.Advance(24 * time.Hour)
	deniedAt := clk.Now()
	_, err := svc.ProcessRemittance(ctx, remittance.Input{
		PayerID:     "payer-bcbs",
		CheckNumber: "CHK-9",
		Lines:       []remittance.LineInput{deniedLine(c.ClaimNumber)},
	})
	require.NoError(t, err)

	denials, err := svc.ListDenials(ctx, denial.Filter{})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	d := denials[0]
	assert.Equal(t, denial.CategoryClinical, d.Category)
	assert.Equal(t, denial.StatusNew, d.Status)
	assert.Equal(t, c.ClaimNumber, d.ClaimNumber)
	assert.Equal(t, deniedAt.Add(60*24*time.Hour), d.AppealDeadline)

	clk.Advance(48 * time.Hour)
	filedAt := clk.Now()
	d, appeal, err := svc.FileAppeal(ctx, denial.AppealInput{
		DenialID: d.ID,
		Level:    denial.LevelFirst,
		Reason:   "medical necessity documented in chart notes",
	})
	require.NoError(t, err)
	assert.Equal(t, denial.StatusAppealing, d.Status)
	assert.Equal(t, filedAt.Add(30*24*time.Hour), appeal.Deadline)

	got, err := svc.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusAppealed, got.Status)

	d, err = svc.RecordAppealDecision(ctx, denial.DecisionInput{DenialID: d.ID, Level: denial.LevelFirst, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, denial.StatusResolved, d.Status)

	got, err = svc.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusProcessing, got.Status)
}

func TestDeniedAppealCanBeEscalated(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c := submitted(t, svc, "payer-bcbs", 150)

	_, err := svc.ProcessRemittance(ctx, remittance.Input{
		PayerID: "payer-bcbs",
		Lines:   []remittance.LineInput{deniedLine(c.ClaimNumber)},
	})
	require.NoError(t, err)
	denials, err := svc.ListDenials(ctx, denial.Filter{Status: denial.StatusNew})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	id := denials[0].ID

	_, _, err = svc.FileAppeal(ctx, denial.AppealInput{DenialID: id, Level: denial.LevelFirst})
	require.NoError(t, err)
	d, err := svc.RecordAppealDecision(ctx, denial.DecisionInput{DenialID: id, Level: denial.LevelFirst, Approved: false})
	require.NoError(t, err)
	assert.Equal(t, denial.StatusInReview, d.Status)

	got, err := svc.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusDenied, got.Status)

	_, appeal, err := svc.FileAppeal(ctx, denial.AppealInput{DenialID: id, Level: denial.LevelSecond})
	require.NoError(t, err)
	assert.Equal(t, denial.LevelSecond, appeal.Level)

	d, err = svc.WriteOffDenial(ctx, id, "below collection threshold")
	require.NoError(t, err)
	assert.Equal(t, denial.StatusWrittenOff, d.Status)

	_, err = svc.StartDenialReview(ctx, id, "reopen")
	assert.True(t, errors.Is(err, denial.ErrInvalidTransition))
}

func TestUnknownClaimMakesException(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c := submitted(t, svc, "payer-aetna", 200)

	advice, err := svc.ProcessRemittance(ctx, remittance.Input{
		PayerID:      "payer-aetna",
		EFTTrace:     "EFT-2",
		TotalPayment: dec(200),
		Lines: []remittance.LineInput{
			{ClaimNumber: c.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(200), PaidAmount: dec(200)},
			{ClaimNumber: "CLM-202603-999999", Status: claim.OutcomePaid, AllowedAmount: dec(10), PaidAmount: dec(0)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusException, advice.Status)
	require.Len(t, advice.Unmatched, 1)
	assert.Equal(t, remittance.ReasonClaimNotFound, advice.Unmatched[0].Reason)

	got, err := svc.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPaid, got.Status)
}

func TestRevenueMetrics(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	a := submitted(t, svc, "payer-aetna", 100)
	b := submitted(t, svc, "payer-aetna", 200)
	c := submitted(t, svc, "payer-bcbs", 150)

	_, err := svc.ProcessRemittance(ctx, remittance.Input{
		PayerID:      "payer-aetna",
		EFTTrace:     "EFT-3",
		TotalPayment: dec(280),
		Lines: []remittance.LineInput{
			{ClaimNumber: a.ClaimNumber, Status: claim.OutcomePartial, AllowedAmount: dec(100), PaidAmount: dec(80)},
			{ClaimNumber: b.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(200), PaidAmount: dec(200)},
		},
	})
	require.NoError(t, err)
	_, err = svc.ProcessRemittance(ctx, remittance.Input{
		PayerID: "payer-bcbs",
		Lines:   []remittance.LineInput{deniedLine(c.ClaimNumber)},
	})
	require.NoError(t, err)

	clk.Advance(10 * 24 * time.Hour)
	m, err := svc.GetRevenueMetrics(ctx, analytics.Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, m.ClaimCount)
	assert.Equal(t, "450", m.TotalCharges.String())
	assert.Equal(t, "280", m.TotalPayments.String())
	assert.InDelta(t, 0.622, m.CollectionRate, 0.001)
	assert.InDelta(t, 0.333, m.DenialRate, 0.001)
}

func TestListClaimsFilters(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	first, err := svc.CreateClaim(ctx, claimInput("payer-aetna", 100))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	second, err := svc.CreateClaim(ctx, claimInput("payer-bcbs", 100))
	require.NoError(t, err)

	all, total, err := svc.ListClaims(ctx, store.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	byPayer, total, err := svc.ListClaims(ctx, store.ClaimFilter{PayerID: "payer-aetna"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, first.ID, byPayer[0].ID)
}

func TestVoidRefusedOnTerminalClaim(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.CreateClaim(ctx, claimInput("payer-aetna", 100))
	require.NoError(t, err)
	c, err = svc.VoidClaim(ctx, c.ID, "duplicate entry")
	require.NoError(t, err)
	assert.Equal(t, claim.StatusVoided, c.Status)

	_, err = svc.VoidClaim(ctx, c.ID, "again")
	assert.True(t, errors.Is(err, claim.ErrInvalidTransition))
}

type fakeEligibility struct {
	got eligibility.Request
}

func (f *fakeEligibility) Check(_ context.Context, req eligibility.Request) (*eligibility.Eligibility, error) {
	f.got = req
	return &eligibility.Eligibility{PatientID: req.PatientID, PayerID: req.PayerID, Eligible: true, CoverageStatus: eligibility.CoverageActive}, nil
}

func TestCheckClaimEligibility(t *testing.T) {
	fake := &fakeEligibility{}
	svc, _ := newService(t, rcm.WithEligibility(fake))
	ctx := context.Background()

	c, err := svc.CreateClaim(ctx, claimInput("payer-aetna", 100))
	require.NoError(t, err)

	e, err := svc.CheckClaimEligibility(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, e.Eligible)
	assert.Equal(t, "M-100", fake.got.MemberID)
	assert.Equal(t, "Maria", fake.got.FirstName)
	assert.Equal(t, "Lopez", fake.got.LastName)
	assert.Equal(t, c.ServiceFrom, fake.got.DateOfService)
}

func TestEligibilityNotConfigured(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CheckEligibility(context.Background(), eligibility.Request{PayerID: "payer-aetna"})
	assert.True(t, errors.Is(err, rcm.ErrEligibilityNotConfigured))
	assert.True(t, svc.Ready())
}

func TestEligibilityUnknownPayerComesFirst(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CheckEligibility(context.Background(), eligibility.Request{PayerID: "payer-nobody"})
	assert.True(t, errors.Is(err, reference.ErrPayerNotFound))
	assert.False(t, errors.Is(err, rcm.ErrEligibilityNotConfigured))
}

func TestReplayedDenialAfterWriteOffOpensNothing(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c := submitted(t, svc, "payer-bcbs", 150)
	in := remittance.Input{PayerID: "payer-bcbs", Lines: []remittance.LineInput{deniedLine(c.ClaimNumber)}}

	_, err := svc.ProcessRemittance(ctx, in)
	require.NoError(t, err)
	denials, err := svc.ListDenials(ctx, denial.Filter{})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	_, err = svc.WriteOffDenial(ctx, denials[0].ID, "below collection threshold")
	require.NoError(t, err)

	_, err = svc.ProcessRemittance(ctx, in)
	require.NoError(t, err)
	denials, err = svc.ListDenials(ctx, denial.Filter{})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, denial.StatusWrittenOff, denials[0].Status)
}
