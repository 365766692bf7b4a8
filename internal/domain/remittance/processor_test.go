package remittance_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/domain/remittance"
	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/internal/store"
	"github.com/drfirst/go-rcm/pkg/workerpool"
)

var serviceDate = time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fixture struct {
	store     *store.Memory
	processor *remittance.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	p, err := remittance.NewProcessor(s, reference.DefaultCatalog(), workerpool.Config{Workers: 4, QueueSize: 64}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return &fixture{store: s, processor: p}
}

// submitted creates and submits a claim billed to payerID for amount
func (f *fixture) submitted(t *testing.T, payerID, patient string, amount int64) *claim.Claim {
	t.Helper()
	payer, err := reference.DefaultCatalog().Payer(payerID)
	require.NoError(t, err)
	now := time.Now().UTC()
	c, err := claim.Build(claim.CreateInput{
		Patient:     claim.Patient{ID: "pat-" + patient, Name: patient},
		PayerID:     payer.ID,
		Provider:    claim.Provider{ID: "prov-1"},
		ServiceFrom: serviceDate,
		Diagnoses:   []claim.DiagnosisInput{{Code: "E11.9", IsPrincipal: true}},
		Procedures:  []claim.ProcedureInput{{Code: "99214", Quantity: 1, UnitPrice: dec(amount)}},
	}, payer, f.store.NextClaimNumber(now), now)
	require.NoError(t, err)
	_, err = f.store.CreateClaim(context.Background(), c)
	require.NoError(t, err)

	out, _, err := f.store.UpdateClaim(context.Background(), c.ID, func(c *claim.Claim) error {
		if _, err := claim.NewValidator(decimal.Zero).Validate(c, now); err != nil {
			return err
		}
		return c.Submit("CH-1", now)
	})
	require.NoError(t, err)
	return out
}

func TestPartialPayment(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-aetna", "Ann Lee", 350)

	advice, events, err := f.processor.Process(context.Background(), remittance.Input{
		PayerID:      "payer-aetna",
		CheckNumber:  "CHK-100",
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
	assert.False(t, advice.BalanceMismatch)
	require.Len(t, advice.Payments, 1)
	assert.Equal(t, "Ann Lee", advice.Payments[0].PatientName)
	assert.Equal(t, serviceDate, advice.Payments[0].ServiceDate)
	assert.Equal(t, "Aetna", advice.PayerName)
	require.Len(t, events, 1)
	assert.Equal(t, claim.EventPaymentPosted, events[0].EventType)
	assert.Equal(t, advice.ID, events[0].CorrelationID)

	got, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPartialPaid, got.Status)
	assert.True(t, got.Paid().Equal(dec(300)))
	assert.True(t, got.AllowedAmount.Equal(dec(350)))
}

func TestUnknownClaimMakesException(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-aetna", "Bo Diaz", 100)

	advice, _, err := f.processor.Process(context.Background(), remittance.Input{
		PayerID:      "payer-aetna",
		TotalPayment: dec(150),
		Lines: []remittance.LineInput{
			{ClaimNumber: "CLM-209901-999999", Status: claim.OutcomePaid, AllowedAmount: dec(50), PaidAmount: dec(50)},
			{ClaimNumber: c.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(100), PaidAmount: dec(100)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusException, advice.Status)
	require.Len(t, advice.Unmatched, 1)
	assert.Equal(t, 1, advice.Unmatched[0].Line)
	assert.Equal(t, remittance.ReasonClaimNotFound, advice.Unmatched[0].Reason)
	require.Len(t, advice.Payments, 1)
	assert.True(t, advice.PostedTotal.Equal(dec(100)))

	got, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPaid, got.Status)
}

func TestRefusedAndMismatchedLines(t *testing.T) {
	f := newFixture(t)
	draftPayer, err := reference.DefaultCatalog().Payer("payer-aetna")
	require.NoError(t, err)
	draft, err := claim.Build(claim.CreateInput{
		Patient:     claim.Patient{ID: "p"},
		PayerID:     draftPayer.ID,
		Provider:    claim.Provider{ID: "prov"},
		ServiceFrom: serviceDate,
	}, draftPayer, f.store.NextClaimNumber(serviceDate), serviceDate)
	require.NoError(t, err)
	_, err = f.store.CreateClaim(context.Background(), draft)
	require.NoError(t, err)
	other := f.submitted(t, "payer-cigna", "Cy Park", 80)

	advice, _, err := f.processor.Process(context.Background(), remittance.Input{
		PayerID: "payer-aetna",
		Lines: []remittance.LineInput{
			{ClaimNumber: draft.ClaimNumber, Status: claim.OutcomePaid},
			{ClaimNumber: other.ClaimNumber, Status: claim.OutcomePaid},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusException, advice.Status)
	require.Len(t, advice.Unmatched, 2)
	assert.Equal(t, remittance.ReasonRefused, advice.Unmatched[0].Reason)
	assert.Equal(t, remittance.ReasonPayerMismatch, advice.Unmatched[1].Reason)
}

func TestDeniedLineEmitsDeniedEvent(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-uhc", "Di Fox", 150)

	advice, events, err := f.processor.Process(context.Background(), remittance.Input{
		PayerID: "payer-uhc",
		Lines: []remittance.LineInput{{
			ClaimNumber:   c.ClaimNumber,
			Status:        claim.OutcomeDenied,
			Adjustments:   []claim.Adjustment{{GroupCode: claim.GroupContractual, Code: "50", Amount: dec(150)}},
			DenialReasons: []string{"50"},
			RemarkCodes:   []string{"N115"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusProcessed, advice.Status)

	var types []claim.EventType
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []claim.EventType{claim.EventPaymentPosted, claim.EventClaimDenied}, types)

	var data claim.ClaimDeniedData
	require.NoError(t, events[1].Decode(&data))
	assert.Equal(t, c.ClaimNumber, data.ClaimNumber)
	assert.Equal(t, advice.ID, data.RemittanceID)
	assert.Equal(t, []string{"N115"}, data.RemarkCodes)
}

func TestReprocessingIsNoOp(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-aetna", "Ed Gray", 200)
	in := remittance.Input{
		PayerID:      "payer-aetna",
		TotalPayment: dec(200),
		Lines: []remittance.LineInput{{
			ClaimNumber: c.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(200), PaidAmount: dec(200),
		}},
	}

	_, first, err := f.processor.Process(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	once, err := f.store.Claim(c.ID)
	require.NoError(t, err)

	advice, second, err := f.processor.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, remittance.StatusProcessed, advice.Status)
	require.Len(t, advice.Payments, 1)
	assert.True(t, advice.Payments[0].Duplicate)

	twice, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, once.Version, twice.Version)
	assert.Equal(t, len(once.SubmissionHistory), len(twice.SubmissionHistory))
	assert.True(t, twice.Paid().Equal(dec(200)))
}

// cancellingStore cancels the caller's context as soon as a claim is posted
type cancellingStore struct {
	*store.Memory
	cancel context.CancelFunc
}

func (s cancellingStore) UpdateClaimByNumber(ctx context.Context, number string, fn func(*claim.Claim) error) (*claim.Claim, []*claim.Event, error) {
	s.cancel()
	return s.Memory.UpdateClaimByNumber(ctx, number, fn)
}

func deniedInput(payerID, number string) remittance.Input {
	return remittance.Input{
		PayerID: payerID,
		Lines: []remittance.LineInput{{
			ClaimNumber:   number,
			Status:        claim.OutcomeDenied,
			Adjustments:   []claim.Adjustment{{GroupCode: claim.GroupContractual, Code: "50", Amount: dec(150)}},
			DenialReasons: []string{"50"},
		}},
	}
}

func eventTypes(events []*claim.Event) []claim.EventType {
	var types []claim.EventType
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func TestCancelDuringPostingKeepsDeniedEvent(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-uhc", "Gil Hart", 150)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := remittance.NewProcessor(cancellingStore{Memory: f.store, cancel: cancel},
		reference.DefaultCatalog(), workerpool.Config{Workers: 2, QueueSize: 8}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	advice, events, err := p.Process(ctx, deniedInput("payer-uhc", c.ClaimNumber))
	require.NoError(t, err)
	assert.Error(t, ctx.Err())
	assert.Equal(t, remittance.StatusProcessed, advice.Status)
	assert.Empty(t, advice.Unmatched)
	assert.Contains(t, eventTypes(events), claim.EventClaimDenied)

	got, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusDenied, got.Status)
}

func TestCancelledBeforeQueueingPostsNothing(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-uhc", "Ida Kemp", 150)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	advice, events, err := f.processor.Process(ctx, deniedInput("payer-uhc", c.ClaimNumber))
	require.Error(t, err)
	assert.True(t, errors.Is(err, remittance.ErrInterrupted))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Nil(t, advice)
	assert.Empty(t, events)

	got, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusSubmitted, got.Status)
	assert.Equal(t, c.Version, got.Version)
}

func TestReprocessingDeniedAdviceReplaysDenial(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-uhc", "Jo Lund", 150)
	in := deniedInput("payer-uhc", c.ClaimNumber)

	_, first, err := f.processor.Process(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []claim.EventType{claim.EventPaymentPosted, claim.EventClaimDenied}, eventTypes(first))
	var original claim.ClaimDeniedData
	require.NoError(t, first[1].Decode(&original))
	once, err := f.store.Claim(c.ID)
	require.NoError(t, err)

	advice, second, err := f.processor.Process(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, advice.Payments, 1)
	assert.True(t, advice.Payments[0].Duplicate)
	require.Equal(t, []claim.EventType{claim.EventClaimDenied}, eventTypes(second))

	var replayed claim.ClaimDeniedData
	require.NoError(t, second[0].Decode(&replayed))
	assert.Equal(t, original.Posting, replayed.Posting)
	assert.Equal(t, advice.ID, replayed.RemittanceID)

	twice, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, once.Version, twice.Version)
}

func TestOverpaymentIsNotApplied(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-aetna", "Kim Moss", 200)

	advice, events, err := f.processor.Process(context.Background(), remittance.Input{
		PayerID:      "payer-aetna",
		TotalPayment: dec(250),
		Lines: []remittance.LineInput{{
			ClaimNumber: c.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(200), PaidAmount: dec(250),
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, remittance.StatusException, advice.Status)
	require.Len(t, advice.Unmatched, 1)
	assert.Equal(t, remittance.ReasonInvalid, advice.Unmatched[0].Reason)

	got, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusSubmitted, got.Status)
}

func TestBalanceMismatchIsFlagged(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-aetna", "Flo Hart", 100)

	advice, _, err := f.processor.Process(context.Background(), remittance.Input{
		PayerID:      "payer-aetna",
		TotalPayment: dec(999),
		Lines: []remittance.LineInput{{
			ClaimNumber: c.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(100), PaidAmount: dec(100),
		}},
	})
	require.NoError(t, err)
	assert.True(t, advice.BalanceMismatch)
	assert.Equal(t, remittance.StatusProcessed, advice.Status)
}

func TestInputErrors(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.processor.Process(context.Background(), remittance.Input{PayerID: "payer-aetna"})
	assert.True(t, errors.Is(err, remittance.ErrInvalidInput))

	_, _, err = f.processor.Process(context.Background(), remittance.Input{
		PayerID: "payer-nowhere",
		Lines:   []remittance.LineInput{{ClaimNumber: "x", Status: claim.OutcomePaid}},
	})
	assert.True(t, errors.Is(err, reference.ErrPayerNotFound))
}

func TestLinesForSameClaimApplyInOrder(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, "payer-aetna", "Gil Ives", 300)

	advice, _, err := f.processor.Process(context.Background(), remittance.Input{
		PayerID:      "payer-aetna",
		TotalPayment: dec(300),
		Lines: []remittance.LineInput{
			{ClaimNumber: c.ClaimNumber, Status: claim.OutcomePartial, AllowedAmount: dec(300), PaidAmount: dec(100)},
			{ClaimNumber: c.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(300), PaidAmount: dec(200)},
		},
	})
	require.NoError(t, err)
	require.Len(t, advice.Payments, 2)

	got, err := f.store.Claim(c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPaid, got.Status)
	assert.True(t, got.Paid().Equal(dec(200)))
}

func TestConcurrentBatchesAgainstManyClaims(t *testing.T) {
	f := newFixture(t)
	claims := make([]*claim.Claim, 20)
	for i := range claims {
		claims[i] = f.submitted(t, "payer-aetna", fmt.Sprintf("patient %d", i), 100)
	}

	var wg sync.WaitGroup
	for b := 0; b < 5; b++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lines := make([]remittance.LineInput, 0, len(claims))
			for _, c := range claims {
				lines = append(lines, remittance.LineInput{
					ClaimNumber: c.ClaimNumber, Status: claim.OutcomePaid, AllowedAmount: dec(100), PaidAmount: dec(100),
				})
			}
			_, _, err := f.processor.Process(context.Background(), remittance.Input{PayerID: "payer-aetna", TotalPayment: dec(2000), Lines: lines})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, c := range claims {
		got, err := f.store.Claim(c.ID)
		require.NoError(t, err)
		assert.Equal(t, claim.StatusPaid, got.Status)
		assert.True(t, got.Paid().Equal(dec(100)))
		var posted int
		for _, h := range got.SubmissionHistory {
			if h.Status == claim.StatusPaid {
				posted++
			}
		}
		assert.Equal(t, 1, posted, "claim %s posted more than once", got.ClaimNumber)
	}
}
