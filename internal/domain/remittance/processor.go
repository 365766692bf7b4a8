package remittance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/observability/tracing"
	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/pkg/workerpool"
)

// ClaimStore applies a mutation to one claim under its lock. The mutation
// runs on a private copy that is committed only when fn returns nil.
type ClaimStore interface {
	UpdateClaimByNumber(ctx context.Context, number string, fn func(*claim.Claim) error) (*claim.Claim, []*claim.Event, error)
}

var errPayerMismatch = errors.New("claim belongs to a different payer")

// ErrInterrupted is returned when the advice could not be fully queued for
// posting. Claims that were posted keep their postings; processing the same
// advice again completes the rest and re-emits their denials.
var ErrInterrupted = errors.New("remittance processing interrupted")

// Processor posts remittance advice against the claim store
type Processor struct {
	claims  ClaimStore
	catalog *reference.Catalog
	pool    *workerpool.Pool
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// group is every line of one batch that targets the same claim number
type group struct {
	claimNumber  string
	remittanceID string
	payerID      string
	at           time.Time
	lines        []int
	input        *Input
}

// groupResult is the outcome of one group
type groupResult struct {
	payments  []ClaimPayment
	unmatched []UnmatchedLine
	events    []*claim.Event
}

// NewProcessor creates a processor and starts its worker pool
func NewProcessor(claims ClaimStore, catalog *reference.Catalog, cfg workerpool.Config, logger *zap.Logger) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		claims:  claims,
		catalog: catalog,
		logger:  logger,
		tracer:  otel.Tracer("remittance-processor"),
		now:     time.Now,
	}
	pool, err := workerpool.New(cfg, p.work, logger.Named("remittance-pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	p.pool = pool
	p.pool.Start()
	return p, nil
}

// SetClock replaces the processing clock
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Healthy reports whether the worker pool has queue headroom
func (p *Processor) Healthy() bool {
	return p.pool.IsHealthy()
}

// Close stops the worker pool
func (p *Processor) Close() error {
	return p.pool.Stop()
}

// Process applies every line of the advice. Distinct claim numbers are posted
// in parallel; lines for the same claim number are applied in input order.
// Lines that cannot be applied are recorded as unmatched and turn the advice
// into an exception without undoing the lines that were applied. A claim
// group that was queued always runs to completion, even when ctx is
// cancelled, so its events are never lost.
func (p *Processor) Process(ctx context.Context, in Input) (*Advice, []*claim.Event, error) {
	ctx, span := p.tracer.Start(ctx, "process_remittance",
		trace.WithAttributes(
			tracing.PayerID.String(in.PayerID),
			tracing.RemittanceLines.Int(len(in.Lines)),
		))
	defer span.End()

	if len(in.Lines) == 0 {
		return nil, nil, fmt.Errorf("%w: remittance has no lines", ErrInvalidInput)
	}
	payer, err := p.catalog.Payer(in.PayerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown payer")
		return nil, nil, err
	}

	at := p.now().UTC()
	advice := &Advice{
		ID:            uuid.New().String(),
		PayerID:       payer.ID,
		PayerName:     payer.Name,
		CheckNumber:   in.CheckNumber,
		EFTTrace:      in.EFTTrace,
		PaymentMethod: in.PaymentMethod,
		PaymentDate:   in.PaymentDate.UTC(),
		TotalPayment:  in.TotalPayment,
		PostedTotal:   decimal.Zero,
		Payments:      []ClaimPayment{},
		Unmatched:     []UnmatchedLine{},
		Status:        StatusPending,
		ReceivedAt:    at,
	}
	span.SetAttributes(tracing.RemittanceID.String(advice.ID))

	groups := groupLines(&in, advice.ID, at)
	posting := context.WithoutCancel(ctx)
	tasks := make([]*workerpool.Task, len(groups))
	for i, g := range groups {
		tasks[i] = &workerpool.Task{ID: g.claimNumber, Payload: g, Context: posting}
	}

	var events []*claim.Event
	results := p.pool.Run(ctx, tasks)
	for _, r := range results {
		if !r.Success && interrupted(r.Error) {
			span.RecordError(r.Error)
			span.SetStatus(codes.Error, "interrupted")
			p.logger.Warn("remittance interrupted before every claim was queued",
				zap.String("remittance_id", advice.ID),
				zap.String("payer_id", payer.ID),
				zap.Error(r.Error))
			return nil, nil, fmt.Errorf("%w: %w", ErrInterrupted, r.Error)
		}
	}
	for i, r := range results {
		g := groups[i]
		if !r.Success {
			for _, idx := range g.lines {
				advice.Unmatched = append(advice.Unmatched, unmatched(idx, in.Lines[idx], ReasonInvalid, r.Error))
			}
			continue
		}
		gr := r.Data.(*groupResult)
		advice.Payments = append(advice.Payments, gr.payments...)
		advice.Unmatched = append(advice.Unmatched, gr.unmatched...)
		events = append(events, gr.events...)
	}

	sort.SliceStable(advice.Unmatched, func(i, j int) bool {
		return advice.Unmatched[i].Line < advice.Unmatched[j].Line
	})

	linesPaid := decimal.Zero
	for _, l := range in.Lines {
		linesPaid = linesPaid.Add(l.PaidAmount)
	}
	for _, pay := range advice.Payments {
		advice.PostedTotal = advice.PostedTotal.Add(pay.PaidAmount)
	}
	if !linesPaid.Equal(in.TotalPayment) {
		advice.BalanceMismatch = true
		p.logger.Warn("remittance total does not match line payments",
			zap.String("remittance_id", advice.ID),
			zap.String("payer_id", payer.ID),
			zap.String("total_payment", in.TotalPayment.StringFixed(2)),
			zap.String("lines_paid", linesPaid.StringFixed(2)))
	}

	processed := p.now().UTC()
	advice.ProcessedAt = &processed
	advice.Status = StatusProcessed
	if len(advice.Unmatched) > 0 {
		advice.Status = StatusException
		for _, u := range advice.Unmatched {
			p.logger.Warn("remittance line not applied",
				zap.String("remittance_id", advice.ID),
				zap.Int("line", u.Line),
				zap.String("claim_number", u.ClaimNumber),
				zap.String("reason", u.Reason),
				zap.String("detail", u.Detail))
		}
	}

	span.SetAttributes(
		tracing.RemittanceStatus.String(string(advice.Status)),
		tracing.RemittancePaid.Int(len(advice.Payments)),
		tracing.RemittanceOrphans.Int(len(advice.Unmatched)),
	)
	for _, e := range events {
		e.WithCorrelation(advice.ID)
	}
	return advice, events, nil
}

// groupLines preserves the first-appearance order of claim numbers
func groupLines(in *Input, remittanceID string, at time.Time) []*group {
	var groups []*group
	byNumber := make(map[string]*group)
	for i, l := range in.Lines {
		g, ok := byNumber[l.ClaimNumber]
		if !ok {
			g = &group{
				claimNumber:  l.ClaimNumber,
				remittanceID: remittanceID,
				payerID:      in.PayerID,
				at:           at,
				input:        in,
			}
			byNumber[l.ClaimNumber] = g
			groups = append(groups, g)
		}
		g.lines = append(g.lines, i)
	}
	return groups
}

// work posts one claim group; it runs on a pool worker
func (p *Processor) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	g := task.Payload.(*group)
	ctx, span := p.tracer.Start(ctx, "post_claim_lines",
		trace.WithAttributes(
			tracing.ClaimNumber.String(g.claimNumber),
			attribute.Int("lines", len(g.lines)),
		))
	defer span.End()

	res := &groupResult{}
	for _, idx := range g.lines {
		line := g.input.Lines[idx]
		if line.ClaimNumber == "" {
			res.unmatched = append(res.unmatched, unmatched(idx, line, ReasonClaimNotFound, errors.New("claim number is empty")))
			continue
		}

		var payment ClaimPayment
		var replay *claim.Event
		updated, events, err := p.claims.UpdateClaimByNumber(ctx, line.ClaimNumber, func(c *claim.Claim) error {
			if c.Payer.ID != g.payerID {
				return fmt.Errorf("%w: %s", errPayerMismatch, c.Payer.ID)
			}
			outcome := line.outcome(g.remittanceID)
			posted, err := c.PostPayment(outcome, g.at)
			if err != nil {
				return err
			}
			if !posted {
				if replay, err = c.ReplayDenial(outcome, g.at); err != nil {
					return err
				}
			}
			payment = ClaimPayment{
				ClaimID:               c.ID,
				ClaimNumber:           c.ClaimNumber,
				PatientName:           c.Patient.Name,
				ServiceDate:           c.ServiceFrom,
				BilledAmount:          c.TotalCharges,
				AllowedAmount:         line.AllowedAmount,
				PaidAmount:            line.PaidAmount,
				PatientResponsibility: line.PatientResponsibility,
				Adjustments:           append([]claim.Adjustment(nil), line.Adjustments...),
				Status:                line.Status,
				DenialReasons:         append([]string(nil), line.DenialReasons...),
				RemarkCodes:           append([]string(nil), line.RemarkCodes...),
				Duplicate:             !posted,
			}
			return nil
		})
		if err != nil {
			res.unmatched = append(res.unmatched, unmatched(idx, line, reasonFor(err), err))
			span.AddEvent("line_unmatched", trace.WithAttributes(attribute.String("error", err.Error())))
			continue
		}
		if payment.Duplicate {
			p.logger.Info("remittance line already posted",
				zap.String("claim_number", updated.ClaimNumber),
				zap.String("remittance_id", g.remittanceID))
		}
		res.payments = append(res.payments, payment)
		res.events = append(res.events, events...)
		if replay != nil {
			res.events = append(res.events, replay)
		}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: res}
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, workerpool.ErrPoolStopped)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, claim.ErrClaimNotFound):
		return ReasonClaimNotFound
	case errors.Is(err, errPayerMismatch):
		return ReasonPayerMismatch
	case errors.Is(err, claim.ErrInvalidTransition):
		return ReasonRefused
	default:
		return ReasonInvalid
	}
}

func unmatched(idx int, l LineInput, reason string, err error) UnmatchedLine {
	u := UnmatchedLine{
		Line:        idx + 1,
		ClaimNumber: l.ClaimNumber,
		Status:      l.Status,
		PaidAmount:  l.PaidAmount,
		Reason:      reason,
	}
	if err != nil {
		u.Detail = err.Error()
	}
	return u
}
