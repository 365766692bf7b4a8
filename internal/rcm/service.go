// Package rcm is the revenue-cycle service. It coordinates the claim store,
// the remittance processor, the denial manager and analytics, and is the
// only entry point the transports use.
package rcm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/analytics"
	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/domain/denial"
	"github.com/drfirst/go-rcm/internal/domain/remittance"
	"github.com/drfirst/go-rcm/internal/eligibility"
	"github.com/drfirst/go-rcm/internal/observability/metrics"
	"github.com/drfirst/go-rcm/internal/observability/tracing"
	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/internal/store"
	"github.com/drfirst/go-rcm/pkg/circuitbreaker"
	"github.com/drfirst/go-rcm/pkg/workerpool"
)

// ErrEligibilityNotConfigured is returned when no eligibility checker is wired
var ErrEligibilityNotConfigured = errors.New("eligibility checking is not configured")

// EligibilityChecker performs a real-time coverage check
type EligibilityChecker interface {
	Check(ctx context.Context, req eligibility.Request) (*eligibility.Eligibility, error)
}

// Service implements the revenue-cycle operations
type Service struct {
	store       *store.Memory
	catalog     *reference.Catalog
	validator   *claim.Validator
	remittances *remittance.Processor
	denials     *denial.Manager
	eligibility EligibilityChecker

	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	threshold decimal.Decimal
	pool      workerpool.Config
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now for every timestamp the service assigns
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEligibility wires the eligibility checker
func WithEligibility(c EligibilityChecker) Option {
	return func(s *Service) { s.eligibility = c }
}

// WithHighValueThreshold sets the advisory total-charges threshold
func WithHighValueThreshold(d decimal.Decimal) Option {
	return func(s *Service) { s.threshold = d }
}

// WithPool sizes the remittance worker pool
func WithPool(cfg workerpool.Config) Option {
	return func(s *Service) { s.pool = cfg }
}

// New creates the service and starts the remittance worker pool
func New(st *store.Memory, catalog *reference.Catalog, opts ...Option) (*Service, error) {
	s := &Service{
		store:   st,
		catalog: catalog,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("rcm-service"),
		now:     time.Now,
		pool:    workerpool.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	s.validator = claim.NewValidator(s.threshold)
	s.denials = denial.NewManager(st, catalog)

	p, err := remittance.NewProcessor(st, catalog, s.pool, s.logger.Named("remittance"))
	if err != nil {
		return nil, fmt.Errorf("create remittance processor: %w", err)
	}
	p.SetClock(s.now)
	s.remittances = p

	s.refreshOpenDenials()
	return s, nil
}

// Close stops background workers
func (s *Service) Close() error {
	return s.remittances.Close()
}

// begin opens a span for op and returns the function that closes it,
// recording the outcome and duration.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.Operations.WithLabelValues(op, outcome).Inc()
		s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// dispatch counts emitted events and hands them to the denial manager
func (s *Service) dispatch(ctx context.Context, events []*claim.Event) ([]*denial.Denial, error) {
	for _, e := range events {
		s.metrics.ClaimTransitions.WithLabelValues(string(e.EventType)).Inc()
	}
	created, err := s.denials.Consume(ctx, events)
	for _, d := range created {
		s.metrics.DenialsCreated.WithLabelValues(string(d.Category)).Inc()
		s.logger.Info("denial created",
			zap.String("denial_id", d.ID),
			zap.String("claim_number", d.ClaimNumber),
			zap.String("category", string(d.Category)),
			zap.Time("appeal_deadline", d.AppealDeadline))
	}
	if len(created) > 0 {
		s.refreshOpenDenials()
	}
	return created, err
}

func (s *Service) refreshOpenDenials() {
	open := 0
	for _, d := range s.store.ListDenials(denial.Filter{}) {
		if d.IsOpen() {
			open++
		}
	}
	s.metrics.OpenDenials.Set(float64(open))
}

// CreateClaim builds a draft claim, assigns its claim number and stores it
func (s *Service) CreateClaim(ctx context.Context, in claim.CreateInput) (c *claim.Claim, err error) {
	ctx, end := s.begin(ctx, "create_claim",
		tracing.PayerID.String(in.PayerID),
		tracing.PatientID.String(in.Patient.ID))
	defer func() { end(err) }()

	payer, err := s.catalog.Payer(in.PayerID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	c, err = claim.Build(in, payer, s.store.NextClaimNumber(at), at)
	if err != nil {
		return nil, err
	}
	events, err := s.store.CreateClaim(ctx, c)
	if err != nil {
		return nil, err
	}
	if _, err := s.dispatch(ctx, events); err != nil {
		return nil, err
	}

	s.logger.Info("claim created",
		zap.String("claim_id", c.ID),
		zap.String("claim_number", c.ClaimNumber),
		zap.String("payer_id", payer.ID),
		zap.String("total_charges", c.TotalCharges.StringFixed(2)))
	return s.store.Claim(c.ID)
}

// GetClaim returns a claim snapshot
func (s *Service) GetClaim(ctx context.Context, id string) (c *claim.Claim, err error) {
	_, end := s.begin(ctx, "get_claim", tracing.ClaimID.String(id))
	defer func() { end(err) }()
	return s.store.Claim(id)
}

// ClaimHistory returns the claim's submission audit trail
func (s *Service) ClaimHistory(ctx context.Context, id string) (history []claim.SubmissionEvent, err error) {
	_, end := s.begin(ctx, "claim_history", tracing.ClaimID.String(id))
	defer func() { end(err) }()
	c, err := s.store.Claim(id)
	if err != nil {
		return nil, err
	}
	return c.SubmissionHistory, nil
}

// ListClaims returns a page of claims, newest first, and the total match count
func (s *Service) ListClaims(ctx context.Context, f store.ClaimFilter) (claims []*claim.Claim, total int, err error) {
	_, end := s.begin(ctx, "list_claims")
	defer func() { end(err) }()
	claims, total = s.store.ListClaims(f)
	return claims, total, nil
}

// ValidateClaim runs the validator. A clean draft becomes ready; a failing
// claim is left unchanged and the findings are returned as data.
func (s *Service) ValidateClaim(ctx context.Context, id string) (res claim.ValidationResult, c *claim.Claim, err error) {
	ctx, end := s.begin(ctx, "validate_claim", tracing.ClaimID.String(id))
	defer func() { end(err) }()

	c, events, err := s.store.UpdateClaim(ctx, id, func(c *claim.Claim) error {
		var verr error
		res, verr = s.validator.Validate(c, s.now())
		return verr
	})
	if err != nil {
		return claim.ValidationResult{}, nil, err
	}
	if _, err := s.dispatch(ctx, events); err != nil {
		return res, nil, err
	}

	s.logger.Info("claim validated",
		zap.String("claim_number", c.ClaimNumber),
		zap.Bool("valid", res.IsValid),
		zap.Int("errors", len(res.Errors)),
		zap.Int("warnings", len(res.Warnings)))
	return res, c, nil
}

// SubmitClaim submits a ready claim and starts its payer response window
func (s *Service) SubmitClaim(ctx context.Context, id, clearinghouseID string) (c *claim.Claim, err error) {
	ctx, end := s.begin(ctx, "submit_claim", tracing.ClaimID.String(id))
	defer func() { end(err) }()

	c, events, err := s.store.UpdateClaim(ctx, id, func(c *claim.Claim) error {
		return c.Submit(clearinghouseID, s.now())
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.dispatch(ctx, events); err != nil {
		return nil, err
	}

	s.logger.Info("claim submitted",
		zap.String("claim_number", c.ClaimNumber),
		zap.String("clearinghouse_id", clearinghouseID),
		zap.Timep("due_date", c.DueDate))
	return c, nil
}

// AcknowledgeClaim applies a clearinghouse or payer status notice
func (s *Service) AcknowledgeClaim(ctx context.Context, id string, ack claim.Acknowledgment) (c *claim.Claim, err error) {
	ctx, end := s.begin(ctx, "acknowledge_claim",
		tracing.ClaimID.String(id),
		attribute.String("ack.status", string(ack.Status)))
	defer func() { end(err) }()

	c, events, err := s.store.UpdateClaim(ctx, id, func(c *claim.Claim) error {
		return c.Acknowledge(ack, s.now())
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.dispatch(ctx, events); err != nil {
		return nil, err
	}

	if ack.Status == claim.StatusRejected {
		s.logger.Warn("claim rejected",
			zap.String("claim_number", c.ClaimNumber),
			zap.String("response_code", ack.ResponseCode),
			zap.String("details", ack.Details))
	}
	return c, nil
}

// VoidClaim cancels a non-terminal claim
func (s *Service) VoidClaim(ctx context.Context, id, reason string) (c *claim.Claim, err error) {
	ctx, end := s.begin(ctx, "void_claim", tracing.ClaimID.String(id))
	defer func() { end(err) }()

	c, events, err := s.store.UpdateClaim(ctx, id, func(c *claim.Claim) error {
		return c.Void(reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.dispatch(ctx, events); err != nil {
		return nil, err
	}
	s.logger.Info("claim voided", zap.String("claim_number", c.ClaimNumber), zap.String("reason", reason))
	return c, nil
}

// CheckEligibility runs a real-time coverage check
func (s *Service) CheckEligibility(ctx context.Context, req eligibility.Request) (e *eligibility.Eligibility, err error) {
	ctx, end := s.begin(ctx, "check_eligibility", tracing.PayerID.String(req.PayerID))
	defer func() { end(err) }()

	if _, err := s.catalog.Payer(req.PayerID); err != nil {
		return nil, err
	}
	if s.eligibility == nil {
		return nil, ErrEligibilityNotConfigured
	}
	e, err = s.eligibility.Check(ctx, req)
	if err != nil {
		s.logger.Warn("eligibility check failed",
			zap.String("patient_id", req.PatientID),
			zap.String("payer_id", req.PayerID),
			zap.Error(err))
		return nil, err
	}
	return e, nil
}

// CheckClaimEligibility checks coverage for a claim's patient, payer and
// first date of service.
func (s *Service) CheckClaimEligibility(ctx context.Context, id string) (*eligibility.Eligibility, error) {
	c, err := s.store.Claim(id)
	if err != nil {
		return nil, err
	}
	if c.Patient.MemberID == "" {
		return nil, fmt.Errorf("%w: claim %s has no member id", claim.ErrInvalidInput, c.ClaimNumber)
	}
	first, last := splitName(c.Patient.Name)
	return s.CheckEligibility(ctx, eligibility.Request{
		PatientID:     c.Patient.ID,
		PayerID:       c.Payer.ID,
		MemberID:      c.Patient.MemberID,
		FirstName:     first,
		LastName:      last,
		DateOfBirth:   c.Patient.DateOfBirth,
		DateOfService: c.ServiceFrom,
	})
}

func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	i := strings.LastIndex(name, " ")
	if i < 0 {
		return "", name
	}
	return strings.TrimSpace(name[:i]), name[i+1:]
}

// ProcessRemittance posts a remittance advice, opens denials for denied
// lines and stores the processed advice.
func (s *Service) ProcessRemittance(ctx context.Context, in remittance.Input) (a *remittance.Advice, err error) {
	ctx, end := s.begin(ctx, "process_remittance",
		tracing.PayerID.String(in.PayerID),
		tracing.RemittanceLines.Int(len(in.Lines)))
	defer func() { end(err) }()

	a, events, err := s.remittances.Process(ctx, in)
	if err != nil {
		return nil, err
	}
	// the postings are committed; opening their denials and storing the
	// advice must not stop because the caller went away
	ctx = context.WithoutCancel(ctx)
	// denials are opened before the advice is stored so a failed save can
	// be retried without losing them; reposted lines are no-ops
	created, err := s.dispatch(ctx, events)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRemittance(ctx, a); err != nil {
		return nil, err
	}

	posted, duplicates := 0, 0
	for _, p := range a.Payments {
		if p.Duplicate {
			duplicates++
		} else {
			posted++
		}
	}
	s.metrics.RemittanceBatches.WithLabelValues(string(a.Status)).Inc()
	s.metrics.RemittanceLines.WithLabelValues("posted").Add(float64(posted))
	s.metrics.RemittanceLines.WithLabelValues("duplicate").Add(float64(duplicates))
	s.metrics.RemittanceLines.WithLabelValues("unmatched").Add(float64(len(a.Unmatched)))

	s.logger.Info("remittance processed",
		zap.String("remittance_id", a.ID),
		zap.String("payer_id", a.PayerID),
		zap.String("status", string(a.Status)),
		zap.Int("posted", posted),
		zap.Int("duplicates", duplicates),
		zap.Int("unmatched", len(a.Unmatched)),
		zap.Int("denials", len(created)))
	return a, nil
}

// GetRemittance returns a processed advice
func (s *Service) GetRemittance(ctx context.Context, id string) (a *remittance.Advice, err error) {
	_, end := s.begin(ctx, "get_remittance", tracing.RemittanceID.String(id))
	defer func() { end(err) }()
	return s.store.Remittance(id)
}

// GetDenial returns a denial
func (s *Service) GetDenial(ctx context.Context, id string) (d *denial.Denial, err error) {
	_, end := s.begin(ctx, "get_denial", tracing.DenialID.String(id))
	defer func() { end(err) }()
	return s.denials.Get(id)
}

// ListDenials returns the denial work queue, most urgent deadline first
func (s *Service) ListDenials(ctx context.Context, f denial.Filter) (out []*denial.Denial, err error) {
	_, end := s.begin(ctx, "list_denials")
	defer func() { end(err) }()
	return s.denials.List(f), nil
}

// OverdueDenials returns open denials past a deadline as of now
func (s *Service) OverdueDenials(ctx context.Context) (out []*denial.Denial, err error) {
	_, end := s.begin(ctx, "overdue_denials")
	defer func() { end(err) }()
	return s.denials.Overdue(s.now()), nil
}

// StartDenialReview moves a new denial into review
func (s *Service) StartDenialReview(ctx context.Context, id, notes string) (d *denial.Denial, err error) {
	ctx, end := s.begin(ctx, "start_denial_review", tracing.DenialID.String(id))
	defer func() { end(err) }()
	return s.denials.StartReview(ctx, id, notes, s.now())
}

// FileAppeal files an appeal and moves the claim to appealed
func (s *Service) FileAppeal(ctx context.Context, in denial.AppealInput) (d *denial.Denial, a *denial.Appeal, err error) {
	ctx, end := s.begin(ctx, "file_appeal",
		tracing.DenialID.String(in.DenialID),
		tracing.AppealLevel.String(string(in.Level)))
	defer func() { end(err) }()

	d, a, err = s.denials.FileAppeal(ctx, in, s.now())
	if err != nil {
		return nil, nil, err
	}
	s.metrics.AppealsFiled.WithLabelValues(string(a.Level)).Inc()
	s.logger.Info("appeal filed",
		zap.String("denial_id", d.ID),
		zap.String("claim_number", d.ClaimNumber),
		zap.String("level", string(a.Level)),
		zap.Time("response_deadline", a.Deadline))
	return d, a, nil
}

// MarkAppealInReview records payer acknowledgment of an appeal
func (s *Service) MarkAppealInReview(ctx context.Context, id string, level denial.AppealLevel) (d *denial.Denial, err error) {
	ctx, end := s.begin(ctx, "mark_appeal_in_review", tracing.DenialID.String(id))
	defer func() { end(err) }()
	return s.denials.MarkAppealInReview(ctx, id, level, s.now())
}

// RecordAppealDecision closes an appeal with the payer's decision
func (s *Service) RecordAppealDecision(ctx context.Context, in denial.DecisionInput) (d *denial.Denial, err error) {
	ctx, end := s.begin(ctx, "record_appeal_decision",
		tracing.DenialID.String(in.DenialID),
		attribute.Bool("appeal.approved", in.Approved))
	defer func() { end(err) }()

	d, err = s.denials.RecordDecision(ctx, in, s.now())
	if err != nil {
		return nil, err
	}
	s.refreshOpenDenials()
	s.logger.Info("appeal decided",
		zap.String("denial_id", d.ID),
		zap.String("claim_number", d.ClaimNumber),
		zap.String("level", string(in.Level)),
		zap.Bool("approved", in.Approved))
	return d, nil
}

// WriteOffDenial closes a denial without recovery
func (s *Service) WriteOffDenial(ctx context.Context, id, reason string) (d *denial.Denial, err error) {
	ctx, end := s.begin(ctx, "write_off_denial", tracing.DenialID.String(id))
	defer func() { end(err) }()

	d, err = s.denials.WriteOff(ctx, id, reason, s.now())
	if err != nil {
		return nil, err
	}
	s.refreshOpenDenials()
	s.logger.Info("denial written off",
		zap.String("denial_id", d.ID),
		zap.String("claim_number", d.ClaimNumber),
		zap.String("amount", d.DeniedAmount.StringFixed(2)))
	return d, nil
}

// GetRevenueMetrics computes revenue metrics over current claim snapshots
func (s *Service) GetRevenueMetrics(ctx context.Context, q analytics.Query) (m analytics.RevenueMetrics, err error) {
	_, end := s.begin(ctx, "revenue_metrics")
	defer func() { end(err) }()
	return analytics.Compute(s.store.Claims(), q, s.now()), nil
}

// Ready reports whether the service can take work. It also publishes the
// eligibility breaker states.
func (s *Service) Ready() bool {
	for _, b := range s.Breakers() {
		var v float64
		switch b.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		s.metrics.CircuitBreakerState.WithLabelValues(b.Name).Set(v)
	}
	return s.remittances.Healthy()
}

// Breakers returns eligibility breaker health when the checker exposes it
func (s *Service) Breakers() []circuitbreaker.HealthStatus {
	if b, ok := s.eligibility.(interface {
		Breakers() []circuitbreaker.HealthStatus
	}); ok {
		return b.Breakers()
	}
	return nil
}
