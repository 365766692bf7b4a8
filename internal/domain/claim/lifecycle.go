package claim

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// transitions lists the forward edges of the lifecycle graph
var transitions = map[Status][]Status{
	StatusDraft:       {StatusReady, StatusVoided},
	StatusReady:       {StatusSubmitted, StatusVoided},
	StatusSubmitted:   {StatusAccepted, StatusRejected, StatusPaid, StatusPartialPaid, StatusDenied, StatusVoided},
	StatusAccepted:    {StatusPending, StatusProcessing, StatusPaid, StatusPartialPaid, StatusDenied, StatusVoided},
	StatusPending:     {StatusProcessing, StatusPaid, StatusPartialPaid, StatusDenied, StatusVoided},
	StatusProcessing:  {StatusPaid, StatusPartialPaid, StatusDenied, StatusVoided},
	StatusPartialPaid: {StatusPaid, StatusPartialPaid, StatusDenied, StatusVoided},
	StatusDenied:      {StatusAppealed, StatusVoided},
	StatusAppealed:    {StatusAppealed, StatusProcessing, StatusPaid, StatusPartialPaid, StatusDenied, StatusVoided},
}

// CanTransition reports whether the graph allows from -> to
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusVoided || s == StatusRejected
}

// IsInFlight reports whether the claim awaits adjudication
func (s Status) IsInFlight() bool {
	switch s {
	case StatusSubmitted, StatusAccepted, StatusPending, StatusProcessing:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusSubmitted, StatusAccepted, StatusPending,
		StatusProcessing, StatusPaid, StatusPartialPaid, StatusDenied, StatusRejected,
		StatusAppealed, StatusVoided:
		return true
	}
	return false
}

// transition moves the claim along the graph and appends the audit entry
func (c *Claim) transition(to Status, entry SubmissionEvent, at time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	entry.Timestamp = at.UTC()
	entry.Status = to
	c.SubmissionHistory = append(c.SubmissionHistory, entry)
	c.UpdatedAt = at.UTC()
	return nil
}

func (c *Claim) statusEvent(eventType EventType, from Status, entry SubmissionEvent, at time.Time) error {
	return c.record(eventType, &StatusChangedData{
		ClaimNumber:  c.ClaimNumber,
		From:         from,
		To:           c.Status,
		Description:  entry.Event,
		ResponseCode: entry.ResponseCode,
		ChangedAt:    at.UTC(),
	}, at)
}

// markReady performs draft -> ready after a clean validation
func (c *Claim) markReady(at time.Time) error {
	from := c.Status
	entry := SubmissionEvent{Event: "Claim validated and ready for submission"}
	if err := c.transition(StatusReady, entry, at); err != nil {
		return err
	}
	return c.statusEvent(EventClaimReady, from, entry, at)
}

// Submit sends a ready claim and starts the payer response window
func (c *Claim) Submit(clearinghouseID string, at time.Time) error {
	if c.Status != StatusReady {
		return fmt.Errorf("%w: status is %s", ErrNotReadyForSubmission, c.Status)
	}
	from := c.Status
	entry := SubmissionEvent{
		Event:           "Claim submitted to payer",
		ClearinghouseID: clearinghouseID,
	}
	if err := c.transition(StatusSubmitted, entry, at); err != nil {
		return err
	}
	submitted := at.UTC()
	due := submitted.Add(ResponseWindow)
	c.SubmittedAt = &submitted
	c.DueDate = &due
	return c.statusEvent(EventClaimSubmitted, from, entry, at)
}

// Acknowledgment is an external clearinghouse or payer status notice
type Acknowledgment struct {
	Status          Status `json:"status"`
	ClearinghouseID string `json:"clearinghouse_id,omitempty"`
	ResponseCode    string `json:"response_code,omitempty"`
	Details         string `json:"details,omitempty"`
}

// Acknowledge applies an acknowledgment (accepted, rejected, pending, processing)
func (c *Claim) Acknowledge(ack Acknowledgment, at time.Time) error {
	var desc string
	switch ack.Status {
	case StatusAccepted:
		desc = "Claim accepted by clearinghouse"
	case StatusRejected:
		desc = "Claim rejected by clearinghouse"
	case StatusPending:
		desc = "Claim pended by payer"
	case StatusProcessing:
		desc = "Claim in payer adjudication"
	default:
		return fmt.Errorf("%w: unsupported acknowledgment status %q", ErrInvalidInput, ack.Status)
	}
	from := c.Status
	entry := SubmissionEvent{
		Event:           desc,
		ResponseCode:    ack.ResponseCode,
		ClearinghouseID: ack.ClearinghouseID,
		Details:         ack.Details,
		Error:           ack.Status == StatusRejected,
	}
	if err := c.transition(ack.Status, entry, at); err != nil {
		return err
	}
	return c.statusEvent(EventClaimAcknowledged, from, entry, at)
}

// Void administratively cancels a non-terminal claim
func (c *Claim) Void(reason string, at time.Time) error {
	from := c.Status
	entry := SubmissionEvent{Event: "Claim voided", Details: reason}
	if err := c.transition(StatusVoided, entry, at); err != nil {
		return err
	}
	return c.statusEvent(EventClaimVoided, from, entry, at)
}

// OutcomeStatus is a payer's adjudication result for one claim
type OutcomeStatus string

const (
	OutcomePaid    OutcomeStatus = "paid"
	OutcomePartial OutcomeStatus = "partial"
	OutcomeDenied  OutcomeStatus = "denied"
)

// ClaimStatus maps an outcome to the claim status it produces
func (o OutcomeStatus) ClaimStatus() (Status, bool) {
	switch o {
	case OutcomePaid:
		return StatusPaid, true
	case OutcomePartial:
		return StatusPartialPaid, true
	case OutcomeDenied:
		return StatusDenied, true
	}
	return "", false
}

// PaymentOutcome is one remittance line applied to a claim
type PaymentOutcome struct {
	RemittanceID          string
	Status                OutcomeStatus
	AllowedAmount         decimal.Decimal
	PaidAmount            decimal.Decimal
	PatientResponsibility decimal.Decimal
	Adjustments           []Adjustment
	DenialReasons         []string
	RemarkCodes           []string
}

// Fingerprint identifies the financial content of an outcome, independent
// of the batch that carried it.
func (o PaymentOutcome) Fingerprint() string {
	adj := make([]string, 0, len(o.Adjustments))
	for _, a := range o.Adjustments {
		adj = append(adj, fmt.Sprintf("%s:%s:%s", a.GroupCode, a.Code, a.Amount.String()))
	}
	sort.Strings(adj)
	return strings.Join([]string{
		string(o.Status),
		o.AllowedAmount.String(),
		o.PaidAmount.String(),
		o.PatientResponsibility.String(),
		strings.Join(adj, ","),
	}, "|")
}

// PostPayment applies a remittance outcome. It returns false without
// changing the claim when the same outcome was already applied.
func (c *Claim) PostPayment(o PaymentOutcome, at time.Time) (bool, error) {
	target, ok := o.Status.ClaimStatus()
	if !ok {
		return false, fmt.Errorf("%w: unknown outcome status %q", ErrInvalidInput, o.Status)
	}
	if o.PaidAmount.IsNegative() || o.AllowedAmount.IsNegative() || o.PatientResponsibility.IsNegative() {
		return false, fmt.Errorf("%w: negative remittance amount", ErrInvalidInput)
	}
	if o.PaidAmount.GreaterThan(c.TotalCharges) {
		return false, fmt.Errorf("%w: paid %s exceeds billed %s", ErrInvalidInput,
			o.PaidAmount.StringFixed(2), c.TotalCharges.StringFixed(2))
	}

	fp := o.Fingerprint()
	if c.LastPosting == fp && c.Status == target {
		return false, nil
	}

	entry := SubmissionEvent{
		Event: fmt.Sprintf("Payment posted: allowed %s, paid %s, patient responsibility %s",
			o.AllowedAmount.StringFixed(2), o.PaidAmount.StringFixed(2), o.PatientResponsibility.StringFixed(2)),
		ResponseCode: strings.Join(o.DenialReasons, ","),
		Details:      "remittance " + o.RemittanceID,
	}
	if err := c.transition(target, entry, at); err != nil {
		return false, err
	}

	allowed, paid, pr := o.AllowedAmount, o.PaidAmount, o.PatientResponsibility
	c.AllowedAmount = &allowed
	c.PaidAmount = &paid
	c.PatientResponsibility = &pr
	c.Adjustments = append([]Adjustment(nil), o.Adjustments...)
	c.LastPosting = fp

	if err := c.record(EventPaymentPosted, &PaymentPostedData{
		ClaimNumber:           c.ClaimNumber,
		RemittanceID:          o.RemittanceID,
		Status:                target,
		AllowedAmount:         allowed,
		PaidAmount:            paid,
		PatientResponsibility: pr,
		Adjustments:           c.Adjustments,
		PostedAt:              at.UTC(),
	}, at); err != nil {
		return false, err
	}

	if target == StatusDenied {
		if err := c.record(EventClaimDenied, c.deniedData(o, c.Version+1, at), at); err != nil {
			return false, err
		}
		c.DenialPosting = c.Version
	}
	return true, nil
}

// ReplayDenial rebuilds the ClaimDenied event of the current denial when o
// is the outcome that denied the claim. The claim is not changed; the event
// lets a reposted batch open a denial that was lost with the first delivery.
// It returns nil when the claim is not denied by o.
func (c *Claim) ReplayDenial(o PaymentOutcome, at time.Time) (*Event, error) {
	if c.Status != StatusDenied || c.DenialPosting == 0 || c.LastPosting != o.Fingerprint() {
		return nil, nil
	}
	event, err := NewEvent(c.ID, EventClaimDenied, c.deniedData(o, c.DenialPosting, at), at)
	if err != nil {
		return nil, err
	}
	event.Version = c.DenialPosting
	event.ClaimNumber = c.ClaimNumber
	return event, nil
}

func (c *Claim) deniedData(o PaymentOutcome, posting int, at time.Time) *ClaimDeniedData {
	return &ClaimDeniedData{
		ClaimID:       c.ID,
		ClaimNumber:   c.ClaimNumber,
		RemittanceID:  o.RemittanceID,
		PatientID:     c.Patient.ID,
		PatientName:   c.Patient.Name,
		PayerID:       c.Payer.ID,
		PayerName:     c.Payer.Name,
		BilledAmount:  c.TotalCharges,
		Adjustments:   append([]Adjustment(nil), c.Adjustments...),
		DenialReasons: o.DenialReasons,
		RemarkCodes:   o.RemarkCodes,
		DeniedAt:      at.UTC(),
		Posting:       posting,
	}
}

// MarkAppealed records that an appeal was filed against the claim's denial
func (c *Claim) MarkAppealed(denialID, level string, at time.Time) error {
	entry := SubmissionEvent{
		Event:   fmt.Sprintf("Appeal filed (%s level)", level),
		Details: "denial " + denialID,
	}
	if err := c.transition(StatusAppealed, entry, at); err != nil {
		return err
	}
	return c.record(EventClaimAppealed, &AppealData{
		ClaimNumber: c.ClaimNumber,
		DenialID:    denialID,
		Level:       level,
		At:          at.UTC(),
	}, at)
}

// ResolveAppeal applies the payer's appeal decision. An approved appeal
// returns the claim to adjudication; a denied appeal returns it to denied.
func (c *Claim) ResolveAppeal(denialID, level string, approved bool, at time.Time) error {
	to := StatusDenied
	desc := fmt.Sprintf("Appeal denied (%s level)", level)
	if approved {
		to = StatusProcessing
		desc = fmt.Sprintf("Appeal approved (%s level), awaiting re-adjudication", level)
	}
	entry := SubmissionEvent{Event: desc, Details: "denial " + denialID}
	if err := c.transition(to, entry, at); err != nil {
		return err
	}
	return c.record(EventAppealResolved, &AppealData{
		ClaimNumber: c.ClaimNumber,
		DenialID:    denialID,
		Level:       level,
		Approved:    &approved,
		At:          at.UTC(),
	}, at)
}
