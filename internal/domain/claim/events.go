package claim

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of domain event
type EventType string

const (
	EventClaimCreated      EventType = "ClaimCreated"
	EventClaimReady        EventType = "ClaimReady"
	EventClaimSubmitted    EventType = "ClaimSubmitted"
	EventClaimAcknowledged EventType = "ClaimAcknowledged"
	EventPaymentPosted     EventType = "PaymentPosted"
	EventClaimDenied       EventType = "ClaimDenied"
	EventClaimAppealed     EventType = "ClaimAppealed"
	EventAppealResolved    EventType = "AppealResolved"
	EventClaimVoided       EventType = "ClaimVoided"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	ClaimNumber   string          `json:"claim_number"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Claim",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// WithCorrelation sets the correlation id, typically a remittance or request id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// ClaimCreatedData contains claim creation details
type ClaimCreatedData struct {
	ClaimID      string          `json:"claim_id"`
	ClaimNumber  string          `json:"claim_number"`
	PatientID    string          `json:"patient_id"`
	PayerID      string          `json:"payer_id"`
	ProviderID   string          `json:"provider_id"`
	TotalCharges decimal.Decimal `json:"total_charges"`
}

// StatusChangedData is carried by lifecycle events that only move status
type StatusChangedData struct {
	ClaimNumber  string    `json:"claim_number"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Description  string    `json:"description"`
	ResponseCode string    `json:"response_code,omitempty"`
	ChangedAt    time.Time `json:"changed_at"`
}

// PaymentPostedData contains the financial outcome applied to the claim
type PaymentPostedData struct {
	ClaimNumber           string          `json:"claim_number"`
	RemittanceID          string          `json:"remittance_id"`
	Status                Status          `json:"status"`
	AllowedAmount         decimal.Decimal `json:"allowed_amount"`
	PaidAmount            decimal.Decimal `json:"paid_amount"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	Adjustments           []Adjustment    `json:"adjustments,omitempty"`
	PostedAt              time.Time       `json:"posted_at"`
}

// ClaimDeniedData is consumed by denial management
type ClaimDeniedData struct {
	ClaimID       string          `json:"claim_id"`
	ClaimNumber   string          `json:"claim_number"`
	RemittanceID  string          `json:"remittance_id"`
	PatientID     string          `json:"patient_id"`
	PatientName   string          `json:"patient_name"`
	PayerID       string          `json:"payer_id"`
	PayerName     string          `json:"payer_name"`
	BilledAmount  decimal.Decimal `json:"billed_amount"`
	Adjustments   []Adjustment    `json:"adjustments"`
	DenialReasons []string        `json:"denial_reasons,omitempty"`
	RemarkCodes   []string        `json:"remark_codes,omitempty"`
	DeniedAt      time.Time       `json:"denied_at"`
	// Posting identifies the denied posting; a replay carries the same value
	Posting int `json:"posting"`
}

// AppealData records an appeal-driven status change
type AppealData struct {
	ClaimNumber string    `json:"claim_number"`
	DenialID    string    `json:"denial_id"`
	Level       string    `json:"level"`
	Approved    *bool     `json:"approved,omitempty"`
	At          time.Time `json:"at"`
}

// record appends an uncommitted event
func (c *Claim) record(eventType EventType, data interface{}, at time.Time) error {
	event, err := NewEvent(c.ID, eventType, data, at)
	if err != nil {
		return err
	}
	c.Version++
	event.Version = c.Version
	event.ClaimNumber = c.ClaimNumber
	c.changes = append(c.changes, event)
	return nil
}
