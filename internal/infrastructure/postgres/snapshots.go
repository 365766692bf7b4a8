package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/domain/denial"
	"github.com/drfirst/go-rcm/internal/domain/remittance"
	"github.com/drfirst/go-rcm/internal/infrastructure/redpanda"
)

// Outbox event types for aggregates that do not carry their own events
const (
	EventDenialOpened        = "DenialOpened"
	EventDenialUpdated       = "DenialUpdated"
	EventRemittanceProcessed = "RemittanceProcessed"
)

// Snapshots stores aggregates as JSONB snapshots and writes their outbox
// rows in the same transaction. It satisfies store.Persister.
type Snapshots struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewSnapshots creates a snapshot store
func NewSnapshots(pool *pgxpool.Pool, logger *zap.Logger) *Snapshots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshots{pool: pool, logger: logger}
}

// SaveClaim upserts the claim, appends its events and queues them for publishing
func (s *Snapshots) SaveClaim(ctx context.Context, c *claim.Claim, events []*claim.Event) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	entries, err := claimEntries(c, events)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO claims (id, claim_number, status, payer_id, patient_id, version, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				version = EXCLUDED.version,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at
			WHERE claims.version < EXCLUDED.version
		`, c.ID, c.ClaimNumber, string(c.Status), c.Payer.ID, c.Patient.ID, c.Version, data, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert claim: %w", err)
		}

		for _, e := range events {
			if _, err := tx.Exec(ctx, `
				INSERT INTO claim_events (id, claim_id, event_type, event_data, version, correlation_id, occurred_at)
				VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
			`, e.ID, c.ID, string(e.EventType), e.EventData, e.Version, e.CorrelationID, e.Timestamp); err != nil {
				return fmt.Errorf("insert claim event: %w", err)
			}
		}

		return writeEntries(ctx, tx, entries)
	})
}

// SaveDenial upserts the denial and queues a denial event
func (s *Snapshots) SaveDenial(ctx context.Context, d *denial.Denial) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal denial: %w", err)
	}
	entry := denialEntry(d, data)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO denials (id, claim_number, status, category, version, data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				category = EXCLUDED.category,
				version = EXCLUDED.version,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at
			WHERE denials.version < EXCLUDED.version
		`, d.ID, d.ClaimNumber, string(d.Status), string(d.Category), d.Version, data, d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert denial: %w", err)
		}
		return WriteEntry(ctx, tx, entry)
	})
}

// SaveRemittance stores the processed advice and queues a remittance event
func (s *Snapshots) SaveRemittance(ctx context.Context, a *remittance.Advice) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal remittance: %w", err)
	}
	entry := remittanceEntry(a, data)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO remittances (id, payer_id, status, data, received_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data
		`, a.ID, a.PayerID, string(a.Status), data, a.ReceivedAt)
		if err != nil {
			return fmt.Errorf("upsert remittance: %w", err)
		}
		return WriteEntry(ctx, tx, entry)
	})
}

// Load reads every snapshot, for seeding the in-memory store at startup
func (s *Snapshots) Load(ctx context.Context) ([]*claim.Claim, []*denial.Denial, []*remittance.Advice, error) {
	claims, err := loadAll[claim.Claim](ctx, s.pool, "SELECT data FROM claims")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load claims: %w", err)
	}
	denials, err := loadAll[denial.Denial](ctx, s.pool, "SELECT data FROM denials")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load denials: %w", err)
	}
	advices, err := loadAll[remittance.Advice](ctx, s.pool, "SELECT data FROM remittances")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load remittances: %w", err)
	}
	s.logger.Info("snapshots loaded",
		zap.Int("claims", len(claims)),
		zap.Int("denials", len(denials)),
		zap.Int("remittances", len(advices)))
	return claims, denials, advices, nil
}

func loadAll[T any](ctx context.Context, pool *pgxpool.Pool, query string) ([]*T, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func writeEntries(ctx context.Context, tx pgx.Tx, entries []*OutboxEntry) error {
	for _, e := range entries {
		if err := WriteEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// claimEntries keys claim events by claim number so one claim's events
// land on one partition in order
func claimEntries(c *claim.Claim, events []*claim.Event) ([]*OutboxEntry, error) {
	entries := make([]*OutboxEntry, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		entries = append(entries, &OutboxEntry{
			AggregateID:   c.ID,
			AggregateType: "Claim",
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicClaimEvents,
			KafkaKey:      c.ClaimNumber,
		})
	}
	return entries, nil
}

func denialEntry(d *denial.Denial, data []byte) *OutboxEntry {
	eventType := EventDenialUpdated
	if d.Version == 1 {
		eventType = EventDenialOpened
	}
	return &OutboxEntry{
		AggregateID:   d.ID,
		AggregateType: "Denial",
		EventType:     eventType,
		Payload:       data,
		KafkaTopic:    redpanda.TopicDenialEvents,
		KafkaKey:      d.ClaimNumber,
	}
}

func remittanceEntry(a *remittance.Advice, data []byte) *OutboxEntry {
	return &OutboxEntry{
		AggregateID:   a.ID,
		AggregateType: "Remittance",
		EventType:     EventRemittanceProcessed,
		Payload:       data,
		KafkaTopic:    redpanda.TopicRemittanceEvents,
		KafkaKey:      a.PayerID,
	}
}
