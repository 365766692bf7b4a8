package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps inbox entries in the inbox table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get retrieves an inbox entry by key
func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	e := &Entry{}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&e.Key, &e.Handler, &e.Status,
		&e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Start inserts the entry as STARTED, or restarts a RECOVERABLE one
func (s *PostgresStore) Start(ctx context.Context, key, handler string, payload json.RawMessage, at, expiresAt time.Time) error {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = $5
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`

	var returned string
	err := s.pool.QueryRow(ctx, query, key, handler, StatusStarted, payload, at, expiresAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		// conflict on a row that is not recoverable
		return ErrDuplicateMessage
	}
	return err
}

// SetStatus updates an entry's status and, when given, its result
func (s *PostgresStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage, at time.Time) error {
	query := `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = $3
		WHERE idempotency_key = $4
	`
	tag, err := s.pool.Exec(ctx, query, status, result, at, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes entries past their expiry
func (s *PostgresStore) DeleteExpired(ctx context.Context, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
