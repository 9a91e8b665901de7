package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var body []byte

	err := row.Scan(
		&r.ID,
		&r.Key,
		&r.Endpoint,
		&r.RequestHash,
		&body,
		&r.ResponseStatus,
		&r.Status,
		&r.CreatedAt,
		&r.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if body != nil {
		r.ResponseBody = json.RawMessage(body)
	}
	return &r, nil
}

func (r *PgRepository) Insert(ctx context.Context, rec *Record) error {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO idempotency_keys (id, key, endpoint, request_hash, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key, endpoint) DO NOTHING
		RETURNING id
	`, rec.ID, rec.Key, rec.Endpoint, rec.RequestHash, rec.Status, rec.CreatedAt, rec.ExpiresAt).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicate
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, key, endpoint string) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, key, endpoint, request_hash, response_body, response_status, status, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND endpoint = $2
	`, key, endpoint)
	return scanRecord(row)
}

func (r *PgRepository) DeleteExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE id = $1 AND expires_at < $2
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeleteInProgress(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) Complete(ctx context.Context, id uuid.UUID, body json.RawMessage, status int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE idempotency_keys
		SET response_body = $2,
		    response_status = $3,
		    status = 'COMPLETED'
		WHERE id = $1
		  AND status = 'IN_PROGRESS'
	`, id, []byte(body), status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInProgress
	}
	return nil
}

func (r *PgRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
