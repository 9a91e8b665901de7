package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicate     = errors.New("idempotency record already exists")
	ErrNotFound      = errors.New("idempotency record not found")
	ErrNotInProgress = errors.New("idempotency record is not in progress")
)

type Repository interface {
	// Insert must be atomic per (key, endpoint) and return ErrDuplicate when a
	// record for the pair already exists.
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key, endpoint string) (*Record, error)

	// DeleteExpired removes the record only if it is still expired at now.
	DeleteExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// DeleteInProgress removes an unfinished record so the key can be reused.
	DeleteInProgress(ctx context.Context, id uuid.UUID) error

	Complete(ctx context.Context, id uuid.UUID, body json.RawMessage, status int) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
