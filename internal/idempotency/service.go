package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrKeyConflict = errors.New("idempotency key reused with a different request")
	ErrInProgress  = errors.New("request with this idempotency key is still in progress")
)

// beginAttempts bounds the insert / read back / replace-expired loop.
const beginAttempts = 3

type Service struct {
	repo Repository
	ttl  time.Duration

	Now func() time.Time
}

func NewService(repo Repository, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo: repo,
		ttl:  ttl,
		Now:  time.Now,
	}
}

// Begin tries to claim (key, endpoint). On success it returns the fresh
// IN_PROGRESS record and a nil existing record. When a live record already
// holds the pair it is returned as existing and the caller must not run the
// operation. Expired records are deleted and the claim retried.
func (s *Service) Begin(ctx context.Context, key, endpoint string, payload any) (*Record, *Record, error) {
	hash, err := HashPayload(payload)
	if err != nil {
		return nil, nil, err
	}

	for attempt := 0; attempt < beginAttempts; attempt++ {
		now := s.Now().UTC()
		rec := &Record{
			ID:          uuid.New(),
			Key:         key,
			Endpoint:    endpoint,
			RequestHash: hash,
			Status:      StatusInProgress,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.ttl),
		}

		err := s.repo.Insert(ctx, rec)
		if err == nil {
			return rec, nil, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return nil, nil, fmt.Errorf("insert idempotency record: %w", err)
		}

		existing, err := s.repo.Get(ctx, key, endpoint)
		if errors.Is(err, ErrNotFound) {
			// removed between our insert and read; try again
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load idempotency record: %w", err)
		}

		if existing.Expired(now) {
			if _, err := s.repo.DeleteExpired(ctx, existing.ID, now); err != nil {
				return nil, nil, fmt.Errorf("delete expired idempotency record: %w", err)
			}
			continue
		}

		return existing, existing, nil
	}

	return nil, nil, fmt.Errorf("idempotency key %q on %s: could not claim after %d attempts", key, endpoint, beginAttempts)
}

// ValidateExisting classifies a record returned as existing by Begin.
func (s *Service) ValidateExisting(rec *Record, payload any) (Outcome, error) {
	hash, err := HashPayload(payload)
	if err != nil {
		return Outcome{}, err
	}
	if rec.RequestHash != hash {
		return Outcome{Kind: OutcomeConflict}, nil
	}
	if rec.Status == StatusCompleted && rec.ResponseBody != nil {
		status := 200
		if rec.ResponseStatus != nil {
			status = *rec.ResponseStatus
		}
		return Outcome{
			Kind:           OutcomeCompleted,
			ResponseBody:   rec.ResponseBody,
			ResponseStatus: status,
		}, nil
	}
	return Outcome{Kind: OutcomeInProgress}, nil
}

// Complete freezes the response. Call it once, after the protected side
// effects are committed.
func (s *Service) Complete(ctx context.Context, rec *Record, body json.RawMessage, status int) error {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	if err := s.repo.Complete(ctx, rec.ID, body, status); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	rec.ResponseBody = body
	rec.ResponseStatus = &status
	rec.Status = StatusCompleted
	return nil
}

// Abandon releases an IN_PROGRESS record whose operation failed without a
// definitive outcome, letting the client retry with the same key.
func (s *Service) Abandon(ctx context.Context, rec *Record) error {
	if err := s.repo.DeleteInProgress(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("abandon idempotency record: %w", err)
	}
	return nil
}

func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpired(ctx, s.Now().UTC())
}

// HashPayload digests a canonical JSON form of payload: object keys sorted,
// no insignificant whitespace, numbers kept verbatim. Raw byte payloads that
// are not valid JSON are hashed as-is after trimming.
func HashPayload(payload any) (string, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	canonical, err := canonicalJSON(raw)
	if err != nil {
		canonical = bytes.TrimSpace(raw)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}

	return json.Marshal(v)
}
