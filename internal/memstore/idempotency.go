package memstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-booking/internal/idempotency"
)

type IdempotencyRepo struct {
	s *Store
}

var _ idempotency.Repository = (*IdempotencyRepo)(nil)

func (r *IdempotencyRepo) Insert(_ context.Context, rec *idempotency.Record) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k := idemKey{rec.Key, rec.Endpoint}
	if _, ok := r.s.records[k]; ok {
		return idempotency.ErrDuplicate
	}
	cp := *rec
	r.s.records[k] = &cp
	return nil
}

func (r *IdempotencyRepo) Get(_ context.Context, key, endpoint string) (*idempotency.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.records[idemKey{key, endpoint}]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *IdempotencyRepo) find(id uuid.UUID) (idemKey, *idempotency.Record, bool) {
	for k, rec := range r.s.records {
		if rec.ID == id {
			return k, rec, true
		}
	}
	return idemKey{}, nil, false
}

func (r *IdempotencyRepo) DeleteExpired(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k, rec, ok := r.find(id)
	if !ok || !rec.Expired(now) {
		return false, nil
	}
	delete(r.s.records, k)
	return true, nil
}

func (r *IdempotencyRepo) DeleteInProgress(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k, rec, ok := r.find(id)
	if !ok || rec.Status != idempotency.StatusInProgress {
		return idempotency.ErrNotFound
	}
	delete(r.s.records, k)
	return nil
}

func (r *IdempotencyRepo) Complete(_ context.Context, id uuid.UUID, body json.RawMessage, status int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, rec, ok := r.find(id)
	if !ok || rec.Status != idempotency.StatusInProgress {
		return idempotency.ErrNotInProgress
	}
	rec.ResponseBody = append(json.RawMessage(nil), body...)
	rec.ResponseStatus = &status
	rec.Status = idempotency.StatusCompleted
	return nil
}

func (r *IdempotencyRepo) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for k, rec := range r.s.records {
		if rec.Expired(now) {
			delete(r.s.records, k)
			n++
		}
	}
	return n, nil
}
