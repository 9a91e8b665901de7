package calsync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound         = errors.New("calendar sync job not found")
	ErrJobNotOwned         = errors.New("calendar sync job is no longer owned by this execution")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Completion describes how a successful job changes the appointment's event reference.
type Completion struct {
	EventID      *string // set when a new provider event was created
	ClearEventID bool    // set when the provider event was deleted
}

// Repository is the outbox seen from the consumer side. Every transition out
// of IN_PROGRESS is conditional on the job still being IN_PROGRESS with the
// attempt count the caller claimed it with.
type Repository interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// Claim moves a due PENDING job to IN_PROGRESS. It returns false when
	// another execution got there first.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	LoadAppointment(ctx context.Context, appointmentID, currentJobID uuid.UUID) (*AppointmentSnapshot, error)

	MarkCompleted(ctx context.Context, job Job, c Completion, now time.Time) error
	MarkRetry(ctx context.Context, job Job, nextAttemptAt time.Time, lastErr string, now time.Time) error
	MarkFailed(ctx context.Context, job Job, lastErr string, now time.Time) error
}
