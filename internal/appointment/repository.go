package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-booking/internal/calsync"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotConflict means the requested interval intersects another active
	// appointment of the same doctor.
	ErrSlotConflict = errors.New("requested time overlaps an existing appointment")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// For availability
	ListActiveForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListBlackouts(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Blackout, error)

	// CreateBooked checks a's interval against the doctor's active
	// appointments and inserts a together with job, all or nothing.
	// It returns ErrSlotConflict on overlap.
	CreateBooked(ctx context.Context, a *Appointment, job calsync.Job) (*Appointment, error)

	// Reschedule moves an active appointment to a's interval, ignoring the
	// appointment itself in the overlap check, and enqueues job.
	Reschedule(ctx context.Context, a *Appointment, job calsync.Job) (*Appointment, error)

	// UpdateStatus moves an appointment out of one of from into to and
	// enqueues job. It returns ErrInvalidStatusTransition when the current
	// status is not in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, cancelReason *string, job calsync.Job) (*Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
