package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransientError is a provider failure worth retrying (timeouts, 5xx, throttling).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient calendar error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a provider rejection that no retry will fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent calendar error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err should short-circuit a job to FAILED.
// Anything not explicitly permanent, including deadline overruns, is retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

type Event struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Timezone      string    `json:"timezone"`
	Cancelled     bool      `json:"cancelled,omitempty"`
}

// Provider is the external calendar. Implementations must honour ctx.
type Provider interface {
	CreateEvent(ctx context.Context, ev Event) (string, error)
	UpdateEvent(ctx context.Context, eventID string, ev Event) error
	DeleteEvent(ctx context.Context, eventID string) error
}

// LogProvider only logs. Used when no calendar endpoint is configured.
type LogProvider struct {
	Logger zerolog.Logger
}

func (p LogProvider) CreateEvent(_ context.Context, ev Event) (string, error) {
	id := "local-" + ev.AppointmentID.String()
	p.Logger.Info().Str("event_id", id).Str("appointment_id", ev.AppointmentID.String()).
		Time("start", ev.Start).Time("end", ev.End).Msg("calendar create (log only)")
	return id, nil
}

func (p LogProvider) UpdateEvent(_ context.Context, eventID string, ev Event) error {
	p.Logger.Info().Str("event_id", eventID).Str("appointment_id", ev.AppointmentID.String()).
		Bool("cancelled", ev.Cancelled).Msg("calendar update (log only)")
	return nil
}

func (p LogProvider) DeleteEvent(_ context.Context, eventID string) error {
	p.Logger.Info().Str("event_id", eventID).Msg("calendar delete (log only)")
	return nil
}
