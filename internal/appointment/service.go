package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/calsync"
	"github.com/hackgods/doctor-booking/internal/config"
	"github.com/hackgods/doctor-booking/internal/localtime"
	"github.com/hackgods/doctor-booking/internal/metrics"
	redisclient "github.com/hackgods/doctor-booking/internal/redis"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
)

const maxCancelReasonLen = 500

var (
	ErrAlreadyCancelled        = errors.New("appointment is already cancelled")
	ErrAlreadyCompleted        = errors.New("appointment is already completed")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrForbidden               = errors.New("caller may not access this doctor's appointments")
	ErrDoctorBusy              = errors.New("doctor is being booked by another request, please retry")
	ErrDoctorUnavailable       = errors.New("doctor is unavailable at the requested time")
)

type BookRequest struct {
	DoctorID  uuid.UUID       `json:"doctor_id"`
	PatientID uuid.UUID       `json:"patient_id"`
	Date      localtime.Date  `json:"date"`
	Start     localtime.Clock `json:"start_time"`
	End       localtime.Clock `json:"end_time"`
	Timezone  string          `json:"timezone,omitempty"`
}

type RescheduleRequest struct {
	Date     localtime.Date  `json:"date"`
	Start    localtime.Clock `json:"start_time"`
	End      localtime.Clock `json:"end_time"`
	Timezone string          `json:"timezone,omitempty"`
}

type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	logger zerolog.Logger

	workdayStart localtime.Clock
	workdayEnd   localtime.Clock

	Now func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, logger zerolog.Logger) *Service {
	// config.Load has already validated both values
	start, _ := localtime.ParseClock(cfg.WorkdayStart)
	end, _ := localtime.ParseClock(cfg.WorkdayEnd)
	if cfg.SlotMinutes <= 0 {
		cfg.SlotMinutes = 30
	}
	return &Service{
		repo:         repo,
		locker:       locker,
		cfg:          cfg,
		logger:       logger.With().Str("component", "booking").Logger(),
		workdayStart: start,
		workdayEnd:   end,
		Now:          time.Now,
	}
}

// Book creates a BOOKED appointment and enqueues its CREATE sync job. The
// overlap check and the insert run under the doctor's lock and inside one
// storage transaction, so of two overlapping requests at most one succeeds.
func (s *Service) Book(ctx context.Context, actor Actor, req BookRequest) (*Appointment, error) {
	created, err := s.book(ctx, actor, req)
	s.count("book", err)
	return created, err
}

func (s *Service) book(ctx context.Context, actor Actor, req BookRequest) (*Appointment, error) {
	if req.DoctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Msg: "is required"}
	}
	if req.PatientID == uuid.Nil {
		return nil, &ValidationError{Field: "patient_id", Msg: "is required"}
	}
	if !actor.canAccess(req.DoctorID) {
		return nil, ErrForbidden
	}
	if err := validateInterval(req.Date, req.Start, req.End, req.Timezone); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	doctor, err := s.repo.GetDoctorByID(ctx, req.DoctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	tz := s.resolveTimezone(req.Timezone, doctor.Timezone)
	startUTC, endUTC, err := toUTCInterval(req.Date, req.Start, req.End, tz)
	if err != nil {
		return nil, err
	}
	if err := s.checkBlackouts(ctx, doctor.ID, startUTC, endUTC); err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	appt := &Appointment{
		ID:                 uuid.New(),
		DoctorID:           doctor.ID,
		PatientID:          req.PatientID,
		LocalDate:          req.Date,
		LocalStart:         req.Start,
		LocalEnd:           req.End,
		Timezone:           tz,
		StartAtUTC:         startUTC,
		EndAtUTC:           endUTC,
		Status:             StatusBooked,
		CalendarSyncStatus: SyncPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	job := calsync.NewJob(appt.ID, calsync.ActionCreate, now)

	var created *Appointment
	err = s.locker.WithDoctorLock(ctx, doctor.ID, func(lockCtx context.Context) error {
		// once the check starts it runs to commit or reject
		created, err = s.repo.CreateBooked(context.WithoutCancel(lockCtx), appt, job)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrDoctorBusy
		}
		if errors.Is(err, ErrSlotConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.logEvent(ctx, created.ID, EventAppointmentBooked, map[string]any{
		"doctor_id":    created.DoctorID.String(),
		"patient_id":   created.PatientID.String(),
		"start_at_utc": created.StartAtUTC,
		"end_at_utc":   created.EndAtUTC,
		"sync_job_id":  job.ID.String(),
	})

	return created, nil
}

// Reschedule moves an active appointment to a new interval, re-validated
// against the doctor's other active appointments, and enqueues an UPDATE job.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	updated, err := s.reschedule(ctx, actor, id, req)
	s.count("reschedule", err)
	return updated, err
}

func (s *Service) reschedule(ctx context.Context, actor Actor, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	appt, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Active() {
		return nil, statusError(appt.Status)
	}
	if err := validateInterval(req.Date, req.Start, req.End, req.Timezone); err != nil {
		return nil, err
	}

	tz := appt.Timezone
	if req.Timezone != "" {
		tz = req.Timezone
	}
	startUTC, endUTC, err := toUTCInterval(req.Date, req.Start, req.End, tz)
	if err != nil {
		return nil, err
	}
	if err := s.checkBlackouts(ctx, appt.DoctorID, startUTC, endUTC); err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	next := *appt
	next.LocalDate = req.Date
	next.LocalStart = req.Start
	next.LocalEnd = req.End
	next.Timezone = tz
	next.StartAtUTC = startUTC
	next.EndAtUTC = endUTC
	next.UpdatedAt = now
	job := calsync.NewJob(appt.ID, calsync.ActionUpdate, now)

	var updated *Appointment
	err = s.locker.WithDoctorLock(ctx, appt.DoctorID, func(lockCtx context.Context) error {
		updated, err = s.repo.Reschedule(context.WithoutCancel(lockCtx), &next, job)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			return nil, ErrDoctorBusy
		case errors.Is(err, ErrSlotConflict), errors.Is(err, ErrAppointmentNotFound):
			return nil, err
		case errors.Is(err, ErrInvalidStatusTransition):
			return nil, s.currentStatusError(ctx, id)
		}
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"from_start_at_utc": appt.StartAtUTC,
		"from_end_at_utc":   appt.EndAtUTC,
		"start_at_utc":      updated.StartAtUTC,
		"end_at_utc":        updated.EndAtUTC,
		"sync_job_id":       job.ID.String(),
	})

	return updated, nil
}

// Cancel releases the appointment's interval and enqueues a DELETE job.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) > maxCancelReasonLen {
		return nil, &ValidationError{Field: "reason", Msg: fmt.Sprintf("must be at most %d characters", maxCancelReasonLen)}
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	updated, err := s.transition(ctx, actor, id, StatusCancelled, reasonPtr, calsync.ActionDelete, EventAppointmentCancelled)
	s.count("cancel", err)
	return updated, err
}

// Complete marks an active appointment as held and enqueues an UPDATE job.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	updated, err := s.transition(ctx, actor, id, StatusCompleted, nil, calsync.ActionUpdate, EventAppointmentCompleted)
	s.count("complete", err)
	return updated, err
}

func (s *Service) transition(ctx context.Context, actor Actor, id uuid.UUID, to Status, reason *string, action calsync.Action, eventType string) (*Appointment, error) {
	appt, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Active() {
		return nil, statusError(appt.Status)
	}

	job := calsync.NewJob(appt.ID, action, s.Now().UTC())
	updated, err := s.repo.UpdateStatus(ctx, id, activeStatuses, to, reason, job)
	if err != nil {
		if errors.Is(err, ErrInvalidStatusTransition) {
			return nil, s.currentStatusError(ctx, id)
		}
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	payload := map[string]any{
		"from":        string(appt.Status),
		"to":          string(to),
		"sync_job_id": job.ID.String(),
	}
	if reason != nil {
		payload["reason"] = *reason
	}
	s.logEvent(ctx, updated.ID, eventType, payload)

	return updated, nil
}

// Get retrieves an appointment the actor may see.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.load(ctx, actor, id)
}

// List returns appointments matching f. Doctors only ever see their own.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]Appointment, error) {
	if actor.Role == RoleDoctor {
		if actor.DoctorID == nil {
			return nil, ErrForbidden
		}
		if f.DoctorID != nil && *f.DoctorID != *actor.DoctorID {
			return nil, ErrForbidden
		}
		f.DoctorID = actor.DoctorID
	}
	if f.Limit <= 0 {
		f.Limit = 20 // default
	}
	if f.Limit > 100 {
		f.Limit = 100 // max
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// Availability enumerates fixed-length slots within the working day in the
// doctor's timezone, leaving out slots that touch an active appointment or a
// blackout window.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, date localtime.Date) (*Availability, error) {
	if date.IsZero() {
		return nil, &ValidationError{Field: "date", Msg: "is required"}
	}
	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	tz := s.resolveTimezone("", doctor.Timezone)
	dayStart := localtime.ToUTC(date, s.workdayStart, tz)
	dayEnd := localtime.ToUTC(date, s.workdayEnd, tz)

	booked, err := s.repo.ListActiveForDoctor(ctx, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	blackouts, err := s.repo.ListBlackouts(ctx, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("list blackouts: %w", err)
	}

	out := &Availability{DoctorID: doctorID, Date: date, Timezone: tz, Slots: []Slot{}}
	step := s.cfg.SlotMinutes * 60
	for sec := s.workdayStart.Seconds(); sec+step <= s.workdayEnd.Seconds(); sec += step {
		start, end := localtime.ClockAt(sec), localtime.ClockAt(sec+step)
		startUTC := localtime.ToUTC(date, start, tz)
		endUTC := localtime.ToUTC(date, end, tz)
		if !endUTC.After(startUTC) {
			continue
		}
		if busy(startUTC, endUTC, booked, blackouts) {
			continue
		}
		out.Slots = append(out.Slots, Slot{Start: start, End: end, StartUTC: startUTC, EndUTC: endUTC})
	}

	return out, nil
}

func busy(start, end time.Time, booked []Appointment, blackouts []Blackout) bool {
	for _, a := range booked {
		if Overlaps(start, end, a.StartAtUTC, a.EndAtUTC) {
			return true
		}
	}
	for _, b := range blackouts {
		if Overlaps(start, end, b.StartsAt, b.EndsAt) {
			return true
		}
	}
	return false
}

func (s *Service) load(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !actor.canAccess(appt.DoctorID) {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (s *Service) checkBlackouts(ctx context.Context, doctorID uuid.UUID, start, end time.Time) error {
	blackouts, err := s.repo.ListBlackouts(ctx, doctorID, start, end)
	if err != nil {
		return fmt.Errorf("list blackouts: %w", err)
	}
	if len(blackouts) > 0 {
		return ErrDoctorUnavailable
	}
	return nil
}

// resolveTimezone prefers the request's zone, then the doctor's, then the
// configured default.
func (s *Service) resolveTimezone(requested, doctorTZ string) string {
	for _, tz := range []string{requested, doctorTZ, s.cfg.DefaultTimezone} {
		if localtime.ValidZone(tz) {
			return tz
		}
	}
	return localtime.DefaultZone
}

// currentStatusError re-reads an appointment whose conditional update lost a race.
func (s *Service) currentStatusError(ctx context.Context, id uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return err
	}
	return statusError(appt.Status)
}

func statusError(st Status) error {
	switch st {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusCompleted:
		return ErrAlreadyCompleted
	}
	return ErrInvalidStatusTransition
}

func validateInterval(date localtime.Date, start, end localtime.Clock, tz string) error {
	if date.IsZero() {
		return &ValidationError{Field: "date", Msg: "is required"}
	}
	if !start.Before(end) {
		return &ValidationError{Field: "end_time", Msg: "must be after start_time on the same date"}
	}
	if tz != "" && !localtime.ValidZone(tz) {
		return &ValidationError{Field: "timezone", Msg: fmt.Sprintf("unknown timezone %q", tz)}
	}
	return nil
}

func toUTCInterval(date localtime.Date, start, end localtime.Clock, tz string) (time.Time, time.Time, error) {
	startUTC := localtime.ToUTC(date, start, tz)
	endUTC := localtime.ToUTC(date, end, tz)
	if !endUTC.After(startUTC) {
		// both ends landed in or around a daylight-saving gap
		return time.Time{}, time.Time{}, &ValidationError{Field: "start_time", Msg: "interval does not exist in " + tz}
	}
	return startUTC, endUTC, nil
}

func (s *Service) count(op string, err error) {
	outcome := "ok"
	var verr *ValidationError
	switch {
	case err == nil:
	case errors.Is(err, ErrSlotConflict):
		outcome = "conflict"
	case errors.As(err, &verr):
		outcome = "invalid"
	case errors.Is(err, ErrForbidden):
		outcome = "forbidden"
	default:
		outcome = "error"
	}
	metrics.BookingRequests.WithLabelValues(op, outcome).Inc()
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.Now().UTC(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("insert event log")
	}
}
