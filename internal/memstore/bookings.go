package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/calsync"
)

type BookingRepo struct {
	s *Store
}

var _ appointment.Repository = (*BookingRepo)(nil)

func (r *BookingRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return &p, nil
}

func (r *BookingRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*appointment.Doctor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.doctors[id]
	if !ok {
		return nil, appointment.ErrDoctorNotFound
	}
	return &d, nil
}

func (r *BookingRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *BookingRepo) ListAppointments(_ context.Context, f appointment.ListFilter) ([]appointment.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []appointment.Appointment
	for _, a := range r.s.appointments {
		switch {
		case f.DoctorID != nil && a.DoctorID != *f.DoctorID:
		case f.PatientID != nil && a.PatientID != *f.PatientID:
		case f.Status != nil && a.Status != *f.Status:
		case f.From != nil && a.StartAtUTC.Before(*f.From):
		case f.To != nil && !a.StartAtUTC.Before(*f.To):
		default:
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAtUTC.Equal(out[j].StartAtUTC) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartAtUTC.Before(out[j].StartAtUTC)
	})

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *BookingRepo) ListActiveForDoctor(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []appointment.Appointment
	for _, a := range r.s.active[doctorID] {
		if appointment.Overlaps(a.StartAtUTC, a.EndAtUTC, from, to) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *BookingRepo) ListBlackouts(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]appointment.Blackout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []appointment.Blackout
	for _, b := range r.s.blackouts[doctorID] {
		if appointment.Overlaps(b.StartsAt, b.EndsAt, from, to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *BookingRepo) CreateBooked(_ context.Context, a *appointment.Appointment, job calsync.Job) (*appointment.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.conflicts(a.DoctorID, a.StartAtUTC, a.EndAtUTC, uuid.Nil) {
		return nil, appointment.ErrSlotConflict
	}

	stored := *a
	r.s.appointments[stored.ID] = &stored
	r.s.indexActive(&stored)
	r.s.enqueue(job)

	cp := stored
	return &cp, nil
}

func (r *BookingRepo) Reschedule(_ context.Context, a *appointment.Appointment, job calsync.Job) (*appointment.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.appointments[a.ID]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	if !cur.Status.Active() {
		return nil, appointment.ErrInvalidStatusTransition
	}
	if r.s.conflicts(cur.DoctorID, a.StartAtUTC, a.EndAtUTC, cur.ID) {
		return nil, appointment.ErrSlotConflict
	}

	r.s.unindex(cur)
	cur.LocalDate = a.LocalDate
	cur.LocalStart = a.LocalStart
	cur.LocalEnd = a.LocalEnd
	cur.Timezone = a.Timezone
	cur.StartAtUTC = a.StartAtUTC
	cur.EndAtUTC = a.EndAtUTC
	cur.Status = appointment.StatusRescheduled
	cur.CalendarSyncStatus = appointment.SyncPending
	cur.UpdatedAt = a.UpdatedAt
	r.s.indexActive(cur)
	r.s.enqueue(job)

	cp := *cur
	return &cp, nil
}

func (r *BookingRepo) UpdateStatus(_ context.Context, id uuid.UUID, from []appointment.Status, to appointment.Status, cancelReason *string, job calsync.Job) (*appointment.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	allowed := false
	for _, st := range from {
		if cur.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, appointment.ErrInvalidStatusTransition
	}

	wasActive := cur.Status.Active()
	cur.Status = to
	if cancelReason != nil {
		reason := *cancelReason
		cur.CancelReason = &reason
	}
	cur.CalendarSyncStatus = appointment.SyncPending
	cur.UpdatedAt = job.CreatedAt
	if wasActive && !to.Active() {
		r.s.unindex(cur)
	}
	r.s.enqueue(job)

	cp := *cur
	return &cp, nil
}

func (r *BookingRepo) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev.ID = int64(len(r.s.events) + 1)
	r.s.events = append(r.s.events, ev)
	return nil
}
