package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/calsync"
)

type SyncRepo struct {
	s *Store
}

var _ calsync.Repository = (*SyncRepo)(nil)

func (r *SyncRepo) list(match func(j *calsync.Job) bool, less func(a, b *calsync.Job) bool, limit int) []calsync.Job {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var found []*calsync.Job
	for _, id := range r.s.jobOrder {
		if j := r.s.jobs[id]; match(j) {
			found = append(found, j)
		}
	}
	sort.SliceStable(found, func(i, k int) bool { return less(found[i], found[k]) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	out := make([]calsync.Job, len(found))
	for i, j := range found {
		out[i] = *j
	}
	return out
}

func (r *SyncRepo) ListDue(_ context.Context, now time.Time, limit int) ([]calsync.Job, error) {
	return r.list(
		func(j *calsync.Job) bool {
			return j.Status == calsync.JobPending && !j.NextAttemptAt.After(now)
		},
		func(a, b *calsync.Job) bool { return a.NextAttemptAt.Before(b.NextAttemptAt) },
		limit,
	), nil
}

func (r *SyncRepo) ListStale(_ context.Context, claimedBefore time.Time, limit int) ([]calsync.Job, error) {
	return r.list(
		func(j *calsync.Job) bool {
			return j.Status == calsync.JobInProgress && j.UpdatedAt.Before(claimedBefore)
		},
		func(a, b *calsync.Job) bool { return a.UpdatedAt.Before(b.UpdatedAt) },
		limit,
	), nil
}

func (r *SyncRepo) GetJob(_ context.Context, id uuid.UUID) (*calsync.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[id]
	if !ok {
		return nil, calsync.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *SyncRepo) Claim(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[id]
	if !ok || j.Status != calsync.JobPending || j.NextAttemptAt.After(now) {
		return false, nil
	}
	j.Status = calsync.JobInProgress
	j.UpdatedAt = now
	return true, nil
}

func (r *SyncRepo) LoadAppointment(_ context.Context, appointmentID, currentJobID uuid.UUID) (*calsync.AppointmentSnapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.appointments[appointmentID]
	if !ok {
		return nil, calsync.ErrAppointmentNotFound
	}

	snap := &calsync.AppointmentSnapshot{
		ID:          a.ID,
		DoctorID:    a.DoctorID,
		PatientID:   a.PatientID,
		DoctorName:  r.s.doctors[a.DoctorID].Name,
		PatientName: r.s.patients[a.PatientID].Name,
		Status:      string(a.Status),
		Timezone:    a.Timezone,
		StartAtUTC:  a.StartAtUTC,
		EndAtUTC:    a.EndAtUTC,
		OpenCreate:  r.s.hasOpenJob(a.ID, calsync.ActionCreate, currentJobID),
	}
	if a.CalendarEventID != nil {
		id := *a.CalendarEventID
		snap.CalendarEventID = &id
	}
	return snap, nil
}

// owned returns the job if it is still IN_PROGRESS with the caller's attempt count.
func (r *SyncRepo) owned(job calsync.Job) (*calsync.Job, error) {
	j, ok := r.s.jobs[job.ID]
	if !ok {
		return nil, calsync.ErrJobNotFound
	}
	if j.Status != calsync.JobInProgress || j.Attempts != job.Attempts {
		return nil, calsync.ErrJobNotOwned
	}
	return j, nil
}

func (r *SyncRepo) MarkCompleted(_ context.Context, job calsync.Job, c calsync.Completion, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, err := r.owned(job)
	if err != nil {
		return err
	}
	j.Status = calsync.JobCompleted
	j.Attempts++
	j.LastError = nil
	j.UpdatedAt = now

	if a, ok := r.s.appointments[j.AppointmentID]; ok {
		switch {
		case c.EventID != nil:
			id := *c.EventID
			a.CalendarEventID = &id
		case c.ClearEventID:
			a.CalendarEventID = nil
		}
		if r.s.hasOpenJob(a.ID, "", uuid.Nil) {
			a.CalendarSyncStatus = appointment.SyncPending
		} else {
			a.CalendarSyncStatus = appointment.SyncSynced
		}
		a.UpdatedAt = now
	}
	return nil
}

func (r *SyncRepo) MarkRetry(_ context.Context, job calsync.Job, nextAttemptAt time.Time, lastErr string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, err := r.owned(job)
	if err != nil {
		return err
	}
	msg := calsync.TruncateError(lastErr)
	j.Status = calsync.JobPending
	j.Attempts++
	j.NextAttemptAt = nextAttemptAt
	j.LastError = &msg
	j.UpdatedAt = now
	return nil
}

func (r *SyncRepo) MarkFailed(_ context.Context, job calsync.Job, lastErr string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, err := r.owned(job)
	if err != nil {
		return err
	}
	msg := calsync.TruncateError(lastErr)
	j.Status = calsync.JobFailed
	j.Attempts++
	j.LastError = &msg
	j.UpdatedAt = now

	if a, ok := r.s.appointments[j.AppointmentID]; ok {
		a.CalendarSyncStatus = appointment.SyncFailed
		a.UpdatedAt = now
	}
	return nil
}
