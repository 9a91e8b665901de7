// Package memstore keeps bookings, sync jobs and idempotency records in
// process memory. It backs the services when no database is configured and
// in tests. One mutex guards all state so every repository call is atomic.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/calsync"
	"github.com/hackgods/doctor-booking/internal/idempotency"
)

type idemKey struct {
	key      string
	endpoint string
}

type Store struct {
	mu sync.Mutex

	doctors      map[uuid.UUID]appointment.Doctor
	patients     map[uuid.UUID]appointment.Patient
	appointments map[uuid.UUID]*appointment.Appointment
	// active holds each doctor's active appointments ordered by start. The
	// intervals never overlap, so their ends are ordered as well.
	active    map[uuid.UUID][]*appointment.Appointment
	blackouts map[uuid.UUID][]appointment.Blackout
	events    []appointment.EventLog

	jobs     map[uuid.UUID]*calsync.Job
	jobOrder []uuid.UUID

	records map[idemKey]*idempotency.Record
}

func New() *Store {
	return &Store{
		doctors:      make(map[uuid.UUID]appointment.Doctor),
		patients:     make(map[uuid.UUID]appointment.Patient),
		appointments: make(map[uuid.UUID]*appointment.Appointment),
		active:       make(map[uuid.UUID][]*appointment.Appointment),
		blackouts:    make(map[uuid.UUID][]appointment.Blackout),
		jobs:         make(map[uuid.UUID]*calsync.Job),
		records:      make(map[idemKey]*idempotency.Record),
	}
}

// Bookings returns the appointment.Repository view.
func (s *Store) Bookings() *BookingRepo { return &BookingRepo{s: s} }

// SyncJobs returns the calsync.Repository view.
func (s *Store) SyncJobs() *SyncRepo { return &SyncRepo{s: s} }

// Idempotency returns the idempotency.Repository view.
func (s *Store) Idempotency() *IdempotencyRepo { return &IdempotencyRepo{s: s} }

func (s *Store) AddDoctor(d appointment.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors[d.ID] = d
}

func (s *Store) AddPatient(p appointment.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

func (s *Store) AddBlackout(b appointment.Blackout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	s.blackouts[b.DoctorID] = append(s.blackouts[b.DoctorID], b)
}

// Jobs returns copies of the jobs for an appointment in enqueue order.
func (s *Store) Jobs(appointmentID uuid.UUID) []calsync.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calsync.Job
	for _, id := range s.jobOrder {
		if j := s.jobs[id]; j.AppointmentID == appointmentID {
			out = append(out, *j)
		}
	}
	return out
}

// AllJobs returns copies of every job in enqueue order.
func (s *Store) AllJobs() []calsync.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]calsync.Job, 0, len(s.jobOrder))
	for _, id := range s.jobOrder {
		out = append(out, *s.jobs[id])
	}
	return out
}

func (s *Store) Events() []appointment.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appointment.EventLog(nil), s.events...)
}

// Appointments returns copies of every stored appointment.
func (s *Store) Appointments() []appointment.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]appointment.Appointment, 0, len(s.appointments))
	for _, a := range s.appointments {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAtUTC.Before(out[j].StartAtUTC) })
	return out
}

// index helpers; callers hold mu

func (s *Store) conflicts(doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) bool {
	list := s.active[doctorID]
	// first appointment starting at or after end; only the ones before it can intersect
	i := sort.Search(len(list), func(i int) bool { return !list[i].StartAtUTC.Before(end) })
	for j := i - 1; j >= 0; j-- {
		if list[j].ID == exclude {
			continue
		}
		return list[j].EndAtUTC.After(start)
	}
	return false
}

func (s *Store) indexActive(a *appointment.Appointment) {
	list := s.active[a.DoctorID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].StartAtUTC.Before(a.StartAtUTC) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = a
	s.active[a.DoctorID] = list
}

func (s *Store) unindex(a *appointment.Appointment) {
	list := s.active[a.DoctorID]
	for i, x := range list {
		if x.ID == a.ID {
			s.active[a.DoctorID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (s *Store) enqueue(job calsync.Job) {
	j := job
	s.jobs[j.ID] = &j
	s.jobOrder = append(s.jobOrder, j.ID)
}

func (s *Store) hasOpenJob(appointmentID uuid.UUID, action calsync.Action, except uuid.UUID) bool {
	for _, j := range s.jobs {
		if j.AppointmentID != appointmentID || j.ID == except {
			continue
		}
		if action != "" && j.Action != action {
			continue
		}
		if j.Status == calsync.JobPending || j.Status == calsync.JobInProgress {
			return true
		}
	}
	return false
}
