package calsync_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/calsync"
	"github.com/hackgods/doctor-booking/internal/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeProvider struct {
	mu      sync.Mutex
	creates int
	updates int
	deletes int
	err     error
	block   chan struct{}
}

func (p *fakeProvider) call(counter *int) error {
	p.mu.Lock()
	*counter++
	err, block := p.err, p.block
	p.mu.Unlock()
	if block != nil {
		<-block // ignores ctx on purpose
	}
	return err
}

func (p *fakeProvider) CreateEvent(_ context.Context, ev calsync.Event) (string, error) {
	if err := p.call(&p.creates); err != nil {
		return "", err
	}
	return "evt-" + ev.AppointmentID.String(), nil
}

func (p *fakeProvider) UpdateEvent(_ context.Context, _ string, _ calsync.Event) error {
	return p.call(&p.updates)
}

func (p *fakeProvider) DeleteEvent(_ context.Context, _ string) error {
	return p.call(&p.deletes)
}

func (p *fakeProvider) calls() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates, p.updates, p.deletes
}

var t0 = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

type env struct {
	store    *memstore.Store
	provider *fakeProvider
	clock    *clock
	worker   *calsync.Worker
	doctor   uuid.UUID
	patient  uuid.UUID
}

func newEnv(t *testing.T, cfg calsync.WorkerConfig) *env {
	t.Helper()
	e := &env{
		store:    memstore.New(),
		provider: &fakeProvider{},
		clock:    &clock{now: t0},
		doctor:   uuid.New(),
		patient:  uuid.New(),
	}
	e.store.AddDoctor(appointment.Doctor{ID: e.doctor, Name: "Dr. Grey", Timezone: "UTC"})
	e.store.AddPatient(appointment.Patient{ID: e.patient, Name: "Pat Doe"})

	if cfg.Backoff.Base == 0 {
		cfg.Backoff = calsync.BackoffSchedule{Base: time.Minute, Max: time.Hour}
	}
	e.worker = calsync.NewWorker(e.store.SyncJobs(), e.provider, cfg, zerolog.Nop())
	e.worker.Now = e.clock.Now
	return e
}

// book stores an appointment starting hour hours into the day, with its CREATE job.
func (e *env) book(t *testing.T, hour int) *appointment.Appointment {
	t.Helper()
	start := time.Date(2026, 1, 2, hour, 0, 0, 0, time.UTC)
	a := &appointment.Appointment{
		ID:                 uuid.New(),
		DoctorID:           e.doctor,
		PatientID:          e.patient,
		Timezone:           "UTC",
		StartAtUTC:         start,
		EndAtUTC:           start.Add(30 * time.Minute),
		Status:             appointment.StatusBooked,
		CalendarSyncStatus: appointment.SyncPending,
	}
	created, err := e.store.Bookings().CreateBooked(context.Background(), a, calsync.NewJob(a.ID, calsync.ActionCreate, e.clock.Now()))
	require.NoError(t, err)
	return created
}

func (e *env) appointment(t *testing.T, id uuid.UUID) *appointment.Appointment {
	t.Helper()
	a, err := e.store.Bookings().GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestWorker_CreateStoresEventReference(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3})
	a := e.book(t, 10)

	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Claimed)
	require.Equal(t, 1, stats.Completed)

	got := e.appointment(t, a.ID)
	require.NotNil(t, got.CalendarEventID, "event reference must be stored")
	assert.Equal(t, "evt-"+a.ID.String(), *got.CalendarEventID)
	assert.Equal(t, appointment.SyncSynced, got.CalendarSyncStatus)

	jobs := e.store.Jobs(a.ID)
	assert.Equal(t, calsync.JobCompleted, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)

	// a second pass has nothing to do
	stats, err = e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
}

func TestWorker_TransientFailureRetriesThenFails(t *testing.T) {
	const maxAttempts = 4
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: maxAttempts})
	e.provider.err = calsync.Transient("provider unavailable")
	a := e.book(t, 10)

	var spacings []time.Duration
	for i := 1; i <= maxAttempts; i++ {
		before := e.clock.Now()
		_, err := e.worker.RunOnce(context.Background())
		require.NoError(t, err)

		job := e.store.Jobs(a.ID)[0]
		require.Equal(t, i, job.Attempts, "attempts after pass %d", i)
		if i < maxAttempts {
			require.Equal(t, calsync.JobPending, job.Status, "status after pass %d", i)
			spacings = append(spacings, job.NextAttemptAt.Sub(before))
			e.clock.Set(job.NextAttemptAt)
		} else {
			require.Equal(t, calsync.JobFailed, job.Status)
		}
	}

	for i := 1; i < len(spacings); i++ {
		require.Greater(t, spacings[i], spacings[i-1], "retry spacing must strictly increase: %v", spacings)
	}
	creates, _, _ := e.provider.calls()
	assert.Equal(t, maxAttempts, creates)
	assert.Equal(t, appointment.SyncFailed, e.appointment(t, a.ID).CalendarSyncStatus)

	// terminal: nothing is picked up later
	e.clock.Set(e.clock.Now().Add(24 * time.Hour))
	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "failed job must not be retried")
}

func TestWorker_PermanentFailureShortCircuits(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 5})
	e.provider.err = calsync.Permanent("invalid attendee")
	a := e.book(t, 10)

	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	job := e.store.Jobs(a.ID)[0]
	require.Equal(t, calsync.JobFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "invalid attendee")
}

func TestWorker_HungProviderTimesOutAsTransient(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3, CallTimeout: 20 * time.Millisecond})
	e.provider.block = make(chan struct{})
	t.Cleanup(func() { close(e.provider.block) })
	a := e.book(t, 10)

	done := make(chan calsync.Stats, 1)
	go func() {
		stats, _ := e.worker.RunOnce(context.Background())
		done <- stats
	}()

	select {
	case stats := <-done:
		require.Equal(t, 1, stats.Retried, "the job should be retried")
	case <-time.After(2 * time.Second):
		t.Fatal("worker pass stalled on a hung provider")
	}

	job := e.store.Jobs(a.ID)[0]
	require.Equal(t, calsync.JobPending, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "timed out")
}

func TestWorker_ConcurrentWorkersProcessEachJobOnce(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3, Concurrency: 4})
	const n = 12
	for i := 0; i < n; i++ {
		e.book(t, i)
	}

	other := calsync.NewWorker(e.store.SyncJobs(), e.provider, calsync.WorkerConfig{MaxAttempts: 3, Concurrency: 4}, zerolog.Nop())
	other.Now = e.clock.Now

	var wg sync.WaitGroup
	var claimed [2]int
	for i, w := range []*calsync.Worker{e.worker, other} {
		wg.Add(1)
		go func(i int, w *calsync.Worker) {
			defer wg.Done()
			stats, err := w.RunOnce(context.Background())
			assert.NoError(t, err)
			claimed[i] = stats.Claimed
		}(i, w)
	}
	wg.Wait()

	require.Equal(t, n, claimed[0]+claimed[1], "claims in total: %v", claimed)
	creates, _, _ := e.provider.calls()
	require.Equal(t, n, creates)
}

func TestWorker_CancelBeforeCreateIsNoOp(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3, Concurrency: 1})
	a := e.book(t, 10)

	active := []appointment.Status{appointment.StatusBooked, appointment.StatusRescheduled}
	_, err := e.store.Bookings().UpdateStatus(context.Background(), a.ID, active, appointment.StatusCancelled, nil,
		calsync.NewJob(a.ID, calsync.ActionDelete, e.clock.Now()))
	require.NoError(t, err)

	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Completed, "both jobs should complete")

	c, u, d := e.provider.calls()
	assert.Zero(t, c+u+d, "expected no provider calls, got create=%d update=%d delete=%d", c, u, d)

	got := e.appointment(t, a.ID)
	assert.Equal(t, appointment.SyncSynced, got.CalendarSyncStatus)
	assert.Nil(t, got.CalendarEventID)
}

func TestWorker_UpdateWaitsForOpenCreate(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 5, Concurrency: 1})
	a := e.book(t, 10)

	// the CREATE fails once and is pushed into the future
	e.provider.err = calsync.Transient("flaky")
	_, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	e.provider.err = nil

	moved := *a
	moved.StartAtUTC = a.StartAtUTC.Add(time.Hour)
	moved.EndAtUTC = a.EndAtUTC.Add(time.Hour)
	_, err = e.store.Bookings().Reschedule(context.Background(), &moved, calsync.NewJob(a.ID, calsync.ActionUpdate, e.clock.Now()))
	require.NoError(t, err)

	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Claimed)
	require.Equal(t, 1, stats.Retried, "the UPDATE should be retried")
	_, u, _ := e.provider.calls()
	require.Zero(t, u, "update must wait for the event to exist")

	// once both are due the CREATE goes first and the UPDATE follows
	e.clock.Set(t0.Add(time.Hour))
	for i := 0; i < 2; i++ {
		_, err := e.worker.RunOnce(context.Background())
		require.NoError(t, err)
	}
	for _, j := range e.store.Jobs(a.ID) {
		assert.Equal(t, calsync.JobCompleted, j.Status, "job %s", j.Action)
	}
	_, u, _ = e.provider.calls()
	assert.Equal(t, 1, u)
}

func TestWorker_UpdateWithoutEventFailsPermanently(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 5})
	a := e.book(t, 10)

	// drop the CREATE so only the UPDATE is left
	e.provider.err = calsync.Permanent("rejected")
	_, _ = e.worker.RunOnce(context.Background())
	e.provider.err = nil

	active := []appointment.Status{appointment.StatusBooked, appointment.StatusRescheduled}
	_, err := e.store.Bookings().UpdateStatus(context.Background(), a.ID, active, appointment.StatusCompleted, nil,
		calsync.NewJob(a.ID, calsync.ActionUpdate, e.clock.Now()))
	require.NoError(t, err)

	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed, "the UPDATE should fail")
}

func TestWorker_ReclaimsStaleClaims(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3, StaleAfter: 5 * time.Minute})
	a := e.book(t, 10)

	jobID := e.store.Jobs(a.ID)[0].ID
	ok, err := e.store.SyncJobs().Claim(context.Background(), jobID, t0)
	require.NoError(t, err)
	require.True(t, ok, "claim failed")

	e.clock.Set(t0.Add(10 * time.Minute))
	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Reclaimed)

	job, err := e.store.SyncJobs().GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, calsync.JobPending, job.Status)
	require.Equal(t, 1, job.Attempts)
	assert.True(t, job.NextAttemptAt.After(e.clock.Now()), "next attempt must move forward, got %s", job.NextAttemptAt)
}

func TestWorker_MissingAppointmentIsPermanent(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3})
	a := e.book(t, 10)
	job := e.store.Jobs(a.ID)[0]

	w := calsync.NewWorker(missingAppointments{e.store.SyncJobs()}, e.provider, calsync.WorkerConfig{MaxAttempts: 3}, zerolog.Nop())
	w.Now = e.clock.Now
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	got, err := e.store.SyncJobs().GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, calsync.JobFailed, got.Status)
}

type missingAppointments struct {
	*memstore.SyncRepo
}

func (missingAppointments) LoadAppointment(context.Context, uuid.UUID, uuid.UUID) (*calsync.AppointmentSnapshot, error) {
	return nil, calsync.ErrAppointmentNotFound
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"permanent", calsync.Permanent("bad"), true},
		{"transient", calsync.Transient("slow"), false},
		{"deadline overrun", context.DeadlineExceeded, false},
		{"wrapped permanent", errors.Join(errors.New("ctx"), calsync.Permanent("bad")), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, calsync.IsPermanent(tc.err))
		})
	}
}

func TestWorker_RunOnceLeavesPassSummaryToCaller(t *testing.T) {
	var buf bytes.Buffer
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3})
	e.worker = calsync.NewWorker(e.store.SyncJobs(), e.provider, calsync.WorkerConfig{
		MaxAttempts: 3,
		Backoff:     calsync.BackoffSchedule{Base: time.Minute, Max: time.Hour},
	}, zerolog.New(&buf))
	e.worker.Now = e.clock.Now
	e.book(t, 10)

	stats, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
	assert.NotContains(t, buf.String(), "sync pass complete")
}

func TestWorker_RunProcessesUntilCancelled(t *testing.T) {
	e := newEnv(t, calsync.WorkerConfig{MaxAttempts: 3})
	a := e.book(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	passes := make(chan calsync.Stats, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.worker.Run(ctx, time.Hour, func(_ context.Context, s calsync.Stats) {
			passes <- s
		})
	}()

	select {
	case s := <-passes:
		assert.Equal(t, 1, s.Completed, "the first pass should complete one job")
	case <-time.After(2 * time.Second):
		t.Fatal("first pass did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, appointment.SyncSynced, e.appointment(t, a.ID).CalendarSyncStatus)
}
