package appointment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/calsync"
	"github.com/hackgods/doctor-booking/internal/config"
	"github.com/hackgods/doctor-booking/internal/localtime"
	"github.com/hackgods/doctor-booking/internal/memstore"
	redisclient "github.com/hackgods/doctor-booking/internal/redis"
)

type fixture struct {
	svc     *appointment.Service
	store   *memstore.Store
	doctor  uuid.UUID
	patient uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	f := &fixture{store: store, doctor: uuid.New(), patient: uuid.New()}
	store.AddDoctor(appointment.Doctor{ID: f.doctor, Name: "Dr. Grey", Timezone: "UTC"})
	store.AddPatient(appointment.Patient{ID: f.patient, Name: "Pat Doe"})

	cfg := config.Config{
		DefaultTimezone: "UTC",
		WorkdayStart:    "09:00",
		WorkdayEnd:      "17:00",
		SlotMinutes:     30,
	}
	f.svc = appointment.NewService(store.Bookings(), redisclient.NewLocalLocker(), cfg, zerolog.Nop())
	f.svc.Now = func() time.Time { return time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC) }
	return f
}

func mustDate(t *testing.T, s string) localtime.Date {
	t.Helper()
	d, err := localtime.ParseDate(s)
	require.NoError(t, err)
	return d
}

func mustClock(t *testing.T, s string) localtime.Clock {
	t.Helper()
	c, err := localtime.ParseClock(s)
	require.NoError(t, err)
	return c
}

func (f *fixture) request(t *testing.T, date, start, end string) appointment.BookRequest {
	return appointment.BookRequest{
		DoctorID:  f.doctor,
		PatientID: f.patient,
		Date:      mustDate(t, date),
		Start:     mustClock(t, start),
		End:       mustClock(t, end),
	}
}

func (f *fixture) book(t *testing.T, start, end string) (*appointment.Appointment, error) {
	t.Helper()
	return f.svc.Book(context.Background(), appointment.SystemActor, f.request(t, "2026-01-01", start, end))
}

func TestBook_ConflictAndBackToBack(t *testing.T) {
	f := newFixture(t)

	first, err := f.book(t, "10:00", "10:30")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusBooked, first.Status)

	_, err = f.book(t, "10:15", "10:45")
	require.ErrorIs(t, err, appointment.ErrSlotConflict)

	second, err := f.book(t, "10:30", "11:00")
	require.NoError(t, err, "back-to-back booking")
	assert.Equal(t, appointment.StatusBooked, second.Status)
	assert.True(t, second.StartAtUTC.Equal(time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)), "start_at_utc %s", second.StartAtUTC)

	jobs := f.store.Jobs(second.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, calsync.ActionCreate, jobs[0].Action)
	assert.Equal(t, calsync.JobPending, jobs[0].Status)
	assert.Len(t, f.store.AllJobs(), 2, "rejected booking must not enqueue")
}

func TestBook_HalfOpenBoundary(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, "10:00", "10:30")
	require.NoError(t, err)

	cases := []struct {
		start, end string
		conflict   bool
	}{
		{"10:30", "11:00", false},
		{"10:15", "10:45", true},
		{"09:45", "10:15", true},
		{"09:30", "10:00", false},
	}
	for _, tc := range cases {
		_, err := f.book(t, tc.start, tc.end)
		if tc.conflict {
			assert.ErrorIs(t, err, appointment.ErrSlotConflict, "[%s,%s)", tc.start, tc.end)
		} else {
			assert.NoError(t, err, "[%s,%s)", tc.start, tc.end)
		}
	}
}

func TestBook_ConcurrentRequestsNeverOverlap(t *testing.T) {
	f := newFixture(t)

	const workers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// staggered 30 minute requests that overlap their neighbours
			startMin := 9*60 + (i%8)*10
			start := fmt.Sprintf("%02d:%02d", startMin/60, startMin%60)
			end := fmt.Sprintf("%02d:%02d", (startMin+30)/60, (startMin+30)%60)
			_, err := f.svc.Book(context.Background(), appointment.SystemActor, f.request(t, "2026-01-01", start, end))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, appointment.ErrSlotConflict), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	require.Positive(t, wins)

	all := f.store.Appointments()
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			overlap := a.Status.Active() && b.Status.Active() &&
				appointment.Overlaps(a.StartAtUTC, a.EndAtUTC, b.StartAtUTC, b.EndAtUTC)
			require.False(t, overlap, "overlapping active appointments %s and %s", a.ID, b.ID)
		}
	}
	assert.Len(t, all, wins)
	assert.Len(t, f.store.AllJobs(), wins)
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var verr *appointment.ValidationError

	req := f.request(t, "2026-01-01", "10:30", "10:00")
	_, err := f.svc.Book(ctx, appointment.SystemActor, req)
	assert.ErrorAs(t, err, &verr, "end before start")

	req = f.request(t, "2026-01-01", "10:00", "10:00")
	_, err = f.svc.Book(ctx, appointment.SystemActor, req)
	assert.ErrorAs(t, err, &verr, "empty interval")

	req = f.request(t, "2026-01-01", "10:00", "10:30")
	req.Timezone = "Mars/Olympus_Mons"
	_, err = f.svc.Book(ctx, appointment.SystemActor, req)
	require.ErrorAs(t, err, &verr, "unknown timezone")
	assert.Equal(t, "timezone", verr.Field)

	req = f.request(t, "2026-01-01", "10:00", "10:30")
	req.DoctorID = uuid.New()
	_, err = f.svc.Book(ctx, appointment.SystemActor, req)
	assert.ErrorIs(t, err, appointment.ErrDoctorNotFound)

	req = f.request(t, "2026-01-01", "10:00", "10:30")
	req.PatientID = uuid.New()
	_, err = f.svc.Book(ctx, appointment.SystemActor, req)
	assert.ErrorIs(t, err, appointment.ErrPatientNotFound)
}

func TestBook_UsesDoctorTimezone(t *testing.T) {
	f := newFixture(t)
	nyDoctor := uuid.New()
	f.store.AddDoctor(appointment.Doctor{ID: nyDoctor, Name: "Dr. Ross", Timezone: "America/New_York"})

	req := f.request(t, "2026-03-08", "10:00", "10:30")
	req.DoctorID = nyDoctor
	a, err := f.svc.Book(context.Background(), appointment.SystemActor, req)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", a.Timezone)
	// daylight saving time started at 02:00 that morning
	want := time.Date(2026, 3, 8, 14, 0, 0, 0, time.UTC)
	assert.True(t, a.StartAtUTC.Equal(want), "expected %s, got %s", want, a.StartAtUTC)
}

func TestBook_Blackout(t *testing.T) {
	f := newFixture(t)
	f.store.AddBlackout(appointment.Blackout{
		DoctorID: f.doctor,
		StartsAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC),
	})

	_, err := f.book(t, "12:30", "13:00")
	assert.ErrorIs(t, err, appointment.ErrDoctorUnavailable)
	_, err = f.book(t, "13:00", "13:30")
	assert.NoError(t, err, "slot after blackout")
}

type refusingLocker struct{}

func (refusingLocker) WithDoctorLock(context.Context, uuid.UUID, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestBook_ContendedLockIsBusy(t *testing.T) {
	f := newFixture(t)
	cfg := config.Config{DefaultTimezone: "UTC", WorkdayStart: "09:00", WorkdayEnd: "17:00", SlotMinutes: 30}
	svc := appointment.NewService(f.store.Bookings(), refusingLocker{}, cfg, zerolog.Nop())

	_, err := svc.Book(context.Background(), appointment.SystemActor, f.request(t, "2026-01-01", "10:00", "10:30"))
	assert.ErrorIs(t, err, appointment.ErrDoctorBusy)
	assert.Empty(t, f.store.Appointments())
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.book(t, "10:00", "10:30")
	require.NoError(t, err)
	_, err = f.book(t, "11:00", "11:30")
	require.NoError(t, err)

	moved, err := f.svc.Reschedule(ctx, appointment.SystemActor, a.ID, appointment.RescheduleRequest{
		Date:  mustDate(t, "2026-01-01"),
		Start: mustClock(t, "10:15"),
		End:   mustClock(t, "10:45"),
	})
	require.NoError(t, err, "overlap with itself only")
	assert.Equal(t, appointment.StatusRescheduled, moved.Status)

	_, err = f.svc.Reschedule(ctx, appointment.SystemActor, a.ID, appointment.RescheduleRequest{
		Date:  mustDate(t, "2026-01-01"),
		Start: mustClock(t, "10:45"),
		End:   mustClock(t, "11:15"),
	})
	require.ErrorIs(t, err, appointment.ErrSlotConflict)

	jobs := f.store.Jobs(a.ID)
	require.Len(t, jobs, 2)
	assert.Equal(t, calsync.ActionUpdate, jobs[1].Action)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.book(t, "10:00", "10:30")
	require.NoError(t, err)
	cancelled, err := f.svc.Cancel(ctx, appointment.SystemActor, a.ID, "  patient unwell ")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "patient unwell", *cancelled.CancelReason)

	_, err = f.svc.Cancel(ctx, appointment.SystemActor, a.ID, "")
	assert.ErrorIs(t, err, appointment.ErrAlreadyCancelled, "second cancel")
	_, err = f.svc.Complete(ctx, appointment.SystemActor, a.ID)
	assert.ErrorIs(t, err, appointment.ErrAlreadyCancelled, "complete after cancel")
	_, err = f.svc.Reschedule(ctx, appointment.SystemActor, a.ID, appointment.RescheduleRequest{
		Date: mustDate(t, "2026-01-01"), Start: mustClock(t, "12:00"), End: mustClock(t, "12:30"),
	})
	assert.ErrorIs(t, err, appointment.ErrAlreadyCancelled, "reschedule after cancel")

	jobs := f.store.Jobs(a.ID)
	require.Len(t, jobs, 2)
	assert.Equal(t, calsync.ActionDelete, jobs[1].Action)

	b, err := f.book(t, "10:00", "10:30")
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, appointment.SystemActor, b.ID)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, appointment.SystemActor, b.ID)
	assert.ErrorIs(t, err, appointment.ErrAlreadyCompleted, "second complete")
	_, err = f.svc.Cancel(ctx, appointment.SystemActor, b.ID, "")
	assert.ErrorIs(t, err, appointment.ErrAlreadyCompleted, "cancel after complete")

	jobs = f.store.Jobs(b.ID)
	require.Len(t, jobs, 2)
	assert.Equal(t, calsync.ActionUpdate, jobs[1].Action)

	_, err = f.svc.Cancel(ctx, appointment.SystemActor, uuid.New(), "")
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestDoctorActorIsScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := uuid.New()
	f.store.AddDoctor(appointment.Doctor{ID: other, Name: "Dr. Who", Timezone: "UTC"})

	mine, err := f.book(t, "10:00", "10:30")
	require.NoError(t, err)
	req := f.request(t, "2026-01-01", "10:00", "10:30")
	req.DoctorID = other
	theirs, err := f.svc.Book(ctx, appointment.SystemActor, req)
	require.NoError(t, err)

	actor := appointment.Actor{Role: appointment.RoleDoctor, DoctorID: &f.doctor}
	_, err = f.svc.Get(ctx, actor, theirs.ID)
	assert.ErrorIs(t, err, appointment.ErrForbidden, "read another doctor's appointment")
	_, err = f.svc.Cancel(ctx, actor, theirs.ID, "")
	assert.ErrorIs(t, err, appointment.ErrForbidden, "cancel another doctor's appointment")
	_, err = f.svc.Book(ctx, actor, req)
	assert.ErrorIs(t, err, appointment.ErrForbidden, "book for another doctor")

	list, err := f.svc.List(ctx, actor, appointment.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, err = f.svc.List(ctx, actor, appointment.ListFilter{DoctorID: &other})
	assert.ErrorIs(t, err, appointment.ErrForbidden)
}

func TestAvailability(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, "10:00", "10:30")
	require.NoError(t, err)
	f.store.AddBlackout(appointment.Blackout{
		DoctorID: f.doctor,
		StartsAt: time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC),
	})

	av, err := f.svc.Availability(context.Background(), f.doctor, mustDate(t, "2026-01-01"))
	require.NoError(t, err)
	// 16 half hour slots from 09:00 to 17:00, one booked, two blacked out
	require.Len(t, av.Slots, 13)
	for _, s := range av.Slots {
		assert.NotContains(t, []string{"10:00", "13:00", "13:30"}, s.Start.String())
	}
	assert.Equal(t, "09:00", av.Slots[0].Start.String())
	assert.Equal(t, "17:00", av.Slots[len(av.Slots)-1].End.String())

	_, err = f.svc.Availability(context.Background(), uuid.New(), mustDate(t, "2026-01-01"))
	assert.ErrorIs(t, err, appointment.ErrDoctorNotFound)
}
