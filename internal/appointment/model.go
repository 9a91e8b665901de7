package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-booking/internal/localtime"
)

type Status string

const (
	StatusBooked      Status = "BOOKED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusCancelled   Status = "CANCELLED"
	StatusCompleted   Status = "COMPLETED"
)

// Active reports whether the status takes part in overlap checks.
func (s Status) Active() bool {
	return s == StatusBooked || s == StatusRescheduled
}

var activeStatuses = []Status{StatusBooked, StatusRescheduled}

type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncFailed  SyncStatus = "FAILED"
)

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID

	LocalDate  localtime.Date
	LocalStart localtime.Clock
	LocalEnd   localtime.Clock
	Timezone   string

	StartAtUTC time.Time
	EndAtUTC   time.Time

	Status             Status
	CalendarEventID    *string
	CalendarSyncStatus SyncStatus
	CancelReason       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Overlaps reports whether [a0,a1) and [b0,b1) intersect. Back-to-back
// intervals do not.
func Overlaps(a0, a1, b0, b1 time.Time) bool {
	return a0.Before(b1) && b0.Before(a1)
}

// Blackout is a window in which a doctor takes no bookings.
type Blackout struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
	StartsAt time.Time
	EndsAt   time.Time
	Reason   *string
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type Slot struct {
	Start    localtime.Clock `json:"start"`
	End      localtime.Clock `json:"end"`
	StartUTC time.Time       `json:"start_at_utc"`
	EndUTC   time.Time       `json:"end_at_utc"`
}

type Availability struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     localtime.Date `json:"date"`
	Timezone string         `json:"timezone"`
	Slots    []Slot         `json:"slots"`
}

type ListFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	From      *time.Time // start_at_utc >= From
	To        *time.Time // start_at_utc < To
	Limit     int
	Offset    int
}

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RoleService Role = "service"
)

// Actor is the authenticated caller on whose behalf a service method runs.
type Actor struct {
	Role     Role
	DoctorID *uuid.UUID
}

// SystemActor is used by internal callers such as the seeder and simulator.
var SystemActor = Actor{Role: RoleService}

func (a Actor) canAccess(doctorID uuid.UUID) bool {
	switch a.Role {
	case RoleAdmin, RoleService:
		return true
	case RoleDoctor:
		return a.DoctorID != nil && *a.DoctorID == doctorID
	}
	return false
}
