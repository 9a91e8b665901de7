package calsync

import (
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// maxErrorLen matches the last_error column width.
const maxErrorLen = 500

// Job is one queued propagation of an appointment mutation to the calendar.
type Job struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Action        Action
	Status        JobStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewJob builds a PENDING job eligible immediately.
func NewJob(appointmentID uuid.UUID, action Action, now time.Time) Job {
	return Job{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		Action:        action,
		Status:        JobPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AppointmentSnapshot is what the worker needs to build a calendar event.
type AppointmentSnapshot struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	DoctorName      string
	PatientName     string
	Status          string
	Timezone        string
	StartAtUTC      time.Time
	EndAtUTC        time.Time
	CalendarEventID *string
	// OpenCreate is true when another CREATE job for the appointment has not
	// reached a terminal state.
	OpenCreate bool
}

// Active mirrors the booking statuses that still occupy the doctor's time.
func (a *AppointmentSnapshot) Active() bool {
	return a.Status == "BOOKED" || a.Status == "RESCHEDULED"
}

// TruncateError bounds a message to the last_error column width.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxErrorLen {
		return msg
	}
	return string(r[:maxErrorLen])
}
