package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/localtime"
)

type CancelRequest struct {
	Reason string `json:"reason"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID       `json:"id"`
	DoctorID           uuid.UUID       `json:"doctor_id"`
	PatientID          uuid.UUID       `json:"patient_id"`
	Date               localtime.Date  `json:"date"`
	StartTime          localtime.Clock `json:"start_time"`
	EndTime            localtime.Clock `json:"end_time"`
	Timezone           string          `json:"timezone"`
	StartAtUTC         time.Time       `json:"start_at_utc"`
	EndAtUTC           time.Time       `json:"end_at_utc"`
	Status             string          `json:"status"`
	CalendarEventID    *string         `json:"calendar_event_id,omitempty"`
	CalendarSyncStatus string          `json:"calendar_sync_status"`
	CancelReason       *string         `json:"cancel_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type AppointmentListResponse struct {
	Items  []AppointmentResponse `json:"items"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		DoctorID:           a.DoctorID,
		PatientID:          a.PatientID,
		Date:               a.LocalDate,
		StartTime:          a.LocalStart,
		EndTime:            a.LocalEnd,
		Timezone:           a.Timezone,
		StartAtUTC:         a.StartAtUTC.UTC(),
		EndAtUTC:           a.EndAtUTC.UTC(),
		Status:             string(a.Status),
		CalendarEventID:    a.CalendarEventID,
		CalendarSyncStatus: string(a.CalendarSyncStatus),
		CancelReason:       a.CancelReason,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
