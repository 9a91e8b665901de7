package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/doctor-booking/internal/calsync"
	"github.com/hackgods/doctor-booking/internal/localtime"
)

// exclusionViolation is raised by exclude_overlapping_appointments.
const exclusionViolation = "23P01"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `id, doctor_id, patient_id,
	to_char(local_date, 'YYYY-MM-DD'), local_start::text, local_end::text, timezone,
	start_at_utc, end_at_utc, status, calendar_event_id, calendar_sync_status, cancel_reason,
	created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&d.Timezone,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date, start, end string

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&date,
		&start,
		&end,
		&a.Timezone,
		&a.StartAtUTC,
		&a.EndAtUTC,
		&a.Status,
		&a.CalendarEventID,
		&a.CalendarSyncStatus,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.LocalDate, err = localtime.ParseDate(date); err != nil {
		return nil, fmt.Errorf("scan local_date: %w", err)
	}
	if a.LocalStart, err = localtime.ParseClock(start); err != nil {
		return nil, fmt.Errorf("scan local_start: %w", err)
	}
	if a.LocalEnd, err = localtime.ParseClock(end); err != nil {
		return nil, fmt.Errorf("scan local_end: %w", err)
	}
	a.StartAtUTC = a.StartAtUTC.UTC()
	a.EndAtUTC = a.EndAtUTC.UTC()

	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// lockDoctor serialises writers for one doctor until the transaction ends.
func lockDoctor(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, doctorID.String())
	if err != nil {
		return fmt.Errorf("lock doctor: %w", err)
	}
	return nil
}

func hasOverlap(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1
			  AND status = ANY($2)
			  AND start_at_utc < $4
			  AND $3 < end_at_utc
			  AND ($5::uuid IS NULL OR id <> $5)
		)
	`, doctorID, statusStrings(activeStatuses), start, end, exclude).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check overlap: %w", err)
	}
	return exists, nil
}

// mapWriteError turns the exclusion constraint into the domain conflict.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == exclusionViolation {
		return ErrSlotConflict
	}
	return err
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, timezone, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.From != nil {
		add("start_at_utc >= $%d", *f.From)
	}
	if f.To != nil {
		add("start_at_utc < $%d", *f.To)
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	sql += fmt.Sprintf(` ORDER BY start_at_utc, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListActiveForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status = ANY($2)
		  AND start_at_utc < $4
		  AND $3 < end_at_utc
		ORDER BY start_at_utc
	`, doctorID, statusStrings(activeStatuses), from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListBlackouts(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Blackout, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, starts_at, ends_at, reason
		FROM doctor_blackouts
		WHERE doctor_id = $1
		  AND starts_at < $3
		  AND $2 < ends_at
		ORDER BY starts_at
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Blackout
	for rows.Next() {
		var b Blackout
		if err := rows.Scan(&b.ID, &b.DoctorID, &b.StartsAt, &b.EndsAt, &b.Reason); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) CreateBooked(ctx context.Context, a *Appointment, job calsync.Job) (*Appointment, error) {
	var created *Appointment

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDoctor(ctx, tx, a.DoctorID); err != nil {
			return err
		}
		overlap, err := hasOverlap(ctx, tx, a.DoctorID, a.StartAtUTC, a.EndAtUTC, nil)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotConflict
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO appointments (
				id, doctor_id, patient_id, local_date, local_start, local_end, timezone,
				start_at_utc, end_at_utc, status, calendar_sync_status, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4::date, $5::time, $6::time, $7, $8, $9, $10, $11, $12, $12)
			RETURNING `+appointmentColumns,
			a.ID, a.DoctorID, a.PatientID, a.LocalDate.String(), a.LocalStart.String(), a.LocalEnd.String(),
			a.Timezone, a.StartAtUTC, a.EndAtUTC, a.Status, a.CalendarSyncStatus, a.CreatedAt)
		created, err = scanAppointment(row)
		if err != nil {
			return mapWriteError(err)
		}

		return calsync.Enqueue(ctx, tx, job)
	})
	if err != nil {
		return nil, mapWriteError(err)
	}

	return created, nil
}

func (r *PgRepository) Reschedule(ctx context.Context, a *Appointment, job calsync.Job) (*Appointment, error) {
	var updated *Appointment

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDoctor(ctx, tx, a.DoctorID); err != nil {
			return err
		}
		overlap, err := hasOverlap(ctx, tx, a.DoctorID, a.StartAtUTC, a.EndAtUTC, &a.ID)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotConflict
		}

		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET local_date = $2::date,
			    local_start = $3::time,
			    local_end = $4::time,
			    timezone = $5,
			    start_at_utc = $6,
			    end_at_utc = $7,
			    status = 'RESCHEDULED',
			    calendar_sync_status = 'PENDING',
			    updated_at = $8
			WHERE id = $1
			  AND status = ANY($9)
			RETURNING `+appointmentColumns,
			a.ID, a.LocalDate.String(), a.LocalStart.String(), a.LocalEnd.String(), a.Timezone,
			a.StartAtUTC, a.EndAtUTC, a.UpdatedAt, statusStrings(activeStatuses))
		updated, err = scanAppointment(row)
		if errors.Is(err, ErrAppointmentNotFound) {
			return r.transitionError(ctx, tx, a.ID)
		}
		if err != nil {
			return mapWriteError(err)
		}

		return calsync.Enqueue(ctx, tx, job)
	})
	if err != nil {
		return nil, mapWriteError(err)
	}

	return updated, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, cancelReason *string, job calsync.Job) (*Appointment, error) {
	var updated *Appointment

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    cancel_reason = COALESCE($3, cancel_reason),
			    calendar_sync_status = 'PENDING',
			    updated_at = $4
			WHERE id = $1
			  AND status = ANY($5)
			RETURNING `+appointmentColumns,
			id, to, cancelReason, job.CreatedAt, statusStrings(from))
		var err error
		updated, err = scanAppointment(row)
		if errors.Is(err, ErrAppointmentNotFound) {
			return r.transitionError(ctx, tx, id)
		}
		if err != nil {
			return err
		}

		return calsync.Enqueue(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// transitionError tells a missing appointment apart from one whose status
// did not allow the update.
func (r *PgRepository) transitionError(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAppointmentNotFound
	}
	return ErrInvalidStatusTransition
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
