package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue inserts a job. Producers call it with the transaction that writes
// the appointment so the two commit or roll back together.
func Enqueue(ctx context.Context, db Execer, job Job) error {
	_, err := db.Exec(ctx, `
		INSERT INTO calendar_sync_jobs (id, appointment_id, action, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.AppointmentID, job.Action, job.Status, job.Attempts, job.NextAttemptAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue calendar sync job: %w", err)
	}
	return nil
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const jobColumns = `id, appointment_id, action, status, attempts, next_attempt_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.AppointmentID,
		&j.Action,
		&j.Status,
		&j.Attempts,
		&j.NextAttemptAt,
		&j.LastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *PgRepository) listJobs(ctx context.Context, sql string, args ...any) ([]Job, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	return r.listJobs(ctx, `
		SELECT `+jobColumns+`
		FROM calendar_sync_jobs
		WHERE status = 'PENDING'
		  AND next_attempt_at <= $1
		ORDER BY next_attempt_at, created_at
		LIMIT $2
	`, now, limit)
}

func (r *PgRepository) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]Job, error) {
	return r.listJobs(ctx, `
		SELECT `+jobColumns+`
		FROM calendar_sync_jobs
		WHERE status = 'IN_PROGRESS'
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, claimedBefore, limit)
}

func (r *PgRepository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM calendar_sync_jobs
		WHERE id = $1
	`, id)
	return scanJob(row)
}

func (r *PgRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calendar_sync_jobs
		SET status = 'IN_PROGRESS',
		    updated_at = $2
		WHERE id = $1
		  AND status = 'PENDING'
		  AND next_attempt_at <= $2
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) LoadAppointment(ctx context.Context, appointmentID, currentJobID uuid.UUID) (*AppointmentSnapshot, error) {
	var a AppointmentSnapshot
	err := r.pool.QueryRow(ctx, `
		SELECT a.id, a.doctor_id, a.patient_id, d.name, p.name, a.status, a.timezone,
		       a.start_at_utc, a.end_at_utc, a.calendar_event_id,
		       EXISTS (
		           SELECT 1 FROM calendar_sync_jobs j
		           WHERE j.appointment_id = a.id
		             AND j.action = 'CREATE'
		             AND j.status IN ('PENDING', 'IN_PROGRESS')
		             AND j.id <> $2
		       )
		FROM appointments a
		JOIN doctors d ON d.id = a.doctor_id
		JOIN patients p ON p.id = a.patient_id
		WHERE a.id = $1
	`, appointmentID, currentJobID).Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.DoctorName,
		&a.PatientName,
		&a.Status,
		&a.Timezone,
		&a.StartAtUTC,
		&a.EndAtUTC,
		&a.CalendarEventID,
		&a.OpenCreate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

// finishJob moves an owned IN_PROGRESS job to a terminal status.
func finishJob(ctx context.Context, tx pgx.Tx, job Job, to JobStatus, lastErr *string, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE calendar_sync_jobs
		SET status = $3,
		    attempts = attempts + 1,
		    last_error = $4,
		    updated_at = $5
		WHERE id = $1
		  AND status = 'IN_PROGRESS'
		  AND attempts = $2
	`, job.ID, job.Attempts, to, lastErr, now)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotOwned
	}
	return nil
}

func (r *PgRepository) MarkCompleted(ctx context.Context, job Job, c Completion, now time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := finishJob(ctx, tx, job, JobCompleted, nil, now); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			UPDATE appointments
			SET calendar_event_id = CASE
			        WHEN $2::text IS NOT NULL THEN $2::text
			        WHEN $3::boolean THEN NULL
			        ELSE calendar_event_id
			    END,
			    calendar_sync_status = CASE
			        WHEN EXISTS (
			            SELECT 1 FROM calendar_sync_jobs j
			            WHERE j.appointment_id = $1
			              AND j.status IN ('PENDING', 'IN_PROGRESS')
			        ) THEN 'PENDING'
			        ELSE 'SYNCED'
			    END,
			    updated_at = $4
			WHERE id = $1
		`, job.AppointmentID, c.EventID, c.ClearEventID, now)
		if err != nil {
			return fmt.Errorf("update appointment sync state: %w", err)
		}
		return nil
	})
}

func (r *PgRepository) MarkRetry(ctx context.Context, job Job, nextAttemptAt time.Time, lastErr string, now time.Time) error {
	msg := TruncateError(lastErr)
	tag, err := r.pool.Exec(ctx, `
		UPDATE calendar_sync_jobs
		SET status = 'PENDING',
		    attempts = attempts + 1,
		    next_attempt_at = $3,
		    last_error = $4,
		    updated_at = $5
		WHERE id = $1
		  AND status = 'IN_PROGRESS'
		  AND attempts = $2
	`, job.ID, job.Attempts, nextAttemptAt, msg, now)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotOwned
	}
	return nil
}

func (r *PgRepository) MarkFailed(ctx context.Context, job Job, lastErr string, now time.Time) error {
	msg := TruncateError(lastErr)
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := finishJob(ctx, tx, job, JobFailed, &msg, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE appointments
			SET calendar_sync_status = 'FAILED',
			    updated_at = $2
			WHERE id = $1
		`, job.AppointmentID, now)
		if err != nil {
			return fmt.Errorf("update appointment sync state: %w", err)
		}
		return nil
	})
}
