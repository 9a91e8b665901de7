package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/doctor-booking/internal/metrics"
)

var errClaimExpired = errors.New("claim expired before the job finished")

type WorkerConfig struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int
	CallTimeout time.Duration
	StaleAfter  time.Duration
	Backoff     BackoffSchedule
}

// Stats summarises one RunOnce pass.
type Stats struct {
	Reclaimed int
	Claimed   int
	Skipped   int
	Completed int
	Retried   int
	Failed    int
}

type Worker struct {
	repo     Repository
	provider Provider
	cfg      WorkerConfig
	logger   zerolog.Logger

	Now func() time.Time
}

func NewWorker(repo Repository, provider Provider, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Worker{
		repo:     repo,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "calendar_sync").Logger(),
		Now:      time.Now,
	}
}

// Run polls until ctx is cancelled. A failing pass is logged and the loop
// carries on with the next tick. afterPass, when set, runs after every
// successful pass.
func (w *Worker) Run(ctx context.Context, interval time.Duration, afterPass func(ctx context.Context, s Stats)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := w.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Error().Err(err).Msg("sync pass failed")
		case err == nil && afterPass != nil:
			afterPass(ctx, stats)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce reclaims stale claims, then claims and processes due jobs with
// bounded concurrency. Individual job failures never fail the pass.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	var mu sync.Mutex
	record := func(f func(*Stats)) {
		mu.Lock()
		f(&stats)
		mu.Unlock()
	}

	if w.cfg.StaleAfter > 0 {
		stale, err := w.repo.ListStale(ctx, w.Now().Add(-w.cfg.StaleAfter), w.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("list stale jobs: %w", err)
		}
		for _, job := range stale {
			if w.fail(ctx, job, errClaimExpired) {
				stats.Reclaimed++
			}
		}
	}

	due, err := w.repo.ListDue(ctx, w.Now(), w.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list due jobs: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	for _, job := range due {
		job := job
		g.Go(func() error {
			claimed, err := w.repo.Claim(ctx, job.ID, w.Now())
			if err != nil {
				w.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("claim failed")
				record(func(s *Stats) { s.Skipped++ })
				return nil
			}
			if !claimed {
				record(func(s *Stats) { s.Skipped++ })
				return nil
			}
			record(func(s *Stats) { s.Claimed++ })

			job.Status = JobInProgress
			switch w.process(ctx, job) {
			case JobCompleted:
				record(func(s *Stats) { s.Completed++ })
			case JobPending:
				record(func(s *Stats) { s.Retried++ })
			case JobFailed:
				record(func(s *Stats) { s.Failed++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	return stats, nil
}

// process runs one claimed job and applies the resulting transition. It
// returns the job's new status, or IN_PROGRESS when the transition was lost.
func (w *Worker) process(ctx context.Context, job Job) JobStatus {
	log := w.jobLogger(job)
	start := time.Now()

	completion, err := w.executeBounded(ctx, job)
	metrics.CalendarSyncDuration.WithLabelValues(string(job.Action)).Observe(time.Since(start).Seconds())

	if err != nil {
		if w.fail(ctx, job, err) {
			if IsPermanent(err) || job.Attempts+1 >= w.cfg.MaxAttempts {
				return JobFailed
			}
			return JobPending
		}
		return JobInProgress
	}

	if err := w.repo.MarkCompleted(ctx, job, completion, w.Now()); err != nil {
		log.Error().Err(err).Msg("mark job completed")
		return JobInProgress
	}
	metrics.CalendarSyncJobs.WithLabelValues(string(job.Action), "completed").Inc()
	log.Debug().Msg("calendar sync completed")
	return JobCompleted
}

// executeBounded gives the provider call its own deadline and stops waiting
// for it once the deadline passes, even if the provider ignores ctx.
func (w *Worker) executeBounded(ctx context.Context, job Job) (Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	type result struct {
		c   Completion
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := w.execute(callCtx, job)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsPermanent(r.err) {
			return Completion{}, &TransientError{Err: fmt.Errorf("provider call timed out after %s: %w", w.cfg.CallTimeout, r.err)}
		}
		return r.c, r.err
	case <-callCtx.Done():
		return Completion{}, &TransientError{Err: fmt.Errorf("provider call timed out after %s", w.cfg.CallTimeout)}
	}
}

func (w *Worker) execute(ctx context.Context, job Job) (Completion, error) {
	appt, err := w.repo.LoadAppointment(ctx, job.AppointmentID, job.ID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return Completion{}, &PermanentError{Err: err}
		}
		return Completion{}, &TransientError{Err: fmt.Errorf("load appointment: %w", err)}
	}

	ev := buildEvent(appt)

	switch job.Action {
	case ActionCreate:
		if !appt.Active() {
			// cancelled or completed before we got to it
			return Completion{}, nil
		}
		if appt.CalendarEventID != nil {
			// a previous execution created the event but lost its transition
			return Completion{}, w.provider.UpdateEvent(ctx, *appt.CalendarEventID, ev)
		}
		id, err := w.provider.CreateEvent(ctx, ev)
		if err != nil {
			return Completion{}, err
		}
		return Completion{EventID: &id}, nil

	case ActionUpdate:
		if appt.CalendarEventID == nil {
			if appt.OpenCreate {
				return Completion{}, Transient("calendar event for appointment %s not created yet", appt.ID)
			}
			return Completion{}, Permanent("appointment %s has no calendar event to update", appt.ID)
		}
		return Completion{}, w.provider.UpdateEvent(ctx, *appt.CalendarEventID, ev)

	case ActionDelete:
		if appt.CalendarEventID == nil {
			if appt.OpenCreate {
				return Completion{}, Transient("calendar event for appointment %s not created yet", appt.ID)
			}
			return Completion{}, nil
		}
		if err := w.provider.DeleteEvent(ctx, *appt.CalendarEventID); err != nil {
			return Completion{}, err
		}
		return Completion{ClearEventID: true}, nil
	}

	return Completion{}, Permanent("unknown action %q", job.Action)
}

// fail applies the failure transition and reports whether it stuck.
func (w *Worker) fail(ctx context.Context, job Job, cause error) bool {
	log := w.jobLogger(job)
	now := w.Now()
	attempts := job.Attempts + 1
	msg := cause.Error()

	var err error
	outcome := "retry"
	if IsPermanent(cause) || attempts >= w.cfg.MaxAttempts {
		outcome = "failed"
		err = w.repo.MarkFailed(ctx, job, msg, now)
	} else {
		next := now.Add(w.cfg.Backoff.Delay(attempts))
		err = w.repo.MarkRetry(ctx, job, next, msg, now)
		log = log.With().Time("next_attempt_at", next).Logger()
	}

	if err != nil {
		if errors.Is(err, ErrJobNotOwned) {
			log.Warn().Msg("job changed hands before its failure was recorded")
		} else {
			log.Error().Err(err).Msg("record job failure")
		}
		return false
	}

	metrics.CalendarSyncJobs.WithLabelValues(string(job.Action), outcome).Inc()
	if outcome == "failed" {
		log.Error().Err(cause).Bool("permanent", IsPermanent(cause)).Msg("calendar sync failed permanently")
	} else {
		log.Warn().Err(cause).Msg("calendar sync failed, will retry")
	}
	return true
}

func (w *Worker) jobLogger(job Job) zerolog.Logger {
	return w.logger.With().
		Str("job_id", job.ID.String()).
		Str("appointment_id", job.AppointmentID.String()).
		Str("action", string(job.Action)).
		Int("attempt", job.Attempts+1).
		Logger()
}

func buildEvent(a *AppointmentSnapshot) Event {
	title := "Appointment"
	if a.PatientName != "" {
		title = "Appointment: " + a.PatientName
	}
	desc := ""
	if a.DoctorName != "" {
		desc = "Doctor: " + a.DoctorName
	}
	return Event{
		AppointmentID: a.ID,
		Title:         title,
		Description:   desc,
		Start:         a.StartAtUTC,
		End:           a.EndAtUTC,
		Timezone:      a.Timezone,
		Cancelled:     a.Status == "CANCELLED",
	}
}
