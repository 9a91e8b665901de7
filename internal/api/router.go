package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/auth"
	"github.com/hackgods/doctor-booking/internal/idempotency"
	"github.com/hackgods/doctor-booking/internal/metrics"
	"github.com/hackgods/doctor-booking/internal/ratelimit"
)

type RouterConfig struct {
	Bookings    *appointment.Service
	Idempotency *idempotency.Service
	Limiter     ratelimit.Limiter
	Verifier    *auth.Verifier
	Health      *HealthHandler
	Logger      zerolog.Logger

	RateLimitPerMinute int
	RateLimitBurst     int
}

// NewRouter wires the request pipeline: rate limit, then auth, then
// idempotency, then the booking handlers. Probes and metrics skip auth.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimitPerMinute, cfg.RateLimitBurst))

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Verifier))
		r.Use(IdempotencyMiddleware(cfg.Idempotency))

		// Appointment endpoints
		r.Post("/appointments", createAppointmentHandler(cfg.Bookings))
		r.Get("/appointments", listAppointmentsHandler(cfg.Bookings))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Bookings))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Bookings))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Bookings))
		r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Bookings))

		r.Get("/doctors/{id}/availability", availabilityHandler(cfg.Bookings))
	})

	return r
}
