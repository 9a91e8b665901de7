package api

import (
	"errors"
	"net/http"

	"github.com/hackgods/doctor-booking/internal/appointment"
	"github.com/hackgods/doctor-booking/internal/auth"
)

func AuthMiddleware(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Authenticate(r)
			if err != nil {
				details := "invalid or expired credentials"
				if errors.Is(err, auth.ErrMissingCredentials) {
					details = "provide X-API-Key or a bearer token"
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", details)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// actorFrom maps the authenticated principal to the booking service's actor.
// Routes behind AuthMiddleware always carry one.
func actorFrom(r *http.Request) appointment.Actor {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return appointment.Actor{}
	}
	return appointment.Actor{Role: appointment.Role(p.Role), DoctorID: p.DoctorID}
}
