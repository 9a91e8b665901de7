package api

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/idempotency"
	"github.com/hackgods/doctor-booking/internal/metrics"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKeyLen = 255
)

// captureWriter tees the response so it can be frozen after the handler runs.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// freezable reports whether a response is a final answer for its key. Server
// errors and answers that ask the client to retry release the key instead.
func freezable(cw *captureWriter) bool {
	if cw.status == 0 || cw.status >= http.StatusInternalServerError {
		return false
	}
	return cw.Header().Get("Retry-After") == ""
}

// IdempotencyMiddleware deduplicates mutating requests that carry an
// Idempotency-Key header. The endpoint is METHOD:path, so the same key may be
// reused across different appointments. Requests without the header pass
// straight through.
func IdempotencyMiddleware(svc *idempotency.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyKeyHeader)
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeError(w, http.StatusBadRequest, "validation_error", "Idempotency-Key must be at most 255 characters")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			logger := zerolog.Ctx(r.Context())
			endpoint := r.Method + ":" + r.URL.Path

			rec, existing, err := svc.Begin(r.Context(), key, endpoint, body)
			if err != nil {
				logger.Error().Err(err).Str("endpoint", endpoint).Msg("idempotency begin failed")
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}

			if existing != nil {
				out, err := svc.ValidateExisting(existing, body)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
					return
				}
				outcome := string(out.Kind)
				if out.Kind == idempotency.OutcomeCompleted {
					outcome = "replayed"
				}
				metrics.IdempotencyOutcomes.WithLabelValues(outcome).Inc()

				switch out.Kind {
				case idempotency.OutcomeConflict:
					writeError(w, http.StatusConflict, "idempotency_key_conflict", idempotency.ErrKeyConflict.Error())
				case idempotency.OutcomeInProgress:
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusConflict, "request_in_progress", idempotency.ErrInProgress.Error())
				case idempotency.OutcomeCompleted:
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(out.ResponseStatus)
					_, _ = w.Write(out.ResponseBody)
				}
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			// the outcome is recorded even if the client has gone away
			finishCtx := context.WithoutCancel(r.Context())
			settled := false
			defer func() {
				if !settled {
					if err := svc.Abandon(finishCtx, rec); err != nil {
						logger.Error().Err(err).Str("idempotency_key", key).Msg("abandon idempotency record")
					}
				}
			}()

			next.ServeHTTP(cw, r)

			if !freezable(cw) {
				return
			}
			// past this point the side effects are committed; a record that
			// cannot be frozen stays IN_PROGRESS until it expires
			settled = true
			if err := svc.Complete(finishCtx, rec, cw.body.Bytes(), cw.status); err != nil {
				logger.Error().Err(err).Str("idempotency_key", key).Msg("freeze idempotent response")
				return
			}
			metrics.IdempotencyOutcomes.WithLabelValues("executed").Inc()
		})
	}
}
