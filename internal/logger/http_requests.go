package logger

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	apphttp "github.com/wolfeidau/nebula-enroll/internal/http"
)

// HTTPRequests attaches a request-scoped logger to the context and logs the
// status and duration of every request. Wrap it inside ClientIPMiddleware so
// the client address is available.
func HTTPRequests(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			ctx := logger.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client_ip", apphttp.ClientIPFromContext(r.Context())).
				Logger().WithContext(r.Context())

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			event := zerolog.Ctx(ctx).Info()
			if rw.status >= http.StatusInternalServerError {
				event = zerolog.Ctx(ctx).Error()
			}

			event.
				Int("status", rw.status).
				Dur("duration", time.Since(started)).
				Msg("http request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
