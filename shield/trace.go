package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/attachd/idgen"
)

// NewRequestID generates request ids. Replaceable in tests.
var NewRequestID = idgen.Prefixed("req_", idgen.Default)

// RequestID keeps an inbound X-Request-ID or generates one, echoes it on
// the response and stores it with a per-request logger in the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		logger.Debug("request", "remote_addr", r.RemoteAddr)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, loggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
