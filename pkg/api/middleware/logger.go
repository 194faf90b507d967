package middleware

import (
	"net/http"
	"time"

	"github.com/goclaw/tiermem/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests. Probe paths are
// logged at debug so that kubelet traffic does not drown the log.
func Logger(log logger.Logger, quiet ...string) func(http.Handler) http.Handler {
	quietPaths := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newStatusRecorder(w)

			next.ServeHTTP(wrapped, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", wrapped.size,
				"remote_addr", r.RemoteAddr,
			}
			if id := GetRequestID(r.Context()); id != "" {
				args = append(args, "request_id", id)
			}

			if _, ok := quietPaths[r.URL.Path]; ok && wrapped.statusCode < http.StatusBadRequest {
				log.DebugContext(r.Context(), "HTTP request", args...)
				return
			}
			log.InfoContext(r.Context(), "HTTP request", args...)
		})
	}
}
