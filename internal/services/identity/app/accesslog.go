package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/louisbranch/gamekeep/internal/platform/id"
	"github.com/louisbranch/gamekeep/internal/platform/requestctx"
)

// RequestIDHeader echoes the id under which a request was logged.
const RequestIDHeader = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// accessLog logs one line per request with its caller address.
func accessLog(next http.Handler, sourceIP func(*http.Request) string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID, err := id.NewUUID()
		if err != nil {
			requestID = "unknown"
		}
		w.Header().Set(RequestIDHeader, requestID)
		source := sourceIP(r)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(requestctx.WithSourceIP(r.Context(), source)))
		logger.InfoContext(r.Context(), "http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"source_ip", source,
			"duration", time.Since(start),
		)
	})
}
