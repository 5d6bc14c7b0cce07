package logging

import (
	"log/slog"
	"net/http"
	"time"
)

// HTTPMiddleware logs every relay HTTP request with method, path,
// status and duration. Websocket upgrades log when the session ends.
func HTTPMiddleware(next http.Handler) http.Handler {
	logger := slog.With("component", "relay-http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer; the
// websocket upgrade needs Hijack through both middleware layers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
