package http

import (
	"net/http"
	"strings"
	"time"
)

// MetricsMiddleware counts gated traffic: every request that reaches the
// admission chain or the upstream, labelled by method and outcome. The
// gate's own endpoints under /health, /metrics and /admin/api/ are not
// counted.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gateSurface(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, statusToLabel(rec.Status())).Inc()
		})
	}
}

// gateSurface reports whether path is served by the gate itself rather
// than admitted through to the upstream.
func gateSurface(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/admin/api/")
}

// statusRecorder captures the first status code written.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Status returns the recorded status, 200 when the handler wrote nothing.
func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Flush keeps streamed upstream responses unbuffered.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// statusToLabel maps a response status onto the gate's outcome labels.
// 429 is a rejection by a rule and 503 means a rule ran out of limiter
// keys; anything else below 400 was admitted.
func statusToLabel(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code == http.StatusServiceUnavailable:
		return "unavailable"
	case code >= 200 && code < 400:
		return "ok"
	default:
		return "error"
	}
}
