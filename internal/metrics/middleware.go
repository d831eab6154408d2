package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := NormalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// NormalizePath collapses ID path segments to avoid high-cardinality
// labels: "/agents/a1b2/execute" becomes "/agents/{id}/execute".
// API and WS paths without embedded IDs are kept as-is.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "/api/") || path == "/metrics" || path == "/healthz" || path == "/replies" {
		return path
	}
	segs := strings.Split(path, "/")
	// Entity routes carry the ID as the second segment:
	// /agents/{id}[/...], /tickets/{id}/..., /conversations/{id},
	// /ws/terminal/{id}.
	switch {
	case len(segs) >= 3 && (segs[1] == "agents" || segs[1] == "tickets" || segs[1] == "conversations"):
		if segs[2] != "register" {
			segs[2] = "{id}"
		}
	case len(segs) >= 4 && segs[1] == "ws" && segs[2] == "terminal":
		segs[3] = "{id}"
	}
	return strings.Join(segs, "/")
}
