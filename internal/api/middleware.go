package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// WithMiddleware wraps the handler with the outer request plumbing: CORS for
// the configured origins, a processing-time response header, and access
// logging.
func WithMiddleware(next http.Handler, allowOrigins []string, log *slog.Logger) http.Handler {
	return corsMiddleware(allowOrigins, timingMiddleware(logMiddleware(log, next)))
}

// corsMiddleware answers preflight requests and stamps CORS headers for
// allowed origins.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// timingMiddleware reports handler latency in an X-Process-Time-Ms header,
// stamped just before the first byte of the response.
func timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timedWriter{ResponseWriter: w, start: time.Now(), status: http.StatusOK}
		next.ServeHTTP(tw, r)
	})
}

// logMiddleware emits one access log line per request.
func logMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tw, ok := w.(*timedWriter)
		next.ServeHTTP(w, r)

		status := 0
		if ok {
			status = tw.status
		}
		log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", float64(time.Since(start).Microseconds())/1000)
	})
}

// timedWriter stamps the processing-time header on the first header write.
type timedWriter struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
}

func (w *timedWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		ms := float64(time.Since(w.start).Microseconds()) / 1000
		w.Header().Set("X-Process-Time-Ms", strconv.FormatFloat(ms, 'f', 2, 64))
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
