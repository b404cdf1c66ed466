package obs

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// RunIDHeader carries the harness run id on outgoing requests so proxy and
// fake-service logs line up with the run that caused them.
const RunIDHeader = "X-E2E-Run-Id"

// Propagate copies the run id from ctx onto an outgoing request.
func Propagate(ctx context.Context, req *http.Request) {
	if runID := CorrelationFromContext(ctx).RunID; runID != "" {
		req.Header.Set(RunIDHeader, runID)
	}
}

// statusRecorder tracks response status and bytes written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush keeps streamed upstream bodies flowing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestContextMiddleware injects request correlation fields into context
// and echoes X-Request-Id so browser traces can be matched to proxy logs.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := extractTraceID(r.Header.Get("traceparent"))

		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = traceID
		}
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)

		ctx := WithCorrelation(r.Context(), Correlation{
			RunID:     strings.TrimSpace(r.Header.Get(RunIDHeader)),
			RequestID: requestID,
			TraceID:   traceID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLogMiddleware emits one structured access event per request.
// Server errors log at warn so a broken upstream shows up at the default level.
func AccessLogMiddleware(pkg string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := From(r.Context()).With("pkg", pkg)
		logFn := log.Debug
		if rec.status >= http.StatusInternalServerError {
			logFn = log.Warn
		}
		logFn("http_access",
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"status", rec.status,
			"dur_ms", float64(time.Since(start).Microseconds())/1000.0,
			"resp_bytes", rec.bytes,
		)
	})
}

// extractTraceID returns the trace id of a W3C traceparent, or "" when malformed.
func extractTraceID(traceparent string) string {
	parts := strings.Split(strings.TrimSpace(traceparent), "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || strings.Trim(traceID, "0") == "" {
		return ""
	}
	if strings.Trim(traceID, "0123456789abcdef") != "" {
		return ""
	}
	return traceID
}
