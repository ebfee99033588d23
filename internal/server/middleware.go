package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/i-harbor/iharbor-s3/internal/errors"
	"github.com/i-harbor/iharbor-s3/internal/metrics"
	"github.com/i-harbor/iharbor-s3/internal/uid"
	"github.com/i-harbor/iharbor-s3/internal/xmlutil"
)

// generateRequestID returns a 16-character uppercase hexadecimal request ID.
func generateRequestID() string {
	return strings.ToUpper(uid.New()[:16])
}

// commonHeaders is HTTP middleware that injects common S3 response headers
// on every response: x-amz-request-id, x-amz-id-2, Date, and Server.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := generateRequestID()
		w.Header().Set("x-amz-request-id", requestID)
		w.Header().Set("x-amz-id-2", requestID)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "iHarborS3")
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// metricsMiddleware records Prometheus metrics for each request:
// request count, duration, and response size.
// The /metrics endpoint is excluded from self-instrumentation to avoid recursion.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		normalizedPath := metrics.NormalizePath(r.URL.Path)
		status := strconv.Itoa(rec.statusCode)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, normalizedPath).Observe(float64(rec.bytesWritten))
		}
	})
}

// requestLogger logs every request at debug level once it has been served.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !slog.Default().Enabled(r.Context(), slog.LevelDebug) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", rec.statusCode,
			"bytes", rec.bytesWritten,
			"duration", time.Since(start),
			"request_id", w.Header().Get("x-amz-request-id"),
		)
	})
}

// transferEncodingCheck rejects requests with non-chunked Transfer-Encoding
// (e.g., "identity") which S3 does not support.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if te := r.Header.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			xmlutil.WriteErrorResponse(w, r, errUnsupportedEncoding)
			return
		}
		// Go's net/http strips the header but keeps non-chunked values
		// like "identity" in r.TransferEncoding.
		for _, enc := range r.TransferEncoding {
			if !strings.EqualFold(enc, "chunked") {
				xmlutil.WriteErrorResponse(w, r, errUnsupportedEncoding)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

var errUnsupportedEncoding = s3err.ErrInvalidArgument.WithMessage("Only chunked Transfer-Encoding is supported.")
