package observability

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

const requestIDHeader = "X-Request-ID"

type requestFieldsKey struct{}

// requestFields collects values that handlers attach to the access log line.
type requestFields struct {
	mu     sync.Mutex
	values map[string]any
}

// AnnotateRequest attaches a field to the access log line of the request
// carried by ctx. Outside RequestLoggingMiddleware it does nothing.
func AnnotateRequest(ctx context.Context, key string, value any) {
	fields, ok := ctx.Value(requestFieldsKey{}).(*requestFields)
	if !ok {
		return
	}
	fields.mu.Lock()
	fields.values[key] = value
	fields.mu.Unlock()
}

// RequestID returns the id RequestLoggingMiddleware assigned to the request.
func RequestID(ctx context.Context) string {
	fields, ok := ctx.Value(requestFieldsKey{}).(*requestFields)
	if !ok {
		return ""
	}
	fields.mu.Lock()
	defer fields.mu.Unlock()
	id, _ := fields.values["request_id"].(string)
	return id
}

// RequestLoggingMiddleware writes one http_request line per request. The
// caller's X-Request-ID is reused when present and echoed on the response.
func RequestLoggingMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()

		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		fields := &requestFields{values: map[string]any{"request_id": requestID}}
		ctx := context.WithValue(r.Context(), requestFieldsKey{}, fields)

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		fields.mu.Lock()
		entry := make(map[string]any, len(fields.values)+6)
		for k, v := range fields.values {
			entry[k] = v
		}
		fields.mu.Unlock()

		entry["method"] = r.Method
		entry["path"] = r.URL.Path
		entry["status"] = recorder.statusCode
		entry["duration_ms"] = time.Since(start).Milliseconds()
		entry["ip"] = ClientIP(r)
		entry["user_agent"] = r.UserAgent()

		switch {
		case recorder.statusCode >= http.StatusInternalServerError:
			logger.Error("http_request", entry)
		case recorder.statusCode >= http.StatusBadRequest:
			logger.Warn("http_request", entry)
		default:
			logger.Info("http_request", entry)
		}
	})
}

func RecoverMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetTag("request_id", RequestID(r.Context()))
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", string(debug.Stack()))
					sentry.CaptureMessage("panic in request")
				})

				logger.Error("panic_recovered", map[string]any{
					"path":       r.URL.Path,
					"method":     r.Method,
					"panic":      rec,
					"request_id": RequestID(r.Context()),
				})

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// ClientIP prefers the first X-Forwarded-For hop and falls back to the
// connection address without its port.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}
