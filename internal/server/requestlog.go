package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/observability"
)

type requestIDKey struct{}
type requestDetailKey struct{}

// requestDetail is a mutable holder a handler can fill in (vmid,
// action) before returning, so requestLogMiddleware's single deferred
// log line carries coordinator-specific context without every handler
// needing to build its own RequestLog.
type requestDetail struct {
	VMID   int
	Action string
}

// requestIDFrom returns the request id stashed in ctx by
// requestLogMiddleware, or "" if the request was not routed through it
// (e.g. a direct call in a test).
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// detailFrom returns the requestDetail holder stashed in ctx, or nil if
// the request was not routed through requestLogMiddleware.
func detailFrom(ctx context.Context) *requestDetail {
	d, _ := ctx.Value(requestDetailKey{}).(*requestDetail)
	return d
}

// requestLogMiddleware assigns a request id (reusing an inbound
// X-Request-Id if the client already supplied one) and emits one
// logging.RequestLog entry per HTTP call it wraps (Router wraps every
// route, static assets and health probes included), capturing status,
// duration and the active trace/span id.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", reqID)

		detail := &requestDetail{}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		ctx = context.WithValue(ctx, requestDetailKey{}, detail)
		rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))
		duration := time.Since(start)

		entry := &logging.RequestLog{
			RequestID:  reqID,
			TraceID:    observability.GetTraceID(ctx),
			SpanID:     observability.GetSpanID(ctx),
			Endpoint:   r.Method + " " + r.URL.Path,
			VMID:       detail.VMID,
			Action:     detail.Action,
			DurationMs: duration.Milliseconds(),
			Success:    rw.statusCode < 400,
		}
		if rw.statusCode >= 400 {
			entry.Error = http.StatusText(rw.statusCode)
		}
		logging.Default().Log(entry)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
