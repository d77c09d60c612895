package middleware

import (
	"context"
	"log/slog"
	"net/http"
)

// AuditLogger persists request audit rows. Failures must not fail the
// request.
type AuditLogger interface {
	AuditRequest(ctx context.Context, subject, method, path string, status int, detail string) error
}

// WithAudit records every mutating request and its final status. Mounted
// outside WithIdempotency so replays and rejected requests are audited too.
func WithAudit(sink AuditLogger, subject func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			recorder := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			caller := ""
			if subject != nil {
				caller = subject(r)
			}
			// A client disconnect must not lose the audit row.
			ctx := context.WithoutCancel(r.Context())
			if err := sink.AuditRequest(ctx, caller, r.Method, r.URL.Path, status, r.Header.Get("Idempotency-Key")); err != nil {
				logger.Error("request audit failed", "path", r.URL.Path, "error", err)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}
