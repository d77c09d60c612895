// Package middleware carries the HTTP concerns the escrowd server mounts in
// front of its handlers: idempotency replay for mutating requests and the
// request audit trail.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"stakepact/escrow"
	"stakepact/metrics"
)

// StoredResponse is a cached reply replayed for a repeated idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// ErrKeyReuse is returned by ReplayStore implementations when an
// Idempotency-Key is presented again with a different request hash.
var ErrKeyReuse = errors.New("idempotency key reuse with different request body")

// ReplayStore is the durable cache behind WithIdempotency. Keys are scoped to
// the authenticated subject.
type ReplayStore interface {
	LookupIdempotency(ctx context.Context, subject, key, requestHash string) (*StoredResponse, error)
	SaveIdempotency(ctx context.Context, subject, key, requestHash string, status int, body []byte) error
}

type contextKeyIdempotency struct{}

// KeyFromContext returns the Idempotency-Key bound to the request, if any.
func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency{}).(string)
	return key
}

// WithIdempotency enforces Idempotency-Key semantics on mutating requests:
// the header is required, replays with the same body return the original
// response, and key reuse with a different body is rejected. Responses with
// 5xx status are not cached so clients may retry them.
func WithIdempotency(store ReplayStore, subject func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				writeError(w, http.StatusBadRequest, "Idempotency-Key header required")
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := ""
			if subject != nil {
				caller = subject(r)
			}
			requestHash := escrow.GuardFingerprint(r.Method, r.URL.Path, string(body))
			stored, err := store.LookupIdempotency(r.Context(), caller, key, requestHash)
			if err != nil {
				if errors.Is(err, ErrKeyReuse) {
					writeError(w, http.StatusConflict, err.Error())
					return
				}
				logger.Error("idempotency lookup failed", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
				return
			}
			if stored != nil {
				recordReplay(r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), contextKeyIdempotency{}, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			if err := store.SaveIdempotency(r.Context(), caller, key, requestHash, status, recorder.buf.Bytes()); err != nil {
				logger.Error("idempotency save failed", "path", r.URL.Path, "error", err)
			}
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func recordReplay(path string) {
	op := replayOperation(path)
	metrics.Escrow().RecordReplay(op)
	switch op {
	case escrow.OpRelease, escrow.OpForfeit, escrow.OpRefund, escrow.OpAdjudicate:
		metrics.Escrow().RecordDistribution(op, "replayed")
	}
}

// replayOperation folds a request path into a bounded operation label.
func replayOperation(path string) string {
	path = strings.TrimRight(path, "/")
	switch tail := path[strings.LastIndex(path, "/")+1:]; tail {
	case "accrue", "release", "forfeit", "refund", "reconcile", "adjudicate":
		return tail
	case "escrows":
		return escrow.OpHold
	case "disputes":
		return "dispute"
	default:
		return "other"
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
