package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/text/unicode/norm"

	"stakepact/escrow"
	"stakepact/gateway/middleware"
	"stakepact/metrics"
	escrowdmw "stakepact/services/escrowd/middleware"
)

// maxRequestBody caps request payloads. Evidence lists and distribution plans
// are small; anything larger is a client bug.
const maxRequestBody = 1 << 20

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Engine     *escrow.Engine
	State      escrow.EngineState
	Journal    *Journal
	Sidecar    *Sidecar
	Pauses     *escrow.PauseSet
	Auth       middleware.AuthConfig
	RateLimits map[string]middleware.RateLimit
	CORS       middleware.CORSConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server exposes the escrow engine over HTTP.
type Server struct {
	engine  *escrow.Engine
	state   escrow.EngineState
	journal *Journal
	sidecar *Sidecar
	pauses  *escrow.PauseSet
	logger  *slog.Logger
	now     func() time.Time

	router http.Handler
}

// NewServer constructs the configured HTTP router with authentication, rate
// limiting, request audit and idempotent replay support.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:  cfg.Engine,
		state:   cfg.State,
		journal: cfg.Journal,
		sidecar: cfg.Sidecar,
		pauses:  cfg.Pauses,
		logger:  logger,
		now:     cfg.Now,
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	srv.router = srv.buildRouter(cfg)
	srv.refreshOpenDisputes()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// DefaultRateLimits returns the per-class limiter settings used when the
// deployment does not override them.
func DefaultRateLimits() map[string]middleware.RateLimit {
	return map[string]middleware.RateLimit{
		"read":       {RatePerSecond: 50, Burst: 100},
		"write":      {RatePerSecond: 10, Burst: 20},
		"adjudicate": {RatePerSecond: 5, Burst: 10},
		"ops":        {RatePerSecond: 5, Burst: 10},
	}
}

func (s *Server) buildRouter(cfg ServerConfig) http.Handler {
	authn := middleware.NewAuthenticator(cfg.Auth, s.logger)
	limits := cfg.RateLimits
	if limits == nil {
		limits = DefaultRateLimits()
	}
	limiter := middleware.NewRateLimiter(limits, s.logger)
	store := &sidecarHTTPStore{sidecar: s.sidecar}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(requestSizeLimit(maxRequestBody))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(authn.Require(middleware.ScopeRead))
			read.Use(limiter.Middleware("read"))
			read.Get("/escrows/{id}", s.handleGetEscrow)
			read.Get("/goals/{goalID}/escrow", s.handleGoalSummary)
			read.Get("/events", s.handleEvents)
			read.Get("/events/ws", s.handleEventsWS)
		})
		v1.Group(func(write chi.Router) {
			write.Use(authn.Require(middleware.ScopeWrite))
			write.Use(limiter.Middleware("write"))
			write.Use(escrowdmw.WithAudit(store, apiSubject, s.logger))
			write.Use(escrowdmw.WithIdempotency(store, apiSubject, s.logger))
			write.Post("/escrows", s.handleHold)
			write.Post("/escrows/{id}/accrue", s.handleAccrue)
			write.Post("/escrows/{id}/release", s.handleRelease)
			write.Post("/escrows/{id}/forfeit", s.handleForfeit)
			write.Post("/escrows/{id}/refund", s.handleRefund)
			write.Post("/disputes", s.handleFileDispute)
		})
		v1.Group(func(adj chi.Router) {
			adj.Use(authn.Require(middleware.ScopeAdjudicate))
			adj.Use(limiter.Middleware("adjudicate"))
			adj.Use(escrowdmw.WithAudit(store, apiSubject, s.logger))
			adj.Use(escrowdmw.WithIdempotency(store, apiSubject, s.logger))
			adj.Post("/disputes/{id}/adjudicate", s.handleAdjudicate)
		})
		v1.Group(func(ops chi.Router) {
			ops.Use(authn.Require(middleware.ScopeOps))
			ops.Use(limiter.Middleware("ops"))
			ops.Use(escrowdmw.WithAudit(store, apiSubject, s.logger))
			ops.Post("/escrows/{id}/reconcile", s.handleReconcile)
			ops.Post("/admin/pause", s.handlePause)
			ops.Post("/admin/resume", s.handleResume)
		})
	})

	return otelhttp.NewHandler(r, "escrowd")
}

// apiSubject resolves the caller identity used to scope idempotency records
// and audit rows. Falls back to the API key header when auth is disabled.
func apiSubject(r *http.Request) string {
	if subject := middleware.Subject(r.Context()); subject != "" {
		return subject
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return "anonymous"
}

func requestSizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sidecarHTTPStore adapts the sqlite sidecar to the middleware interfaces.
type sidecarHTTPStore struct {
	sidecar *Sidecar
}

func (a *sidecarHTTPStore) LookupIdempotency(ctx context.Context, subject, key, requestHash string) (*escrowdmw.StoredResponse, error) {
	stored, err := a.sidecar.LookupIdempotency(ctx, subject, key, requestHash)
	if err != nil {
		if errors.Is(err, ErrIdempotencyReuse) {
			return nil, escrowdmw.ErrKeyReuse
		}
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	return &escrowdmw.StoredResponse{Status: stored.Status, Body: stored.Body}, nil
}

func (a *sidecarHTTPStore) SaveIdempotency(ctx context.Context, subject, key, requestHash string, status int, body []byte) error {
	return a.sidecar.SaveIdempotency(ctx, subject, key, requestHash, status, body)
}

func (a *sidecarHTTPStore) AuditRequest(ctx context.Context, subject, method, path string, status int, detail string) error {
	return a.sidecar.InsertAudit(ctx, AuditEntry{
		Subject:   subject,
		Method:    method,
		Path:      path,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHold creates the escrow for a goal and places provider holds on every
// stakeholder's principal.
func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GoalID       string `json:"goalId"`
		Currency     string `json:"currency"`
		Stakeholders []struct {
			UserID    string `json:"userId"`
			StakeID   string `json:"stakeId"`
			Principal string `json:"principal"`
		} `json:"stakeholders"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	stakeholders := make([]escrow.Stakeholder, 0, len(req.Stakeholders))
	for _, sh := range req.Stakeholders {
		principal, ok := new(big.Int).SetString(strings.TrimSpace(sh.Principal), 10)
		if !ok {
			s.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("malformed principal %q", sh.Principal))
			return
		}
		stakeholders = append(stakeholders, escrow.Stakeholder{
			UserID:    sh.UserID,
			StakeID:   sh.StakeID,
			Principal: principal,
		})
	}

	esc, err := s.engine.Hold(r.Context(), req.GoalID, stakeholders, req.Currency, escrowdmw.KeyFromContext(r.Context()))
	if err != nil {
		s.handleEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, esc)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	esc, err := s.engine.Get(id)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}
	txs, err := s.engine.Transactions(id)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Escrow       *escrow.Escrow        `json:"escrow"`
		Transactions []*escrow.Transaction `json:"transactions"`
	}{esc, txs})
}

func (s *Server) handleGoalSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.GoalSummary(chi.URLParam(r, "goalID"))
	if err != nil {
		s.handleEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AsOf int64 `json:"asOf"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	asOf := req.AsOf
	if asOf == 0 {
		asOf = s.now().Unix()
	}
	esc, err := s.engine.Accrue(r.Context(), chi.URLParam(r, "id"), asOf)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.handleDistribution(w, r, escrow.OpRelease)
}

func (s *Server) handleForfeit(w http.ResponseWriter, r *http.Request) {
	s.handleDistribution(w, r, escrow.OpForfeit)
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request, op string) {
	var req struct {
		Plan escrow.DistributionPlan `json:"plan"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	key := escrowdmw.KeyFromContext(r.Context())

	var refs []escrow.TxRef
	var err error
	switch op {
	case escrow.OpRelease:
		refs, err = s.engine.Release(r.Context(), id, req.Plan, key)
	case escrow.OpForfeit:
		refs, err = s.engine.Forfeit(r.Context(), id, req.Plan, key)
	default:
		s.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown distribution %q", op))
		return
	}
	recordDistributionOutcome(op, err)
	if err != nil {
		s.handleDistributionError(w, err, refs)
		return
	}
	s.writeJSON(w, http.StatusOK, distributionResponse{TxRefs: refs})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	refs, err := s.engine.Refund(r.Context(), chi.URLParam(r, "id"), escrowdmw.KeyFromContext(r.Context()))
	recordDistributionOutcome(escrow.OpRefund, err)
	if err != nil {
		s.handleDistributionError(w, err, refs)
		return
	}
	s.writeJSON(w, http.StatusOK, distributionResponse{TxRefs: refs})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	clean, err := s.engine.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"clean": clean})
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GoalID   string   `json:"goalId"`
		FiledBy  string   `json:"filedBy"`
		Reason   string   `json:"reason"`
		Evidence []string `json:"evidence"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	filedBy := strings.TrimSpace(req.FiledBy)
	if filedBy == "" {
		filedBy = middleware.Subject(r.Context())
	}
	// Reasons arrive from arbitrary client keyboards; normalize so equality
	// checks and audit greps behave.
	reason := norm.NFC.String(req.Reason)

	dispute, err := s.engine.FileDispute(r.Context(), req.GoalID, filedBy, reason, req.Evidence)
	s.refreshOpenDisputes()
	if err != nil {
		s.handleEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dispute)
}

func (s *Server) handleAdjudicate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string                  `json:"decision"`
		Plan     escrow.DistributionPlan `json:"plan"`
		Actor    string                  `json:"actor"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	decision, err := escrow.ParseDecision(req.Decision)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = middleware.Subject(r.Context())
	}

	refs, err := s.engine.Adjudicate(r.Context(), chi.URLParam(r, "id"), decision, req.Plan, actor, escrowdmw.KeyFromContext(r.Context()))
	recordDistributionOutcome(escrow.OpAdjudicate, err)
	s.refreshOpenDisputes()
	if err != nil {
		s.handleDistributionError(w, err, refs)
		return
	}
	s.writeJSON(w, http.StatusOK, distributionResponse{TxRefs: refs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cursor %q", raw))
			return
		}
		after = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	events, err := s.sidecar.EventsAfter(r.Context(), after, limit)
	if err != nil {
		s.logger.Error("event journal query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "event journal unavailable")
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	s.writeJSON(w, http.StatusOK, struct {
		Events     []StoredEvent `json:"events"`
		NextCursor int64         `json:"nextCursor"`
	}{events, next})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	op, ok := s.decodePauseClass(w, r)
	if !ok {
		return
	}
	s.pauses.Pause(op)
	s.logger.Warn("operation class paused", "operation", op, "subject", apiSubject(r))
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": s.pauses.Snapshot()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	op, ok := s.decodePauseClass(w, r)
	if !ok {
		return
	}
	s.pauses.Resume(op)
	s.logger.Info("operation class resumed", "operation", op, "subject", apiSubject(r))
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": s.pauses.Snapshot()})
}

func (s *Server) decodePauseClass(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Operation string `json:"operation"`
	}
	if !s.decodeJSON(w, r, &req) {
		return "", false
	}
	op := strings.ToLower(strings.TrimSpace(req.Operation))
	switch op {
	case escrow.PauseDistribution, escrow.PauseAccrual, escrow.PauseWebhooks:
		return op, true
	default:
		s.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown operation class %q", req.Operation))
		return "", false
	}
}

type distributionResponse struct {
	TxRefs []escrow.TxRef `json:"txRefs"`
}

func recordDistributionOutcome(op string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrPartialDistribution):
		outcome = "partial"
	case errors.Is(err, escrow.ErrDistributionPaused), errors.Is(err, escrow.ErrOperationPaused):
		outcome = "paused"
	case errors.Is(err, escrow.ErrEscrowNotFound), errors.Is(err, escrow.ErrDisputeNotFound),
		errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrIdempotencyMismatch),
		errors.Is(err, escrow.ErrInsufficientFunds):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	metrics.Escrow().RecordDistribution(op, outcome)
}

// refreshOpenDisputes recomputes the open-dispute gauge from state. Dispute
// mutations call it after the engine returns so the gauge survives partial
// adjudications and restarts.
func (s *Server) refreshOpenDisputes() {
	if s.state == nil {
		return
	}
	n, err := CountOpenDisputes(s.state)
	if err != nil {
		s.logger.Warn("open dispute count failed", "error", err)
		return
	}
	metrics.Escrow().SetOpenDisputes(n)
}

// CountOpenDisputes scans distribution-frozen escrows for open disputes.
// Every open dispute flips its escrow to pendingDistribution, so the scan is
// bounded by the frozen set, not the full escrow population.
func CountOpenDisputes(state escrow.EngineState) (int, error) {
	ids, err := state.EscrowsByStatus(escrow.StatusPendingDistribution)
	if err != nil {
		return 0, err
	}
	open := 0
	for _, id := range ids {
		esc, ok, err := state.EscrowGet(id)
		if err != nil {
			return 0, err
		}
		if !ok || esc == nil {
			continue
		}
		if _, found, err := state.OpenDisputeByGoal(esc.GoalID); err != nil {
			return 0, err
		} else if found {
			open++
		}
	}
	return open, nil
}

// handleDistributionError is handleEngineError plus the partial body: the
// completed legs ride along so the caller knows what already moved.
func (s *Server) handleDistributionError(w http.ResponseWriter, err error, refs []escrow.TxRef) {
	if errors.Is(err, escrow.ErrPartialDistribution) {
		s.writeJSON(w, http.StatusBadGateway, struct {
			Error  string         `json:"error"`
			TxRefs []escrow.TxRef `json:"txRefs,omitempty"`
		}{err.Error(), refs})
		return
	}
	s.handleEngineError(w, err)
}

func (s *Server) handleEngineError(w http.ResponseWriter, err error) {
	var provider *escrow.ProviderError
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound), errors.Is(err, escrow.ErrDisputeNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrDistributionPaused), errors.Is(err, escrow.ErrOperationPaused),
		errors.Is(err, escrow.ErrIdempotencyMismatch), errors.Is(err, escrow.ErrDuplicateDispute):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrPartialDistribution):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &provider):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		// Engine validation failures are plain errors; surface them as
		// unprocessable rather than masking the message.
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	s.writeError(w, http.StatusBadRequest, "invalid payload")
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
