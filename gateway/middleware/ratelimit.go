package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stakepact/metrics"
)

// RateLimit shapes one limiter class. Tokens maps "METHOD /path" prefixes to
// per-request costs so expensive routes drain the bucket faster; requests with
// no matching prefix consume DefaultTokens (minimum 1).
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	DefaultTokens int
	Tokens        map[string]int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets. Clients are identified by the
// authenticated subject when present, then the X-API-Key header, then the
// remote address.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
}

const visitorIdleEviction = 10 * time.Minute

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

// Middleware limits requests under the named class. Unknown classes pass
// through so a route group without a configured limit is never throttled.
func (r *RateLimiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[class]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			id := clientID(req)
			limiter := r.obtainLimiter(class, id, limit)
			cost := tokenCost(limit, req.Method, req.URL.Path)
			if !limiter.AllowN(r.clockNow(), cost) {
				metrics.HTTP().RecordThrottle(id)
				r.logger.Debug("request throttled", "class", class, "client", id)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(class, id string, cfg RateLimit) *rate.Limiter {
	key := class + "|" + id
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.visitors {
		if now.Sub(v.lastSeen) > visitorIdleEviction {
			delete(r.visitors, k)
		}
	}
	if entry, ok := r.visitors[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[key] = &visitor{limiter: limiter, lastSeen: now}
	return limiter
}

func tokenCost(cfg RateLimit, method, path string) int {
	cost := cfg.DefaultTokens
	if cost <= 0 {
		cost = 1
	}
	if len(cfg.Tokens) == 0 {
		return cost
	}
	target := method + " " + path
	bestLen := -1
	for prefix, tokens := range cfg.Tokens {
		if strings.HasPrefix(target, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			cost = tokens
		}
	}
	if cost <= 0 {
		cost = 1
	}
	return cost
}

func clientID(r *http.Request) string {
	if subject := Subject(r.Context()); subject != "" {
		return subject
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first := ip
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			first = ip[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
