package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/ratelimit"
)

type Config struct {
	IP   ratelimit.LimitConfig `yaml:"ip"`
	User ratelimit.LimitConfig `yaml:"user"`

	// TrustForwarded honours X-Forwarded-For; enable only behind a proxy.
	TrustForwarded bool `yaml:"trust_forwarded"`
}

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  Config
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c Config, m *metrics.Collector, logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitMiddleware{
		limiter: l,
		config:  c,
		metrics: m,
		logger:  logger.With("component", "ratelimit"),
	}
}

// Handler enforces the per-IP limit and, for authenticated callers, the
// per-user limit. Redis failures fail open.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.IP.Enabled() {
			key := m.limiter.HashIP(m.clientIP(r))
			if !m.allow(w, r, ratelimit.ScopeIP, key, m.config.IP) {
				return
			}
		}

		if userID := UserID(r.Context()); userID != "" && m.config.User.Enabled() {
			if !m.allow(w, r, ratelimit.ScopeUser, userID, m.config.User) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) allow(w http.ResponseWriter, r *http.Request, scope ratelimit.Scope, key string, cfg ratelimit.LimitConfig) bool {
	decision, err := m.limiter.Check(r.Context(), scope, key, cfg)
	if err != nil {
		if !errors.Is(err, ratelimit.ErrRedisUnavailable) {
			m.logger.Error("rate limit check failed", "scope", scope, "error", err)
		} else {
			m.logger.Warn("rate limit redis unavailable, failing open", "scope", scope)
		}
		m.metrics.RateLimit(string(scope), "redis_error")
		return true
	}

	writeRateLimitHeaders(w, decision)
	if !decision.Allowed {
		m.metrics.RateLimit(string(scope), "blocked")
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
		WriteError(w, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
		return false
	}
	m.metrics.RateLimit(string(scope), "allowed")
	return true
}

func (m *RateLimitMiddleware) clientIP(r *http.Request) string {
	if m.config.TrustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}
