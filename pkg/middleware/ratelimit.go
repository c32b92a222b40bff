package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/httputil"
)

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// TTL after which an idle client's bucket is forgotten. Defaults to 3m.
	TTL time.Duration
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorStore holds one limiter per client IP. Idle entries are evicted
// inline, at most once per TTL, so no background goroutine is needed.
type visitorStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newVisitorStore(cfg RateLimitConfig) *visitorStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &visitorStore{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(cfg.RPS),
		burst:    cfg.Burst,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *visitorStore) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > s.ttl {
		for key, v := range s.visitors {
			if now.Sub(v.lastSeen) > s.ttl {
				delete(s.visitors, key)
			}
		}
		s.lastSweep = now
	}

	v, ok := s.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (s *visitorStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// RateLimit enforces a per-client token bucket and answers 429 RATE_LIMITED
// with Retry-After once the bucket is empty. A non-positive RPS disables it.
func RateLimit(cfg RateLimitConfig, l *slog.Logger) func(http.Handler) http.Handler {
	if cfg.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	store := newVisitorStore(cfg)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / cfg.RPS)))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r, cfg.TrustProxy)
			if !store.get(ip).Allow() {
				l.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", retryAfter)
				httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.Response{
					Error: &httputil.ErrorResponse{Code: "RATE_LIMITED", Message: "too many requests"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the address of the direct peer, without the port.
func ClientIP(r *http.Request) string {
	return remoteIP(r, false)
}

// ProxiedClientIP prefers the first address in X-Forwarded-For, then
// X-Real-IP, before falling back to the peer address.
func ProxiedClientIP(r *http.Request) string {
	return remoteIP(r, true)
}

func remoteIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
