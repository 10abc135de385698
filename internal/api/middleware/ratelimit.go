package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/config"
	"github.com/identra/identra/internal/metrics"
)

// RateLimiter is a keyed token-bucket limiter. Buckets are keyed per
// (subject, endpoint) where subject is the client_id when the request
// carries one and the caller IP otherwise. State is in-process; multi
// instance deployments shard by load balancer affinity.
type RateLimiter struct {
	cfg   *config.Config
	audit audit.Logger
	m     *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg *config.Config, auditor audit.Logger, m *metrics.Metrics) *RateLimiter {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	rl := &RateLimiter{
		cfg:     cfg,
		audit:   auditor,
		m:       m,
		buckets: make(map[string]*bucket),
	}
	go rl.evictLoop()
	return rl
}

// subject picks the rate-limit identity: an authenticated or claimed
// client_id when available, the caller IP otherwise.
func subject(r *http.Request) string {
	if id, _, ok := r.BasicAuth(); ok && id != "" {
		return "client:" + id
	}
	if id := r.PostFormValue("client_id"); id != "" {
		return "client:" + id
	}
	if id := r.URL.Query().Get("client_id"); id != "" {
		return "client:" + id
	}
	return "ip:" + clientIP(r)
}

// Limit wraps a handler with the token bucket for the named endpoint.
func (rl *RateLimiter) Limit(endpoint string) func(http.Handler) http.Handler {
	limits := rl.cfg.RateLimitFor(endpoint)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := endpoint + "|" + subject(r)
			if !rl.take(key, limits) {
				if rl.m != nil {
					rl.m.RateLimitDenied.WithLabelValues(endpoint).Inc()
				}
				rl.audit.Record(r.Context(), audit.Event{
					Action:       "ratelimit.denied",
					Resource:     endpoint,
					IPAddress:    clientIP(r),
					UserAgent:    r.UserAgent(),
					Success:      false,
					ErrorMessage: "rate limit exceeded",
				})
				retry := 1
				if limits.RefillPerSec > 0 {
					retry = int(1.0/limits.RefillPerSec) + 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"temporarily_unavailable","error_description":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) take(key string, limits config.RateLimit) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limits.RefillPerSec), limits.Capacity)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()
	return b.limiter.Allow()
}

// evictLoop drops buckets idle for ten minutes so hostile key churn
// cannot grow the map without bound.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for key, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}
