package rest

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	domainErrors "github.com/davidleathers/compliance-tracker/internal/domain/errors"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/cache"
)

// RateLimitConfig configures per-client request limits
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// RateLimiter limits requests per client IP. With a distributed limiter the
// budget is shared between instances through redis; the local token bucket
// is used when redis is absent or failing.
type RateLimiter struct {
	config      RateLimitConfig
	distributed cache.RateLimiter
	logger      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterIdleTTL is how long an idle client's bucket is kept
const limiterIdleTTL = 10 * time.Minute

// NewRateLimiter creates a rate limiter. distributed may be nil.
func NewRateLimiter(config RateLimitConfig, distributed cache.RateLimiter, logger *slog.Logger) *RateLimiter {
	if config.Burst < config.RequestsPerSecond {
		config.Burst = config.RequestsPerSecond
	}
	return &RateLimiter{
		config:      config,
		distributed: distributed,
		logger:      logger,
		limiters:    make(map[string]*clientLimiter),
		now:         time.Now,
	}
}

// Middleware returns the rate limiting middleware. A non-positive rate
// disables limiting.
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if rl.config.RequestsPerSecond <= 0 {
			return next
		}
		base := NewBaseHandler(rl.logger)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := getClientIP(r)
			if rl.allow(r, key) {
				next.ServeHTTP(w, r)
				return
			}

			httpRateLimited.Inc()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerSecond))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			base.writeError(w, r, domainErrors.NewRateLimitError("Too many requests"))
		})
	}
}

func (rl *RateLimiter) allow(r *http.Request, key string) bool {
	if rl.distributed != nil {
		allowed, err := rl.distributed.Allow(r.Context(), key, rl.config.Burst, time.Second)
		if err == nil {
			return allowed
		}
		rl.logger.WarnContext(r.Context(), "distributed rate limiter unavailable, using local limiter",
			slog.String("error", err.Error()))
	}
	return rl.local(key).Allow()
}

func (rl *RateLimiter) local(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.limiters[key]
	if !ok {
		rl.evictIdle(now)
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// evictIdle drops buckets that have not been used recently. Called with mu
// held whenever a new client appears.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleTTL {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) String() string {
	mode := "local"
	if rl.distributed != nil {
		mode = "redis"
	}
	return fmt.Sprintf("%d rps (burst %d, %s)", rl.config.RequestsPerSecond, rl.config.Burst, mode)
}
