package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/neuroclinic/clinic/internal/platform/auth"
)

// RateLimitConfig sizes the per-client token buckets.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops buckets nobody has touched for this long, once they
	// have refilled. Zero means ten minutes.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// limiter keeps one bucket per client key behind a single mutex. Buckets
// are refilled lazily on each take.
type limiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	idle      time.Duration
	now       func() time.Time
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig, now func() time.Time) *limiter {
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &limiter{
		rate:      cfg.RequestsPerSecond,
		burst:     float64(cfg.BurstSize),
		idle:      idle,
		now:       now,
		buckets:   make(map[string]*bucket),
		lastSweep: now(),
	}
}

// take spends a token from key's bucket. When the bucket is empty it
// returns false and the wait until a token is available.
func (l *limiter) take(key string) (remaining int, wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}

	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now

	if b.tokens < 1 {
		if l.rate <= 0 {
			return 0, time.Second, false
		}
		return 0, time.Duration((1 - b.tokens) / l.rate * float64(time.Second)), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// sweep drops idle buckets that would be full by now. A recreated bucket
// starts full, so dropping a partly spent one would hand out a free refill.
func (l *limiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		idle := now.Sub(b.seen)
		if idle < l.idle {
			continue
		}
		if b.tokens+idle.Seconds()*l.rate >= l.burst {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// clientKey buckets authenticated callers by doctor, anonymous ones
// (login attempts) by address.
func clientKey(c echo.Context) string {
	if id, ok := auth.IdentityFromContext(c.Request().Context()); ok && id.DoctorID != uuid.Nil {
		return "doctor:" + id.DoctorID.String()
	}
	return "ip:" + c.RealIP()
}

// RateLimit answers 429 with a Retry-After header once a client has spent
// its burst.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newLimiter(cfg, time.Now), cfg)
}

func rateLimit(l *limiter, cfg RateLimitConfig) echo.MiddlewareFunc {
	limit := strconv.Itoa(cfg.BurstSize)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			remaining, wait, ok := l.take(clientKey(c))

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				zerolog.Ctx(c.Request().Context()).Warn().Str("client", clientKey(c)).Msg("rate limited")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
