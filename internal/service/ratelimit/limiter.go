package ratelimit

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"RateFusion/internal/domain/repository"
	xhttp "RateFusion/pkg/http"
	"RateFusion/pkg/logger"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*entry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// New allows requests per period with the given burst for each key.
func New(requests int, per time.Duration, burst int) *Limiter {
	if requests <= 0 {
		requests = 1
	}
	if per <= 0 {
		per = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*entry),
		limit:   rate.Every(per / time.Duration(requests)),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := l.clients[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Cleanup drops keys idle for longer than idle and returns how many were removed.
func (l *Limiter) Cleanup(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware rejects requests over the per-client budget with 429.
func (l *Limiter) Middleware(metrics repository.Metrics, log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if l.Allow(key) {
				return next(c)
			}
			metrics.RecordError("rate_limited")
			log.Warn("Rate limit exceeded",
				logger.String("client", key),
				logger.String("path", c.Request().URL.Path),
			)
			c.Response().Header().Set("Retry-After", "60")
			return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("rate limit exceeded"))
		}
	}
}
