package middleware

import (
	"net"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	apiContext "notifications/internal/api/context"
	"notifications/internal/pkg/errors"
	"notifications/internal/platform/auth"
)

// idleLimiterTTL is how long an unused caller's limiter is kept.
const idleLimiterTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per calling service, or per remote
// address for unauthenticated routes.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *cache.Cache
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: cache.New(idleLimiterTTL, idleLimiterTTL),
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	if v, found := rl.limiters.Get(key); found {
		rl.limiters.Set(key, v, cache.DefaultExpiration)
		return v.(*rate.Limiter).Allow()
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	if err := rl.limiters.Add(key, l, cache.DefaultExpiration); err != nil {
		// Lost the race with a concurrent request for the same key.
		if v, found := rl.limiters.Get(key); found {
			l = v.(*rate.Limiter)
		}
	}
	return l.Allow()
}

func (rl *RateLimiter) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(callerKey(r)) {
			w.Header().Set("Retry-After", "1")
			errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded", nil)
			return
		}
		next(w, r)
	}
}

func callerKey(r *http.Request) string {
	if claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims); ok && claims != nil {
		return "svc:" + claims.Service
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
