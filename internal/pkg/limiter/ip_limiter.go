/*
Package limiter provides per-IP token bucket rate limiting for HTTP endpoints.

Each client IP gets its own rate.Limiter. A background sweep drops limiters whose bucket has
refilled, so idle clients do not accumulate.
*/
package limiter

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/resp"
)

const sweepInterval = 3 * time.Minute

// IPRateLimiter limits requests per client IP.
type IPRateLimiter struct {
	// mu protects limits.
	mu sync.RWMutex

	// limits maps client IP to its token bucket.
	limits map[string]*rate.Limiter

	// r is the steady rate in events per second.
	r rate.Limit

	// b is the burst size.
	b int

	logger zerolog.Logger
}

// NewIPRateLimiter returns a limiter allowing r events per second with bursts of b. The idle
// sweep runs until ctx is done.
func NewIPRateLimiter(ctx context.Context, r rate.Limit, b int) *IPRateLimiter {
	i := &IPRateLimiter{
		limits: make(map[string]*rate.Limiter),
		r:      r,
		b:      b,
		logger: logx.Component("limiter"),
	}

	go i.sweep(ctx)

	return i
}

// GetLimiter returns the bucket of ip, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.RLock()
	limiter, exists := i.limits[ip]
	i.mu.RUnlock()
	if exists {
		return limiter
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	limiter, exists = i.limits[ip]
	if !exists {
		limiter = rate.NewLimiter(i.r, i.b)
		i.limits[ip] = limiter
	}
	return limiter
}

// Allow consumes one token from the bucket of r's client IP.
func (i *IPRateLimiter) Allow(r *http.Request) bool {
	return i.GetLimiter(ClientIP(r)).Allow()
}

// Middleware rejects requests over the limit with ErrRateLimitExceeded.
func (i *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !i.Allow(r) {
			i.logger.Warn().Str("path", r.URL.Path).Msg("Rate limit exceeded.")
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Len returns the number of tracked IPs.
func (i *IPRateLimiter) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.limits)
}

func (i *IPRateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := i.removeIdle(now)
			if removed > 0 {
				i.logger.Debug().Int("removed", removed).Int("active", i.Len()).Msg("Rate limiter sweep finished.")
			}
		}
	}
}

// removeIdle drops buckets that are full at now.
func (i *IPRateLimiter) removeIdle(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for ip, limiter := range i.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(i.limits, ip)
			removed++
		}
	}
	return removed
}

// ClientIP returns the host part of r.RemoteAddr, which chi's RealIP middleware has already
// replaced with the forwarded address when present.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if ip == "" {
		ip = "unknown_ip"
	}
	return ip
}
