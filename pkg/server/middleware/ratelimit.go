package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"golang.org/x/time/rate"
)

// TenantLimiter keeps one token bucket per tenant.
type TenantLimiter struct {
	every time.Duration
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTenantLimiter allows perHour events per tenant and hour, with the given burst.
func NewTenantLimiter(perHour, burst int) *TenantLimiter {
	if perHour <= 0 {
		perHour = 1
	}
	if burst <= 0 {
		burst = perHour
	}
	return &TenantLimiter{
		every:    time.Hour / time.Duration(perHour),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *TenantLimiter) Allow(tenant string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), l.burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(l.now(), 1)
}

// RateLimit rejects requests once the caller's tenant is over its budget. It must run after
// Authenticate.
func RateLimit(limiter *TenantLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p, ok := PrincipalFrom(req.Context())
			if !ok {
				writeError(w, req, http.StatusUnauthorized, domain.ErrUnauthorized.Error())
				return
			}
			if !limiter.Allow(p.Tenant) {
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.every.Seconds())))
				writeError(w, req, http.StatusTooManyRequests, domain.ErrRateLimited.Error())
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
