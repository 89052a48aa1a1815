package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter: token bucket на ключ (IP или пользователь); простаивающие ключи вычищаются.
type RateLimiter struct {
	mu      sync.Mutex
	perMin  int
	entries map[string]*limiterEntry
	sweep   time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RateLimiter{perMin: perMinute, entries: make(map[string]*limiterEntry)}
}

func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.sweep) > limiterIdle {
		for k, e := range r.entries {
			if now.Sub(e.seen) > limiterIdle {
				delete(r.entries, k)
			}
		}
		r.sweep = now
	}
	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(r.perMin)/60), r.perMin)}
		r.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// Handler ограничивает запросы по IP (chi RealIP уже положил его в RemoteAddr) и по user_id. 429 при превышении.
func (r *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow("ip:" + req.RemoteAddr) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if userID := GetUserID(req.Context()); userID != "" && !r.Allow("u:"+userID) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}
