package middleware

import (
	"net/http"
	"time"

	"github.com/rideshare/internal/logger"
)

// RequestLog логирует запрос: медленные через DeferLogDuration, ответы 5xx всегда.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		next.ServeHTTP(wrap, r)
		if wrap.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s -> %d (%v)", r.Method, r.URL.Path, wrap.status, time.Since(start))
		}
	})
}
