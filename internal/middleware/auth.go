package middleware

import (
	"net/http"

	"github.com/rideshare/internal/auth"
	"github.com/rideshare/internal/logger"
)

// Auth пропускает запрос дальше только с валидным access token (заголовок или ?access_token=).
func Auth(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := auth.FromRequest(r)
			userID, err := v.Verify(tok)
			if err != nil {
				if tok != "" {
					logger.Debugf("auth: reject token %s: %v", MaskToken(tok), err)
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				http.Error(w, `{"error":"not_authenticated"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
