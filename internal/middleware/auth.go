// Package middleware содержит HTTP middleware сервиса выкупа.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// AuthMiddleware закрывает служебные эндпоинты статическим токеном из заголовка Authorization.
// Пустой токен отключает проверку.
type AuthMiddleware struct {
	tokenMAC []byte
}

// NewAuthMiddleware создаёт middleware для указанного токена.
func NewAuthMiddleware(token string) *AuthMiddleware {
	if token == "" {
		return &AuthMiddleware{}
	}
	return &AuthMiddleware{tokenMAC: digest(token)}
}

// Enabled сообщает, что токен задан.
func (a *AuthMiddleware) Enabled() bool {
	return a != nil && len(a.tokenMAC) > 0
}

// Middleware пропускает запрос только с заголовком Authorization: Bearer <token>.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		// сравниваются дайджесты одинаковой длины, время не зависит от токена
		if !hmac.Equal(digest(strings.TrimPrefix(header, bearerPrefix)), a.tokenMAC) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
