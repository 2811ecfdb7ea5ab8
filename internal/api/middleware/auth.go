package middleware

import (
	"net/http"
	"strings"

	"tradegate/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TokenAuth защищает управляющие endpoints bearer-токеном
//
// В конфигурации хранится bcrypt-хэш токена (API_TOKEN_HASH), сам токен
// сервер не знает. Пустой хэш отключает аутентификацию - допустимо
// только в разработке, о чём пишется предупреждение при старте.
//
// Использование:
//
//	control := router.PathPrefix("/api/v1").Subrouter()
//	control.Use(middleware.TokenAuth(cfg.Security.APITokenHash))
func TokenAuth(tokenHash string) func(http.Handler) http.Handler {
	if tokenHash == "" {
		utils.L().Warn("API_TOKEN_HASH is not set, operator API is unauthenticated")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				utils.L().Warn("rejected api request with invalid token",
					zap.String("remote", r.RemoteAddr))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
