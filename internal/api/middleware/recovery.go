package middleware

import (
	"net/http"
	"runtime/debug"

	"tradegate/pkg/utils"

	"go.uber.org/zap"
)

// Recovery перехватывает panic в handlers и возвращает 500
//
// Сервер продолжает обслуживать последующие запросы; stack trace
// уходит в лог для разбора.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				utils.L().Error("panic in http handler",
					zap.Any("panic", err),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
