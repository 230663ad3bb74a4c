package middleware

import (
	"net/http"
	"runtime/debug"

	"execution/pkg/utils"
)

// Recovery перехватывает panic в handlers: сервер продолжает работу,
// клиент получает 500, stack trace уходит в лог
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				utils.L().Sugar().Errorw("panic in http handler",
					"error", err,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
