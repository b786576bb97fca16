package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/handler"
)

// Recovery catches panics and returns a 500 error instead of crashing the server.
func Recovery(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "panic", err, "path", r.URL.Path, "stack", string(debug.Stack()))
					handler.Error(w, domain.ErrInternal("internal server error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
