package middleware

import (
	"net/http"

	"github.com/semesterpass/backend/internal/contextkeys"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/handler"
)

// RequireRole rejects callers whose token role is not role. Mount after Auth.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if contextkeys.RoleFrom(r.Context()) != role {
				handler.Error(w, domain.ErrForbidden("forbidden: "+role+" access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminOnly guards the back-office routes.
var AdminOnly = RequireRole(domain.RoleAdmin)
