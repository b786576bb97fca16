package middleware

import (
	"context"
	"net/http"

	"github.com/semesterpass/backend/internal/contextkeys"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/handler"
)

// AccessChecker answers feature access queries. Implemented by service.AccessGate.
type AccessChecker interface {
	Check(ctx context.Context, userID, feature string, semester int) (*domain.AccessResponse, error)
}

// RequireFeature rejects requests from users whose subscription for their
// current semester does not include feature. Must be used AFTER Auth.
//
// This server only sells and tracks access; it serves no feature content
// itself. Content routes (quizzes, notices, materials) mounted on the same
// router gate themselves with it, e.g.
//
//	r.With(middleware.RequireFeature(gate, domain.FeatureQuizzes)).Get("/api/quizzes", ...)
func RequireFeature(gate AccessChecker, feature string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid := contextkeys.UserIDFrom(r.Context())
			if uid == "" {
				handler.Error(w, domain.ErrUnauthorized("unauthorized"))
				return
			}

			access, err := gate.Check(r.Context(), uid, feature, 0)
			if err != nil {
				handler.Error(w, err)
				return
			}
			if !access.HasAccess {
				handler.Error(w, domain.ErrForbidden("an active subscription with "+feature+" is required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
