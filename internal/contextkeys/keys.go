// Package contextkeys holds the request-context keys set by the auth
// middleware and read by handlers.
package contextkeys

import "context"

type contextKey string

const (
	UserID    contextKey = "userID"
	UserEmail contextKey = "userEmail"
	UserRole  contextKey = "userRole"
)

// WithClaims returns ctx carrying the authenticated caller.
func WithClaims(ctx context.Context, userID, email, role string) context.Context {
	ctx = context.WithValue(ctx, UserID, userID)
	ctx = context.WithValue(ctx, UserEmail, email)
	return context.WithValue(ctx, UserRole, role)
}

// UserIDFrom returns the authenticated user id, or "" when the request is anonymous.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(UserID).(string)
	return id
}

// RoleFrom returns the authenticated user's role.
func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(UserRole).(string)
	return role
}
