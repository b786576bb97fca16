package service

import (
	"context"

	"github.com/semesterpass/backend/internal/domain"
)

// AccessGate decides whether a user may use a gated feature. It reads the
// subscription store on every call and writes nothing.
type AccessGate struct {
	subs  SubscriptionStore
	users UserStore
	now   Clock
}

// NewAccessGate creates a new AccessGate.
func NewAccessGate(subs SubscriptionStore, users UserStore, now Clock) *AccessGate {
	return &AccessGate{subs: subs, users: users, now: now}
}

// HasAccess reports whether userID holds an active, unexpired subscription
// for semester that includes feature.
func (g *AccessGate) HasAccess(ctx context.Context, userID, feature string, semester int) (bool, error) {
	if userID == "" || feature == "" || semester <= 0 {
		return false, nil
	}
	now := g.now()
	sub, err := g.subs.FindActive(ctx, userID, semester, now)
	if err != nil {
		return false, domain.ErrInternal("failed to check access", err)
	}
	if sub == nil || !sub.GrantsAccess(now) {
		return false, nil
	}
	return sub.HasFeature(feature), nil
}

// Check answers an access query for the API. A semester of 0 means the
// user's current semester.
func (g *AccessGate) Check(ctx context.Context, userID, feature string, semester int) (*domain.AccessResponse, error) {
	if semester == 0 {
		user, err := g.users.FindByID(ctx, userID)
		if err != nil {
			return nil, domain.ErrInternal("failed to load user", err)
		}
		if user == nil {
			return nil, domain.ErrNotFound("user not found")
		}
		semester = user.Semester
	}

	ok, err := g.HasAccess(ctx, userID, feature, semester)
	if err != nil {
		return nil, err
	}
	return &domain.AccessResponse{Feature: feature, Semester: semester, HasAccess: ok}, nil
}
