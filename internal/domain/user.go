package domain

import "time"

// User is the slice of a user record this service reads and maintains.
// HasActiveSubscription and SubscriptionID are a cache of the subscription
// store and are always re-derived from it.
type User struct {
	ID                    string    `json:"id"`
	Email                 string    `json:"email"`
	Role                  string    `json:"role"`
	Branch                string    `json:"branch"`
	Semester              int       `json:"semester"`
	ExternalCustomerID    *string   `json:"externalCustomerId,omitempty"`
	HasActiveSubscription bool      `json:"hasActiveSubscription"`
	SubscriptionID        *string   `json:"subscriptionId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Roles carried in the token role claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// JWTClaims represents the JWT payload issued by the authentication service.
type JWTClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Role  string `json:"role"`
}
