package domain

import "time"

// Subscription types.
const (
	TypeSemester = "semester"
	TypeAnnual   = "annual"
	TypeLifetime = "lifetime"
)

// Feature tags unlocked by an active subscription.
const (
	FeatureQuizzes          = "quizzes"
	FeatureProgressTracking = "progress_tracking"
	FeatureNotices          = "notices"
	FeatureMaterials        = "materials"
)

// Tier describes one purchasable subscription type.
type Tier struct {
	Type         string   `json:"subscriptionType"`
	Name         string   `json:"name"`
	Price        int64    `json:"price"`        // integer currency units
	DurationDays int      `json:"durationDays"` // length of the access window
	Features     []string `json:"features"`
	Popular      bool     `json:"popular"` // Show "Most Popular" badge
}

// AvailableTiers returns the pricing table.
func AvailableTiers() []Tier {
	base := []string{FeatureQuizzes, FeatureProgressTracking, FeatureNotices}
	return []Tier{
		{
			Type:         TypeSemester,
			Name:         "Semester",
			Price:        999,
			DurationDays: 90,
			Features:     base,
		},
		{
			Type:         TypeAnnual,
			Name:         "Annual",
			Price:        2999,
			DurationDays: 365,
			Features:     base,
			Popular:      true,
		},
		{
			Type:         TypeLifetime,
			Name:         "Lifetime",
			Price:        4999,
			DurationDays: 3650,
			Features:     append(append([]string{}, base...), FeatureMaterials),
		},
	}
}

// GetTier returns the tier for a subscription type.
func GetTier(subscriptionType string) (Tier, bool) {
	for _, t := range AvailableTiers() {
		if t.Type == subscriptionType {
			return t, true
		}
	}
	return Tier{}, false
}

// BasePrice returns the undiscounted price for a subscription type.
func BasePrice(subscriptionType string) (int64, bool) {
	t, ok := GetTier(subscriptionType)
	if !ok {
		return 0, false
	}
	return t.Price, true
}

// DurationFor returns how long a subscription of the given type lasts.
// Unknown types have a zero duration.
func DurationFor(subscriptionType string) time.Duration {
	t, ok := GetTier(subscriptionType)
	if !ok {
		return 0
	}
	return time.Duration(t.DurationDays) * 24 * time.Hour
}

// FeaturesFor returns a fresh copy of the features unlocked by a subscription type.
func FeaturesFor(subscriptionType string) []string {
	t, ok := GetTier(subscriptionType)
	if !ok {
		return nil
	}
	return append([]string{}, t.Features...)
}
