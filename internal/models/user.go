// internal/models/user.go
package models

import (
	"time"
)

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
)

type ActivityLevel string

const (
	ActivitySedentary  ActivityLevel = "SEDENTARY"
	ActivityLight      ActivityLevel = "LIGHT"
	ActivityModerate   ActivityLevel = "MODERATE"
	ActivityActive     ActivityLevel = "ACTIVE"
	ActivityVeryActive ActivityLevel = "VERY_ACTIVE"
)

type Goal string

const (
	GoalLoss     Goal = "LOSS"
	GoalMaintain Goal = "MAINTAIN"
	GoalGain     Goal = "GAIN"
)

const DefaultDailyCalorieGoal = 2000

type User struct {
	ID          string  `json:"id"`
	TelegramID  int64   `json:"telegramId,string"`
	FirstName   string  `json:"firstName"`
	LastName    *string `json:"lastName"`
	Username    *string `json:"username"`
	PhoneNumber *string `json:"phoneNumber,omitempty"`

	Age              *int           `json:"age"`
	Gender           *Gender        `json:"gender"`
	HeightCm         *int           `json:"heightCm"`
	WeightKg         *float64       `json:"weightKg"`
	Activity         *ActivityLevel `json:"activity"`
	Goal             *Goal          `json:"goal"`
	DailyCalorieGoal int            `json:"dailyCalorieGoal"`

	IsPremium             bool       `json:"isPremium"`
	SubscriptionExpiresAt *time.Time `json:"subscriptionExpiresAt"`

	DailyRequestCount int       `json:"-"`
	LastRequestDate   time.Time `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PremiumActive reports whether the premium tier applies at the given instant.
// A premium flag without an expiry never lapses.
func (u *User) PremiumActive(now time.Time) bool {
	if !u.IsPremium {
		return false
	}
	return u.SubscriptionExpiresAt == nil || u.SubscriptionExpiresAt.After(now)
}

// DisplayName is what admin notifications show for the user.
func (u *User) DisplayName() string {
	if u.Username != nil && *u.Username != "" {
		return "@" + *u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return "User"
}

// ProfileUpdate carries the optional fields of a profile edit.
type ProfileUpdate struct {
	FirstName        *string
	Age              *int
	Gender           *Gender
	HeightCm         *int
	WeightKg         *float64
	Activity         *ActivityLevel
	Goal             *Goal
	DailyCalorieGoal *int
}
