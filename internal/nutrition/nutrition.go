// Package nutrition holds the pure calorie and usage rules.
package nutrition

import (
	"math"
	"time"

	"calorie-ai/internal/models"
)

const (
	MinCalorieGoal = 800
	MaxCalorieGoal = 10000

	minCaloriesMale   = 1500
	minCaloriesFemale = 1200
)

var activityFactors = map[models.ActivityLevel]float64{
	models.ActivitySedentary:  1.2,
	models.ActivityLight:      1.375,
	models.ActivityModerate:   1.55,
	models.ActivityActive:     1.725,
	models.ActivityVeryActive: 1.9,
}

// RecommendedCalories applies Mifflin-St Jeor to the profile, adjusted for
// activity and goal. ok is false when weight, height, age or gender is unknown.
func RecommendedCalories(u *models.User) (kcal int, ok bool) {
	if u.WeightKg == nil || u.HeightCm == nil || u.Age == nil || u.Gender == nil {
		return 0, false
	}
	weight, height, age := *u.WeightKg, float64(*u.HeightCm), float64(*u.Age)
	if weight <= 0 || height <= 0 || age <= 0 {
		return 0, false
	}

	bmr := 10*weight + 6.25*height - 5*age
	floor := float64(minCaloriesFemale)
	if *u.Gender == models.GenderMale {
		bmr += 5
		floor = minCaloriesMale
	} else {
		bmr -= 161
	}

	factor := activityFactors[models.ActivitySedentary]
	if u.Activity != nil {
		if f, found := activityFactors[*u.Activity]; found {
			factor = f
		}
	}
	tdee := bmr * factor

	goal := models.GoalMaintain
	if u.Goal != nil {
		goal = *u.Goal
	}
	switch goal {
	case models.GoalLoss:
		h := height / 100
		bmi := weight / (h * h)
		deficit := 0.15
		switch {
		case bmi >= 30:
			deficit = 0.25
		case bmi >= 25:
			deficit = 0.2
		}
		tdee *= 1 - deficit
	case models.GoalGain:
		tdee *= 1.1
	}

	return int(math.Round(math.Max(floor, tdee)/10) * 10), true
}

// ValidCalorieGoal reports whether an explicit daily goal is acceptable.
func ValidCalorieGoal(kcal int) bool {
	return kcal >= MinCalorieGoal && kcal <= MaxCalorieGoal
}

// FreeTier limits analyses of non-premium users per calendar day.
type FreeTier struct {
	DailyLimit int
	Location   *time.Location
}

// Consume decides one analysis for u at now. The counter restarts when the
// stored day differs from today. Premium users are never counted.
func (f FreeTier) Consume(u *models.User, now time.Time) (count int, day time.Time, allowed bool) {
	if u.PremiumActive(now) {
		return u.DailyRequestCount, u.LastRequestDate, true
	}
	count = u.DailyRequestCount
	if !SameDay(u.LastRequestDate, now, f.Location) {
		count = 0
	}
	if count >= f.DailyLimit {
		return count, u.LastRequestDate, false
	}
	return count + 1, now, true
}

func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// DayBounds returns [start, end) of the calendar day containing t.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Totals sums meals; macros are rounded to one decimal.
func Totals(meals []*models.Meal) models.MealTotals {
	var t models.MealTotals
	for _, m := range meals {
		t.Calories += m.Calories
		t.Protein += m.Protein
		t.Fat += m.Fat
		t.Carbs += m.Carbs
	}
	t.Protein = round1(t.Protein)
	t.Fat = round1(t.Fat)
	t.Carbs = round1(t.Carbs)
	return t
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
