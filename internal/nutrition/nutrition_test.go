package nutrition

import (
	"testing"
	"time"

	"calorie-ai/internal/models"

	"github.com/stretchr/testify/assert"
)

func profile(gender models.Gender, weight float64, height, age int, activity models.ActivityLevel, goal models.Goal) *models.User {
	return &models.User{
		Gender:   &gender,
		WeightKg: &weight,
		HeightCm: &height,
		Age:      &age,
		Activity: &activity,
		Goal:     &goal,
	}
}

func TestRecommendedCalories(t *testing.T) {
	tests := []struct {
		name string
		user *models.User
		want int
	}{
		{"male maintain", profile(models.GenderMale, 80, 180, 30, models.ActivityModerate, models.GoalMaintain), 2760},
		{"male loss normal bmi", profile(models.GenderMale, 80, 180, 30, models.ActivityModerate, models.GoalLoss), 2350},
		{"male gain", profile(models.GenderMale, 80, 180, 30, models.ActivityModerate, models.GoalGain), 3030},
		{"female loss", profile(models.GenderFemale, 50, 160, 25, models.ActivitySedentary, models.GoalLoss), 1240},
		{"female obese loss", profile(models.GenderFemale, 100, 160, 40, models.ActivitySedentary, models.GoalLoss), 1480},
		{"female floor", profile(models.GenderFemale, 40, 150, 70, models.ActivitySedentary, models.GoalLoss), 1200},
		{"male floor", profile(models.GenderMale, 50, 160, 80, models.ActivitySedentary, models.GoalMaintain), 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RecommendedCalories(tt.user)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecommendedCaloriesDefaults(t *testing.T) {
	u := profile(models.GenderMale, 80, 180, 30, models.ActivitySedentary, models.GoalMaintain)
	u.Activity, u.Goal = nil, nil
	got, ok := RecommendedCalories(u)
	assert.True(t, ok)
	assert.Equal(t, 2140, got) // 1780 * 1.2

	u.Age = nil
	_, ok = RecommendedCalories(u)
	assert.False(t, ok)
}

func TestValidCalorieGoal(t *testing.T) {
	assert.False(t, ValidCalorieGoal(799))
	assert.True(t, ValidCalorieGoal(800))
	assert.True(t, ValidCalorieGoal(10000))
	assert.False(t, ValidCalorieGoal(10001))
}

func TestFreeTierConsume(t *testing.T) {
	tier := FreeTier{DailyLimit: 3, Location: time.UTC}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	u := &models.User{DailyRequestCount: 2, LastRequestDate: now.Add(-time.Hour)}
	count, day, ok := tier.Consume(u, now)
	assert.True(t, ok)
	assert.Equal(t, 3, count)
	assert.Equal(t, now, day)

	u.DailyRequestCount = 3
	_, _, ok = tier.Consume(u, now)
	assert.False(t, ok)

	u.LastRequestDate = now.AddDate(0, 0, -1)
	count, _, ok = tier.Consume(u, now)
	assert.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestFreeTierSkipsActivePremium(t *testing.T) {
	tier := FreeTier{DailyLimit: 3, Location: time.UTC}
	now := time.Now()
	expires := now.Add(time.Hour)
	u := &models.User{IsPremium: true, SubscriptionExpiresAt: &expires, DailyRequestCount: 50, LastRequestDate: now}

	count, _, ok := tier.Consume(u, now)
	assert.True(t, ok)
	assert.Equal(t, 50, count)

	expired := now.Add(-time.Hour)
	u.SubscriptionExpiresAt = &expired
	_, _, ok = tier.Consume(u, now)
	assert.False(t, ok)
}

func TestDayBoundsAndTotals(t *testing.T) {
	loc := time.FixedZone("TJT", 5*3600)
	start, end := DayBounds(time.Date(2025, 3, 10, 20, 30, 0, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, loc), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	totals := Totals([]*models.Meal{
		{Calories: 300, Protein: 10.04, Fat: 5.01, Carbs: 40.1},
		{Calories: 150, Protein: 2.03, Fat: 1.02, Carbs: 20.2},
	})
	assert.Equal(t, models.MealTotals{Calories: 450, Protein: 12.1, Fat: 6.0, Carbs: 60.3}, totals)
}
