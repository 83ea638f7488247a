package models

import "time"

// FoodAnalysis is a nutrition estimate for one photographed dish.
type FoodAnalysis struct {
	Name        string   `json:"name"`
	Calories    int      `json:"calories"`
	Protein     float64  `json:"protein"`
	Fat         float64  `json:"fat"`
	Carbs       float64  `json:"carbs"`
	Ingredients []string `json:"ingredients"`
	WeightG     int      `json:"weightG"`
	Confidence  float64  `json:"confidence"`
}

type Meal struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Calories    int       `json:"calories"`
	Protein     float64   `json:"protein"`
	Fat         float64   `json:"fat"`
	Carbs       float64   `json:"carbs"`
	Ingredients []string  `json:"ingredients"`
	WeightG     *int      `json:"weightG"`
	Confidence  *float64  `json:"confidence"`
	PhotoURL    string    `json:"photoUrl"`
	Date        time.Time `json:"date"`
	CreatedAt   time.Time `json:"createdAt"`
}

type MealTotals struct {
	Calories int     `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}
