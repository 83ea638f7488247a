package db

import (
	"context"
	"fmt"
	"time"

	"calorie-ai/internal/models"

	"github.com/google/uuid"
)

const mealColumns = `id, user_id, name, calories, protein, fat, carbs, ingredients,
	weight_g, confidence, photo_url, date, created_at`

func scanMeal(row rowScanner) (*models.Meal, error) {
	var m models.Meal
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Calories, &m.Protein, &m.Fat, &m.Carbs,
		&m.Ingredients, &m.WeightG, &m.Confidence, &m.PhotoURL, &m.Date, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if m.Ingredients == nil {
		m.Ingredients = []string{}
	}
	return &m, nil
}

func (db *PostgresDB) CreateMeal(ctx context.Context, m *models.Meal) (*models.Meal, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Ingredients == nil {
		m.Ingredients = []string{}
	}
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO meals (id, user_id, name, calories, protein, fat, carbs, ingredients,
			weight_g, confidence, photo_url, date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+mealColumns,
		m.ID, m.UserID, m.Name, m.Calories, m.Protein, m.Fat, m.Carbs, m.Ingredients,
		m.WeightG, m.Confidence, m.PhotoURL, date,
	)
	saved, err := scanMeal(row)
	if err != nil {
		return nil, fmt.Errorf("create meal for %s: %w", m.UserID, err)
	}
	return saved, nil
}

// MealsBetween lists meals with from <= date < to, newest first.
func (db *PostgresDB) MealsBetween(ctx context.Context, userID string, from, to time.Time) ([]*models.Meal, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+mealColumns+` FROM meals
		WHERE user_id = $1 AND date >= $2 AND date < $3
		ORDER BY date DESC, created_at DESC`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list meals of %s: %w", userID, err)
	}
	defer rows.Close()

	meals := make([]*models.Meal, 0)
	for rows.Next() {
		m, err := scanMeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meal: %w", err)
		}
		meals = append(meals, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list meals of %s: %w", userID, err)
	}
	return meals, nil
}

func (db *PostgresDB) GetMeal(ctx context.Context, id string) (*models.Meal, error) {
	m, err := scanMeal(db.pool.QueryRow(ctx, `SELECT `+mealColumns+` FROM meals WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "get meal %s", id)
	}
	return m, nil
}

func (db *PostgresDB) DeleteMeal(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM meals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete meal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
