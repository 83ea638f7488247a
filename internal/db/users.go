package db

import (
	"context"
	"fmt"
	"time"

	"calorie-ai/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

const userColumns = `id, telegram_id, first_name, last_name, username, phone_number,
	age, gender, height_cm, weight_kg, activity, goal, daily_calorie_goal,
	is_premium, subscription_expires_at, daily_request_count, last_request_date,
	created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                      models.User
		gender, activity, goal *string
	)
	err := row.Scan(
		&u.ID, &u.TelegramID, &u.FirstName, &u.LastName, &u.Username, &u.PhoneNumber,
		&u.Age, &gender, &u.HeightCm, &u.WeightKg, &activity, &goal, &u.DailyCalorieGoal,
		&u.IsPremium, &u.SubscriptionExpiresAt, &u.DailyRequestCount, &u.LastRequestDate,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Gender = typedPtr[models.Gender](gender)
	u.Activity = typedPtr[models.ActivityLevel](activity)
	u.Goal = typedPtr[models.Goal](goal)
	return &u, nil
}

func (db *PostgresDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundOr(err, "get user %s", id)
	}
	return u, nil
}

func (db *PostgresDB) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundOr(err, "get user by telegram id %d", telegramID)
	}
	return u, nil
}

// UpsertTelegramUser creates the user on first sign-in. Later sign-ins only
// refresh the username, the profile belongs to the user once created.
func (db *PostgresDB) UpsertTelegramUser(ctx context.Context, telegramID int64, firstName string, lastName, username *string) (*models.User, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO users (id, telegram_id, first_name, last_name, username, daily_calorie_goal)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (telegram_id) DO UPDATE
		SET username = EXCLUDED.username, updated_at = NOW()
		RETURNING `+userColumns,
		uuid.NewString(), telegramID, firstName, lastName, username, models.DefaultDailyCalorieGoal,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upsert user %d: %w", telegramID, err)
	}
	return u, nil
}

// UpdateProfile applies the non-nil fields of upd.
func (db *PostgresDB) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.User, error) {
	row := db.pool.QueryRow(ctx, `
		UPDATE users SET
			first_name         = COALESCE($2, first_name),
			age                = COALESCE($3, age),
			gender             = COALESCE($4, gender),
			height_cm          = COALESCE($5, height_cm),
			weight_kg          = COALESCE($6, weight_kg),
			activity           = COALESCE($7, activity),
			goal               = COALESCE($8, goal),
			daily_calorie_goal = COALESCE($9, daily_calorie_goal),
			updated_at         = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		id, upd.FirstName, upd.Age, stringPtr(upd.Gender), upd.HeightCm, upd.WeightKg,
		stringPtr(upd.Activity), stringPtr(upd.Goal), upd.DailyCalorieGoal,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundOr(err, "update profile %s", id)
	}
	return u, nil
}

func (db *PostgresDB) UpdateUserPhone(ctx context.Context, userID, phone string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET phone_number = $2, updated_at = NOW() WHERE id = $1`,
		userID, phone)
	if err != nil {
		return fmt.Errorf("update phone for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UsageFunc decides on a locked user row whether one more analysis is allowed.
// It returns the counter and the day marker to store.
type UsageFunc func(u *models.User) (count int, day time.Time, allowed bool)

// ConsumeAnalysis serializes concurrent analyses of one user with a row lock
// so two requests cannot both take the last free slot.
func (db *PostgresDB) ConsumeAnalysis(ctx context.Context, userID string, decide UsageFunc) (bool, error) {
	var allowed bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID)
		u, err := scanUser(row)
		if err != nil {
			return notFoundOr(err, "lock user %s", userID)
		}

		count, day, ok := decide(u)
		allowed = ok
		if !ok {
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET daily_request_count = $2, last_request_date = $3 WHERE id = $1`,
			userID, count, day)
		if err != nil {
			return fmt.Errorf("store usage for %s: %w", userID, err)
		}
		return nil
	})
	return allowed, err
}

// ResetUserData removes every meal and payment request of the user and clears
// the profile. Premium state is kept. Returns the photo URLs of deleted meals.
func (db *PostgresDB) ResetUserData(ctx context.Context, userID string) ([]string, error) {
	var photos []string
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users SET
				age = NULL, gender = NULL, height_cm = NULL, weight_kg = NULL,
				activity = NULL, goal = NULL, daily_calorie_goal = $2,
				daily_request_count = 0, updated_at = NOW()
			WHERE id = $1`, userID, models.DefaultDailyCalorieGoal)
		if err != nil {
			return fmt.Errorf("reset profile %s: %w", userID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		rows, err := tx.Query(ctx,
			`DELETE FROM meals WHERE user_id = $1 RETURNING photo_url`, userID)
		if err != nil {
			return fmt.Errorf("delete meals of %s: %w", userID, err)
		}
		for rows.Next() {
			var url string
			if err := rows.Scan(&url); err != nil {
				rows.Close()
				return fmt.Errorf("scan deleted meal: %w", err)
			}
			if url != "" {
				photos = append(photos, url)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("delete meals of %s: %w", userID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM payment_requests WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete payment requests of %s: %w", userID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return photos, nil
}
