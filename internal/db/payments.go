package db

import (
	"context"
	"errors"
	"fmt"

	"calorie-ai/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

const paymentColumns = `id, user_id, amount, currency, status, receipt_url, transaction_id,
	created_at, updated_at`

func scanPayment(row rowScanner) (*models.PaymentRequest, error) {
	var (
		p      models.PaymentRequest
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Currency, &status, &p.ReceiptURL,
		&p.TransactionID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	return &p, nil
}

func insertPayment(ctx context.Context, tx pgx.Tx, p *models.PaymentRequest) (*models.PaymentRequest, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO payment_requests (id, user_id, amount, currency, status, receipt_url, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+paymentColumns,
		p.ID, p.UserID, p.Amount, p.Currency, string(p.Status), p.ReceiptURL, p.TransactionID,
	)
	saved, err := scanPayment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("insert payment request for %s: %w", p.UserID, err)
	}
	return saved, nil
}

func grantPremium(ctx context.Context, tx pgx.Tx, g models.PremiumGrant) error {
	tag, err := tx.Exec(ctx,
		`UPDATE users SET is_premium = TRUE, subscription_expires_at = $2, updated_at = NOW() WHERE id = $1`,
		g.UserID, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("grant premium to %s: %w", g.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func preparePayment(p *models.PaymentRequest) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
}

// CreatePaymentRequest stores a new request, PENDING unless p says otherwise.
func (db *PostgresDB) CreatePaymentRequest(ctx context.Context, p *models.PaymentRequest) (*models.PaymentRequest, error) {
	preparePayment(p)
	var saved *models.PaymentRequest
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		saved, err = insertPayment(ctx, tx, p)
		return err
	})
	return saved, err
}

// CreateApprovedPayment records an externally confirmed payment and grants
// premium in one transaction. A reused transaction id fails with
// ErrDuplicateTransaction and changes nothing.
func (db *PostgresDB) CreateApprovedPayment(ctx context.Context, p *models.PaymentRequest, grant models.PremiumGrant) (*models.PaymentRequest, error) {
	preparePayment(p)
	p.Status = models.PaymentApproved

	var saved *models.PaymentRequest
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if saved, err = insertPayment(ctx, tx, p); err != nil {
			return err
		}
		return grantPremium(ctx, tx, grant)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (db *PostgresDB) GetPaymentRequest(ctx context.Context, id string) (*models.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "get payment request %s", id)
	}
	return p, nil
}

// LatestPaymentRequest returns the newest request of the user.
func (db *PostgresDB) LatestPaymentRequest(ctx context.Context, userID string) (*models.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID))
	if err != nil {
		return nil, notFoundOr(err, "latest payment request of %s", userID)
	}
	return p, nil
}

func (db *PostgresDB) PaymentRequestByTransaction(ctx context.Context, transactionID string) (*models.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE transaction_id = $1`, transactionID))
	if err != nil {
		return nil, notFoundOr(err, "payment request by transaction %s", transactionID)
	}
	return p, nil
}

// ListPendingPayments returns PENDING requests joined with their users, newest first.
func (db *PostgresDB) ListPendingPayments(ctx context.Context) ([]*models.PendingPayment, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT p.id, p.user_id, p.amount, p.currency, p.status, p.receipt_url, p.transaction_id,
			p.created_at, p.updated_at,
			u.id, u.telegram_id, u.first_name, u.last_name, u.username, u.phone_number,
			u.age, u.gender, u.height_cm, u.weight_kg, u.activity, u.goal, u.daily_calorie_goal,
			u.is_premium, u.subscription_expires_at, u.daily_request_count, u.last_request_date,
			u.created_at, u.updated_at
		FROM payment_requests p
		JOIN users u ON u.id = p.user_id
		WHERE p.status = $1
		ORDER BY p.created_at DESC`, string(models.PaymentPending))
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	pending := make([]*models.PendingPayment, 0)
	for rows.Next() {
		var (
			pp                     models.PendingPayment
			status                 string
			gender, activity, goal *string
		)
		p, u := &pp.PaymentRequest, &pp.User
		err := rows.Scan(
			&p.ID, &p.UserID, &p.Amount, &p.Currency, &status, &p.ReceiptURL, &p.TransactionID,
			&p.CreatedAt, &p.UpdatedAt,
			&u.ID, &u.TelegramID, &u.FirstName, &u.LastName, &u.Username, &u.PhoneNumber,
			&u.Age, &gender, &u.HeightCm, &u.WeightKg, &activity, &goal, &u.DailyCalorieGoal,
			&u.IsPremium, &u.SubscriptionExpiresAt, &u.DailyRequestCount, &u.LastRequestDate,
			&u.CreatedAt, &u.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending payment: %w", err)
		}
		p.Status = models.PaymentStatus(status)
		u.Gender = typedPtr[models.Gender](gender)
		u.Activity = typedPtr[models.ActivityLevel](activity)
		u.Goal = typedPtr[models.Goal](goal)
		pending = append(pending, &pp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	return pending, nil
}

// ResolvePaymentRequest moves a PENDING request to status. The transition is
// a conditional update so exactly one of any number of concurrent callers
// wins; the others get ErrNotPending together with the current row. When
// grant is set the user is upgraded in the same transaction.
func (db *PostgresDB) ResolvePaymentRequest(ctx context.Context, id string, status models.PaymentStatus, grant *models.PremiumGrant) (*models.PaymentRequest, error) {
	var resolved *models.PaymentRequest
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE payment_requests SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3
			RETURNING `+paymentColumns, id, string(status), string(models.PaymentPending))
		p, err := scanPayment(row)
		if errors.Is(err, pgx.ErrNoRows) {
			current, err := scanPayment(tx.QueryRow(ctx,
				`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, id))
			if err != nil {
				return notFoundOr(err, "get payment request %s", id)
			}
			resolved = current
			return ErrNotPending
		}
		if err != nil {
			return fmt.Errorf("resolve payment request %s: %w", id, err)
		}
		resolved = p

		if grant != nil {
			return grantPremium(ctx, tx, *grant)
		}
		return nil
	})
	if errors.Is(err, ErrNotPending) {
		return resolved, err
	}
	if err != nil {
		return nil, err
	}
	return resolved, nil
}
