package models

import "time"

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentApproved PaymentStatus = "APPROVED"
	PaymentRejected PaymentStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentApproved || s == PaymentRejected
}

// PaymentRequest is one subscription-payment attempt.
type PaymentRequest struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Amount        float64       `json:"amount"`
	Currency      string        `json:"currency"`
	Status        PaymentStatus `json:"status"`
	ReceiptURL    *string       `json:"receiptUrl"`
	TransactionID *string       `json:"transactionId"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// PendingPayment is a PENDING request joined with its owner.
type PendingPayment struct {
	PaymentRequest
	User User `json:"user"`
}

// PremiumGrant is the user-side half of an approval.
type PremiumGrant struct {
	UserID    string
	ExpiresAt time.Time
}
