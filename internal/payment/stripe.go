// Package payment runs the card checkout through Stripe.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"calorie-ai/config"
	"calorie-ai/internal/subscription"
	"calorie-ai/pkg/logger"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
)

var (
	ErrNotConfigured    = errors.New("card payments are not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

const eventCheckoutCompleted = "checkout.session.completed"

// Activator grants premium for a completed checkout.
type Activator interface {
	ActivateCheckout(ctx context.Context, p subscription.CheckoutPayment) (*subscription.VerifyResult, error)
}

type StripeClient struct {
	api    *client.API
	cfg    config.StripeConfig
	logger *logger.Logger
}

func NewStripeClient(cfg config.StripeConfig, log *logger.Logger) *StripeClient {
	return NewStripeClientWithBackends(cfg, nil, log)
}

// NewStripeClientWithBackends lets the API calls go somewhere other than
// api.stripe.com. A nil backends uses the defaults.
func NewStripeClientWithBackends(cfg config.StripeConfig, backends *stripe.Backends, log *logger.Logger) *StripeClient {
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &StripeClient{api: api, cfg: cfg, logger: log.Named("stripe")}
}

func (s *StripeClient) Enabled() bool {
	return s != nil && s.cfg.Enabled()
}

// Checkout is an open checkout session.
type Checkout struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CreateCheckoutSession opens a one-off card payment for the premium price.
// The user id travels as the client reference and comes back in the webhook.
func (s *StripeClient) CreateCheckoutSession(userID string) (*Checkout, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.AddMetadata("user_id", userID)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Infow("checkout session created", "session_id", sess.ID, "user_id", userID)
	return &Checkout{SessionID: sess.ID, URL: sess.URL}, nil
}

// HandleWebhook verifies a Stripe event and activates premium for completed
// checkouts. Other event types are acknowledged and ignored.
func (s *StripeClient) HandleWebhook(ctx context.Context, payload []byte, signature string, activator Activator) error {
	if !s.Enabled() {
		return ErrNotConfigured
	}

	event, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case eventCheckoutCompleted:
		p, err := checkoutPayment(event)
		if err != nil {
			return err
		}
		res, err := activator.ActivateCheckout(ctx, *p)
		if err != nil {
			return fmt.Errorf("activate checkout %s: %w", p.TransactionID, err)
		}
		s.logger.Infow("checkout processed", "user_id", p.UserID, "transaction_id", p.TransactionID,
			"activated", res.Success)

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		s.logger.Warnw("card payment failed", "payment_intent", intent.ID)

	default:
		s.logger.Debugw("ignoring stripe event", "type", event.Type)
	}
	return nil
}

func checkoutPayment(event stripe.Event) (*subscription.CheckoutPayment, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: no data", ErrMalformedEvent)
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if sess.ClientReferenceID == "" {
		return nil, fmt.Errorf("%w: session %s has no client reference", ErrMalformedEvent, sess.ID)
	}

	reference := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		reference = sess.PaymentIntent.ID
	}
	return &subscription.CheckoutPayment{
		UserID:        sess.ClientReferenceID,
		TransactionID: "stripe:" + reference,
		Amount:        float64(sess.AmountTotal) / 100,
		Currency:      strings.ToUpper(string(sess.Currency)),
	}, nil
}
