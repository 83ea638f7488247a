package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"calorie-ai/internal/models"
	"calorie-ai/internal/payment"
	"calorie-ai/internal/subscription"

	"github.com/go-chi/chi/v5"
)

// respondSubscriptionError maps workflow errors onto status codes. An already
// processed request is a normal outcome, not a failure.
func (s *Server) respondSubscriptionError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, subscription.ErrInvalidInput):
		respondError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, subscription.ErrUserNotFound):
		respondError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, subscription.ErrRequestNotFound):
		respondError(w, "Request not found", http.StatusNotFound)
	case errors.Is(err, subscription.ErrAlreadyProcessed):
		respondJSON(w, http.StatusOK, resultResponse{Message: subscription.MsgAlreadyProcessed})
	default:
		s.logger.Errorw(op+" failed", "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
	}
}

type resultResponse struct {
	Success   bool       `json:"success"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type requestResponse struct {
	Success bool                   `json:"success"`
	Request *models.PaymentRequest `json:"request"`
}

func (s *Server) handleSubscriptionRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		respondError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	userID := r.FormValue("userId")
	receipt, contentType, err := formFile(r, "receipt")
	if err != nil {
		respondError(w, "User ID and Receipt Image required", http.StatusBadRequest)
		return
	}
	if !s.authorizeUser(w, r, userID) {
		return
	}
	phone := normalizePhone(r.FormValue("phoneNumber"))
	if err := s.validate.Var(phone, "omitempty,e164"); err != nil {
		respondError(w, "Invalid phone number", http.StatusBadRequest)
		return
	}

	req, err := s.deps.Subscriptions.RequestManual(r.Context(), subscription.ManualRequest{
		UserID:      userID,
		Receipt:     receipt,
		ContentType: contentType,
		PhoneNumber: phone,
	})
	if err != nil {
		s.respondSubscriptionError(w, err, "subscription request")
		return
	}
	respondJSON(w, http.StatusOK, requestResponse{Success: true, Request: req})
}

// normalizePhone drops the separators people type into phone fields.
func normalizePhone(s string) string {
	return phoneSeparators.Replace(strings.TrimSpace(s))
}

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !s.authorizeUser(w, r, userID) {
		return
	}
	st, err := s.deps.Subscriptions.Status(r.Context(), userID)
	if err != nil {
		s.respondSubscriptionError(w, err, "subscription status")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type userRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (s *Server) handleVerifyBank(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, "User ID required", http.StatusBadRequest)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}

	res, err := s.deps.Subscriptions.VerifyBankPayment(r.Context(), req.UserID)
	if err != nil {
		s.respondSubscriptionError(w, err, "bank verification")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, "User ID required", http.StatusBadRequest)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	if !s.deps.Stripe.Enabled() {
		respondError(w, "Card payments are not available", http.StatusServiceUnavailable)
		return
	}

	checkout, err := s.deps.Stripe.CreateCheckoutSession(req.UserID)
	if err != nil {
		s.logger.Errorw("failed to create checkout", "user_id", req.UserID, "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, checkout)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Subscriptions.ListPending(r.Context())
	if err != nil {
		s.respondSubscriptionError(w, err, "list pending")
		return
	}
	respondJSON(w, http.StatusOK, pending)
}

type decisionRequest struct {
	RequestID string `json:"requestId" validate:"required"`
	Reason    string `json:"reason" validate:"omitempty,oneof=no_image no_funds"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, "Request ID required", http.StatusBadRequest)
		return
	}

	res, err := s.deps.Subscriptions.Approve(r.Context(), req.RequestID)
	if err != nil {
		s.respondSubscriptionError(w, err, "approve")
		return
	}
	respondJSON(w, http.StatusOK, resultResponse{Success: true, ExpiresAt: res.ExpiresAt})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	reason := subscription.ReasonNoFunds
	if req.Reason != "" {
		reason = subscription.RejectReason(req.Reason)
	}

	if _, err := s.deps.Subscriptions.Reject(r.Context(), req.RequestID, reason); err != nil {
		s.respondSubscriptionError(w, err, "reject")
		return
	}
	respondJSON(w, http.StatusOK, resultResponse{Success: true})
}

func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.TelegramHook == nil {
		respondError(w, "Not found", http.StatusNotFound)
		return
	}
	s.deps.TelegramHook.ServeHTTP(w, r)
}

const maxWebhookBody = 64 << 10

// handleStripeWebhook answers 2xx for anything Stripe should not redeliver.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	err = s.deps.Stripe.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"), s.deps.Subscriptions)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, payment.ErrNotConfigured):
		respondError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, payment.ErrInvalidSignature), errors.Is(err, payment.ErrMalformedEvent):
		s.logger.Warnw("rejected stripe webhook", "error", err)
		respondError(w, "Invalid webhook", http.StatusBadRequest)
	case errors.Is(err, subscription.ErrUserNotFound), errors.Is(err, subscription.ErrInvalidInput):
		s.logger.Errorw("stripe checkout for unusable user", "error", err)
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	default:
		s.logger.Errorw("stripe webhook failed", "error", err)
		respondError(w, "Internal error", http.StatusInternalServerError)
	}
}
