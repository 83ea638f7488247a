// Package subscription decides who becomes premium: by admin review of an
// uploaded receipt, by matching a bank transfer, or by a completed card
// checkout.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"calorie-ai/internal/bank"
	"calorie-ai/internal/db"
	"calorie-ai/internal/metrics"
	"calorie-ai/internal/models"
	"calorie-ai/internal/storage"
	"calorie-ai/pkg/logger"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUserNotFound     = errors.New("user not found")
	ErrRequestNotFound  = errors.New("payment request not found")
	ErrAlreadyProcessed = errors.New("payment request already processed")
)

// Store is the persistence the workflow needs. *db.PostgresDB implements it.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUserPhone(ctx context.Context, userID, phone string) error
	CreatePaymentRequest(ctx context.Context, p *models.PaymentRequest) (*models.PaymentRequest, error)
	GetPaymentRequest(ctx context.Context, id string) (*models.PaymentRequest, error)
	LatestPaymentRequest(ctx context.Context, userID string) (*models.PaymentRequest, error)
	PaymentRequestByTransaction(ctx context.Context, transactionID string) (*models.PaymentRequest, error)
	ListPendingPayments(ctx context.Context) ([]*models.PendingPayment, error)
	ResolvePaymentRequest(ctx context.Context, id string, status models.PaymentStatus, grant *models.PremiumGrant) (*models.PaymentRequest, error)
	CreateApprovedPayment(ctx context.Context, p *models.PaymentRequest, grant models.PremiumGrant) (*models.PaymentRequest, error)
}

type ReceiptStore interface {
	Upload(ctx context.Context, data []byte, contentType, folder string) (string, error)
}

type BankClient interface {
	FindPayment(ctx context.Context, matchKey string, amount float64) (*bank.Transaction, error)
}

// Messenger delivers bot messages. Every call is best-effort from the
// workflow's point of view.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string, keyboard Keyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error
}

type Config struct {
	AdminChatID   int64
	Price         float64
	Currency      string
	PremiumDays   int
	NotifyTimeout time.Duration
}

func (c Config) period() time.Duration {
	return time.Duration(c.PremiumDays) * 24 * time.Hour
}

type Service struct {
	cfg      Config
	store    Store
	receipts ReceiptStore
	bank     BankClient
	bot      Messenger
	log      *logger.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

func NewService(cfg Config, store Store, receipts ReceiptStore, bankClient BankClient, bot Messenger, log *logger.Logger) *Service {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 15 * time.Second
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		receipts: receipts,
		bank:     bankClient,
		bot:      bot,
		log:      log.Named("subscription"),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Wait blocks until every detached notification has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// detach runs fn in the background under its own bounded context. Failures
// are logged and counted, never returned.
func (s *Service) detach(kind string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()

		err := fn(ctx)
		metrics.RecordNotification(kind, err)
		if err != nil {
			s.log.Warnw("notification failed", "kind", kind, "error", err)
		}
	}()
}

func (s *Service) getUser(ctx context.Context, id string) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

type ManualRequest struct {
	UserID      string
	Receipt     []byte
	ContentType string
	PhoneNumber string
}

// RequestManual stores the receipt, opens a PENDING request and notifies the
// admin in the background.
func (s *Service) RequestManual(ctx context.Context, in ManualRequest) (*models.PaymentRequest, error) {
	if in.UserID == "" || len(in.Receipt) == 0 {
		return nil, fmt.Errorf("%w: user id and receipt image required", ErrInvalidInput)
	}

	user, err := s.getUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	if in.PhoneNumber != "" && (user.PhoneNumber == nil || *user.PhoneNumber != in.PhoneNumber) {
		if err := s.store.UpdateUserPhone(ctx, user.ID, in.PhoneNumber); err != nil {
			return nil, fmt.Errorf("update phone: %w", err)
		}
		phone := in.PhoneNumber
		user.PhoneNumber = &phone
	}

	receiptURL, err := s.receipts.Upload(ctx, in.Receipt, in.ContentType, storage.FolderReceipts)
	if err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}

	req, err := s.store.CreatePaymentRequest(ctx, &models.PaymentRequest{
		UserID:     user.ID,
		Amount:     s.cfg.Price,
		Currency:   s.cfg.Currency,
		Status:     models.PaymentPending,
		ReceiptURL: &receiptURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment request: %w", err)
	}

	s.log.Infow("subscription request created", "request_id", req.ID, "user_id", user.ID)
	metrics.RecordSubscription("manual", "requested")

	caption := receiptCaption(user, req.ID)
	receipt := in.Receipt
	s.detach("admin_receipt", func(ctx context.Context) error {
		return s.bot.SendPhoto(ctx, s.cfg.AdminChatID, receipt, caption, receiptKeyboard(req.ID))
	})
	return req, nil
}

// Status is what the Mini App shows on the premium screen.
type Status struct {
	IsPremium         bool       `json:"isPremium"`
	ExpiresAt         *time.Time `json:"subscriptionExpiresAt"`
	LastRequestStatus string     `json:"lastRequestStatus"`
	LastRequestDate   *time.Time `json:"lastRequestDate"`
}

const statusNone = "NONE"

// Status reports effective premium and the newest request. Unknown users get
// the empty status rather than an error.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	st := &Status{LastRequestStatus: statusNone}

	user, err := s.getUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.IsPremium = user.PremiumActive(s.now())
	st.ExpiresAt = user.SubscriptionExpiresAt

	last, err := s.store.LatestPaymentRequest(ctx, userID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load latest request: %w", err)
	default:
		st.LastRequestStatus = string(last.Status)
		created := last.CreatedAt
		st.LastRequestDate = &created
	}
	return st, nil
}

func (s *Service) ListPending(ctx context.Context) ([]*models.PendingPayment, error) {
	pending, err := s.store.ListPendingPayments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return pending, nil
}

// Resolution is the outcome of an admin decision. On ErrAlreadyProcessed
// Request holds the current row.
type Resolution struct {
	Request   *models.PaymentRequest
	ExpiresAt *time.Time
}

// Approve moves a PENDING request to APPROVED and grants premium in the same
// transaction, then tells the user in the background.
func (s *Service) Approve(ctx context.Context, requestID string) (*Resolution, error) {
	req, err := s.pendingRequest(ctx, requestID)
	if err != nil {
		return &Resolution{Request: req}, err
	}

	expires := s.now().Add(s.cfg.period())
	grant := &models.PremiumGrant{UserID: req.UserID, ExpiresAt: expires}

	resolved, err := s.resolve(ctx, requestID, models.PaymentApproved, grant)
	if err != nil {
		return &Resolution{Request: resolved}, err
	}

	s.log.Infow("payment approved", "request_id", requestID, "user_id", req.UserID, "expires_at", expires)
	metrics.RecordSubscription("manual", "approved")

	s.notifyUser(resolved.UserID, "user_approved", approvedUserText(s.cfg.PremiumDays))
	return &Resolution{Request: resolved, ExpiresAt: &expires}, nil
}

// Reject moves a PENDING request to REJECTED. Premium state is not touched.
func (s *Service) Reject(ctx context.Context, requestID string, reason RejectReason) (*Resolution, error) {
	if _, ok := ParseRejectReason(string(reason)); !ok {
		return nil, fmt.Errorf("%w: unknown reject reason %q", ErrInvalidInput, reason)
	}
	if req, err := s.pendingRequest(ctx, requestID); err != nil {
		return &Resolution{Request: req}, err
	}

	resolved, err := s.resolve(ctx, requestID, models.PaymentRejected, nil)
	if err != nil {
		return &Resolution{Request: resolved}, err
	}

	s.log.Infow("payment rejected", "request_id", requestID, "user_id", resolved.UserID, "reason", reason)
	metrics.RecordSubscription("manual", "rejected")

	s.notifyUser(resolved.UserID, "user_rejected", rejectedUserText(reason))
	return &Resolution{Request: resolved}, nil
}

// pendingRequest is the cheap early exit; the conditional update in resolve
// remains the authoritative guard.
func (s *Service) pendingRequest(ctx context.Context, requestID string) (*models.PaymentRequest, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id required", ErrInvalidInput)
	}
	req, err := s.store.GetPaymentRequest(ctx, requestID)
	if errors.Is(err, db.ErrNotFound) {
		metrics.RecordSubscription("manual", "not_found")
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment request: %w", err)
	}
	if req.Status != models.PaymentPending {
		metrics.RecordSubscription("manual", "already_processed")
		return req, ErrAlreadyProcessed
	}
	return req, nil
}

func (s *Service) resolve(ctx context.Context, requestID string, status models.PaymentStatus, grant *models.PremiumGrant) (*models.PaymentRequest, error) {
	resolved, err := s.store.ResolvePaymentRequest(ctx, requestID, status, grant)
	switch {
	case errors.Is(err, db.ErrNotPending):
		metrics.RecordSubscription("manual", "already_processed")
		return resolved, ErrAlreadyProcessed
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrRequestNotFound
	case err != nil:
		return nil, fmt.Errorf("resolve payment request: %w", err)
	}
	return resolved, nil
}

func (s *Service) notifyUser(userID, kind, text string) {
	s.detach(kind, func(ctx context.Context) error {
		u, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("load user %s: %w", userID, err)
		}
		return s.bot.SendText(ctx, u.TelegramID, text)
	})
}

// VerifyResult is the answer of the automated paths.
type VerifyResult struct {
	Success   bool       `json:"success"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// MatchKey is the comment a user puts on a bank transfer.
func MatchKey(u *models.User) string {
	return strconv.FormatInt(u.TelegramID, 10)
}

// VerifyBankPayment looks for the user's transfer in the bank statement and,
// on a fresh match, records an APPROVED request together with the premium
// grant. A transfer already recorded is reported as used.
func (s *Service) VerifyBankPayment(ctx context.Context, userID string) (*VerifyResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	key := MatchKey(user)
	tx, err := s.bank.FindPayment(ctx, key, s.cfg.Price)
	if err != nil {
		s.log.Errorw("bank lookup failed", "user_id", userID, "error", err)
		metrics.RecordSubscription("bank", "lookup_failed")
		return &VerifyResult{Message: MsgPaymentNotFound}, nil
	}
	if tx == nil {
		metrics.RecordSubscription("bank", "no_match")
		return &VerifyResult{Message: MsgPaymentNotFound}, nil
	}

	result, err := s.activate(ctx, user, tx.DocNum, s.cfg.Price, s.cfg.Currency, "bank")
	if err != nil {
		return nil, err
	}
	if result.Success {
		text := autoPaymentText("Новая оплата через DC Wallet!", user, s.cfg.Price, s.cfg.Currency,
			tx.DocNum, s.cfg.PremiumDays)
		s.detach("admin_bank_payment", func(ctx context.Context) error {
			return s.bot.SendText(ctx, s.cfg.AdminChatID, text)
		})
	}
	return result, nil
}

// CheckoutPayment is a completed card payment.
type CheckoutPayment struct {
	UserID        string
	TransactionID string
	Amount        float64
	Currency      string
}

// ActivateCheckout grants premium for a completed card checkout. Repeated
// deliveries of the same payment are reported as used and change nothing.
func (s *Service) ActivateCheckout(ctx context.Context, p CheckoutPayment) (*VerifyResult, error) {
	if p.UserID == "" || p.TransactionID == "" {
		return nil, fmt.Errorf("%w: user id and transaction id required", ErrInvalidInput)
	}
	user, err := s.getUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	result, err := s.activate(ctx, user, p.TransactionID, p.Amount, p.Currency, "card")
	if err != nil {
		return nil, err
	}
	if result.Success {
		text := autoPaymentText("Новая оплата картой!", user, p.Amount, p.Currency, p.TransactionID, s.cfg.PremiumDays)
		s.detach("admin_card_payment", func(ctx context.Context) error {
			return s.bot.SendText(ctx, s.cfg.AdminChatID, text)
		})
	}
	return result, nil
}

func (s *Service) activate(ctx context.Context, user *models.User, transactionID string, amount float64, currency, path string) (*VerifyResult, error) {
	_, err := s.store.PaymentRequestByTransaction(ctx, transactionID)
	switch {
	case err == nil:
		metrics.RecordSubscription(path, "duplicate")
		return &VerifyResult{Message: MsgPaymentAlreadyUsed}, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("check transaction %s: %w", transactionID, err)
	}

	expires := s.now().Add(s.cfg.period())
	txID := transactionID
	_, err = s.store.CreateApprovedPayment(ctx, &models.PaymentRequest{
		UserID:        user.ID,
		Amount:        amount,
		Currency:      currency,
		TransactionID: &txID,
	}, models.PremiumGrant{UserID: user.ID, ExpiresAt: expires})
	switch {
	case errors.Is(err, db.ErrDuplicateTransaction):
		metrics.RecordSubscription(path, "duplicate")
		return &VerifyResult{Message: MsgPaymentAlreadyUsed}, nil
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("record payment %s: %w", transactionID, err)
	}

	s.log.Infow("payment verified", "path", path, "user_id", user.ID, "transaction_id", transactionID,
		"expires_at", expires)
	metrics.RecordSubscription(path, "approved")
	return &VerifyResult{Success: true, ExpiresAt: &expires}, nil
}

// HandleAdminCallback applies an admin button press. The press is answered
// before the decision is applied, and the admin message loses its buttons
// whatever the outcome. Telegram accepts one answer per press.
func (s *Service) HandleAdminCallback(ctx context.Context, cb AdminCallback) error {
	if cb.FromID != s.cfg.AdminChatID {
		s.log.Warnw("callback from non-admin ignored", "from_id", cb.FromID)
		s.answer(ctx, cb.ID, callbackForbidden, true)
		return nil
	}

	action, err := ParseCallbackData(cb.Data)
	if err != nil {
		s.log.Warnw("unknown callback", "data", cb.Data, "error", err)
		s.answer(ctx, cb.ID, callbackUnknown, true)
		return nil
	}

	s.answer(ctx, cb.ID, callbackProcessing, false)

	var (
		res     *Resolution
		caption string
	)
	switch action.Kind {
	case ActionApprove:
		res, err = s.Approve(ctx, action.RequestID)
		caption = approvedCaption(cb.Caption)
	case ActionReject:
		res, err = s.Reject(ctx, action.RequestID, action.Reason)
		caption = rejectedCaption(cb.Caption, action.Reason)
	}

	switch {
	case errors.Is(err, ErrRequestNotFound):
		s.log.Warnw("callback for unknown request", "request_id", action.RequestID)
		caption = notFoundCaption(cb.Caption)
	case errors.Is(err, ErrAlreadyProcessed):
		status := models.PaymentStatus("UNKNOWN")
		if res != nil && res.Request != nil {
			status = res.Request.Status
		}
		s.log.Infow("callback for processed request", "request_id", action.RequestID, "status", status)
		caption = alreadyProcessedCaption(cb.Caption, status)
	case err != nil:
		return fmt.Errorf("apply %s for %s: %w", action.Kind, action.RequestID, err)
	}

	s.detach("admin_edit", func(ctx context.Context) error {
		return s.bot.EditCaption(ctx, cb.ChatID, cb.MessageID, caption)
	})
	return nil
}

func (s *Service) answer(ctx context.Context, callbackID, text string, alert bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.bot.AnswerCallback(ctx, callbackID, text, alert); err != nil {
		s.log.Warnw("failed to answer callback", "callback_id", callbackID, "error", err)
	}
}
