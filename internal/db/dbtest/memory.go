// Package dbtest provides an in-memory stand-in for db.PostgresDB with the
// same error contract, for tests of the layers above it.
package dbtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"calorie-ai/internal/db"
	"calorie-ai/internal/models"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu       sync.Mutex
	seq      int
	users    map[string]*models.User
	meals    map[string]*models.Meal
	payments map[string]*models.PaymentRequest
	order    map[string]int
	failures map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*models.User),
		meals:    make(map[string]*models.Meal),
		payments: make(map[string]*models.PaymentRequest),
		order:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// FailOn makes every later call of method return err until cleared with nil.
func (m *MemoryStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MemoryStore) fail(method string) error {
	return m.failures[method]
}

func (m *MemoryStore) next() int {
	m.seq++
	return m.seq
}

// AddUser inserts u as is, filling id and defaults.
func (m *MemoryStore) AddUser(u models.User) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.DailyCalorieGoal == 0 {
		u.DailyCalorieGoal = models.DefaultDailyCalorieGoal
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt, u.UpdatedAt = now, now
	}
	if u.LastRequestDate.IsZero() {
		u.LastRequestDate = now
	}
	m.users[u.ID] = &u
	return copyUser(&u)
}

func copyUser(u *models.User) *models.User {
	c := *u
	return &c
}

func copyPayment(p *models.PaymentRequest) *models.PaymentRequest {
	c := *p
	return &c
}

func copyMeal(meal *models.Meal) *models.Meal {
	c := *meal
	c.Ingredients = append([]string{}, meal.Ingredients...)
	return &c
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetUser"); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MemoryStore) GetUserByTelegramID(_ context.Context, telegramID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TelegramID == telegramID {
			return copyUser(u), nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MemoryStore) UpsertTelegramUser(_ context.Context, telegramID int64, firstName string, lastName, username *string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertTelegramUser"); err != nil {
		return nil, err
	}
	for _, u := range m.users {
		if u.TelegramID == telegramID {
			u.Username = username
			u.UpdatedAt = time.Now()
			return copyUser(u), nil
		}
	}
	now := time.Now()
	u := &models.User{
		ID:               uuid.NewString(),
		TelegramID:       telegramID,
		FirstName:        firstName,
		LastName:         lastName,
		Username:         username,
		DailyCalorieGoal: models.DefaultDailyCalorieGoal,
		LastRequestDate:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.users[u.ID] = u
	return copyUser(u), nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, id string, upd models.ProfileUpdate) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.Age != nil {
		u.Age = upd.Age
	}
	if upd.Gender != nil {
		u.Gender = upd.Gender
	}
	if upd.HeightCm != nil {
		u.HeightCm = upd.HeightCm
	}
	if upd.WeightKg != nil {
		u.WeightKg = upd.WeightKg
	}
	if upd.Activity != nil {
		u.Activity = upd.Activity
	}
	if upd.Goal != nil {
		u.Goal = upd.Goal
	}
	if upd.DailyCalorieGoal != nil {
		u.DailyCalorieGoal = *upd.DailyCalorieGoal
	}
	u.UpdatedAt = time.Now()
	return copyUser(u), nil
}

func (m *MemoryStore) UpdateUserPhone(_ context.Context, userID, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	u.PhoneNumber = &phone
	return nil
}

func (m *MemoryStore) ConsumeAnalysis(_ context.Context, userID string, decide db.UsageFunc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, db.ErrNotFound
	}
	count, day, allowed := decide(copyUser(u))
	if allowed {
		u.DailyRequestCount = count
		u.LastRequestDate = day
	}
	return allowed, nil
}

func (m *MemoryStore) ResetUserData(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	u.Age, u.Gender, u.HeightCm, u.WeightKg, u.Activity, u.Goal = nil, nil, nil, nil, nil, nil
	u.DailyCalorieGoal = models.DefaultDailyCalorieGoal
	u.DailyRequestCount = 0

	var photos []string
	for id, meal := range m.meals {
		if meal.UserID == userID {
			if meal.PhotoURL != "" {
				photos = append(photos, meal.PhotoURL)
			}
			delete(m.meals, id)
		}
	}
	for id, p := range m.payments {
		if p.UserID == userID {
			delete(m.payments, id)
		}
	}
	sort.Strings(photos)
	return photos, nil
}

func (m *MemoryStore) CreateMeal(_ context.Context, meal *models.Meal) (*models.Meal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateMeal"); err != nil {
		return nil, err
	}
	if _, ok := m.users[meal.UserID]; !ok {
		return nil, db.ErrNotFound
	}
	c := copyMeal(meal)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now()
	if c.Date.IsZero() {
		c.Date = c.CreatedAt
	}
	m.meals[c.ID] = c
	m.order[c.ID] = m.next()
	return copyMeal(c), nil
}

func (m *MemoryStore) MealsBetween(_ context.Context, userID string, from, to time.Time) ([]*models.Meal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Meal, 0)
	for _, meal := range m.meals {
		if meal.UserID == userID && !meal.Date.Before(from) && meal.Date.Before(to) {
			out = append(out, copyMeal(meal))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return m.order[out[i].ID] > m.order[out[j].ID]
	})
	return out, nil
}

func (m *MemoryStore) GetMeal(_ context.Context, id string) (*models.Meal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meal, ok := m.meals[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyMeal(meal), nil
}

func (m *MemoryStore) DeleteMeal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meals[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.meals, id)
	return nil
}

func (m *MemoryStore) insertPayment(p *models.PaymentRequest) (*models.PaymentRequest, error) {
	if _, ok := m.users[p.UserID]; !ok {
		return nil, db.ErrNotFound
	}
	if p.TransactionID != nil {
		for _, existing := range m.payments {
			if existing.TransactionID != nil && *existing.TransactionID == *p.TransactionID {
				return nil, db.ErrDuplicateTransaction
			}
		}
	}
	c := copyPayment(p)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.PaymentPending
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.payments[c.ID] = c
	m.order[c.ID] = m.next()
	return copyPayment(c), nil
}

func (m *MemoryStore) CreatePaymentRequest(_ context.Context, p *models.PaymentRequest) (*models.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreatePaymentRequest"); err != nil {
		return nil, err
	}
	return m.insertPayment(p)
}

func (m *MemoryStore) CreateApprovedPayment(_ context.Context, p *models.PaymentRequest, grant models.PremiumGrant) (*models.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateApprovedPayment"); err != nil {
		return nil, err
	}
	u, ok := m.users[grant.UserID]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := copyPayment(p)
	c.Status = models.PaymentApproved
	saved, err := m.insertPayment(c)
	if err != nil {
		return nil, err
	}
	expires := grant.ExpiresAt
	u.IsPremium, u.SubscriptionExpiresAt = true, &expires
	return saved, nil
}

func (m *MemoryStore) GetPaymentRequest(_ context.Context, id string) (*models.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) LatestPaymentRequest(_ context.Context, userID string) (*models.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.PaymentRequest
	for _, p := range m.payments {
		if p.UserID == userID && (latest == nil || m.order[p.ID] > m.order[latest.ID]) {
			latest = p
		}
	}
	if latest == nil {
		return nil, db.ErrNotFound
	}
	return copyPayment(latest), nil
}

func (m *MemoryStore) PaymentRequestByTransaction(_ context.Context, transactionID string) (*models.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TransactionID != nil && *p.TransactionID == transactionID {
			return copyPayment(p), nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MemoryStore) ListPendingPayments(_ context.Context) ([]*models.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PendingPayment, 0)
	for _, p := range m.payments {
		if p.Status != models.PaymentPending {
			continue
		}
		pp := &models.PendingPayment{PaymentRequest: *p}
		if u, ok := m.users[p.UserID]; ok {
			pp.User = *u
		}
		out = append(out, pp)
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] > m.order[out[j].ID] })
	return out, nil
}

// ResolvePaymentRequest mirrors the conditional update: only a PENDING row
// moves, and the grant is applied under the same lock.
func (m *MemoryStore) ResolvePaymentRequest(_ context.Context, id string, status models.PaymentStatus, grant *models.PremiumGrant) (*models.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ResolvePaymentRequest"); err != nil {
		return nil, err
	}
	p, ok := m.payments[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if p.Status != models.PaymentPending {
		return copyPayment(p), db.ErrNotPending
	}

	var u *models.User
	if grant != nil {
		if u, ok = m.users[grant.UserID]; !ok {
			return nil, db.ErrNotFound
		}
	}

	p.Status = status
	p.UpdatedAt = time.Now()
	if u != nil {
		expires := grant.ExpiresAt
		u.IsPremium, u.SubscriptionExpiresAt = true, &expires
	}
	return copyPayment(p), nil
}

// Payments returns every stored request, oldest first.
func (m *MemoryStore) Payments() []*models.PaymentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PaymentRequest, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, copyPayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out
}
