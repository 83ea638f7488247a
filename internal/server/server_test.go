package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"calorie-ai/config"
	"calorie-ai/internal/auth"
	"calorie-ai/internal/bank"
	"calorie-ai/internal/db/dbtest"
	"calorie-ai/internal/models"
	"calorie-ai/internal/nutrition"
	"calorie-ai/internal/subscription"
	"calorie-ai/internal/subscription/subscriptiontest"
	"calorie-ai/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminID int64 = 999

type stubVision struct {
	calls int
}

func (v *stubVision) AnalyzeFood(_ context.Context, imageURL string) *models.FoodAnalysis {
	v.calls++
	return &models.FoodAnalysis{
		Name:        "Плов",
		Calories:    650,
		Protein:     20.5,
		Fat:         25,
		Carbs:       80,
		Ingredients: []string{"рис", "морковь"},
		WeightG:     350,
		Confidence:  0.9,
	}
}

type testEnv struct {
	handler http.Handler
	server  *Server
	store   *dbtest.MemoryStore
	images  *subscriptiontest.FakeUploader
	bank    *subscriptiontest.FakeBank
	bot     *subscriptiontest.RecordingMessenger
	vision  *stubVision
	svc     *subscription.Service
	tokens  *auth.Issuer
}

func testConfig() *config.Config {
	return &config.Config{
		App:      config.AppConfig{Env: "development", Timezone: "UTC"},
		Server:   config.ServerConfig{Port: "0", FrontendURL: "*", MaxUploadMB: 5},
		Telegram: config.TelegramConfig{Token: "123:abc", AdminChatID: testAdminID},
		Limits:   config.LimitsConfig{FreeDailyAnalyses: 3},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  dbtest.NewMemoryStore(),
		images: &subscriptiontest.FakeUploader{},
		bank:   &subscriptiontest.FakeBank{},
		bot:    &subscriptiontest.RecordingMessenger{},
		vision: &stubVision{},
		tokens: auth.NewIssuer("test-secret", time.Hour),
	}
	env.svc = subscription.NewService(subscription.Config{
		AdminChatID: testAdminID,
		Price:       30,
		Currency:    "TJS",
		PremiumDays: 90,
	}, env.store, env.images, env.bank, env.bot, logger.NewNop())
	t.Cleanup(env.svc.Wait)

	env.server = NewServer(cfg, Deps{
		Store:         env.store,
		Images:        env.images,
		Vision:        env.vision,
		Subscriptions: env.svc,
		Tokens:        env.tokens,
	}, logger.NewNop())
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) user(t *testing.T, u models.User) (*models.User, string) {
	t.Helper()
	saved := e.store.AddUser(u)
	token, err := e.tokens.Issue(saved.ID, saved.TelegramID)
	require.NoError(t, err)
	return saved, token
}

func (e *testEnv) do(t *testing.T, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type formFileField struct {
	field, name string
	data        []byte
}

func (e *testEnv) multipart(t *testing.T, target, token string, fields map[string]string, file *formFileField) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile(file.field, file.name)
		require.NoError(t, err)
		_, err = fw.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

var jpeg = []byte("\xff\xd8\xff\xe0 not really a jpeg")

func mockInitData(id int64, username string) string {
	return url.Values{
		"user": {`{"id":` + strconv.FormatInt(id, 10) + `,"first_name":"Ali","username":"` + username + `"}`},
		"hash": {auth.MockHash},
	}.Encode()
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, testConfig())

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestAuthCreatesUserAndIssuesToken(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodPost, "/api/auth", "", map[string]string{"initData": mockInitData(42, "ali")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp authResponse
	decode(t, rec, &resp)
	assert.Equal(t, int64(42), resp.User.TelegramID)
	assert.Equal(t, models.DefaultDailyCalorieGoal, resp.User.DailyCalorieGoal)

	claims, err := env.tokens.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, claims.Subject)

	again := env.do(t, http.MethodPost, "/api/auth", "", map[string]string{"initData": mockInitData(42, "ali_new")})
	require.Equal(t, http.StatusOK, again.Code)
	var second authResponse
	decode(t, again, &second)
	assert.Equal(t, resp.User.ID, second.User.ID)
	require.NotNil(t, second.User.Username)
	assert.Equal(t, "ali_new", *second.User.Username)
}

func TestAuthRejectsMockInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.App.Env = "production"
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodPost, "/api/auth", "", map[string]string{"initData": mockInitData(42, "ali")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthAcceptsSignedInitData(t *testing.T) {
	cfg := testConfig()
	cfg.App.Env = "production"
	env := newTestEnv(t, cfg)

	values := url.Values{
		"auth_date": {"1700000000"},
		"user":      {`{"id":77,"first_name":"Zara"}`},
	}
	values.Set("hash", auth.Sign(values, cfg.Telegram.Token))

	rec := env.do(t, http.MethodPost, "/api/auth", "", map[string]string{"initData": values.Encode()})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestProtectedRoutesNeedOwnToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice, aliceToken := env.user(t, models.User{TelegramID: 1, FirstName: "Alice"})
	bob, _ := env.user(t, models.User{TelegramID: 2, FirstName: "Bob"})

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/user/"+alice.ID, "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/user/"+alice.ID, "garbage", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/user/"+bob.ID, aliceToken, nil).Code)

	rec := env.do(t, http.MethodGet, "/api/user/"+alice.ID, aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp userResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Alice", resp.User.FirstName)
}

func TestUpdateProfileRecomputesGoal(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1, FirstName: "Ali"})

	rec := env.do(t, http.MethodPatch, "/api/user/"+u.ID, token, map[string]interface{}{
		"age": 30, "gender": "MALE", "heightCm": 180, "weightKg": 80.0, "activity": "MODERATE", "goal": "MAINTAIN",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp userResponse
	decode(t, rec, &resp)
	want, ok := nutrition.RecommendedCalories(resp.User)
	require.True(t, ok)
	require.NotNil(t, resp.Recommended)
	assert.Equal(t, want, *resp.Recommended)
	assert.Equal(t, want, resp.User.DailyCalorieGoal)

	rec = env.do(t, http.MethodPatch, "/api/user/"+u.ID, token, map[string]interface{}{"dailyCalorieGoal": 1800})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, 1800, resp.User.DailyCalorieGoal)
}

func TestUpdateProfileValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})

	for _, body := range []map[string]interface{}{
		{"dailyCalorieGoal": 500},
		{"dailyCalorieGoal": 20000},
		{"gender": "OTHER"},
		{"activity": "COUCH"},
		{"age": 3},
	} {
		rec := env.do(t, http.MethodPatch, "/api/user/"+u.ID, token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestAnalyzeEnforcesFreeTier(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})
	fields := map[string]string{"userId": u.ID}
	image := &formFileField{field: "image", name: "dish.jpg", data: jpeg}

	for i := 0; i < 3; i++ {
		rec := env.multipart(t, "/api/analyze", token, fields, image)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp analyzeResponse
		decode(t, rec, &resp)
		assert.Equal(t, "Плов", resp.Name)
		assert.Contains(t, resp.PhotoURL, "https://files.test/meals/")
	}

	rec := env.multipart(t, "/api/analyze", token, fields, image)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, "LIMIT_REACHED", errResp.Code)
	assert.Equal(t, 3, env.vision.calls)
}

func TestAnalyzeIsUnlimitedForPremium(t *testing.T) {
	env := newTestEnv(t, testConfig())
	expires := time.Now().Add(24 * time.Hour)
	u, token := env.user(t, models.User{TelegramID: 1, IsPremium: true, SubscriptionExpiresAt: &expires})

	for i := 0; i < 5; i++ {
		rec := env.multipart(t, "/api/analyze", token, map[string]string{"userId": u.ID},
			&formFileField{field: "image", name: "dish.jpg", data: jpeg})
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAnalyzeNeedsImage(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})

	rec := env.multipart(t, "/api/analyze", token, map[string]string{"userId": u.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMealLifecycle(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})
	_, otherToken := env.user(t, models.User{TelegramID: 2})

	rec := env.multipart(t, "/api/meals", token, map[string]string{
		"userId":      u.ID,
		"photoUrl":    "https://files.test/meals/9",
		"name":        "Салат",
		"calories":    "120",
		"protein":     "3.14",
		"fat":         "7.07",
		"carbs":       "10",
		"ingredients": `["огурец","помидор"]`,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created map[string]*models.Meal
	decode(t, rec, &created)
	meal := created["meal"]
	assert.Equal(t, []string{"огурец", "помидор"}, meal.Ingredients)
	assert.Zero(t, env.vision.calls)

	rec = env.multipart(t, "/api/meals", token, map[string]string{"userId": u.ID},
		&formFileField{field: "photo", name: "p.jpg", data: jpeg})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, env.vision.calls)

	rec = env.do(t, http.MethodGet, "/api/meals/today/"+u.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var today mealsResponse
	decode(t, rec, &today)
	require.Len(t, today.Meals, 2)
	assert.Equal(t, 770, today.Totals.Calories)
	assert.Equal(t, 23.6, today.Totals.Protein)
	assert.Equal(t, 32.1, today.Totals.Fat)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodDelete, "/api/meals/"+meal.ID, otherToken, nil).Code)

	rec = env.do(t, http.MethodDelete, "/api/meals/"+meal.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.images.Deleted, "https://files.test/meals/9")
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/meals/"+meal.ID, token, nil).Code)
}

func TestMealsByDate(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})

	rec := env.multipart(t, "/api/meals", token, map[string]string{
		"userId": u.ID, "photoUrl": "https://files.test/meals/1", "name": "Суп", "calories": "200", "date": "2025-01-15",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/meals/date/"+u.ID+"?date=2025-01-15", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var day mealsResponse
	decode(t, rec, &day)
	require.Len(t, day.Meals, 1)
	assert.Equal(t, 200, day.Totals.Calories)

	rec = env.do(t, http.MethodGet, "/api/meals/date/"+u.ID+"?date=2025-01-16", token, nil)
	decode(t, rec, &day)
	assert.Empty(t, day.Meals)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/meals/date/"+u.ID+"?date=15.01.2025", token, nil).Code)
}

func TestResetUserDataKeepsPremium(t *testing.T) {
	env := newTestEnv(t, testConfig())
	expires := time.Now().Add(48 * time.Hour)
	age := 30
	u, token := env.user(t, models.User{TelegramID: 1, Age: &age, IsPremium: true, SubscriptionExpiresAt: &expires})

	rec := env.multipart(t, "/api/meals", token, map[string]string{
		"userId": u.ID, "photoUrl": "https://files.test/meals/5", "name": "Каша", "calories": "300",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/user/"+u.ID+"/data", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://files.test/meals/5"}, env.images.Deleted)

	after, err := env.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Nil(t, after.Age)
	assert.True(t, after.IsPremium)
}

func TestManualSubscriptionFlow(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1, FirstName: "Ali"})
	_, adminToken := env.user(t, models.User{TelegramID: testAdminID, FirstName: "Admin"})

	rec := env.multipart(t, "/api/subscriptions/request", token,
		map[string]string{"userId": u.ID, "phoneNumber": "+992900000000"},
		&formFileField{field: "receipt", name: "r.jpg", data: jpeg})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created requestResponse
	decode(t, rec, &created)
	assert.Equal(t, models.PaymentPending, created.Request.Status)

	rec = env.do(t, http.MethodGet, "/api/subscriptions/status/"+u.ID, token, nil)
	var st subscription.Status
	decode(t, rec, &st)
	assert.Equal(t, "PENDING", st.LastRequestStatus)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/subscriptions/pending", token, nil).Code)
	rec = env.do(t, http.MethodGet, "/api/subscriptions/pending", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []models.PendingPayment
	decode(t, rec, &pending)
	require.Len(t, pending, 1)

	approve := map[string]string{"requestId": created.Request.ID}
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/subscriptions/approve", token, approve).Code)

	rec = env.do(t, http.MethodPost, "/api/subscriptions/approve", adminToken, approve)
	require.Equal(t, http.StatusOK, rec.Code)
	var res resultResponse
	decode(t, rec, &res)
	assert.True(t, res.Success)
	assert.NotNil(t, res.ExpiresAt)

	rec = env.do(t, http.MethodPost, "/api/subscriptions/reject", adminToken,
		map[string]string{"requestId": created.Request.ID, "reason": "no_funds"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = resultResponse{}
	decode(t, rec, &res)
	assert.False(t, res.Success)
	assert.Equal(t, subscription.MsgAlreadyProcessed, res.Message)

	rec = env.do(t, http.MethodGet, "/api/subscriptions/status/"+u.ID, token, nil)
	decode(t, rec, &st)
	assert.True(t, st.IsPremium)
	assert.Equal(t, "APPROVED", st.LastRequestStatus)

	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/subscriptions/approve", adminToken, map[string]string{"requestId": "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/api/subscriptions/reject", adminToken, map[string]string{"requestId": "x", "reason": "bored"}).Code)
}

func TestSubscriptionRequestNeedsReceipt(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})

	rec := env.multipart(t, "/api/subscriptions/request", token, map[string]string{"userId": u.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.store.Payments())
}

func TestSubscriptionRequestValidatesPhone(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})
	receipt := &formFileField{field: "receipt", name: "r.jpg", data: jpeg}

	rec := env.multipart(t, "/api/subscriptions/request", token,
		map[string]string{"userId": u.ID, "phoneNumber": "+992`90*"}, receipt)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.store.Payments())

	rec = env.multipart(t, "/api/subscriptions/request", token,
		map[string]string{"userId": u.ID, "phoneNumber": "+992 (90) 000-00-00"}, receipt)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := env.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PhoneNumber)
	assert.Equal(t, "+992900000000", *stored.PhoneNumber)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+992900000000", normalizePhone(" +992 90-000 (00) 00 "))
	assert.Equal(t, "", normalizePhone("  "))
}

func TestVerifyBankPayment(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 555})
	env.bank.Transactions = []bank.Transaction{{DocNum: "88", Credit: "30", Purpose: "555"}}

	rec := env.do(t, http.MethodPost, "/api/subscriptions/verify-dc", token, map[string]string{"userId": u.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var res subscription.VerifyResult
	decode(t, rec, &res)
	assert.True(t, res.Success)

	rec = env.do(t, http.MethodPost, "/api/subscriptions/verify-dc", token, map[string]string{"userId": u.ID})
	res = subscription.VerifyResult{}
	decode(t, rec, &res)
	assert.False(t, res.Success)
	assert.Equal(t, subscription.MsgPaymentAlreadyUsed, res.Message)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/subscriptions/verify-dc", token, "{}").Code)
}

func TestOptionalIntegrationsAreOff(t *testing.T) {
	env := newTestEnv(t, testConfig())
	u, token := env.user(t, models.User{TelegramID: 1})

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/webhooks/telegram", "", "{}").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/webhooks/stripe", "", "{}").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		env.do(t, http.MethodPost, "/api/subscriptions/checkout", token, map[string]string{"userId": u.ID}).Code)
}

func TestAnalyzeIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.AnalyzeRPS = 0.001
	cfg.Limits.AnalyzeBurst = 1
	cfg.Limits.FreeDailyAnalyses = 10
	env := newTestEnv(t, cfg)
	u, token := env.user(t, models.User{TelegramID: 1})
	image := &formFileField{field: "image", name: "dish.jpg", data: jpeg}

	assert.Equal(t, http.StatusOK, env.multipart(t, "/api/analyze", token, map[string]string{"userId": u.ID}, image).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.multipart(t, "/api/analyze", token, map[string]string{"userId": u.ID}, image).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, testConfig())
	req := httptest.NewRequest(http.MethodOptions, "/api/auth", strings.NewReader(""))
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
