// Package server exposes the Mini App HTTP API.
package server

import (
	"context"
	"net/http"
	"time"

	"calorie-ai/config"
	"calorie-ai/internal/auth"
	"calorie-ai/internal/db"
	"calorie-ai/internal/metrics"
	"calorie-ai/internal/models"
	"calorie-ai/internal/nutrition"
	"calorie-ai/internal/payment"
	"calorie-ai/internal/subscription"
	"calorie-ai/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
)

// Store is the persistence the handlers use directly. Subscription state goes
// through the subscription service.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertTelegramUser(ctx context.Context, telegramID int64, firstName string, lastName, username *string) (*models.User, error)
	UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.User, error)
	ConsumeAnalysis(ctx context.Context, userID string, decide db.UsageFunc) (bool, error)
	ResetUserData(ctx context.Context, userID string) ([]string, error)

	CreateMeal(ctx context.Context, m *models.Meal) (*models.Meal, error)
	MealsBetween(ctx context.Context, userID string, from, to time.Time) ([]*models.Meal, error)
	GetMeal(ctx context.Context, id string) (*models.Meal, error)
	DeleteMeal(ctx context.Context, id string) error
}

type ImageStore interface {
	Upload(ctx context.Context, data []byte, contentType, folder string) (string, error)
	Delete(ctx context.Context, url string) error
}

type Vision interface {
	AnalyzeFood(ctx context.Context, imageURL string) *models.FoodAnalysis
}

// Deps are the collaborators behind the routes. Stripe and TelegramHook may
// be nil, which disables their routes.
type Deps struct {
	Store         Store
	Images        ImageStore
	Vision        Vision
	Subscriptions *subscription.Service
	Tokens        *auth.Issuer
	Stripe        *payment.StripeClient
	TelegramHook  http.Handler
	Health        func(ctx context.Context) error
}

type Server struct {
	server   *http.Server
	cfg      *config.Config
	deps     Deps
	validate *validator.Validate
	limiter  *rateLimiter
	freeTier nutrition.FreeTier
	loc      *time.Location
	now      func() time.Time
	logger   *logger.Logger
}

func NewServer(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	loc := cfg.App.Location()
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limiter:  newRateLimiter(cfg.Limits.AnalyzeRPS, cfg.Limits.AnalyzeBurst),
		freeTier: nutrition.FreeTier{DailyLimit: cfg.Limits.FreeDailyAnalyses, Location: loc},
		loc:      loc,
		now:      time.Now,
		logger:   log.Named("http"),
	}

	s.server = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth", s.handleAuth)

		r.Post("/webhooks/telegram", s.handleTelegramWebhook)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/user/{userId}", s.handleGetUser)
			r.Patch("/user/{userId}", s.handleUpdateUser)
			r.Delete("/user/{userId}/data", s.handleResetUserData)

			r.With(s.limiter.Handler).Post("/analyze", s.handleAnalyze)

			r.Post("/meals", s.handleCreateMeal)
			r.Get("/meals/today/{userId}", s.handleMealsToday)
			r.Get("/meals/date/{userId}", s.handleMealsByDate)
			r.Delete("/meals/{mealId}", s.handleDeleteMeal)

			r.Post("/subscriptions/request", s.handleSubscriptionRequest)
			r.Get("/subscriptions/status/{userId}", s.handleSubscriptionStatus)
			r.Post("/subscriptions/verify-dc", s.handleVerifyBank)
			r.Post("/subscriptions/checkout", s.handleCheckout)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/subscriptions/pending", s.handlePending)
				r.Post("/subscriptions/approve", s.handleApprove)
				r.Post("/subscriptions/reject", s.handleReject)
			})
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.cfg.Server.FrontendURL},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: s.cfg.Server.FrontendURL != "*",
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.logger.Errorw("health check failed", "error", err)
			respondError(w, "Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Start() error {
	s.logger.Infow("starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}
