// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calorie-ai/config"
	"calorie-ai/internal/auth"
	"calorie-ai/internal/bank"
	"calorie-ai/internal/bot"
	"calorie-ai/internal/db"
	"calorie-ai/internal/gpt"
	"calorie-ai/internal/payment"
	"calorie-ai/internal/server"
	"calorie-ai/internal/storage"
	"calorie-ai/internal/subscription"
	"calorie-ai/pkg/logger"
)

var (
	_ subscription.Store = (*db.PostgresDB)(nil)
	_ server.Store       = (*db.PostgresDB)(nil)
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Fatalw("Failed to load config", "error", err)
	}

	l := logger.New(cfg.Log.Level)
	if cfg.Log.Development {
		l = logger.NewDevelopment()
	}
	defer func() { _ = l.Sync() }()
	l.Infow("Starting Calorie AI backend...", "env", cfg.App.Env)

	if err := cfg.Validate(); err != nil {
		l.Fatalw("Invalid configuration", "error", err)
	}

	// Initialize database connection with retry
	var database *db.PostgresDB
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		database, err = db.NewPostgresDB(context.Background(), cfg.DB)
		if err == nil {
			break
		}
		l.Errorw("Failed to connect to database, retrying...", "attempt", i+1, "error", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if database == nil {
		l.Fatalw("Failed to connect to database after multiple attempts", "error", err)
	}
	defer database.Close()

	if cfg.DB.MigrateOnStart {
		if err := db.Migrate(cfg.DB); err != nil {
			l.Fatalw("Failed to apply migrations", "error", err)
		}
		l.Info("Database schema is up to date")
	}

	images, err := storage.NewS3Storage(context.Background(), cfg.Storage, l)
	if err != nil {
		l.Fatalw("Failed to initialize object storage", "error", err)
	}

	loc := cfg.App.Location()
	bankClient := bank.NewClient(cfg.Bank, loc, l)
	gptClient := gpt.NewClient(cfg.GPT, l)

	telegramBot, err := bot.NewTelegramBot(cfg.Telegram, l)
	if err != nil {
		l.Fatalw("Failed to create Telegram bot", "error", err)
	}

	subscriptions := subscription.NewService(subscription.Config{
		AdminChatID:   cfg.Telegram.AdminChatID,
		Price:         cfg.Subscription.Price,
		Currency:      cfg.Subscription.Currency,
		PremiumDays:   cfg.Subscription.PremiumDays,
		NotifyTimeout: cfg.Subscription.NotifyTimeout,
	}, database, images, bankClient, telegramBot, l)
	telegramBot.OnCallback(subscriptions)

	l.Info("Starting Telegram bot...")
	if err := telegramBot.Start(context.Background()); err != nil {
		l.Fatalw("Failed to start Telegram bot", "error", err)
	}
	l.Infow("Telegram bot started", "username", telegramBot.Username())

	var stripeClient *payment.StripeClient
	if cfg.Stripe.Enabled() {
		stripeClient = payment.NewStripeClient(cfg.Stripe, l)
	} else {
		l.Warn("Stripe is not configured, card payments are disabled")
	}

	deps := server.Deps{
		Store:         database,
		Images:        images,
		Vision:        gptClient,
		Subscriptions: subscriptions,
		Tokens:        auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Stripe:        stripeClient,
		Health:        database.Ping,
	}
	if cfg.Telegram.WebhookURL != "" {
		deps.TelegramHook = telegramBot.WebhookHandler()
	}

	httpServer := server.NewServer(cfg, deps, l)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// Wait for termination signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop HTTP server first so no new workflow starts
	if err := httpServer.Stop(ctx); err != nil {
		l.Errorw("Error during HTTP server shutdown", "error", err)
	}

	if err := telegramBot.Stop(ctx); err != nil {
		l.Errorw("Error during bot shutdown", "error", err)
	}

	// Let in-flight notifications finish
	subscriptions.Wait()

	l.Info("Stopped successfully")
}
