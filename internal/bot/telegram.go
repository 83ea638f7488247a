package bot

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"calorie-ai/config"
	"calorie-ai/internal/subscription"
	"calorie-ai/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var _ subscription.Messenger = (*TelegramBot)(nil)

// CallbackHandler applies admin button presses.
type CallbackHandler interface {
	HandleAdminCallback(ctx context.Context, cb subscription.AdminCallback) error
}

type TelegramBot struct {
	api       *tgbotapi.BotAPI
	cfg       config.TelegramConfig
	callbacks CallbackHandler
	logger    *logger.Logger

	polling bool
	wg      sync.WaitGroup
}

func NewTelegramBot(cfg config.TelegramConfig, log *logger.Logger) (*TelegramBot, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegramBot(api, cfg, log), nil
}

// NewTelegramBotWithEndpoint talks to a Bot API server other than the public one.
func NewTelegramBotWithEndpoint(cfg config.TelegramConfig, endpoint string, client *http.Client, log *logger.Logger) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegramBot(api, cfg, log), nil
}

func newTelegramBot(api *tgbotapi.BotAPI, cfg config.TelegramConfig, log *logger.Logger) *TelegramBot {
	api.Debug = cfg.Debug
	log = log.Named("bot")
	log.Infow("authorized on Telegram", "username", api.Self.UserName)
	return &TelegramBot{api: api, cfg: cfg, logger: log}
}

// OnCallback sets the receiver of admin button presses.
func (t *TelegramBot) OnCallback(h CallbackHandler) {
	t.callbacks = h
}

func (t *TelegramBot) Username() string {
	return t.api.Self.UserName
}

// Start registers the webhook when one is configured, otherwise it falls back
// to long polling.
func (t *TelegramBot) Start(ctx context.Context) error {
	if t.cfg.WebhookURL != "" {
		params := tgbotapi.Params{"url": t.cfg.WebhookURL}
		params.AddNonEmpty("secret_token", t.cfg.WebhookSecret)
		params.AddBool("drop_pending_updates", true)
		if _, err := t.api.MakeRequest("setWebhook", params); err != nil {
			return fmt.Errorf("failed to set webhook: %w", err)
		}
		t.logger.Infow("webhook registered", "url", t.cfg.WebhookURL)
		return nil
	}

	t.logger.Info("no webhook configured, removing any existing one")
	if _, err := t.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := t.api.GetUpdatesChan(updateConfig)
	t.polling = true

	t.logger.Info("started polling for updates")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for update := range updates {
			t.HandleUpdate(ctx, update)
		}
	}()
	return nil
}

// Stop ends polling and waits for in-flight updates.
func (t *TelegramBot) Stop(ctx context.Context) error {
	if t.polling {
		t.api.StopReceivingUpdates()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// request runs a Bot API call but gives up waiting once ctx is done.
func (t *TelegramBot) request(ctx context.Context, c tgbotapi.Chattable) error {
	errc := make(chan error, 1)
	go func() {
		_, err := t.api.Request(c)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TelegramBot) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if err := t.request(ctx, msg); err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

func (t *TelegramBot) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string, keyboard subscription.Keyboard) error {
	msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "receipt.jpg", Bytes: photo})
	msg.Caption = caption
	msg.ParseMode = tgbotapi.ModeMarkdown
	if len(keyboard) > 0 {
		msg.ReplyMarkup = inlineKeyboard(keyboard)
	}
	if err := t.request(ctx, msg); err != nil {
		return fmt.Errorf("send photo to %d: %w", chatID, err)
	}
	return nil
}

func (t *TelegramBot) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	answer := tgbotapi.NewCallback(callbackID, text)
	answer.ShowAlert = alert
	if err := t.request(ctx, answer); err != nil {
		return fmt.Errorf("answer callback %s: %w", callbackID, err)
	}
	return nil
}

// EditCaption replaces a photo caption and drops its inline keyboard.
func (t *TelegramBot) EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error {
	edit := tgbotapi.NewEditMessageCaption(chatID, messageID, caption)
	edit.ParseMode = tgbotapi.ModeMarkdown
	edit.ReplyMarkup = &tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: make([][]tgbotapi.InlineKeyboardButton, 0),
	}
	if err := t.request(ctx, edit); err != nil {
		return fmt.Errorf("edit caption %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

func inlineKeyboard(keyboard subscription.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
