package bot

import (
	"context"
	"crypto/subtle"
	"net/http"

	"calorie-ai/internal/subscription"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	startText = "👋 Привет! Я считаю калории по фото еды.\n\n" +
		"Сфотографируйте блюдо в приложении, и я определю калории и БЖУ."
	helpText = "Откройте приложение кнопкой ниже или командой /start.\n" +
		"Premium снимает дневной лимит анализов."
	unknownText = "Неизвестная команда. Используйте /start для начала работы."

	openAppButton = "📱 Открыть приложение"

	secretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// WebhookHandler receives updates pushed by Telegram. Requests without the
// configured secret token are refused.
func (t *TelegramBot) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.cfg.WebhookSecret != "" {
			got := r.Header.Get(secretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(t.cfg.WebhookSecret)) != 1 {
				t.logger.Warnw("webhook request with bad secret", "remote", r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		update, err := t.api.HandleUpdate(r)
		if err != nil {
			t.logger.Warnw("failed to decode update", "error", err)
			http.Error(w, "Bad update", http.StatusBadRequest)
			return
		}

		t.HandleUpdate(r.Context(), *update)
		w.WriteHeader(http.StatusOK)
	}
}

// HandleUpdate dispatches one update. Panics in handlers are logged and
// swallowed so that one bad update does not take the loop down.
func (t *TelegramBot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorw("recovered from panic while processing update", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		t.handleCommand(ctx, update.Message)
	}
}

func (t *TelegramBot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	t.logger.Debugw("handling command", "command", message.Command(), "chat_id", chatID)

	var msg tgbotapi.MessageConfig
	switch message.Command() {
	case "start":
		msg = tgbotapi.NewMessage(chatID, startText)
		t.attachAppButton(&msg)
	case "help":
		msg = tgbotapi.NewMessage(chatID, helpText)
		t.attachAppButton(&msg)
	default:
		msg = tgbotapi.NewMessage(chatID, unknownText)
	}

	if err := t.request(ctx, msg); err != nil {
		t.logger.Errorw("failed to reply to command", "command", message.Command(), "error", err)
	}
}

func (t *TelegramBot) attachAppButton(msg *tgbotapi.MessageConfig) {
	if t.cfg.WebAppURL == "" {
		return
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(openAppButton, t.cfg.WebAppURL),
		),
	)
}

func (t *TelegramBot) handleCallbackQuery(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if t.callbacks == nil || q.Message == nil || q.From == nil {
		if err := t.request(ctx, tgbotapi.NewCallback(q.ID, "")); err != nil {
			t.logger.Warnw("failed to acknowledge callback", "error", err)
		}
		return
	}

	cb := subscription.AdminCallback{
		ID:        q.ID,
		FromID:    q.From.ID,
		ChatID:    q.Message.Chat.ID,
		MessageID: q.Message.MessageID,
		Data:      q.Data,
		Caption:   q.Message.Caption,
	}
	if err := t.callbacks.HandleAdminCallback(ctx, cb); err != nil {
		t.logger.Errorw("admin callback failed", "data", q.Data, "error", err)
	}
}
