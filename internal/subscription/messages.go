package subscription

import (
	"fmt"
	"strings"

	"calorie-ai/internal/models"
)

// RejectReason is the code an admin gives when declining a receipt.
type RejectReason string

const (
	ReasonNoImage RejectReason = "no_image"
	ReasonNoFunds RejectReason = "no_funds"
)

func ParseRejectReason(s string) (RejectReason, bool) {
	switch r := RejectReason(s); r {
	case ReasonNoImage, ReasonNoFunds:
		return r, true
	}
	return "", false
}

// Text is the user-facing explanation of the reason.
func (r RejectReason) Text() string {
	if r == ReasonNoImage {
		return "Нечеткий или отсутствующий скриншот"
	}
	return "Оплата не найдена в истории"
}

// Messages returned to the Mini App by the automated path.
const (
	MsgPaymentAlreadyUsed = "Этот платеж уже был использован."
	MsgPaymentNotFound    = "Оплата не найдена. Проверьте комментарий или попробуйте позже."
	MsgAlreadyProcessed   = "Запрос уже обработан"
)

const (
	callbackProcessing = "⏳ Обработка..."
	callbackForbidden  = "⛔ Недостаточно прав"
	callbackUnknown    = "❓ Неизвестное действие"

	buttonApprove       = "✅ Подключить премиум"
	buttonRejectNoImage = "❌ Отказать (не вижу скрин)"
	buttonRejectNoFunds = "❌ Отказать (нет денег)"
)

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// escapeMarkdown makes user-controlled text safe inside a legacy Markdown message.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// codeSpan formats s as inline code. Legacy Markdown has no escape inside a
// code span, so backticks are replaced.
func codeSpan(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "'") + "`"
}

func receiptKeyboard(requestID string) Keyboard {
	return Keyboard{
		{{Text: buttonApprove, Data: approveData(requestID)}},
		{{Text: buttonRejectNoImage, Data: rejectData(ReasonNoImage, requestID)}},
		{{Text: buttonRejectNoFunds, Data: rejectData(ReasonNoFunds, requestID)}},
	}
}

func receiptCaption(u *models.User, requestID string) string {
	var b strings.Builder
	b.WriteString("💰 *Новый запрос на Premium!*\n\n")
	fmt.Fprintf(&b, "👤 Клиент: *%s*\n", escapeMarkdown(u.DisplayName()))
	if u.PhoneNumber != nil && *u.PhoneNumber != "" {
		fmt.Fprintf(&b, "📱 Phone: %s\n", codeSpan(*u.PhoneNumber))
	}
	fmt.Fprintf(&b, "🆔 TG ID: `%d`\n", u.TelegramID)
	fmt.Fprintf(&b, "📝 Request ID: %s\n\n", codeSpan(requestID))
	b.WriteString("Проверьте оплату и выберите действие:")
	return b.String()
}

func autoPaymentText(title string, u *models.User, amount float64, currency, reference string, days int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *%s*\n\n", title)
	fmt.Fprintf(&b, "👤 Клиент: [%s](tg://user?id=%d)\n", escapeMarkdown(u.DisplayName()), u.TelegramID)
	if u.PhoneNumber != nil && *u.PhoneNumber != "" {
		fmt.Fprintf(&b, "📱 Телефон: %s\n", codeSpan(*u.PhoneNumber))
	}
	fmt.Fprintf(&b, "🆔 ID: `%d`\n", u.TelegramID)
	fmt.Fprintf(&b, "💰 Сумма: *%s %s*\n", formatAmount(amount), currency)
	fmt.Fprintf(&b, "📄 Док: %s\n\n", codeSpan(reference))
	fmt.Fprintf(&b, "✨ Премиум активирован автоматически на %d дней.", days)
	return b.String()
}

func approvedUserText(days int) string {
	return fmt.Sprintf("🌟 *Поздравляем! Ваш Premium активирован!* 🌟\n\n"+
		"Теперь у вас есть безлимитный доступ ко всем функциям на %d дней. Приятного аппетита!", days)
}

func rejectedUserText(reason RejectReason) string {
	return fmt.Sprintf("⚠️ *Оплата отклонена*\n\nПричина: %s\n\n"+
		"Пожалуйста, отправьте корректный чек в меню Premium ещё раз.", reason.Text())
}

func approvedCaption(original string) string {
	return escapeMarkdown(original) + "\n\n✅ *ОДОБРЕНО!* Пользователь получил Premium."
}

func rejectedCaption(original string, reason RejectReason) string {
	return escapeMarkdown(original) + "\n\n❌ *ОТКЛОНЕНО.*\nПричина: " + reason.Text()
}

func notFoundCaption(original string) string {
	return escapeMarkdown(original) + "\n\n❌ *Запрос не найден*"
}

func alreadyProcessedCaption(original string, status models.PaymentStatus) string {
	return escapeMarkdown(original) + fmt.Sprintf("\n\n⚠️ *Запрос уже обработан* (%s)", status)
}

func formatAmount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
