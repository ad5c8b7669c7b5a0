package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramAlerter delivers operator alerts to Telegram chats.
type TelegramAlerter struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
}

// NewTelegramAlerter connects the bot. chatIDs are the operator chats
// every alert goes to.
func NewTelegramAlerter(botToken string, chatIDs []int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	log.Info().
		Str("bot_username", api.Self.UserName).
		Int("chat_count", len(chatIDs)).
		Msg("Telegram alerter initialized")

	return &TelegramAlerter{api: api, chatIDs: chatIDs}, nil
}

// Send delivers the alert to every configured chat. It fails only
// when no chat could be reached.
func (t *TelegramAlerter) Send(ctx context.Context, alert OperatorAlert) error {
	if len(t.chatIDs) == 0 {
		log.Warn().Msg("No Telegram chat IDs configured, skipping alert")
		return nil
	}

	message := t.formatAlert(alert)

	var lastErr error
	successCount := 0
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, message)
		msg.ParseMode = "Markdown"

		if _, err := t.api.Send(msg); err != nil {
			log.Error().
				Err(err).
				Int64("chat_id", chatID).
				Str("alert_title", alert.Title).
				Msg("Failed to send Telegram alert")
			lastErr = err
			continue
		}
		successCount++
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to send alert to any chat: %w", lastErr)
	}

	log.Debug().
		Int("success_count", successCount).
		Int("total_chats", len(t.chatIDs)).
		Str("alert_title", alert.Title).
		Msg("Telegram alert sent")

	return nil
}

// formatAlert renders the alert as a Markdown message.
func (t *TelegramAlerter) formatAlert(alert OperatorAlert) string {
	var emoji string
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	case SeverityInfo:
		emoji = "ℹ️"
	default:
		emoji = "📢"
	}

	message := fmt.Sprintf("%s *%s*\n\n%s", emoji, alert.Title, alert.Message)

	if len(alert.Metadata) > 0 {
		message += "\n\n*Details:*"
		for key, value := range alert.Metadata {
			message += fmt.Sprintf("\n• %s: `%v`", key, value)
		}
	}

	message += fmt.Sprintf("\n\n_Time: %s_", alert.Timestamp.Format("2006-01-02 15:04:05"))

	return message
}
