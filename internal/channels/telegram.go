package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/actiongate/internal/persistence"
)

// TelegramSink delivers failure-streak alerts to a Telegram chat. The
// bot is lazily initialized on first alert so a bad token does not
// block startup; delivery failures surface to the caller, which logs
// and moves on.
type TelegramSink struct {
	token  string
	chatID int64
	logger *slog.Logger

	bot botSender
}

// botSender is the slice of the bot API the sink uses.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

func NewTelegramSink(token string, chatID int64, logger *slog.Logger) *TelegramSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSink{token: token, chatID: chatID, logger: logger}
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Alert(_ context.Context, rec persistence.DeadLetterRecord) error {
	if s.bot == nil {
		bot, err := tgbotapi.NewBotAPI(s.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		s.bot = bot
		s.logger.Info("telegram alert sink ready", "user", bot.Self.UserName)
	}

	text := formatAlert(rec)
	msg := tgbotapi.NewMessage(s.chatID, text)
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func formatAlert(rec persistence.DeadLetterRecord) string {
	return fmt.Sprintf(
		"⚠️ %s has failed %d times in a row\nlast error: %s\nfirst failure: %s\nretries per attempt: %d",
		rec.EventName,
		rec.ConsecutiveFailures,
		rec.ErrorMessage,
		rec.FirstFailedAt.UTC().Format(time.RFC3339),
		rec.RetryCount,
	)
}
