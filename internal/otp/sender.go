package otp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cafe-settlement/pkg/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender доставляет код подтверждения покупателю
type Sender interface {
	Send(ctx context.Context, destination, code string, orderID int64) error
}

// Messenger часть Bot API, нужная для отправки; *tgbotapi.BotAPI подходит
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender отправляет коды в чат Telegram; destination - chat id
type TelegramSender struct {
	bot    Messenger
	ttl    time.Duration
	logger *zap.Logger
}

// NewTelegramSender создает отправителя через Bot API
func NewTelegramSender(bot Messenger, ttl time.Duration, logger *zap.Logger) *TelegramSender {
	return &TelegramSender{bot: bot, ttl: ttl, logger: logger}
}

// Send отправляет код
func (s *TelegramSender) Send(ctx context.Context, destination, code string, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return fmt.Errorf("неверный chat id %q: %w", destination, models.ErrOtpUndeliverable)
	}

	messageText := fmt.Sprintf("🔐 Код подтверждения заказа <b>#%d</b>: <code>%s</code>\n\nКод действует %d мин.",
		orderID, code, int(s.ttl.Minutes()))
	msg := tgbotapi.NewMessage(chatID, messageText)
	msg.ParseMode = "HTML"

	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки кода в Telegram: %w", err)
	}
	s.logger.Info("код подтверждения отправлен", zap.Int64("order_id", orderID), zap.Int64("chat_id", chatID))
	return nil
}

// LogSender пишет код в лог вместо доставки; для локального запуска
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender создает отправителя в лог
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send пишет код в лог
func (s *LogSender) Send(_ context.Context, destination, code string, orderID int64) error {
	s.logger.Info("код подтверждения (доставка отключена)",
		zap.Int64("order_id", orderID),
		zap.String("destination", destination),
		zap.String("code", code))
	return nil
}
