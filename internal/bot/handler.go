// Package bot принимает команды подтверждения заказов из Telegram.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cafe-settlement/internal/settlement"
	"cafe-settlement/pkg/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	// Rate limiting
	MaxRequestsPerMinute = 10 // подбор кода ограничен
	RateLimitWindow      = time.Minute
)

// RateLimiter простой rate limiter для пользователей
type RateLimiter struct {
	requests map[int64][]time.Time
	mutex    sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter создает новый rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[int64][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// IsAllowed проверяет, разрешен ли запрос для пользователя
func (rl *RateLimiter) IsAllowed(userID int64) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	var valid []time.Time
	for _, t := range rl.requests[userID] {
		if now.Sub(t) < rl.window {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[userID] = valid
		return false
	}
	rl.requests[userID] = append(valid, now)
	return true
}

// Messenger часть Bot API, нужная обработчику
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler обрабатывает команды Telegram
type Handler struct {
	bot         Messenger
	settlement  *settlement.Service
	rateLimiter *RateLimiter
	logger      *zap.Logger
}

// NewHandler создает новый обработчик
func NewHandler(bot Messenger, settlementService *settlement.Service, logger *zap.Logger) *Handler {
	return &Handler{
		bot:         bot,
		settlement:  settlementService,
		rateLimiter: NewRateLimiter(MaxRequestsPerMinute, RateLimitWindow),
		logger:      logger,
	}
}

// HandleUpdate обрабатывает входящее обновление
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}
	msg := update.Message
	chatID := msg.Chat.ID

	if msg.From != nil && !h.rateLimiter.IsAllowed(msg.From.ID) {
		h.logger.Warn("rate limit exceeded", zap.Int64("user_id", msg.From.ID))
		return h.sendMessage(chatID, "⚠️ Слишком много запросов. Подождите минуту.")
	}

	h.logger.Debug("получена команда",
		zap.Int64("chat_id", chatID),
		zap.String("command", msg.Command()))

	switch msg.Command() {
	case "start":
		return h.sendMessage(chatID, fmt.Sprintf(
			"👋 Ваш chat id: <code>%d</code>\n\nУкажите его в профиле, чтобы получать коды подтверждения заказов.", chatID))
	case "help":
		return h.sendMessage(chatID, helpText)
	case "verify":
		return h.handleVerify(ctx, chatID, msg.CommandArguments())
	case "resend":
		return h.handleResend(ctx, chatID, msg.CommandArguments())
	default:
		return h.sendMessage(chatID, "Неизвестная команда. /help - список команд")
	}
}

const helpText = `<b>Команды</b>
/verify &lt;заказ&gt; &lt;код&gt; - подтвердить заказ
/resend &lt;заказ&gt; - выслать новый код
/start - узнать свой chat id`

func (h *Handler) handleVerify(ctx context.Context, chatID int64, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return h.sendMessage(chatID, "Формат: /verify &lt;заказ&gt; &lt;код&gt;")
	}
	orderID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return h.sendMessage(chatID, "Номер заказа должен быть числом")
	}

	out, err := h.settlement.VerifyAndSettle(ctx, orderID, fields[1])
	if err != nil && out == nil {
		h.logger.Warn("код из Telegram не принят", zap.Int64("order_id", orderID), zap.Error(err))
		return h.sendMessage(chatID, describe(err))
	}
	if err != nil {
		h.logger.Warn("заказ подтвержден, расчет не завершен", zap.Int64("order_id", orderID), zap.Error(err))
	}
	if err != nil || !out.Settled {
		return h.sendMessage(chatID, fmt.Sprintf("✅ Заказ <b>#%d</b> подтвержден, расчет будет завершен позже.", orderID))
	}
	return h.sendMessage(chatID, fmt.Sprintf("✅ Заказ <b>#%d</b> подтвержден.", orderID))
}

func (h *Handler) handleResend(ctx context.Context, chatID int64, args string) error {
	orderID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return h.sendMessage(chatID, "Формат: /resend &lt;заказ&gt;")
	}
	if err := h.settlement.ResendOtp(ctx, orderID); err != nil {
		h.logger.Warn("повторная выдача кода не удалась", zap.Int64("order_id", orderID), zap.Error(err))
		return h.sendMessage(chatID, describe(err))
	}
	return nil
}

// describe переводит ошибку в ответ пользователю
func describe(err error) string {
	switch {
	case errors.Is(err, models.ErrOtpInvalid):
		return "❌ Неверный код."
	case errors.Is(err, models.ErrOtpExpired):
		return "⌛ Срок действия кода истек. Запросите новый: /resend &lt;заказ&gt;"
	case errors.Is(err, models.ErrNotFound):
		return "Заказ не найден."
	case errors.Is(err, models.ErrInvalidTransition):
		return "Заказ не ждет подтверждения."
	case errors.Is(err, models.ErrOtpUndeliverable):
		return "Не удалось доставить код: у покупателя не указан чат Telegram."
	default:
		return "Ошибка обработки запроса, попробуйте позже."
	}
}

func (h *Handler) sendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	if _, err := h.bot.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки сообщения: %w", err)
	}
	return nil
}

// Run читает обновления до отмены ctx
func (h *Handler) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			go func(update tgbotapi.Update) {
				if err := h.HandleUpdate(ctx, update); err != nil {
					var chatID int64
					if update.Message != nil {
						chatID = update.Message.Chat.ID
					}
					h.logger.Error("ошибка обработки обновления",
						zap.Int64("chat_id", chatID),
						zap.Error(err))
				}
			}(update)
		case <-ctx.Done():
			h.logger.Info("остановка обработки обновлений")
			return
		}
	}
}
