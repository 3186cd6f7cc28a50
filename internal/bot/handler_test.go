package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cafe-settlement/internal/cashwallet"
	"cafe-settlement/internal/commission"
	"cafe-settlement/internal/config"
	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/locker"
	"cafe-settlement/internal/otp"
	"cafe-settlement/internal/pool"
	"cafe-settlement/internal/rank"
	"cafe-settlement/internal/referral"
	"cafe-settlement/internal/settlement"
	"cafe-settlement/internal/store/memory"
	"cafe-settlement/pkg/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// fixture в качестве доставщика кодов использует тот же бот, что и команды
type fixture struct {
	bot        *fakeBot
	handler    *Handler
	settlement *settlement.Service
	ledger     *ledger.Service
	buyer      *models.Member
	parent     *models.Member
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	logger := zap.NewNop()
	cfg := &config.SettlementConfig{
		LevelRates:               []decimal.Decimal{decimal.NewFromInt(10)},
		OtpRequiredCustomerTypes: []string{"guest"},
	}

	ledgerSvc := ledger.NewService(st, nil, logger)
	referralSvc := referral.NewService(st, ledgerSvc, cfg, nil, logger)
	tax, err := referralSvc.AddMember(ctx, models.CreateMemberRequest{Name: "tax"})
	require.NoError(t, err)
	parent, err := referralSvc.AddMember(ctx, models.CreateMemberRequest{Name: "parent"})
	require.NoError(t, err)
	chatID := int64(777)
	buyer, err := referralSvc.AddMember(ctx, models.CreateMemberRequest{Name: "buyer", ReferredBy: &parent.ID, TelegramChatID: &chatID})
	require.NoError(t, err)

	bot := &fakeBot{}
	cashSvc := cashwallet.NewService(st, ledgerSvc, tax.ID, logger)
	rankSvc := rank.NewService(st, referralSvc, cfg, nil, logger)
	settlementSvc := settlement.NewService(settlement.Deps{
		Store:      st,
		Locker:     locker.NewLocal(),
		Otp:        otp.NewService(st, otp.NewTelegramSender(bot, time.Minute, logger), time.Minute, 10, nil, logger),
		Commission: commission.NewService(st, referralSvc, ledgerSvc, nil, logger),
		Rank:       rankSvc,
		Pool:       pool.NewService(st, rankSvc, ledgerSvc, cashSvc, cfg, nil, logger),
		Ledger:     ledgerSvc,
		Cash:       cashSvc,
		Config:     cfg,
		Logger:     logger,
	})
	return &fixture{
		bot:        bot,
		handler:    NewHandler(bot, settlementSvc, logger),
		settlement: settlementSvc,
		ledger:     ledgerSvc,
		buyer:      buyer,
		parent:     parent,
	}
}

func command(chatID int64, text string) tgbotapi.Update {
	length := strings.IndexByte(text, ' ')
	if length < 0 {
		length = len(text)
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}}
}

// codeFrom достает код из сообщения вида "...: <code>123456</code>..."
func codeFrom(t *testing.T, text string) string {
	t.Helper()
	start := strings.Index(text, "<code>")
	end := strings.Index(text, "</code>")
	require.True(t, start >= 0 && end > start, text)
	return text[start+len("<code>") : end]
}

func TestStartReturnsChatID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handler.HandleUpdate(context.Background(), command(42, "/start")))

	msg := f.bot.last()
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Contains(t, msg.Text, "<code>42</code>")
}

func TestIgnoresPlainText(t *testing.T) {
	f := newFixture(t)
	update := tgbotapi.Update{Message: &tgbotapi.Message{Text: "привет", Chat: &tgbotapi.Chat{ID: 1}}}
	require.NoError(t, f.handler.HandleUpdate(context.Background(), update))
	assert.Empty(t, f.bot.sent)
}

func TestVerifyCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.settlement.HandleOrderPaid(ctx, models.OrderPaidEvent{
		OrderID:      5,
		BuyerID:      f.buyer.ID,
		OrderAmount:  decimal.NewFromInt(100),
		CustomerType: "guest",
	})
	require.NoError(t, err)
	require.True(t, out.OtpPending)

	delivered := f.bot.last()
	assert.Equal(t, int64(777), delivered.ChatID)
	code := codeFrom(t, delivered.Text)

	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/verify 5")))
	assert.Contains(t, f.bot.last().Text, "Формат")

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/verify 5 "+wrong)))
	assert.Contains(t, f.bot.last().Text, "Неверный код")

	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/verify 5 "+code)))
	assert.Contains(t, f.bot.last().Text, "подтвержден")

	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/resend 5")))
	assert.Contains(t, f.bot.last().Text, "не ждет подтверждения")
}

func TestResendCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.settlement.HandleOrderPaid(ctx, models.OrderPaidEvent{
		OrderID:      6,
		BuyerID:      f.buyer.ID,
		OrderAmount:  decimal.NewFromInt(100),
		CustomerType: "guest",
	})
	require.NoError(t, err)
	sent := len(f.bot.sent)

	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/resend 6")))
	require.Len(t, f.bot.sent, sent+1)
	code := codeFrom(t, f.bot.last().Text)

	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/verify 6 "+code)))
	assert.Contains(t, f.bot.last().Text, "подтвержден")

	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/resend abc")))
	assert.Contains(t, f.bot.last().Text, "Формат")
}

func TestVerifyCommandReportsVerifiedWhenStepFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.settlement.HandleOrderPaid(ctx, models.OrderPaidEvent{
		OrderID:      8,
		BuyerID:      f.buyer.ID,
		OrderAmount:  decimal.NewFromInt(100),
		CustomerType: "guest",
	})
	require.NoError(t, err)
	code := codeFrom(t, f.bot.last().Text)

	// комиссия родителю упадет на отключенном кошельке
	require.NoError(t, f.ledger.Deactivate(ctx, f.parent.ID, "проверка"))

	require.NoError(t, f.handler.HandleUpdate(ctx, command(777, "/verify 8 "+code)))
	text := f.bot.last().Text
	assert.Contains(t, text, "подтвержден")
	assert.Contains(t, text, "позже")
	assert.NotContains(t, text, "Ошибка")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	assert.True(t, rl.IsAllowed(1))
	assert.True(t, rl.IsAllowed(1))
	assert.False(t, rl.IsAllowed(1))
	assert.True(t, rl.IsAllowed(2))
}
