// Package app собирает сервисы движка расчетов из конфигурации.
package app

import (
	"context"
	"fmt"

	"cafe-settlement/internal/cashwallet"
	"cafe-settlement/internal/commission"
	"cafe-settlement/internal/config"
	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/locker"
	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/migrations"
	"cafe-settlement/internal/otp"
	"cafe-settlement/internal/pool"
	"cafe-settlement/internal/rank"
	"cafe-settlement/internal/referral"
	"cafe-settlement/internal/scheduler"
	"cafe-settlement/internal/settlement"
	"cafe-settlement/internal/store"
	"cafe-settlement/internal/store/memory"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App все сервисы одного экземпляра
type App struct {
	Config     *config.Config
	Store      store.Store
	Metrics    *metrics.Metrics
	Locker     locker.Locker
	Ledger     *ledger.Service
	Referral   *referral.Service
	Commission *commission.Service
	Rank       *rank.Service
	Pool       *pool.Service
	Cash       *cashwallet.Service
	Otp        *otp.Service
	Settlement *settlement.Service
	Scheduler  *scheduler.Scheduler
	// Bot задан, если настроен TELEGRAM_BOT_TOKEN
	Bot *tgbotapi.BotAPI

	redis  *redis.Client
	logger *zap.Logger
}

// OpenStore открывает хранилище по DB_DRIVER; для postgres сначала применяет миграции
func OpenStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("используется хранилище в памяти, данные не сохраняются")
		return memory.New(), nil
	case "postgres", "":
		if err := migrations.RunMigrations(cfg, logger); err != nil {
			return nil, err
		}
		return store.NewStore(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный драйвер базы данных %q", cfg.Database.Driver)
	}
}

// New собирает сервисы поверх открытого хранилища
func New(ctx context.Context, cfg *config.Config, st store.Store, m *metrics.Metrics, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Store: st, Metrics: m, logger: logger}
	sc := &cfg.Settlement

	if cfg.Redis.URL != "" {
		client, err := locker.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.Locker = locker.NewRedis(client, cfg.Redis.LockTTL, logger)
		logger.Info("блокировки заказов через Redis")
	} else {
		a.Locker = locker.NewLocal()
		logger.Info("блокировки заказов в памяти процесса")
	}

	var sender otp.Sender
	if cfg.Telegram.BotToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ошибка инициализации Telegram бота: %w", err)
		}
		logger.Info("Telegram бот инициализирован",
			zap.String("username", bot.Self.UserName),
			zap.Int64("id", bot.Self.ID))
		a.Bot = bot
		sender = otp.NewTelegramSender(bot, sc.OtpTTL, logger)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN не задан, коды подтверждения пишутся в лог")
		sender = otp.NewLogSender(logger)
	}

	a.Ledger = ledger.NewService(st, m, logger)
	a.Referral = referral.NewService(st, a.Ledger, sc, m, logger)
	a.Commission = commission.NewService(st, a.Referral, a.Ledger, m, logger)
	a.Rank = rank.NewService(st, a.Referral, sc, m, logger)
	a.Cash = cashwallet.NewService(st, a.Ledger, sc.TaxAccountUserID, logger)
	a.Pool = pool.NewService(st, a.Rank, a.Ledger, a.Cash, sc, m, logger)
	a.Otp = otp.NewService(st, sender, sc.OtpTTL, sc.BatchSize, m, logger)
	a.Settlement = settlement.NewService(settlement.Deps{
		Store:      st,
		Locker:     a.Locker,
		Otp:        a.Otp,
		Commission: a.Commission,
		Rank:       a.Rank,
		Pool:       a.Pool,
		Ledger:     a.Ledger,
		Cash:       a.Cash,
		Config:     sc,
		Metrics:    m,
		Logger:     logger,
	})

	a.Scheduler = scheduler.NewScheduler(logger)
	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		{cfg.Schedule.RankSweep, scheduler.NewRankSweepJob(a.Rank, logger)},
		{cfg.Schedule.RankSweep, scheduler.NewPromotionJob(a.Rank, logger)},
		{cfg.Schedule.PoolSweep, scheduler.NewPoolSweepJob(a.Pool, logger)},
		{cfg.Schedule.OtpSweep, scheduler.NewOtpExpiryJob(a.Otp)},
		{cfg.Schedule.RetrySweep, scheduler.NewRetryJob(a.Settlement)},
	}
	for _, j := range jobs {
		if err := a.Scheduler.AddJob(j.spec, j.job); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// Close освобождает подключения
func (a *App) Close() {
	if a.Bot != nil {
		a.Bot.StopReceivingUpdates()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("ошибка закрытия Redis", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Warn("ошибка закрытия хранилища", zap.Error(err))
		}
	}
}
