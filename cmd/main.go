package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cafe-settlement/internal/app"
	"cafe-settlement/internal/bot"
	"cafe-settlement/internal/config"
	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/webhook"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

func main() {
	// Инициализация логгера
	logger, err := initLogger()
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("запуск движка расчетов")

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("ошибка загрузки конфигурации", zap.Error(err))
	}

	logger.Info("конфигурация расчетов",
		zap.String("db_driver", cfg.Database.Driver),
		zap.Int("max_depth", cfg.Settlement.MaxDepth()),
		zap.Strings("otp_customer_types", cfg.Settlement.OtpRequiredCustomerTypes),
		zap.String("pool_tier", cfg.Settlement.PoolQualifyingTier.String()))

	// Хранилище и миграции
	st, err := app.OpenStore(cfg, logger)
	if err != nil {
		logger.Fatal("ошибка инициализации хранилища", zap.Error(err))
	}

	// Инициализация метрик
	metricsSystem := metrics.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, st, metricsSystem, logger)
	if err != nil {
		logger.Fatal("ошибка инициализации сервисов", zap.Error(err))
	}
	defer a.Close()

	// Обработка сигналов для graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// HTTP сервер: метрики, события оплаты и админские операции
	webhookHandler := webhook.NewHandler(a.Settlement, a.Commission, a.Cash, a.Pool, a.Ledger, a.Referral, cfg.App.WebhookSecret, logger)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		startHTTPServer(ctx, cfg.App.Port, metrics.NewHandler(metricsSystem, logger), webhookHandler, logger)
	}()

	// Запуск планировщика фоновых обходов
	go a.Scheduler.Start(ctx)

	// Команды подтверждения заказов в Telegram
	if a.Bot != nil {
		updateConfig := tgbotapi.NewUpdate(0)
		updateConfig.Timeout = 60
		handler := bot.NewHandler(a.Bot, a.Settlement, logger)
		go handler.Run(ctx, a.Bot.GetUpdatesChan(updateConfig))
	}

	logger.Info("приложение запущено и готово к работе",
		zap.String("address", fmt.Sprintf("http://localhost:%d", cfg.App.Port)),
		zap.Strings("jobs", a.Scheduler.Jobs()))

	// Ожидание сигнала завершения
	<-sigChan
	logger.Info("получен сигнал завершения, начинаем graceful shutdown")
	cancel()

	select {
	case <-serverDone:
	case <-time.After(30 * time.Second):
		logger.Warn("HTTP сервер не остановился за отведенное время")
	}

	logger.Info("приложение завершено")
}

// initLogger инициализирует логгер
func initLogger() (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	if os.Getenv("APP_ENV") == "production" {
		config = zap.NewProductionConfig()
	}
	config.OutputPaths = []string{"stdout", "logs/app.log"}
	config.ErrorOutputPaths = []string{"stderr", "logs/error.log"}

	// Создаем директорию для логов если её нет
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
	}

	return config.Build()
}

// startHTTPServer запускает HTTP сервер для метрик и webhook'ов
func startHTTPServer(ctx context.Context, port int, handler *metrics.Handler, webhookHandler *webhook.Handler, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler.MetricsHandler())
	mux.HandleFunc("/health", handler.HealthHandler)
	webhookHandler.Register(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("HTTP сервер запущен", zap.String("address", server.Addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ошибка HTTP сервера", zap.Error(err))
		}
	}()

	// Ожидание сигнала завершения
	<-ctx.Done()

	// Graceful shutdown HTTP сервера
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ошибка при остановке HTTP сервера", zap.Error(err))
	}

	logger.Info("HTTP сервер остановлен")
}
