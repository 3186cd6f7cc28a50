package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"cafe-settlement/internal/app"
	"cafe-settlement/internal/config"
	"cafe-settlement/internal/scheduler"

	"go.uber.org/zap"
)

// tasks сопоставляет имя задачи с фоновой джобой планировщика
var tasks = map[string]string{
	"rank":       scheduler.JobRankSweep,
	"promotions": scheduler.JobPromotions,
	"pool":       scheduler.JobPoolSweep,
	"otp":        scheduler.JobOtpExpiry,
	"retry":      scheduler.JobRetry,
}

func main() {
	var (
		task     = flag.String("task", "retry", "Задача: rank, promotions, pool, otp, retry, rebuild-edges, reconcile")
		memberID = flag.Int64("member", 0, "ID участника для rebuild-edges и reconcile")
	)
	flag.Parse()

	// Инициализация логгера
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Ошибка инициализации логгера:", err)
	}
	defer logger.Sync()

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	st, err := app.OpenStore(cfg, logger)
	if err != nil {
		logger.Fatal("Ошибка подключения к базе данных", zap.Error(err))
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, st, nil, logger)
	if err != nil {
		logger.Fatal("Ошибка инициализации сервисов", zap.Error(err))
	}
	defer a.Close()

	switch *task {
	case "rebuild-edges":
		if *memberID <= 0 {
			logger.Fatal("Для rebuild-edges нужен -member")
		}
		created, err := a.Referral.RebuildEdges(ctx, *memberID)
		if err != nil {
			logger.Fatal("Ошибка восстановления связей", zap.Error(err))
		}
		logger.Info("Связи восстановлены", zap.Int64("member_id", *memberID), zap.Int("created", created))

	case "reconcile":
		if *memberID <= 0 {
			logger.Fatal("Для reconcile нужен -member")
		}
		report, err := a.Ledger.Reconcile(ctx, *memberID)
		if err != nil {
			logger.Fatal("Ошибка сверки кошелька", zap.Error(err))
		}
		fields := []zap.Field{
			zap.Int64("user_id", report.UserID),
			zap.String("balance", report.Balance.StringFixed(2)),
			zap.String("journal_balance", report.JournalBalance.StringFixed(2)),
			zap.Int("entries", report.Entries),
		}
		if !report.OK() {
			logger.Error("Кошелек расходится с журналом",
				append(fields, zap.String("problems", strings.Join(report.Problems, "; ")))...)
			return
		}
		logger.Info("Кошелек сходится с журналом", fields...)

	default:
		name, ok := tasks[*task]
		if !ok {
			logger.Fatal("Неизвестная задача", zap.String("task", *task))
		}
		if err := a.Scheduler.RunOnce(ctx, name); err != nil {
			logger.Fatal("Ошибка выполнения задачи", zap.String("task", *task), zap.Error(err))
		}
		logger.Info("Задача выполнена", zap.String("task", *task))
	}
}
