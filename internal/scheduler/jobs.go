package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"cafe-settlement/internal/otp"
	"cafe-settlement/internal/pool"
	"cafe-settlement/internal/rank"
	"cafe-settlement/internal/settlement"
)

// Имена задач
const (
	JobRankSweep  = "rank_sweep"
	JobPromotions = "promotions"
	JobPoolSweep  = "pool_sweep"
	JobOtpExpiry  = "otp_expiry"
	JobRetry      = "settlement_retry"
)

// RankSweepJob пересчитывает ранги участников с rank_find_status = 0
type RankSweepJob struct {
	rank   *rank.Service
	logger *zap.Logger
}

// NewRankSweepJob создает задачу пересчета рангов
func NewRankSweepJob(rankService *rank.Service, logger *zap.Logger) *RankSweepJob {
	return &RankSweepJob{rank: rankService, logger: logger}
}

func (j *RankSweepJob) Name() string { return JobRankSweep }

// Run запускает обход
func (j *RankSweepJob) Run(ctx context.Context) error {
	res, err := j.rank.RunSweep(ctx)
	if err != nil {
		return err
	}
	if res.Evaluated > 0 {
		j.logger.Info("обход рангов завершен",
			zap.Int("evaluated", res.Evaluated),
			zap.Int("promoted", res.Promoted),
			zap.Int("failed", res.Failed))
	}
	return nil
}

// PromotionJob достраивает снимки после прерванных повышений
type PromotionJob struct {
	rank   *rank.Service
	logger *zap.Logger
}

// NewPromotionJob создает задачу догрузки повышений
func NewPromotionJob(rankService *rank.Service, logger *zap.Logger) *PromotionJob {
	return &PromotionJob{rank: rankService, logger: logger}
}

func (j *PromotionJob) Name() string { return JobPromotions }

// Run запускает обход
func (j *PromotionJob) Run(ctx context.Context) error {
	n, err := j.rank.RunPromotions(ctx)
	if n > 0 {
		j.logger.Info("повышения обработаны", zap.Int("members", n))
	}
	return err
}

// PoolSweepJob распределяет нераспределенные взносы пулов
type PoolSweepJob struct {
	pool   *pool.Service
	logger *zap.Logger
}

// NewPoolSweepJob создает задачу распределения пулов
func NewPoolSweepJob(poolService *pool.Service, logger *zap.Logger) *PoolSweepJob {
	return &PoolSweepJob{pool: poolService, logger: logger}
}

func (j *PoolSweepJob) Name() string { return JobPoolSweep }

// Run запускает обход
func (j *PoolSweepJob) Run(ctx context.Context) error {
	res, err := j.pool.RunSweep(ctx)
	if err != nil {
		return err
	}
	j.logger.Info("обход пулов завершен",
		zap.Int("distributed", res.Distributed),
		zap.Int("payouts", res.Payouts),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return nil
}

// OtpExpiryJob переводит просроченные коды в expired
type OtpExpiryJob struct {
	otp *otp.Service
}

// NewOtpExpiryJob создает задачу истечения кодов
func NewOtpExpiryJob(otpService *otp.Service) *OtpExpiryJob {
	return &OtpExpiryJob{otp: otpService}
}

func (j *OtpExpiryJob) Name() string { return JobOtpExpiry }

// Run запускает обход
func (j *OtpExpiryJob) Run(ctx context.Context) error {
	_, err := j.otp.ExpireStale(ctx)
	return err
}

// RetryJob повторяет расчет заказов с незакрытыми шагами
type RetryJob struct {
	settlement *settlement.Service
}

// NewRetryJob создает задачу повторного расчета
func NewRetryJob(settlementService *settlement.Service) *RetryJob {
	return &RetryJob{settlement: settlementService}
}

func (j *RetryJob) Name() string { return JobRetry }

// Run запускает обход
func (j *RetryJob) Run(ctx context.Context) error {
	_, err := j.settlement.RetrySweep(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
