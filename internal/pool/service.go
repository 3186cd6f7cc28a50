// Package pool распределяет взносы глобального и лидерского пулов между
// участниками с квалифицирующим рангом.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cafe-settlement/internal/cashwallet"
	"cafe-settlement/internal/config"
	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"go.uber.org/zap"
)

var errEmptyCohort = errors.New("нет участников с квалифицирующим рангом")

// SnapshotSource отдает проверенный на свежесть снапшот предков; *rank.Service подходит
type SnapshotSource interface {
	FreshSnapshot(ctx context.Context, q store.Repositories, memberID int64) (*models.UplineRankSnapshot, error)
}

// SweepResult итог одного обхода пула
type SweepResult struct {
	Distributed int
	Payouts     int
	Skipped     int
	Failed      int
}

// Service сервис распределения пулов
type Service struct {
	store     store.Store
	snapshots SnapshotSource
	ledger    *ledger.Service
	cash      *cashwallet.Service
	cfg       *config.SettlementConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService создает новый сервис пулов
func NewService(st store.Store, snapshots SnapshotSource, ledgerSvc *ledger.Service, cashSvc *cashwallet.Service,
	cfg *config.SettlementConfig, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		snapshots: snapshots,
		ledger:    ledgerSvc,
		cash:      cashSvc,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// AddEntry добавляет взнос в пул в транзакции вызывающего
func (s *Service) AddEntry(ctx context.Context, tx store.Repositories, entry *models.GlobalPoolEntry) error {
	if !entry.Amount.IsPositive() {
		return models.ErrInvalidAmount
	}
	if entry.PoolType != models.PoolGlobal && entry.PoolType != models.PoolLeadership {
		return fmt.Errorf("неизвестный тип пула %q", entry.PoolType)
	}
	entry.Amount = entry.Amount.Round(models.MoneyScale)
	entry.Status = models.StatusDone
	entry.CountStatus = models.StatusPending
	if err := tx.Pool().CreateEntry(ctx, entry); err != nil {
		return fmt.Errorf("ошибка добавления взноса в пул: %w", err)
	}
	return nil
}

// QualifyingTier ранг, с которого участник входит в когорту пула
func (s *Service) QualifyingTier(t models.PoolType) models.RankTier {
	if t == models.PoolLeadership {
		return s.cfg.LeadershipPoolTier
	}
	return s.cfg.PoolQualifyingTier
}

// RunSweep распределяет все нераспределенные взносы, каждый в своей транзакции.
// Взносы без когорты пропускаются, выборка продолжается после них.
// Повторный запуск без новых взносов не создает выплат.
func (s *Service) RunSweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep("pool", time.Since(started)) }()

	var res SweepResult
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := s.store.Pool().ListUncounted(ctx, after, s.batchSize())
		if err != nil {
			return res, fmt.Errorf("ошибка получения взносов пула: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, e := range batch {
			n, err := s.Distribute(ctx, e.ID)
			switch {
			case errors.Is(err, errEmptyCohort):
				res.Skipped++
			case err != nil:
				res.Failed++
				s.logger.Error("ошибка распределения взноса", zap.Int64("entry_id", e.ID), zap.Error(err))
			default:
				res.Distributed++
				res.Payouts += n
			}
		}

		after = batch[len(batch)-1].ID
		if len(batch) < s.batchSize() {
			break
		}
	}

	s.logger.Info("обход пула завершен",
		zap.Int("distributed", res.Distributed),
		zap.Int("payouts", res.Payouts),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

// Distribute делит один взнос между когортой и ставит count_status = 1 в той же транзакции
func (s *Service) Distribute(ctx context.Context, entryID int64) (int, error) {
	payouts := 0
	var channel models.PayoutChannel
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		entry, err := tx.Pool().GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.CountStatus == models.StatusDone || entry.DeleteStatus != 0 {
			return nil
		}

		tier := s.QualifyingTier(entry.PoolType)
		cohort, err := s.cohort(ctx, tx, entry.UserTriggerID, tier)
		if err != nil {
			return err
		}
		if len(cohort) == 0 {
			s.logger.Warn("взнос оставлен до появления когорты",
				zap.Int64("entry_id", entry.ID),
				zap.String("pool_type", string(entry.PoolType)),
				zap.String("tier", tier.String()))
			return errEmptyCohort
		}

		channel = models.PayoutCash
		if entry.PoolType == models.PoolLeadership {
			channel = models.PayoutWallet
		}

		existing, err := tx.Pool().ListPayouts(ctx, entry.ID)
		if err != nil {
			return err
		}
		paid := make(map[int64]bool, len(existing))
		for _, p := range existing {
			paid[p.RecipientID] = true
		}

		shares := models.SplitEven(entry.Amount, len(cohort))
		for i, id := range cohort {
			if !shares[i].IsPositive() {
				continue
			}
			if paid[id] {
				s.metrics.RecordDuplicate("pool")
				continue
			}
			payout := &models.PoolPayout{
				PoolEntryID: entry.ID,
				RecipientID: id,
				Amount:      shares[i],
				Channel:     channel,
			}
			if err := tx.Pool().CreatePayout(ctx, payout); err != nil {
				return err
			}
			if err := s.pay(ctx, tx, entry, payout); err != nil {
				return err
			}
			payouts++
		}

		if err := tx.Pool().MarkCounted(ctx, entry.ID); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityPoolEntry, entry.ID, "count_status",
			models.StatusPending, models.StatusDone, fmt.Sprintf("выплат: %d", payouts))
	})
	if err != nil {
		if errors.Is(err, errEmptyCohort) {
			return 0, err
		}
		return 0, fmt.Errorf("ошибка распределения взноса %d: %w", entryID, err)
	}

	for i := 0; i < payouts; i++ {
		s.metrics.RecordPoolPayout(string(channel))
	}
	return payouts, nil
}

// cohort собирает по снапшоту инициатора взноса ближайших держателей
// каждого ранга не ниже tier; один участник входит один раз, порядок по id
func (s *Service) cohort(ctx context.Context, tx store.Repositories, triggerID int64, tier models.RankTier) ([]int64, error) {
	snapshot, err := s.snapshots.FreshSnapshot(ctx, tx, triggerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка снапшота инициатора %d: %w", triggerID, err)
	}
	seen := make(map[int64]bool)
	var ids []int64
	for _, t := range models.RankTiers {
		if t < tier {
			continue
		}
		holder := snapshot.HolderOf(t)
		if holder == nil || seen[*holder] {
			continue
		}
		seen[*holder] = true
		ids = append(ids, *holder)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Service) pay(ctx context.Context, tx store.Tx, entry *models.GlobalPoolEntry, p *models.PoolPayout) error {
	if p.Channel == models.PayoutCash {
		_, err := s.cash.CashIn(ctx, tx, p.RecipientID, p.Amount, models.RefGlobalPool, entry.ID)
		return err
	}
	_, err := s.ledger.Credit(ctx, tx, ledger.Operation{
		UserID:        p.RecipientID,
		Amount:        p.Amount,
		Type:          models.WalletTxCommission,
		ReferenceType: models.RefGlobalPool,
		ReferenceID:   entry.ID,
	})
	return err
}

// SoftDelete исключает нераспределенный взнос из обходов
func (s *Service) SoftDelete(ctx context.Context, entryID int64, reason string) error {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		entry, err := tx.Pool().GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.DeleteStatus != 0 {
			return nil
		}
		if entry.CountStatus == models.StatusDone {
			return fmt.Errorf("взнос %d уже распределен: %w", entryID, models.ErrInvalidTransition)
		}
		if err := tx.Pool().MarkDeleted(ctx, entryID); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityPoolEntry, entryID, "delete_status", 0, 1, reason)
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления взноса %d: %w", entryID, err)
	}
	return nil
}

func (s *Service) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return 500
}
