// Package rank пересчитывает ранги участников и перестраивает снапшоты
// ближайших предков каждого ранга.
package rank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe-settlement/internal/config"
	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/referral"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"go.uber.org/zap"
)

// SweepResult итог одного обхода
type SweepResult struct {
	Evaluated int
	Promoted  int
	Failed    int
}

// Service сервис ранжирования
type Service struct {
	store    store.Store
	referral *referral.Service
	cfg      *config.SettlementConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService создает новый сервис ранжирования
func NewService(st store.Store, referralSvc *referral.Service, cfg *config.SettlementConfig, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		referral: referralSvc,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Qualify возвращает наивысший ранг, пороги которого выполнены
func (s *Service) Qualify(member *models.Member, stats *models.MemberStats) models.RankTier {
	if s.cfg.RankRequirePaid && !member.IsPaid {
		return models.RankNone
	}
	best := models.RankNone
	for _, rule := range s.cfg.RankRules {
		if rule.Tier > best && rule.Satisfied(stats) {
			best = rule.Tier
		}
	}
	return best
}

// RunSweep обходит участников с rank_find_status = 0. Прерванный обход
// оставляет необработанных для следующего запуска.
func (s *Service) RunSweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep("rank", time.Since(started)) }()

	var res SweepResult
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := s.store.Members().ListPendingRank(ctx, after, s.batchSize())
		if err != nil {
			return res, fmt.Errorf("ошибка получения участников для ранжирования: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, m := range batch {
			promoted, err := s.Evaluate(ctx, m.ID)
			if err != nil {
				res.Failed++
				s.logger.Error("ошибка пересчета ранга", zap.Int64("member_id", m.ID), zap.Error(err))
				continue
			}
			res.Evaluated++
			if promoted {
				res.Promoted++
			}
		}

		after = batch[len(batch)-1].ID
		if len(batch) < s.batchSize() {
			break
		}
	}

	s.logger.Info("обход рангов завершен",
		zap.Int("evaluated", res.Evaluated),
		zap.Int("promoted", res.Promoted),
		zap.Int("failed", res.Failed))
	return res, nil
}

// Evaluate пересчитывает ранг одного участника. Ранг никогда не понижается.
// Повтор для уже посчитанного участника ничего не делает.
func (s *Service) Evaluate(ctx context.Context, memberID int64) (bool, error) {
	promoted := false
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.Members().GetForUpdate(ctx, memberID)
		if err != nil {
			return err
		}
		if m.RankFindStatus == models.StatusDone {
			return nil
		}

		stats, err := tx.Members().GetStats(ctx, memberID)
		if err != nil {
			return err
		}
		tier := s.Qualify(m, stats)

		switch {
		case tier > m.RankTier:
			now := s.now()
			if err := store.RecordTransition(ctx, tx, store.EntityMember, m.ID, "rank_tier", m.RankTier, tier, "пороги выполнены"); err != nil {
				return err
			}
			if m.PromotionRunStatus != models.StatusPending {
				if err := store.RecordTransition(ctx, tx, store.EntityMember, m.ID, "promotion_run_status", m.PromotionRunStatus, models.StatusPending, "повышение ранга"); err != nil {
					return err
				}
			}
			m.RankTier = tier
			m.RankUpdatedAt = &now
			m.PromotionRunStatus = models.StatusPending
			promoted = true
		case tier < m.RankTier:
			s.logger.Warn("пересчет дал ранг ниже текущего, ранг сохранен",
				zap.Int64("member_id", m.ID),
				zap.String("current", m.RankTier.String()),
				zap.String("evaluated", tier.String()),
				zap.Int("direct", stats.DirectReferrals),
				zap.Int("team", stats.TeamSize),
				zap.String("volume", stats.TeamVolume.StringFixed(models.MoneyScale)))
		}

		if err := store.RecordTransition(ctx, tx, store.EntityMember, m.ID, "rank_find_status", m.RankFindStatus, models.StatusDone, "ранг посчитан"); err != nil {
			return err
		}
		m.RankFindStatus = models.StatusDone
		return tx.Members().Update(ctx, m)
	})
	if err != nil {
		return false, fmt.Errorf("ошибка пересчета ранга участника %d: %w", memberID, err)
	}

	if !promoted {
		return false, nil
	}
	m, err := s.store.Members().GetByID(ctx, memberID)
	if err == nil {
		s.metrics.RecordPromotion(m.RankTier.String())
		s.logger.Info("участник повышен", zap.Int64("member_id", memberID), zap.String("tier", m.RankTier.String()))
	}

	// сбой перестройки оставляет promotion_run_status = 0 для RunPromotions
	if _, err := s.Promote(ctx, memberID); err != nil {
		s.logger.Error("ошибка перестройки снапшотов после повышения", zap.Int64("member_id", memberID), zap.Error(err))
	}
	return true, nil
}

// RunPromotions довершает перестройку снапшотов для участников с promotion_run_status = 0
func (s *Service) RunPromotions(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep("promotions", time.Since(started)) }()

	done := 0
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		batch, err := s.store.Members().ListPendingPromotion(ctx, after, s.batchSize())
		if err != nil {
			return done, fmt.Errorf("ошибка получения участников для перестройки: %w", err)
		}
		if len(batch) == 0 {
			return done, nil
		}

		for _, m := range batch {
			if _, err := s.Promote(ctx, m.ID); err != nil {
				s.logger.Error("ошибка перестройки снапшотов", zap.Int64("member_id", m.ID), zap.Error(err))
				continue
			}
			done++
		}

		after = batch[len(batch)-1].ID
		if len(batch) < s.batchSize() {
			return done, nil
		}
	}
}

// Promote целиком перестраивает снапшоты всех потомков участника и ставит promotion_run_status = 1
func (s *Service) Promote(ctx context.Context, memberID int64) (int, error) {
	rebuilt := 0
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.Members().GetForUpdate(ctx, memberID)
		if err != nil {
			return err
		}
		if m.PromotionRunStatus == models.StatusDone {
			return nil
		}

		descendants, err := tx.Referrals().ListDescendantIDs(ctx, memberID)
		if err != nil {
			return err
		}
		for _, id := range descendants {
			if _, err := s.RebuildSnapshot(ctx, tx, id); err != nil {
				return err
			}
			rebuilt++
		}

		if err := store.RecordTransition(ctx, tx, store.EntityMember, m.ID, "promotion_run_status", m.PromotionRunStatus, models.StatusDone,
			fmt.Sprintf("перестроено снапшотов: %d", rebuilt)); err != nil {
			return err
		}
		m.PromotionRunStatus = models.StatusDone
		return tx.Members().Update(ctx, m)
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка перестройки снапшотов потомков %d: %w", memberID, err)
	}
	return rebuilt, nil
}

// RebuildSnapshot заново строит снапшот участника по цепочке его предков
func (s *Service) RebuildSnapshot(ctx context.Context, q store.Repositories, memberID int64) (*models.UplineRankSnapshot, error) {
	member, err := q.Members().GetByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	ancestors, err := s.referral.Ancestors(ctx, q, memberID)
	if err != nil {
		return nil, err
	}

	tiers := make([]models.RankTier, len(ancestors))
	for i, a := range ancestors {
		upline, err := q.Members().GetByID(ctx, a.MemberID)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения предка %d: %w", a.MemberID, err)
		}
		tiers[i] = upline.RankTier
	}

	snapshot := &models.UplineRankSnapshot{
		MemberID:         memberID,
		DirectReferrerID: member.ReferredBy,
		RefreshedAt:      s.now(),
	}
	for _, tier := range models.RankTiers {
		for i, a := range ancestors {
			if tiers[i] >= tier {
				id := a.MemberID
				snapshot.SetHolder(tier, &id)
				break
			}
		}
	}

	if err := q.Snapshots().Replace(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("ошибка записи снапшота %d: %w", memberID, err)
	}
	return snapshot, nil
}

// FreshSnapshot возвращает снапшот участника, перестраивая его, если он
// отсутствует или устарел относительно рангов предков
func (s *Service) FreshSnapshot(ctx context.Context, q store.Repositories, memberID int64) (*models.UplineRankSnapshot, error) {
	snapshot, err := q.Snapshots().Get(ctx, memberID)
	if errors.Is(err, models.ErrNotFound) {
		return s.RebuildSnapshot(ctx, q, memberID)
	}
	if err != nil {
		return nil, err
	}

	ancestors, err := s.referral.Ancestors(ctx, q, memberID)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestors {
		upline, err := q.Members().GetByID(ctx, a.MemberID)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения предка %d: %w", a.MemberID, err)
		}
		stale := upline.PromotionRunStatus == models.StatusPending ||
			(upline.RankUpdatedAt != nil && upline.RankUpdatedAt.After(snapshot.RefreshedAt))
		if stale {
			s.logger.Debug("снапшот устарел, перестраиваем",
				zap.Int64("member_id", memberID),
				zap.Int64("upline_id", upline.ID))
			return s.RebuildSnapshot(ctx, q, memberID)
		}
	}
	return snapshot, nil
}

func (s *Service) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return 500
}
