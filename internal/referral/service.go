package referral

import (
	"context"
	"fmt"
	"strings"

	"cafe-settlement/internal/config"
	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"go.uber.org/zap"
)

// Service представляет сервис реферального графа: регистрация участников,
// предвычисленные связи предков и разрешение уровней комиссии
type Service struct {
	store   store.Store
	ledger  *ledger.Service
	cfg     *config.SettlementConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService создает новый сервис рефералов
func NewService(st store.Store, ledgerSvc *ledger.Service, cfg *config.SettlementConfig, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		ledger:  ledgerSvc,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// MaxDepth глубина цепочки предков
func (s *Service) MaxDepth() int {
	return s.cfg.MaxDepth()
}

// AddMember регистрирует участника, открывает кошелек и строит связи со всеми
// предками до глубины L_max. Все в одной транзакции.
func (s *Service) AddMember(ctx context.Context, req models.CreateMemberRequest) (*models.Member, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("имя участника не задано")
	}

	member := &models.Member{
		Name:               req.Name,
		Email:              req.Email,
		TelegramChatID:     req.TelegramChatID,
		ReferredBy:         req.ReferredBy,
		RankTier:           models.RankNone,
		RankFindStatus:     models.StatusDone,
		PromotionRunStatus: models.StatusDone,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var chain []models.Ancestor
		if req.ReferredBy != nil {
			if _, err := tx.Members().GetByID(ctx, *req.ReferredBy); err != nil {
				return fmt.Errorf("ошибка получения реферера: %w", err)
			}
			var err error
			if chain, err = s.Ancestors(ctx, tx, *req.ReferredBy); err != nil {
				return err
			}
		}

		if err := tx.Members().Create(ctx, member); err != nil {
			return err
		}
		if _, err := s.ledger.CreateWallet(ctx, tx, member.ID); err != nil {
			return err
		}
		if req.ReferredBy == nil {
			return nil
		}

		uplines := make([]int64, 0, s.MaxDepth())
		uplines = append(uplines, *req.ReferredBy)
		for _, a := range chain {
			if len(uplines) >= s.MaxDepth() {
				break
			}
			uplines = append(uplines, a.MemberID)
		}

		for i, uplineID := range uplines {
			if uplineID == member.ID {
				s.alertCycle(member.ID, uplineID)
				return fmt.Errorf("участник %d: %w", member.ID, models.ErrCycleDetected)
			}
			edge := &models.ReferralEdge{
				DownlineID:     member.ID,
				UplineID:       uplineID,
				Level:          i + 1,
				CommissionRate: s.cfg.RateForLevel(i + 1),
				Active:         true,
			}
			if err := tx.Referrals().CreateEdge(ctx, edge); err != nil {
				return err
			}
		}

		return s.markDirty(ctx, tx, uplines, "новый участник в нижней линии")
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка регистрации участника: %w", err)
	}

	s.logger.Info("участник зарегистрирован",
		zap.Int64("member_id", member.ID),
		zap.Int64p("referred_by", member.ReferredBy))
	return member, nil
}

// Ancestors возвращает предков участника от уровня 1 вверх со ставками.
// Читает только предвычисленные связи, без обхода referred_by.
func (s *Service) Ancestors(ctx context.Context, q store.Repositories, memberID int64) ([]models.Ancestor, error) {
	edges, err := q.Referrals().ListAncestors(ctx, memberID, s.MaxDepth())
	if err != nil {
		return nil, fmt.Errorf("ошибка получения предков: %w", err)
	}

	seen := make(map[int64]bool, len(edges))
	ancestors := make([]models.Ancestor, 0, len(edges))
	for i, e := range edges {
		switch {
		case e.UplineID == memberID:
			s.alertCycle(memberID, e.UplineID)
			return nil, fmt.Errorf("участник %d свой собственный предок: %w", memberID, models.ErrCycleDetected)
		case seen[e.UplineID]:
			s.alertCycle(memberID, e.UplineID)
			return nil, fmt.Errorf("предок %d повторяется в цепочке %d: %w", e.UplineID, memberID, models.ErrCycleDetected)
		case e.Level != i+1:
			s.alertCycle(memberID, e.UplineID)
			return nil, fmt.Errorf("разрыв уровней в цепочке %d: уровень %d на позиции %d: %w", memberID, e.Level, i+1, models.ErrCycleDetected)
		}
		seen[e.UplineID] = true
		ancestors = append(ancestors, models.Ancestor{
			MemberID:       e.UplineID,
			Level:          e.Level,
			CommissionRate: e.CommissionRate,
		})
	}
	return ancestors, nil
}

// RebuildEdges восстанавливает недостающие связи участника обходом referred_by.
// Существующие связи не меняются. Возвращает количество созданных связей.
func (s *Service) RebuildEdges(ctx context.Context, memberID int64) (int, error) {
	created := 0
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		member, err := tx.Members().GetByID(ctx, memberID)
		if err != nil {
			return err
		}

		visited := map[int64]bool{memberID: true}
		var uplines []int64
		for cur := member.ReferredBy; cur != nil && len(uplines) < s.MaxDepth(); {
			if visited[*cur] {
				s.alertCycle(memberID, *cur)
				return fmt.Errorf("повторный визит %d при обходе от %d: %w", *cur, memberID, models.ErrCycleDetected)
			}
			visited[*cur] = true
			uplines = append(uplines, *cur)

			next, err := tx.Members().GetByID(ctx, *cur)
			if err != nil {
				return fmt.Errorf("ошибка получения предка %d: %w", *cur, err)
			}
			cur = next.ReferredBy
		}

		existing, err := tx.Referrals().ListAncestors(ctx, memberID, s.MaxDepth())
		if err != nil {
			return err
		}
		have := make(map[int64]int, len(existing))
		for _, e := range existing {
			have[e.UplineID] = e.Level
		}

		for i, uplineID := range uplines {
			level := i + 1
			if got, ok := have[uplineID]; ok {
				if got != level {
					s.logger.Warn("связь расходится с referred_by",
						zap.Int64("member_id", memberID),
						zap.Int64("upline_id", uplineID),
						zap.Int("stored_level", got),
						zap.Int("walked_level", level))
				}
				continue
			}
			edge := &models.ReferralEdge{
				DownlineID:     memberID,
				UplineID:       uplineID,
				Level:          level,
				CommissionRate: s.cfg.RateForLevel(level),
				Active:         true,
			}
			if err := tx.Referrals().CreateEdge(ctx, edge); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка восстановления связей участника %d: %w", memberID, err)
	}

	if created > 0 {
		s.logger.Info("связи восстановлены", zap.Int64("member_id", memberID), zap.Int("created", created))
	}
	return created, nil
}

// MarkAncestorsDirty ставит предкам участника флаг пересчета ранга
func (s *Service) MarkAncestorsDirty(ctx context.Context, tx store.Repositories, ancestors []models.Ancestor, reason string) error {
	ids := make([]int64, 0, len(ancestors))
	for _, a := range ancestors {
		ids = append(ids, a.MemberID)
	}
	return s.markDirty(ctx, tx, ids, reason)
}

func (s *Service) markDirty(ctx context.Context, tx store.Repositories, ids []int64, reason string) error {
	changed, err := tx.Members().MarkRankDirty(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range changed {
		if err := store.RecordTransition(ctx, tx, store.EntityMember, id, "rank_find_status", models.StatusDone, models.StatusPending, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) alertCycle(memberID, uplineID int64) {
	s.metrics.RecordCycle()
	s.logger.Error("обнаружен цикл в реферальном графе",
		zap.Int64("member_id", memberID),
		zap.Int64("upline_id", uplineID))
}
