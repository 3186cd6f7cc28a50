package store

import (
	"context"
	"fmt"

	"cafe-settlement/pkg/models"

	"go.uber.org/zap"
)

// referralRepository реализует ReferralRepository для PostgreSQL
type referralRepository struct{ *pgRepos }

// CreateEdge создает предвычисленную связь предка
func (r *referralRepository) CreateEdge(ctx context.Context, e *models.ReferralEdge) error {
	query := `
		INSERT INTO mlm_relationships (downline_id, upline_id, level, commission_rate, active, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`

	err := r.q.QueryRow(ctx, query,
		e.DownlineID, e.UplineID, e.Level, e.CommissionRate, e.Active,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания связи %d->%d: %w", e.DownlineID, e.UplineID, mapError(err))
	}

	r.logger.Debug("связь создана",
		zap.Int64("downline_id", e.DownlineID),
		zap.Int64("upline_id", e.UplineID),
		zap.Int("level", e.Level))
	return nil
}

// ListAncestors получает активные связи участника по возрастанию уровня
func (r *referralRepository) ListAncestors(ctx context.Context, downlineID int64, maxDepth int) ([]*models.ReferralEdge, error) {
	query := `
		SELECT id, downline_id, upline_id, level, commission_rate, active, created_at
		FROM mlm_relationships
		WHERE downline_id = $1 AND active AND level <= $2
		ORDER BY level, id`

	rows, err := r.q.Query(ctx, query, downlineID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения предков участника %d: %w", downlineID, err)
	}
	defer rows.Close()

	var edges []*models.ReferralEdge
	for rows.Next() {
		e := &models.ReferralEdge{}
		if err := rows.Scan(&e.ID, &e.DownlineID, &e.UplineID, &e.Level, &e.CommissionRate, &e.Active, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования связи: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListDescendantIDs получает всех потомков участника в пределах глубины связей
func (r *referralRepository) ListDescendantIDs(ctx context.Context, uplineID int64) ([]int64, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT downline_id FROM mlm_relationships
		WHERE upline_id = $1 AND active
		ORDER BY downline_id`, uplineID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения потомков участника %d: %w", uplineID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования потомка: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// snapshotRepository реализует SnapshotRepository
type snapshotRepository struct{ *pgRepos }

// Get получает снапшот ближайших держателей рангов
func (r *snapshotRepository) Get(ctx context.Context, memberID int64) (*models.UplineRankSnapshot, error) {
	query := `
		SELECT member_id, direct_referrer_id, three_star_id, five_star_id, seven_star_id,
		       mega_star_id, giga_star_id, refreshed_at
		FROM member_upline_rank WHERE member_id = $1`

	s := &models.UplineRankSnapshot{}
	err := r.q.QueryRow(ctx, query, memberID).Scan(
		&s.MemberID, &s.DirectReferrerID, &s.ThreeStarID, &s.FiveStarID, &s.SevenStarID,
		&s.MegaStarID, &s.GigaStarID, &s.RefreshedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения снапшота участника %d: %w", memberID, mapError(err))
	}
	return s, nil
}

// Replace перезаписывает снапшот целиком
func (r *snapshotRepository) Replace(ctx context.Context, s *models.UplineRankSnapshot) error {
	query := `
		INSERT INTO member_upline_rank (member_id, direct_referrer_id, three_star_id, five_star_id,
		                                seven_star_id, mega_star_id, giga_star_id, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (member_id) DO UPDATE SET
			direct_referrer_id = EXCLUDED.direct_referrer_id,
			three_star_id = EXCLUDED.three_star_id,
			five_star_id = EXCLUDED.five_star_id,
			seven_star_id = EXCLUDED.seven_star_id,
			mega_star_id = EXCLUDED.mega_star_id,
			giga_star_id = EXCLUDED.giga_star_id,
			refreshed_at = EXCLUDED.refreshed_at`

	_, err := r.q.Exec(ctx, query,
		s.MemberID, s.DirectReferrerID, s.ThreeStarID, s.FiveStarID,
		s.SevenStarID, s.MegaStarID, s.GigaStarID, s.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи снапшота участника %d: %w", s.MemberID, err)
	}
	return nil
}
