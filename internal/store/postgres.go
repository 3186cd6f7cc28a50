package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe-settlement/internal/config"
	"cafe-settlement/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// querier общий интерфейс пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgRepos набор репозиториев над пулом или транзакцией
type pgRepos struct {
	q      querier
	logger *zap.Logger
}

func (r *pgRepos) Members() MemberRepository { return &memberRepository{r} }
func (r *pgRepos) Referrals() ReferralRepository { return &referralRepository{r} }
func (r *pgRepos) Snapshots() SnapshotRepository { return &snapshotRepository{r} }
func (r *pgRepos) Wallets() WalletRepository { return &walletRepository{r} }
func (r *pgRepos) Commissions() CommissionRepository { return &commissionRepository{r} }
func (r *pgRepos) Pool() PoolRepository { return &poolRepository{r} }
func (r *pgRepos) Orders() OrderRepository { return &orderRepository{r} }
func (r *pgRepos) Cash() CashRepository { return &cashRepository{r} }
func (r *pgRepos) Packages() PackageRepository { return &packageRepository{r} }
func (r *pgRepos) Transitions() TransitionRepository { return &transitionRepository{r} }

func (r *pgRepos) WalletTransactions() WalletTransactionRepository {
	return &walletTransactionRepository{r}
}

// pgStore реализует интерфейс Store поверх PostgreSQL
type pgStore struct {
	*pgRepos
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewStore создает новое подключение к базе данных
func NewStore(cfg *config.Config, logger *zap.Logger) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Создание пула подключений
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Настройка пула
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка проверки подключения к базе данных: %w", err)
	}

	logger.Info("успешное подключение к базе данных PostgreSQL")

	return &pgStore{
		pgRepos: &pgRepos{q: db, logger: logger},
		db:      db,
		logger:  logger,
	}, nil
}

// InTx выполняет fn в транзакции READ COMMITTED с блокировками строк
func (s *pgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("ошибка отката транзакции", zap.Error(rbErr))
			}
		}
	}()

	if err := fn(&pgRepos{q: tx, logger: s.logger}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("ошибка фиксации транзакции: %w", err))
	}
	committed = true
	return nil
}

// Close закрывает подключение к базе данных
func (s *pgStore) Close() error {
	s.logger.Info("закрытие подключения к базе данных")
	s.db.Close()
	return nil
}

// pgUniqueViolation код ошибки нарушения уникальности
const pgUniqueViolation = "23505"

// mapError переводит ошибки драйвера в ошибки модели
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", models.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", models.ErrDuplicateSettlement, pgErr.ConstraintName)
	}
	return err
}

// memberRepository реализует MemberRepository
type memberRepository struct{ *pgRepos }

const memberColumns = `id, name, email, telegram_chat_id, referred_by, rank_tier, is_paid,
	rank_find_status, promotion_run_status, rank_updated_at, created_at, updated_at`

func scanMember(row pgx.Row) (*models.Member, error) {
	m := &models.Member{}
	err := row.Scan(
		&m.ID, &m.Name, &m.Email, &m.TelegramChatID, &m.ReferredBy, &m.RankTier, &m.IsPaid,
		&m.RankFindStatus, &m.PromotionRunStatus, &m.RankUpdatedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *memberRepository) list(ctx context.Context, query string, args ...any) ([]*models.Member, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участников: %w", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования участника: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Create создает нового участника
func (r *memberRepository) Create(ctx context.Context, m *models.Member) error {
	query := `
		INSERT INTO members (name, email, telegram_chat_id, referred_by, rank_tier, is_paid,
		                     rank_find_status, promotion_run_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	err := r.q.QueryRow(ctx, query,
		m.Name, m.Email, m.TelegramChatID, m.ReferredBy, m.RankTier, m.IsPaid,
		m.RankFindStatus, m.PromotionRunStatus, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания участника: %w", mapError(err))
	}

	r.logger.Info("участник создан", zap.Int64("member_id", m.ID))
	return nil
}

// GetByID получает участника по ID
func (r *memberRepository) GetByID(ctx context.Context, id int64) (*models.Member, error) {
	m, err := scanMember(r.q.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участника %d: %w", id, mapError(err))
	}
	return m, nil
}

// GetForUpdate получает участника с блокировкой строки
func (r *memberRepository) GetForUpdate(ctx context.Context, id int64) (*models.Member, error) {
	m, err := scanMember(r.q.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки участника %d: %w", id, mapError(err))
	}
	return m, nil
}

// Update обновляет ранг и флаги участника
func (r *memberRepository) Update(ctx context.Context, m *models.Member) error {
	query := `
		UPDATE members
		SET rank_tier = $2, is_paid = $3, rank_find_status = $4, promotion_run_status = $5,
		    rank_updated_at = $6, updated_at = $7
		WHERE id = $1`

	m.UpdatedAt = time.Now()
	result, err := r.q.Exec(ctx, query,
		m.ID, m.RankTier, m.IsPaid, m.RankFindStatus, m.PromotionRunStatus, m.RankUpdatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления участника: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("участник с ID %d: %w", m.ID, models.ErrNotFound)
	}
	return nil
}

// ListPendingRank получает участников, ожидающих пересчета ранга
func (r *memberRepository) ListPendingRank(ctx context.Context, afterID int64, limit int) ([]*models.Member, error) {
	return r.list(ctx, `SELECT `+memberColumns+` FROM members
		WHERE rank_find_status = 0 AND id > $1 ORDER BY id LIMIT $2`, afterID, limit)
}

// ListPendingPromotion получает участников с неперестроенными снапшотами
func (r *memberRepository) ListPendingPromotion(ctx context.Context, afterID int64, limit int) ([]*models.Member, error) {
	return r.list(ctx, `SELECT `+memberColumns+` FROM members
		WHERE promotion_run_status = 0 AND id > $1 ORDER BY id LIMIT $2`, afterID, limit)
}

// MarkRankDirty сбрасывает флаг пересчета ранга
func (r *memberRepository) MarkRankDirty(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, `
		UPDATE members SET rank_find_status = 0, updated_at = NOW()
		WHERE id = ANY($1) AND rank_find_status <> 0
		RETURNING id`, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка сброса флага ранга: %w", err)
	}
	defer rows.Close()

	var changed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования участника: %w", err)
		}
		changed = append(changed, id)
	}
	return changed, rows.Err()
}

// GetStats получает агрегаты нижней линии участника
func (r *memberRepository) GetStats(ctx context.Context, id int64) (*models.MemberStats, error) {
	query := `
		SELECT
			m.id,
			(SELECT COUNT(*) FROM members d WHERE d.referred_by = m.id),
			(SELECT COUNT(DISTINCT e.downline_id) FROM mlm_relationships e WHERE e.upline_id = m.id AND e.active),
			(SELECT COALESCE(SUM(o.order_amount), 0) FROM orders o
			  WHERE o.paid_at IS NOT NULL
			    AND o.buyer_id IN (SELECT e.downline_id FROM mlm_relationships e WHERE e.upline_id = m.id AND e.active))
		FROM members m
		WHERE m.id = $1`

	stats := &models.MemberStats{}
	err := r.q.QueryRow(ctx, query, id).Scan(&stats.MemberID, &stats.DirectReferrals, &stats.TeamSize, &stats.TeamVolume)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики участника %d: %w", id, mapError(err))
	}
	return stats, nil
}
