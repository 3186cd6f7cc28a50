package store

import (
	"context"
	"fmt"
	"time"

	"cafe-settlement/pkg/models"

	"github.com/jackc/pgx/v5"
)

// poolRepository реализует PoolRepository
type poolRepository struct{ *pgRepos }

const poolColumns = `id, user_id, order_id, user_trigger_id, pool_type, amount, status, delete_status, count_status, created_at`

func scanPoolEntry(row pgx.Row) (*models.GlobalPoolEntry, error) {
	e := &models.GlobalPoolEntry{}
	err := row.Scan(
		&e.ID, &e.UserID, &e.OrderID, &e.UserTriggerID, &e.PoolType, &e.Amount,
		&e.Status, &e.DeleteStatus, &e.CountStatus, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateEntry добавляет взнос в пул
func (r *poolRepository) CreateEntry(ctx context.Context, e *models.GlobalPoolEntry) error {
	query := `
		INSERT INTO global_pool_entries (user_id, order_id, user_trigger_id, pool_type, amount, status,
		                                 delete_status, count_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	e.CreatedAt = time.Now()
	err := r.q.QueryRow(ctx, query,
		e.UserID, e.OrderID, e.UserTriggerID, e.PoolType, e.Amount, e.Status,
		e.DeleteStatus, e.CountStatus, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания взноса в пул: %w", mapError(err))
	}
	return nil
}

// GetForUpdate получает взнос с блокировкой строки
func (r *poolRepository) GetForUpdate(ctx context.Context, id int64) (*models.GlobalPoolEntry, error) {
	e, err := scanPoolEntry(r.q.QueryRow(ctx, `SELECT `+poolColumns+` FROM global_pool_entries WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки взноса %d: %w", id, mapError(err))
	}
	return e, nil
}

// ListUncounted получает нераспределенные и неудаленные взносы
func (r *poolRepository) ListUncounted(ctx context.Context, afterID int64, limit int) ([]*models.GlobalPoolEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+poolColumns+` FROM global_pool_entries
		WHERE count_status = 0 AND delete_status = 0 AND id > $1
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения взносов в пул: %w", err)
	}
	defer rows.Close()

	var entries []*models.GlobalPoolEntry
	for rows.Next() {
		e, err := scanPoolEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования взноса: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkCounted отмечает взнос распределенным
func (r *poolRepository) MarkCounted(ctx context.Context, id int64) error {
	result, err := r.q.Exec(ctx, `UPDATE global_pool_entries SET count_status = 1 WHERE id = $1 AND count_status = 0`, id)
	if err != nil {
		return fmt.Errorf("ошибка отметки взноса: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("взнос в пул %d: %w", id, models.ErrDuplicateSettlement)
	}
	return nil
}

// MarkDeleted мягко удаляет нераспределенный взнос
func (r *poolRepository) MarkDeleted(ctx context.Context, id int64) error {
	result, err := r.q.Exec(ctx, `UPDATE global_pool_entries SET delete_status = 1 WHERE id = $1 AND count_status = 0`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления взноса: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("взнос в пул %d не найден или распределен: %w", id, models.ErrInvalidTransition)
	}
	return nil
}

// CreatePayout записывает выплату доли; повтор по (pool_entry_id, recipient_id) отклоняется
func (r *poolRepository) CreatePayout(ctx context.Context, p *models.PoolPayout) error {
	query := `
		INSERT INTO pool_payouts (pool_entry_id, recipient_id, amount, channel, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	p.CreatedAt = time.Now()
	err := r.q.QueryRow(ctx, query, p.PoolEntryID, p.RecipientID, p.Amount, p.Channel, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("ошибка записи выплаты из пула: %w", mapError(err))
	}
	return nil
}

// ListPayouts получает выплаты по взносу
func (r *poolRepository) ListPayouts(ctx context.Context, entryID int64) ([]*models.PoolPayout, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, pool_entry_id, recipient_id, amount, channel, created_at
		FROM pool_payouts WHERE pool_entry_id = $1 ORDER BY id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выплат из пула: %w", err)
	}
	defer rows.Close()

	var payouts []*models.PoolPayout
	for rows.Next() {
		p := &models.PoolPayout{}
		if err := rows.Scan(&p.ID, &p.PoolEntryID, &p.RecipientID, &p.Amount, &p.Channel, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования выплаты: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// CountPayouts считает все выплаты из пула
func (r *poolRepository) CountPayouts(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM pool_payouts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчета выплат: %w", err)
	}
	return n, nil
}

// transitionRepository реализует TransitionRepository
type transitionRepository struct{ *pgRepos }

// Record записывает переход флага
func (r *transitionRepository) Record(ctx context.Context, t *models.StatusTransition) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO status_transitions (entity_type, entity_id, field, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.EntityType, t.EntityID, t.Field, t.FromState, t.ToState, t.Reason, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("ошибка записи перехода: %w", err)
	}
	return nil
}

// ListByEntity получает историю переходов сущности
func (r *transitionRepository) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]*models.StatusTransition, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, entity_type, entity_id, field, from_state, to_state, reason, created_at
		FROM status_transitions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения переходов: %w", err)
	}
	defer rows.Close()

	var list []*models.StatusTransition
	for rows.Next() {
		t := &models.StatusTransition{}
		if err := rows.Scan(&t.ID, &t.EntityType, &t.EntityID, &t.Field, &t.FromState, &t.ToState, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования перехода: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
