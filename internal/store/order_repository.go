package store

import (
	"context"
	"fmt"
	"time"

	"cafe-settlement/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// orderRepository реализует OrderRepository
type orderRepository struct{ *pgRepos }

const orderColumns = `id, buyer_id, package_offer_id, buying_amount, selling_amount, tax_amount, profit_amount,
	commission_amount, order_amount, customer_type, otp_status, otp_code_hash, otp_sent_at, otp_verified_at,
	commission_status, leadership_status, chaque_match_status, tax_status, paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.PackageOfferID, &o.BuyingAmount, &o.SellingAmount, &o.TaxAmount, &o.ProfitAmount,
		&o.CommissionAmount, &o.OrderAmount, &o.CustomerType, &o.OtpStatus, &o.OtpCodeHash, &o.OtpSentAt, &o.OtpVerifiedAt,
		&o.CommissionPostStatus, &o.LeadershipStatus, &o.ChaqueMatchStatus, &o.TaxStatus, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заказов: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования заказа: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Create сохраняет заказ; ID из модуля заказов сохраняется как есть
func (r *orderRepository) Create(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (id, buyer_id, package_offer_id, buying_amount, selling_amount, tax_amount, profit_amount,
		                    commission_amount, order_amount, customer_type, otp_status, commission_status,
		                    leadership_status, chaque_match_status, tax_status, paid_at, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, 0), nextval('orders_id_seq')), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18)
		RETURNING id`

	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	err := r.q.QueryRow(ctx, query,
		o.ID, o.BuyerID, o.PackageOfferID, o.BuyingAmount, o.SellingAmount, o.TaxAmount, o.ProfitAmount,
		o.CommissionAmount, o.OrderAmount, o.CustomerType, o.OtpStatus, o.CommissionPostStatus,
		o.LeadershipStatus, o.ChaqueMatchStatus, o.TaxStatus, o.PaidAt, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания заказа: %w", mapError(err))
	}

	r.logger.Info("заказ сохранен", zap.Int64("order_id", o.ID), zap.Int64("buyer_id", o.BuyerID))
	return nil
}

// GetByID получает заказ по ID
func (r *orderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заказа %d: %w", id, mapError(err))
	}
	return o, nil
}

// GetForUpdate получает заказ с блокировкой строки
func (r *orderRepository) GetForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки заказа %d: %w", id, mapError(err))
	}
	return o, nil
}

// UpdateOtp записывает состояние подтверждения кодом
func (r *orderRepository) UpdateOtp(ctx context.Context, o *models.Order) error {
	query := `
		UPDATE orders
		SET otp_status = $2, otp_code_hash = $3, otp_sent_at = $4, otp_verified_at = $5, updated_at = $6
		WHERE id = $1`

	o.UpdatedAt = time.Now()
	result, err := r.q.Exec(ctx, query, o.ID, o.OtpStatus, o.OtpCodeHash, o.OtpSentAt, o.OtpVerifiedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления кода заказа: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("заказ %d: %w", o.ID, models.ErrNotFound)
	}
	return nil
}

// UpdateGates записывает флаги шагов расчета
func (r *orderRepository) UpdateGates(ctx context.Context, o *models.Order) error {
	query := `
		UPDATE orders
		SET commission_status = $2, leadership_status = $3, chaque_match_status = $4, tax_status = $5, updated_at = $6
		WHERE id = $1`

	o.UpdatedAt = time.Now()
	result, err := r.q.Exec(ctx, query, o.ID, o.CommissionPostStatus, o.LeadershipStatus, o.ChaqueMatchStatus, o.TaxStatus, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления флагов заказа: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("заказ %d: %w", o.ID, models.ErrNotFound)
	}
	return nil
}

// ListOtpStale получает заказы с кодом, отправленным раньше sentBefore
func (r *orderRepository) ListOtpStale(ctx context.Context, sentBefore time.Time, afterID int64, limit int) ([]*models.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE otp_status = 1 AND otp_sent_at < $1 AND id > $2
		ORDER BY id LIMIT $3`, sentBefore, afterID, limit)
}

// ListUnsettled получает оплаченные заказы с незакрытыми шагами, кроме ждущих кода
func (r *orderRepository) ListUnsettled(ctx context.Context, afterID int64, limit int) ([]*models.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE paid_at IS NOT NULL AND otp_status NOT IN (1, 3) AND id > $1
		  AND (commission_status = 0 OR leadership_status = 0 OR chaque_match_status = 0 OR tax_status = 0)
		ORDER BY id LIMIT $2`, afterID, limit)
}

// packageRepository реализует PackageRepository
type packageRepository struct{ *pgRepos }

// Create создает пакет
func (r *packageRepository) Create(ctx context.Context, p *models.PackageOffer) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO package_offers (name, amount, valid_from, valid_until, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, p.Name, p.Amount, p.ValidFrom, p.ValidUntil, p.IsActive).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания пакета: %w", mapError(err))
	}
	return nil
}

// GetByID получает пакет по ID
func (r *packageRepository) GetByID(ctx context.Context, id int64) (*models.PackageOffer, error) {
	p := &models.PackageOffer{}
	err := r.q.QueryRow(ctx, `
		SELECT id, name, amount, valid_from, valid_until, is_active
		FROM package_offers WHERE id = $1`, id).Scan(&p.ID, &p.Name, &p.Amount, &p.ValidFrom, &p.ValidUntil, &p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакета %d: %w", id, mapError(err))
	}
	return p, nil
}

// commissionRepository реализует CommissionRepository
type commissionRepository struct{ *pgRepos }

// Create добавляет комиссию; повтор по (order_id, upline_user_id, level) отклоняется
func (r *commissionRepository) Create(ctx context.Context, c *models.CommissionTransaction) error {
	query := `
		INSERT INTO commission_transactions (order_id, upline_user_id, downline_user_id, order_amount,
		                                     commission_rate, commission_amount, level, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	c.CreatedAt = time.Now()
	err := r.q.QueryRow(ctx, query,
		c.OrderID, c.UplineUserID, c.DownlineUserID, c.OrderAmount,
		c.CommissionRate, c.CommissionAmount, c.Level, c.Status, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания комиссии заказа %d уровня %d: %w", c.OrderID, c.Level, mapError(err))
	}
	return nil
}

// CountByOrder считает комиссии заказа
func (r *commissionRepository) CountByOrder(ctx context.Context, orderID int64) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM commission_transactions WHERE order_id = $1`, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчета комиссий: %w", err)
	}
	return n, nil
}

// ListByOrder получает комиссии заказа по уровням
func (r *commissionRepository) ListByOrder(ctx context.Context, orderID int64) ([]*models.CommissionTransaction, error) {
	query := `
		SELECT id, order_id, upline_user_id, downline_user_id, order_amount, commission_rate,
		       commission_amount, level, status, paid_at, created_at
		FROM commission_transactions
		WHERE order_id = $1
		ORDER BY level`

	rows, err := r.q.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения комиссий заказа %d: %w", orderID, err)
	}
	defer rows.Close()

	var list []*models.CommissionTransaction
	for rows.Next() {
		c := &models.CommissionTransaction{}
		err := rows.Scan(
			&c.ID, &c.OrderID, &c.UplineUserID, &c.DownlineUserID, &c.OrderAmount, &c.CommissionRate,
			&c.CommissionAmount, &c.Level, &c.Status, &c.PaidAt, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования комиссии: %w", err)
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// UpdateStatus меняет статус комиссии
func (r *commissionRepository) UpdateStatus(ctx context.Context, id int64, status models.CommissionStatus, paidAt *time.Time) error {
	result, err := r.q.Exec(ctx, `UPDATE commission_transactions SET status = $2, paid_at = $3 WHERE id = $1`, id, status, paidAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса комиссии: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("комиссия %d: %w", id, models.ErrNotFound)
	}
	return nil
}
