package store

import (
	"context"
	"fmt"
	"time"

	"cafe-settlement/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// walletRepository реализует WalletRepository
type walletRepository struct{ *pgRepos }

const walletColumns = `id, user_id, balance, total_deposited, total_spent, is_active, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	w := &models.Wallet{}
	if err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.TotalDeposited, &w.TotalSpent, &w.IsActive, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return w, nil
}

// Create создает кошелек участника
func (r *walletRepository) Create(ctx context.Context, w *models.Wallet) error {
	query := `
		INSERT INTO wallets (user_id, balance, total_deposited, total_spent, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	w.UpdatedAt = time.Now()
	err := r.q.QueryRow(ctx, query,
		w.UserID, w.Balance, w.TotalDeposited, w.TotalSpent, w.IsActive, w.UpdatedAt,
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания кошелька участника %d: %w", w.UserID, mapError(err))
	}
	return nil
}

// GetByUserID получает кошелек участника
func (r *walletRepository) GetByUserID(ctx context.Context, userID int64) (*models.Wallet, error) {
	w, err := scanWallet(r.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения кошелька участника %d: %w", userID, mapError(err))
	}
	return w, nil
}

// GetForUpdate получает кошелек с блокировкой строки
func (r *walletRepository) GetForUpdate(ctx context.Context, userID int64) (*models.Wallet, error) {
	w, err := scanWallet(r.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки кошелька участника %d: %w", userID, mapError(err))
	}
	return w, nil
}

// UpdateBalance записывает баланс и накопители, сверяя прежний баланс
func (r *walletRepository) UpdateBalance(ctx context.Context, w *models.Wallet, expected decimal.Decimal) error {
	query := `
		UPDATE wallets
		SET balance = $2, total_deposited = $3, total_spent = $4, updated_at = $5
		WHERE user_id = $1 AND balance = $6`

	w.UpdatedAt = time.Now()
	result, err := r.q.Exec(ctx, query, w.UserID, w.Balance, w.TotalDeposited, w.TotalSpent, w.UpdatedAt, expected)
	if err != nil {
		return fmt.Errorf("ошибка обновления баланса: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("кошелек участника %d: %w", w.UserID, models.ErrConcurrentModification)
	}
	return nil
}

// SetActive включает или отключает кошелек
func (r *walletRepository) SetActive(ctx context.Context, userID int64, active bool) error {
	result, err := r.q.Exec(ctx, `UPDATE wallets SET is_active = $2, updated_at = NOW() WHERE user_id = $1`, userID, active)
	if err != nil {
		return fmt.Errorf("ошибка изменения активности кошелька: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("кошелек участника %d: %w", userID, models.ErrNotFound)
	}
	return nil
}

// walletTransactionRepository реализует WalletTransactionRepository
type walletTransactionRepository struct{ *pgRepos }

// Create добавляет запись в журнал кошелька
func (r *walletTransactionRepository) Create(ctx context.Context, t *models.WalletTransaction) error {
	query := `
		INSERT INTO wallet_transactions (user_id, type, amount, balance_before, balance_after,
		                                 reference_type, reference_id, status, is_admin_adjustment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	t.CreatedAt = time.Now()
	err := r.q.QueryRow(ctx, query,
		t.UserID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.ReferenceType, t.ReferenceID, t.Status, t.IsAdminAdjustment, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("ошибка записи проводки %s/%s#%d: %w", t.Type, t.ReferenceType, t.ReferenceID, mapError(err))
	}
	return nil
}

// ExistsByReference проверяет наличие проводки по ключу идемпотентности
func (r *walletTransactionRepository) ExistsByReference(ctx context.Context, userID int64, txType models.WalletTransactionType, refType string, refID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE user_id = $1 AND type = $2 AND reference_type = $3 AND reference_id = $4
		)`, userID, txType, refType, refID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки проводки: %w", err)
	}
	return exists, nil
}

// ListByUser получает журнал кошелька участника в порядке записи
func (r *walletTransactionRepository) ListByUser(ctx context.Context, userID int64) ([]*models.WalletTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, balance_before, balance_after, reference_type, reference_id,
		       status, is_admin_adjustment, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY id`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала кошелька: %w", err)
	}
	defer rows.Close()

	var txs []*models.WalletTransaction
	for rows.Next() {
		t := &models.WalletTransaction{}
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.ReferenceType, &t.ReferenceID,
			&t.Status, &t.IsAdminAdjustment, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования проводки: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// cashRepository реализует CashRepository
type cashRepository struct{ *pgRepos }

const cashColumns = `id, user_id, is_debit, transaction_type, amount, reference_type, reference_id,
	reference_no, description, cash_out_user_id, cash_out_date, cash_out_status, created_at`

func scanCash(row pgx.Row) (*models.CashWalletTransaction, error) {
	t := &models.CashWalletTransaction{}
	err := row.Scan(
		&t.ID, &t.UserID, &t.IsDebit, &t.TransactionType, &t.Amount, &t.ReferenceType, &t.ReferenceID,
		&t.ReferenceNo, &t.Description, &t.CashOutUserID, &t.CashOutDate, &t.CashOutStatus, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Create добавляет запись в наличный журнал
func (r *cashRepository) Create(ctx context.Context, t *models.CashWalletTransaction) error {
	query := `
		INSERT INTO cash_wallet_transactions (user_id, is_debit, transaction_type, amount, reference_type,
		                                      reference_id, reference_no, description, cash_out_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	t.CreatedAt = time.Now()
	err := r.q.QueryRow(ctx, query,
		t.UserID, t.IsDebit, t.TransactionType, t.Amount, t.ReferenceType,
		t.ReferenceID, t.ReferenceNo, t.Description, t.CashOutStatus, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("ошибка записи наличной проводки: %w", mapError(err))
	}
	return nil
}

// GetForUpdate получает наличную проводку с блокировкой строки
func (r *cashRepository) GetForUpdate(ctx context.Context, id int64) (*models.CashWalletTransaction, error) {
	t, err := scanCash(r.q.QueryRow(ctx, `SELECT `+cashColumns+` FROM cash_wallet_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки наличной проводки %d: %w", id, mapError(err))
	}
	return t, nil
}

// UpdateCashOut записывает реквизиты выплаты
func (r *cashRepository) UpdateCashOut(ctx context.Context, t *models.CashWalletTransaction) error {
	query := `
		UPDATE cash_wallet_transactions
		SET reference_no = $2, description = $3, cash_out_user_id = $4, cash_out_date = $5, cash_out_status = $6
		WHERE id = $1`

	result, err := r.q.Exec(ctx, query, t.ID, t.ReferenceNo, t.Description, t.CashOutUserID, t.CashOutDate, t.CashOutStatus)
	if err != nil {
		return fmt.Errorf("ошибка обновления выплаты: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("наличная проводка %d: %w", t.ID, models.ErrNotFound)
	}
	return nil
}

// Balance считает наличный баланс участника по журналу
func (r *cashRepository) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN is_debit THEN -amount ELSE amount END), 0)
		FROM cash_wallet_transactions WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ошибка расчета наличного баланса: %w", err)
	}
	return balance, nil
}

// ListByUser получает наличный журнал участника
func (r *cashRepository) ListByUser(ctx context.Context, userID int64) ([]*models.CashWalletTransaction, error) {
	rows, err := r.q.Query(ctx, `SELECT `+cashColumns+` FROM cash_wallet_transactions WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения наличного журнала: %w", err)
	}
	defer rows.Close()

	var txs []*models.CashWalletTransaction
	for rows.Next() {
		t, err := scanCash(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования наличной проводки: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
