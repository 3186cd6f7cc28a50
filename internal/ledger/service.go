// Package ledger ведет цифровой кошелек участника: баланс, накопители и
// неизменяемый журнал проводок с балансом до и после каждой операции.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Operation одна операция над кошельком
type Operation struct {
	UserID        int64
	Amount        decimal.Decimal
	Type          models.WalletTransactionType
	ReferenceType string
	ReferenceID   int64
	// ExpectedBalance при заданном значении операция пройдет только с этим балансом
	ExpectedBalance *decimal.Decimal
	// AdminAdjustment разрешает уход баланса в минус
	AdminAdjustment bool
}

// Service сервис для работы с кошельками
type Service struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	backoff func() retry.Backoff
}

// NewService создает новый сервис кошельков
func NewService(st store.Store, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		metrics: m,
		logger:  logger,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.WithJitterPercent(20, retry.NewExponential(20*time.Millisecond)))
		},
	}
}

// CreateWallet открывает пустой активный кошелек участнику
func (s *Service) CreateWallet(ctx context.Context, tx store.Repositories, userID int64) (*models.Wallet, error) {
	w := &models.Wallet{
		UserID:         userID,
		Balance:        decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalSpent:     decimal.Zero,
		IsActive:       true,
	}
	if err := tx.Wallets().Create(ctx, w); err != nil {
		return nil, fmt.Errorf("ошибка создания кошелька: %w", err)
	}
	return w, nil
}

// Credit зачисляет средства в рамках транзакции вызывающего
func (s *Service) Credit(ctx context.Context, tx store.Repositories, op Operation) (*models.WalletTransaction, error) {
	if op.Type.IsDebit() {
		return nil, fmt.Errorf("тип %s не является зачислением: %w", op.Type, models.ErrInvalidTransition)
	}
	return s.post(ctx, tx, op)
}

// Debit списывает средства в рамках транзакции вызывающего
func (s *Service) Debit(ctx context.Context, tx store.Repositories, op Operation) (*models.WalletTransaction, error) {
	if !op.Type.IsDebit() {
		return nil, fmt.Errorf("тип %s не является списанием: %w", op.Type, models.ErrInvalidTransition)
	}
	return s.post(ctx, tx, op)
}

// CreditNow зачисляет средства в собственной транзакции с повтором при конфликте
func (s *Service) CreditNow(ctx context.Context, op Operation) (*models.WalletTransaction, error) {
	return s.postNow(ctx, op, s.Credit)
}

// DebitNow списывает средства в собственной транзакции с повтором при конфликте
func (s *Service) DebitNow(ctx context.Context, op Operation) (*models.WalletTransaction, error) {
	return s.postNow(ctx, op, s.Debit)
}

type postFunc func(ctx context.Context, tx store.Repositories, op Operation) (*models.WalletTransaction, error)

func (s *Service) postNow(ctx context.Context, op Operation, post postFunc) (*models.WalletTransaction, error) {
	var result *models.WalletTransaction
	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			result, err = post(ctx, tx, op)
			return err
		})
		if errors.Is(err, models.ErrConcurrentModification) {
			s.logger.Warn("конфликт баланса, повторяем",
				zap.Int64("user_id", op.UserID),
				zap.Int("attempt", attempt))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) post(ctx context.Context, tx store.Repositories, op Operation) (*models.WalletTransaction, error) {
	if !op.Type.IsValid() {
		return nil, fmt.Errorf("неизвестный тип операции %q: %w", op.Type, models.ErrInvalidTransition)
	}
	if !op.Amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}
	amount := op.Amount.Round(models.MoneyScale)

	wallet, err := tx.Wallets().GetForUpdate(ctx, op.UserID)
	if err != nil {
		s.record(op.Type, err)
		return nil, err
	}
	if !wallet.IsActive {
		s.record(op.Type, models.ErrWalletInactive)
		return nil, fmt.Errorf("кошелек участника %d: %w", op.UserID, models.ErrWalletInactive)
	}
	if op.ExpectedBalance != nil && !wallet.Balance.Equal(*op.ExpectedBalance) {
		s.record(op.Type, models.ErrConcurrentModification)
		return nil, fmt.Errorf("ожидался баланс %s, в базе %s: %w",
			op.ExpectedBalance.StringFixed(models.MoneyScale), wallet.Balance.StringFixed(models.MoneyScale), models.ErrConcurrentModification)
	}

	exists, err := tx.WalletTransactions().ExistsByReference(ctx, op.UserID, op.Type, op.ReferenceType, op.ReferenceID)
	if err != nil {
		return nil, err
	}
	if exists {
		s.record(op.Type, models.ErrDuplicateSettlement)
		return nil, fmt.Errorf("проводка %s/%s#%d: %w", op.Type, op.ReferenceType, op.ReferenceID, models.ErrDuplicateSettlement)
	}

	before := wallet.Balance
	after := before.Add(amount)
	if op.Type.IsDebit() {
		after = before.Sub(amount)
		if after.IsNegative() && !op.AdminAdjustment {
			s.record(op.Type, models.ErrInsufficientFunds)
			return nil, fmt.Errorf("баланс %s, списание %s: %w",
				before.StringFixed(models.MoneyScale), amount.StringFixed(models.MoneyScale), models.ErrInsufficientFunds)
		}
	}

	wallet.Balance = after
	switch op.Type {
	case models.WalletTxDeposit:
		wallet.TotalDeposited = wallet.TotalDeposited.Add(amount)
	case models.WalletTxPayment:
		wallet.TotalSpent = wallet.TotalSpent.Add(amount)
	}
	if err := tx.Wallets().UpdateBalance(ctx, wallet, before); err != nil {
		s.record(op.Type, err)
		return nil, err
	}

	entry := &models.WalletTransaction{
		UserID:            op.UserID,
		Type:              op.Type,
		Amount:            amount,
		BalanceBefore:     before,
		BalanceAfter:      after,
		ReferenceType:     op.ReferenceType,
		ReferenceID:       op.ReferenceID,
		Status:            models.WalletTxStatusCompleted,
		IsAdminAdjustment: op.AdminAdjustment,
	}
	if err := tx.WalletTransactions().Create(ctx, entry); err != nil {
		s.record(op.Type, err)
		return nil, err
	}

	s.record(op.Type, nil)
	s.logger.Info("проводка по кошельку",
		zap.Int64("user_id", op.UserID),
		zap.String("type", string(op.Type)),
		zap.String("amount", amount.StringFixed(models.MoneyScale)),
		zap.String("balance_after", after.StringFixed(models.MoneyScale)),
		zap.String("reference_type", op.ReferenceType),
		zap.Int64("reference_id", op.ReferenceID))
	return entry, nil
}

func (s *Service) record(txType models.WalletTransactionType, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrDuplicateSettlement):
		outcome = "duplicate"
	case errors.Is(err, models.ErrInsufficientFunds):
		outcome = "insufficient"
	case errors.Is(err, models.ErrConcurrentModification):
		outcome = "conflict"
	case errors.Is(err, models.ErrWalletInactive):
		outcome = "inactive"
	default:
		outcome = "error"
	}
	s.metrics.RecordLedgerOperation(string(txType), outcome)
}

// Deactivate отключает кошелек, операции по нему отклоняются
func (s *Service) Deactivate(ctx context.Context, userID int64, reason string) error {
	return s.setActive(ctx, userID, false, reason)
}

// Activate включает кошелек
func (s *Service) Activate(ctx context.Context, userID int64, reason string) error {
	return s.setActive(ctx, userID, true, reason)
}

func (s *Service) setActive(ctx context.Context, userID int64, active bool, reason string) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.Wallets().GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if w.IsActive == active {
			return nil
		}
		if err := tx.Wallets().SetActive(ctx, userID, active); err != nil {
			return err
		}
		s.logger.Info("активность кошелька изменена", zap.Int64("user_id", userID), zap.Bool("active", active))
		return store.RecordTransition(ctx, tx, store.EntityWallet, w.ID, "is_active", w.IsActive, active, reason)
	})
}

// Balance возвращает кошелек участника
func (s *Service) Balance(ctx context.Context, userID int64) (*models.Wallet, error) {
	return s.store.Wallets().GetByUserID(ctx, userID)
}
