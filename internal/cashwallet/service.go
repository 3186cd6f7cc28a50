// Package cashwallet ведет наличный журнал: поступления из пула, налоги,
// запросы на выплату и их подтверждение администратором.
package cashwallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service сервис наличного кошелька
type Service struct {
	store        store.Store
	ledger       *ledger.Service
	taxAccountID int64
	logger       *zap.Logger
}

// NewService создает новый сервис наличного кошелька
func NewService(st store.Store, ledgerSvc *ledger.Service, taxAccountID int64, logger *zap.Logger) *Service {
	return &Service{
		store:        st,
		ledger:       ledgerSvc,
		taxAccountID: taxAccountID,
		logger:       logger,
	}
}

// CashIn зачисляет наличные; повтор по (user, ref_type, ref_id) отклоняется
func (s *Service) CashIn(ctx context.Context, tx store.Repositories, userID int64, amount decimal.Decimal, refType string, refID int64) (*models.CashWalletTransaction, error) {
	return s.credit(ctx, tx, userID, models.CashTxCashIn, amount, refType, refID)
}

// PostTax записывает налог заказа на налоговый счет
func (s *Service) PostTax(ctx context.Context, tx store.Repositories, orderID int64, amount decimal.Decimal) (*models.CashWalletTransaction, error) {
	return s.credit(ctx, tx, s.taxAccountID, models.CashTxTax, amount, models.RefOrderTax, orderID)
}

func (s *Service) credit(ctx context.Context, tx store.Repositories, userID int64, txType models.CashTransactionType, amount decimal.Decimal, refType string, refID int64) (*models.CashWalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}
	entry := &models.CashWalletTransaction{
		UserID:          userID,
		TransactionType: txType,
		Amount:          amount.Round(models.MoneyScale),
		ReferenceType:   refType,
		ReferenceID:     &refID,
		CashOutStatus:   models.CashOutNone,
	}
	if err := tx.Cash().Create(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("наличное зачисление",
		zap.Int64("user_id", userID),
		zap.String("type", string(txType)),
		zap.String("amount", entry.Amount.StringFixed(models.MoneyScale)),
		zap.String("reference_type", refType),
		zap.Int64("reference_id", refID))
	return entry, nil
}

// RequestCashOut создает запрос на выплату наличными в статусе ожидания
func (s *Service) RequestCashOut(ctx context.Context, userID int64, amount decimal.Decimal, description string) (*models.CashWalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}
	amount = amount.Round(models.MoneyScale)

	var entry *models.CashWalletTransaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		// блокировка участника сериализует выплаты одного владельца
		if _, err := tx.Members().GetForUpdate(ctx, userID); err != nil {
			return err
		}
		balance, err := tx.Cash().Balance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return fmt.Errorf("наличный баланс %s, запрошено %s: %w",
				balance.StringFixed(models.MoneyScale), amount.StringFixed(models.MoneyScale), models.ErrInsufficientFunds)
		}

		requestNo := "CO-" + strings.ToUpper(uuid.NewString()[:8])
		entry = &models.CashWalletTransaction{
			UserID:          userID,
			IsDebit:         true,
			TransactionType: models.CashTxWithdrawal,
			Amount:          amount,
			ReferenceType:   "cash_out_request",
			ReferenceNo:     &requestNo,
			CashOutStatus:   models.CashOutPending,
		}
		if description != "" {
			entry.Description = &description
		}
		if err := tx.Cash().Create(ctx, entry); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityCashWallet, entry.ID, "cash_out_status",
			models.CashOutNone, models.CashOutPending, "запрос на выплату")
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса выплаты: %w", err)
	}

	s.logger.Info("запрос на выплату наличными",
		zap.Int64("user_id", userID),
		zap.Int64("transaction_id", entry.ID),
		zap.String("amount", amount.StringFixed(models.MoneyScale)))
	return entry, nil
}

// MarkPaidOut подтверждает выплату; принимается только запрос в статусе ожидания
func (s *Service) MarkPaidOut(ctx context.Context, txID int64, referenceNo, description string, adminID int64) (*models.CashWalletTransaction, error) {
	if strings.TrimSpace(referenceNo) == "" {
		return nil, fmt.Errorf("номер платежного документа не задан")
	}

	var entry *models.CashWalletTransaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = tx.Cash().GetForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		if !entry.IsDebit || entry.TransactionType != models.CashTxWithdrawal || entry.CashOutStatus != models.CashOutPending {
			return fmt.Errorf("проводка %d в статусе %d: %w", txID, entry.CashOutStatus, models.ErrCashOutNotPending)
		}

		now := time.Now()
		entry.ReferenceNo = &referenceNo
		if description != "" {
			entry.Description = &description
		}
		entry.CashOutUserID = &adminID
		entry.CashOutDate = &now
		entry.CashOutStatus = models.CashOutPaid
		if err := tx.Cash().UpdateCashOut(ctx, entry); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityCashWallet, entry.ID, "cash_out_status",
			models.CashOutPending, models.CashOutPaid, fmt.Sprintf("выплачено администратором %d", adminID))
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подтверждения выплаты %d: %w", txID, err)
	}

	s.logger.Info("выплата подтверждена",
		zap.Int64("transaction_id", txID),
		zap.Int64("admin_id", adminID),
		zap.String("reference_no", referenceNo))
	return entry, nil
}

// TransferFromWallet переводит средства из цифрового кошелька в наличный одной транзакцией
func (s *Service) TransferFromWallet(ctx context.Context, userID int64, amount decimal.Decimal) (*models.CashWalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}

	var entry *models.CashWalletTransaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		entry = &models.CashWalletTransaction{
			UserID:          userID,
			TransactionType: models.CashTxTransferCredit,
			Amount:          amount.Round(models.MoneyScale),
			ReferenceType:   models.RefCashTransfer,
			CashOutStatus:   models.CashOutNone,
		}
		if err := tx.Cash().Create(ctx, entry); err != nil {
			return err
		}
		_, err := s.ledger.Debit(ctx, tx, ledger.Operation{
			UserID:        userID,
			Amount:        amount,
			Type:          models.WalletTxWithdrawal,
			ReferenceType: models.RefCashTransfer,
			ReferenceID:   entry.ID,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода в наличный кошелек: %w", err)
	}
	return entry, nil
}

// Balance возвращает наличный баланс участника
func (s *Service) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.store.Cash().Balance(ctx, userID)
}

// History возвращает наличный журнал участника
func (s *Service) History(ctx context.Context, userID int64) ([]*models.CashWalletTransaction, error) {
	return s.store.Cash().ListByUser(ctx, userID)
}
