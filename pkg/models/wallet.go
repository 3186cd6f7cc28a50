package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletTransactionType тип операции цифрового кошелька
type WalletTransactionType string

const (
	WalletTxDeposit    WalletTransactionType = "deposit"
	WalletTxWithdrawal WalletTransactionType = "withdrawal"
	WalletTxPayment    WalletTransactionType = "payment"
	WalletTxRefund     WalletTransactionType = "refund"
	WalletTxCommission WalletTransactionType = "commission"
)

// IsValid проверяет валидность типа операции
func (t WalletTransactionType) IsValid() bool {
	switch t {
	case WalletTxDeposit, WalletTxWithdrawal, WalletTxPayment, WalletTxRefund, WalletTxCommission:
		return true
	default:
		return false
	}
}

// IsDebit сообщает, уменьшает ли операция баланс
func (t WalletTransactionType) IsDebit() bool {
	return t == WalletTxWithdrawal || t == WalletTxPayment
}

// WalletTransactionStatus статус записи журнала
type WalletTransactionStatus string

const (
	WalletTxStatusPending   WalletTransactionStatus = "pending"
	WalletTxStatusCompleted WalletTransactionStatus = "completed"
	WalletTxStatusFailed    WalletTransactionStatus = "failed"
)

// Типы ссылок, которыми помечаются проводки
const (
	RefCommission         = "commission_transaction"
	RefCommissionReversal = "commission_reversal"
	RefLeadership         = "leadership_bonus"
	RefGlobalPool         = "global_pool"
	RefOrderTax           = "order_tax"
	RefCashTransfer       = "cash_transfer"
	RefManual             = "manual"
)

// Wallet цифровой кошелек участника (один на участника)
type Wallet struct {
	ID             int64           `json:"id" db:"id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalSpent     decimal.Decimal `json:"total_spent" db:"total_spent"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// WalletTransaction неизменяемая запись журнала кошелька
type WalletTransaction struct {
	ID                int64                   `json:"id" db:"id"`
	UserID            int64                   `json:"user_id" db:"user_id"`
	Type              WalletTransactionType   `json:"type" db:"type"`
	Amount            decimal.Decimal         `json:"amount" db:"amount"`
	BalanceBefore     decimal.Decimal         `json:"balance_before" db:"balance_before"`
	BalanceAfter      decimal.Decimal         `json:"balance_after" db:"balance_after"`
	ReferenceType     string                  `json:"reference_type" db:"reference_type"`
	ReferenceID       int64                   `json:"reference_id" db:"reference_id"`
	Status            WalletTransactionStatus `json:"status" db:"status"`
	IsAdminAdjustment bool                    `json:"is_admin_adjustment" db:"is_admin_adjustment"`
	CreatedAt         time.Time               `json:"created_at" db:"created_at"`
}

// CashTransactionType тип операции наличного журнала
type CashTransactionType string

const (
	CashTxCashIn         CashTransactionType = "cash_in"
	CashTxTax            CashTransactionType = "tax"
	CashTxWithdrawal     CashTransactionType = "withdrawal"
	CashTxTransferCredit CashTransactionType = "transfer_credit"
)

// Статусы выплаты наличными
const (
	CashOutNone    = 0
	CashOutPending = 1
	CashOutPaid    = 2
)

// CashWalletTransaction запись отдельного наличного журнала
type CashWalletTransaction struct {
	ID              int64               `json:"id" db:"id"`
	UserID          int64               `json:"user_id" db:"user_id"`
	IsDebit         bool                `json:"is_debit" db:"is_debit"`
	TransactionType CashTransactionType `json:"transaction_type" db:"transaction_type"`
	Amount          decimal.Decimal     `json:"amount" db:"amount"`
	ReferenceType   string              `json:"reference_type" db:"reference_type"`
	ReferenceID     *int64              `json:"reference_id" db:"reference_id"`
	ReferenceNo     *string             `json:"reference_no" db:"reference_no"`
	Description     *string             `json:"description" db:"description"`
	CashOutUserID   *int64              `json:"cash_out_user_id" db:"cash_out_user_id"`
	CashOutDate     *time.Time          `json:"cash_out_date" db:"cash_out_date"`
	CashOutStatus   int                 `json:"cash_out_status" db:"cash_out_status"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
}

// Signed возвращает сумму со знаком движения
func (t *CashWalletTransaction) Signed() decimal.Decimal {
	if t.IsDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
