package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OtpStatus состояние подтверждения заказа кодом
type OtpStatus int

const (
	OtpNotRequired OtpStatus = 0
	OtpSent        OtpStatus = 1
	OtpVerified    OtpStatus = 2
	OtpExpired     OtpStatus = 3
)

// String возвращает имя состояния
func (s OtpStatus) String() string {
	switch s {
	case OtpNotRequired:
		return "not_required"
	case OtpSent:
		return "sent"
	case OtpVerified:
		return "verified"
	case OtpExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order заказ со всеми флагами расчетов
type Order struct {
	ID                   int64           `json:"id" db:"id"`
	BuyerID              int64           `json:"buyer_id" db:"buyer_id"`
	PackageOfferID       *int64          `json:"package_offer_id" db:"package_offer_id"`
	BuyingAmount         decimal.Decimal `json:"buying_amount" db:"buying_amount"`
	SellingAmount        decimal.Decimal `json:"selling_amount" db:"selling_amount"`
	TaxAmount            decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	ProfitAmount         decimal.Decimal `json:"profit_amount" db:"profit_amount"`
	CommissionAmount     decimal.Decimal `json:"commission_amount" db:"commission_amount"`
	OrderAmount          decimal.Decimal `json:"order_amount" db:"order_amount"`
	CustomerType         string          `json:"customer_type" db:"customer_type"`
	OtpStatus            OtpStatus       `json:"otp_status" db:"otp_status"`
	OtpCodeHash          *string         `json:"-" db:"otp_code_hash"`
	OtpSentAt            *time.Time      `json:"otp_sent_at" db:"otp_sent_at"`
	OtpVerifiedAt        *time.Time      `json:"otp_verified_at" db:"otp_verified_at"`
	CommissionPostStatus int             `json:"commission_status" db:"commission_status"`
	LeadershipStatus     int             `json:"leadership_status" db:"leadership_status"`
	ChaqueMatchStatus    int             `json:"chaque_match_status" db:"chaque_match_status"`
	TaxStatus            int             `json:"tax_status" db:"tax_status"`
	PaidAt               *time.Time      `json:"paid_at" db:"paid_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// GatesDone сообщает, закрыты ли комиссии и все три независимых шага
func (o *Order) GatesDone() bool {
	return o.CommissionPostStatus == StatusDone && o.LeadershipStatus == StatusDone && o.ChaqueMatchStatus == StatusDone && o.TaxStatus == StatusDone
}

// OrderPaidEvent событие "заказ оплачен" от модуля заказов
type OrderPaidEvent struct {
	OrderID        int64           `json:"order_id"`
	BuyerID        int64           `json:"buyer_id"`
	OrderAmount    decimal.Decimal `json:"order_amount"`
	CustomerType   string          `json:"customer_type"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	ProfitAmount   decimal.Decimal `json:"profit_amount"`
	PackageOfferID *int64          `json:"package_offer_id,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
}

// CommissionStatus статус начисленной комиссии
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionApproved  CommissionStatus = "approved"
	CommissionPaid      CommissionStatus = "paid"
	CommissionCancelled CommissionStatus = "cancelled"
)

// CommissionTransaction одна комиссия на (заказ, уровень)
type CommissionTransaction struct {
	ID               int64            `json:"id" db:"id"`
	OrderID          int64            `json:"order_id" db:"order_id"`
	UplineUserID     int64            `json:"upline_user_id" db:"upline_user_id"`
	DownlineUserID   int64            `json:"downline_user_id" db:"downline_user_id"`
	OrderAmount      decimal.Decimal  `json:"order_amount" db:"order_amount"`
	CommissionRate   decimal.Decimal  `json:"commission_rate" db:"commission_rate"`
	CommissionAmount decimal.Decimal  `json:"commission_amount" db:"commission_amount"`
	Level            int              `json:"level" db:"level"`
	Status           CommissionStatus `json:"status" db:"status"`
	PaidAt           *time.Time       `json:"paid_at" db:"paid_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// PoolType тип пула
type PoolType string

const (
	PoolGlobal     PoolType = "global"
	PoolLeadership PoolType = "leadership"
)

// GlobalPoolEntry взнос в пул, ожидающий распределения
type GlobalPoolEntry struct {
	ID            int64           `json:"id" db:"id"`
	UserID        *int64          `json:"user_id" db:"user_id"`
	OrderID       int64           `json:"order_id" db:"order_id"`
	UserTriggerID int64           `json:"user_trigger_id" db:"user_trigger_id"`
	PoolType      PoolType        `json:"pool_type" db:"pool_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Status        int             `json:"status" db:"status"`
	DeleteStatus  int             `json:"delete_status" db:"delete_status"`
	CountStatus   int             `json:"count_status" db:"count_status"` // 1 - уже распределен
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PayoutChannel куда выплачивается доля пула
type PayoutChannel string

const (
	PayoutWallet PayoutChannel = "wallet"
	PayoutCash   PayoutChannel = "cash"
)

// PoolPayout выплата одной доли пула одному получателю
type PoolPayout struct {
	ID          int64           `json:"id" db:"id"`
	PoolEntryID int64           `json:"pool_entry_id" db:"pool_entry_id"`
	RecipientID int64           `json:"recipient_id" db:"recipient_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Channel     PayoutChannel   `json:"channel" db:"channel"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// StatusTransition запись журнала переходов флагов
type StatusTransition struct {
	ID         int64     `json:"id" db:"id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   int64     `json:"entity_id" db:"entity_id"`
	Field      string    `json:"field" db:"field"`
	FromState  string    `json:"from_state" db:"from_state"`
	ToState    string    `json:"to_state" db:"to_state"`
	Reason     string    `json:"reason" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
