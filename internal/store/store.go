package store

import (
	"context"
	"fmt"
	"time"

	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
)

// Repositories набор репозиториев, привязанных к подключению или транзакции
type Repositories interface {
	Members() MemberRepository
	Referrals() ReferralRepository
	Snapshots() SnapshotRepository
	Wallets() WalletRepository
	WalletTransactions() WalletTransactionRepository
	Commissions() CommissionRepository
	Pool() PoolRepository
	Orders() OrderRepository
	Cash() CashRepository
	Packages() PackageRepository
	Transitions() TransitionRepository
}

// Tx репозитории внутри одной атомарной единицы работы
type Tx interface {
	Repositories
}

// Store представляет интерфейс для работы с базой данных
type Store interface {
	Repositories
	// InTx выполняет fn в одной транзакции: nil - commit, ошибка - rollback
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// MemberRepository интерфейс для работы с участниками
type MemberRepository interface {
	Create(ctx context.Context, member *models.Member) error
	GetByID(ctx context.Context, id int64) (*models.Member, error)
	GetForUpdate(ctx context.Context, id int64) (*models.Member, error)
	Update(ctx context.Context, member *models.Member) error
	// List* постраничные выборки по возрастанию id, начиная после afterID
	ListPendingRank(ctx context.Context, afterID int64, limit int) ([]*models.Member, error)
	ListPendingPromotion(ctx context.Context, afterID int64, limit int) ([]*models.Member, error)
	// MarkRankDirty сбрасывает rank_find_status в 0 и возвращает реально измененных
	MarkRankDirty(ctx context.Context, ids []int64) ([]int64, error)
	GetStats(ctx context.Context, id int64) (*models.MemberStats, error)
}

// ReferralRepository интерфейс для работы с предвычисленными связями
type ReferralRepository interface {
	CreateEdge(ctx context.Context, edge *models.ReferralEdge) error
	ListAncestors(ctx context.Context, downlineID int64, maxDepth int) ([]*models.ReferralEdge, error)
	ListDescendantIDs(ctx context.Context, uplineID int64) ([]int64, error)
}

// SnapshotRepository интерфейс для кэша member_upline_rank
type SnapshotRepository interface {
	Get(ctx context.Context, memberID int64) (*models.UplineRankSnapshot, error)
	Replace(ctx context.Context, snapshot *models.UplineRankSnapshot) error
}

// WalletRepository интерфейс для работы с кошельками
type WalletRepository interface {
	Create(ctx context.Context, wallet *models.Wallet) error
	GetByUserID(ctx context.Context, userID int64) (*models.Wallet, error)
	GetForUpdate(ctx context.Context, userID int64) (*models.Wallet, error)
	// UpdateBalance пишет кошелек, только если баланс в базе равен expected
	UpdateBalance(ctx context.Context, wallet *models.Wallet, expected decimal.Decimal) error
	SetActive(ctx context.Context, userID int64, active bool) error
}

// WalletTransactionRepository интерфейс для журнала кошелька
type WalletTransactionRepository interface {
	Create(ctx context.Context, tx *models.WalletTransaction) error
	ExistsByReference(ctx context.Context, userID int64, txType models.WalletTransactionType, refType string, refID int64) (bool, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.WalletTransaction, error)
}

// CommissionRepository интерфейс для журнала комиссий
type CommissionRepository interface {
	Create(ctx context.Context, c *models.CommissionTransaction) error
	CountByOrder(ctx context.Context, orderID int64) (int, error)
	ListByOrder(ctx context.Context, orderID int64) ([]*models.CommissionTransaction, error)
	UpdateStatus(ctx context.Context, id int64, status models.CommissionStatus, paidAt *time.Time) error
}

// PoolRepository интерфейс для глобального пула
type PoolRepository interface {
	CreateEntry(ctx context.Context, entry *models.GlobalPoolEntry) error
	GetForUpdate(ctx context.Context, id int64) (*models.GlobalPoolEntry, error)
	ListUncounted(ctx context.Context, afterID int64, limit int) ([]*models.GlobalPoolEntry, error)
	MarkCounted(ctx context.Context, id int64) error
	MarkDeleted(ctx context.Context, id int64) error
	CreatePayout(ctx context.Context, payout *models.PoolPayout) error
	ListPayouts(ctx context.Context, entryID int64) ([]*models.PoolPayout, error)
	CountPayouts(ctx context.Context) (int, error)
}

// OrderRepository интерфейс для заказов
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	GetForUpdate(ctx context.Context, id int64) (*models.Order, error)
	UpdateOtp(ctx context.Context, order *models.Order) error
	UpdateGates(ctx context.Context, order *models.Order) error
	ListOtpStale(ctx context.Context, sentBefore time.Time, afterID int64, limit int) ([]*models.Order, error)
	// ListUnsettled пропускает заказы, ждущие кода (otp_status 1 или 3)
	ListUnsettled(ctx context.Context, afterID int64, limit int) ([]*models.Order, error)
}

// CashRepository интерфейс для наличного журнала
type CashRepository interface {
	Create(ctx context.Context, tx *models.CashWalletTransaction) error
	GetForUpdate(ctx context.Context, id int64) (*models.CashWalletTransaction, error)
	UpdateCashOut(ctx context.Context, tx *models.CashWalletTransaction) error
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.CashWalletTransaction, error)
}

// PackageRepository интерфейс для пакетов
type PackageRepository interface {
	Create(ctx context.Context, offer *models.PackageOffer) error
	GetByID(ctx context.Context, id int64) (*models.PackageOffer, error)
}

// TransitionRepository интерфейс для журнала переходов флагов
type TransitionRepository interface {
	Record(ctx context.Context, t *models.StatusTransition) error
	ListByEntity(ctx context.Context, entityType string, entityID int64) ([]*models.StatusTransition, error)
}

// Типы сущностей в журнале переходов
const (
	EntityMember     = "member"
	EntityOrder      = "order"
	EntityWallet     = "wallet"
	EntityPoolEntry  = "global_pool_entry"
	EntityCommission = "commission_transaction"
	EntityCashWallet = "cash_wallet_transaction"
)

// RecordTransition пишет переход флага в журнал в рамках той же транзакции
func RecordTransition(ctx context.Context, r Repositories, entityType string, entityID int64, field string, from, to any, reason string) error {
	t := &models.StatusTransition{
		EntityType: entityType,
		EntityID:   entityID,
		Field:      field,
		FromState:  fmt.Sprint(from),
		ToState:    fmt.Sprint(to),
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	if err := r.Transitions().Record(ctx, t); err != nil {
		return fmt.Errorf("ошибка записи перехода %s.%s: %w", entityType, field, err)
	}
	return nil
}
