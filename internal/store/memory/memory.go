// Package memory реализует store.Store в памяти процесса.
//
// Транзакции сериализуются одним мьютексом: InTx работает над копией
// состояния и подменяет его только при успешном завершении, поэтому
// ошибка внутри fn откатывает все изменения целиком.
package memory

import (
	"context"
	"sort"
	"sync"

	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"
)

type state struct {
	seq         map[string]int64
	members     map[int64]*models.Member
	edges       []*models.ReferralEdge
	snapshots   map[int64]*models.UplineRankSnapshot
	wallets     map[int64]*models.Wallet
	walletTxs   []*models.WalletTransaction
	commissions []*models.CommissionTransaction
	poolEntries map[int64]*models.GlobalPoolEntry
	payouts     []*models.PoolPayout
	orders      map[int64]*models.Order
	cash        map[int64]*models.CashWalletTransaction
	packages    map[int64]*models.PackageOffer
	transitions []*models.StatusTransition
}

func newState() *state {
	return &state{
		seq:         make(map[string]int64),
		members:     make(map[int64]*models.Member),
		snapshots:   make(map[int64]*models.UplineRankSnapshot),
		wallets:     make(map[int64]*models.Wallet),
		poolEntries: make(map[int64]*models.GlobalPoolEntry),
		orders:      make(map[int64]*models.Order),
		cash:        make(map[int64]*models.CashWalletTransaction),
		packages:    make(map[int64]*models.PackageOffer),
	}
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// bump сдвигает последовательность, если id задан извне
func (s *state) bump(table string, id int64) {
	if id > s.seq[table] {
		s.seq[table] = id
	}
}

func cloneMap[T any](src map[int64]*T) map[int64]*T {
	dst := make(map[int64]*T, len(src))
	for k, v := range src {
		c := *v
		dst[k] = &c
	}
	return dst
}

func cloneSlice[T any](src []*T) []*T {
	dst := make([]*T, len(src))
	for i, v := range src {
		c := *v
		dst[i] = &c
	}
	return dst
}

func (s *state) clone() *state {
	seq := make(map[string]int64, len(s.seq))
	for k, v := range s.seq {
		seq[k] = v
	}
	return &state{
		seq:         seq,
		members:     cloneMap(s.members),
		edges:       cloneSlice(s.edges),
		snapshots:   cloneMap(s.snapshots),
		wallets:     cloneMap(s.wallets),
		walletTxs:   cloneSlice(s.walletTxs),
		commissions: cloneSlice(s.commissions),
		poolEntries: cloneMap(s.poolEntries),
		payouts:     cloneSlice(s.payouts),
		orders:      cloneMap(s.orders),
		cash:        cloneMap(s.cash),
		packages:    cloneMap(s.packages),
		transitions: cloneSlice(s.transitions),
	}
}

// Store хранилище в памяти
type Store struct {
	mu sync.Mutex
	st *state
	*view
}

// New создает пустое хранилище
func New() *Store {
	s := &Store{st: newState()}
	s.view = &view{owner: s}
	return s
}

// InTx выполняет fn над копией состояния и фиксирует ее при успехе
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&view{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Close ничего не делает
func (s *Store) Close() error {
	return nil
}

// view либо привязан к транзакции (st), либо блокирует хранилище на каждую операцию
type view struct {
	owner *Store
	st    *state
}

func (v *view) with(fn func(st *state) error) error {
	if v.st != nil {
		return fn(v.st)
	}
	v.owner.mu.Lock()
	defer v.owner.mu.Unlock()
	return fn(v.owner.st)
}

func (v *view) Members() store.MemberRepository { return memberRepo{v} }
func (v *view) Referrals() store.ReferralRepository { return referralRepo{v} }
func (v *view) Snapshots() store.SnapshotRepository { return snapshotRepo{v} }
func (v *view) Wallets() store.WalletRepository { return walletRepo{v} }
func (v *view) WalletTransactions() store.WalletTransactionRepository { return walletTxRepo{v} }
func (v *view) Commissions() store.CommissionRepository { return commissionRepo{v} }
func (v *view) Pool() store.PoolRepository { return poolRepo{v} }
func (v *view) Orders() store.OrderRepository { return orderRepo{v} }
func (v *view) Cash() store.CashRepository { return cashRepo{v} }
func (v *view) Packages() store.PackageRepository { return packageRepo{v} }
func (v *view) Transitions() store.TransitionRepository { return transitionRepo{v} }

func sortedKeys[T any](m map[int64]*T) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func limited[T any](items []*T, limit int) []*T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
