package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
)

type memberRepo struct{ v *view }

func (r memberRepo) Create(_ context.Context, m *models.Member) error {
	return r.v.with(func(st *state) error {
		if m.ReferredBy != nil {
			if _, ok := st.members[*m.ReferredBy]; !ok {
				return fmt.Errorf("реферер %d: %w", *m.ReferredBy, models.ErrNotFound)
			}
		}
		if m.ID == 0 {
			m.ID = st.next("members")
		} else if _, ok := st.members[m.ID]; ok {
			return fmt.Errorf("участник %d: %w", m.ID, models.ErrDuplicateSettlement)
		} else {
			st.bump("members", m.ID)
		}
		now := time.Now()
		m.CreatedAt, m.UpdatedAt = now, now
		c := *m
		st.members[m.ID] = &c
		return nil
	})
}

func (r memberRepo) GetByID(_ context.Context, id int64) (*models.Member, error) {
	var out *models.Member
	err := r.v.with(func(st *state) error {
		m, ok := st.members[id]
		if !ok {
			return fmt.Errorf("участник %d: %w", id, models.ErrNotFound)
		}
		c := *m
		out = &c
		return nil
	})
	return out, err
}

func (r memberRepo) GetForUpdate(ctx context.Context, id int64) (*models.Member, error) {
	return r.GetByID(ctx, id)
}

func (r memberRepo) Update(_ context.Context, m *models.Member) error {
	return r.v.with(func(st *state) error {
		cur, ok := st.members[m.ID]
		if !ok {
			return fmt.Errorf("участник %d: %w", m.ID, models.ErrNotFound)
		}
		m.UpdatedAt = time.Now()
		cur.RankTier = m.RankTier
		cur.IsPaid = m.IsPaid
		cur.RankFindStatus = m.RankFindStatus
		cur.PromotionRunStatus = m.PromotionRunStatus
		cur.RankUpdatedAt = m.RankUpdatedAt
		cur.UpdatedAt = m.UpdatedAt
		return nil
	})
}

func (r memberRepo) listWhere(limit int, pred func(m *models.Member) bool) ([]*models.Member, error) {
	var out []*models.Member
	err := r.v.with(func(st *state) error {
		for _, id := range sortedKeys(st.members) {
			if m := st.members[id]; pred(m) {
				c := *m
				out = append(out, &c)
			}
		}
		return nil
	})
	return limited(out, limit), err
}

func (r memberRepo) ListPendingRank(_ context.Context, afterID int64, limit int) ([]*models.Member, error) {
	return r.listWhere(limit, func(m *models.Member) bool {
		return m.ID > afterID && m.RankFindStatus == models.StatusPending
	})
}

func (r memberRepo) ListPendingPromotion(_ context.Context, afterID int64, limit int) ([]*models.Member, error) {
	return r.listWhere(limit, func(m *models.Member) bool {
		return m.ID > afterID && m.PromotionRunStatus == models.StatusPending
	})
}

func (r memberRepo) MarkRankDirty(_ context.Context, ids []int64) ([]int64, error) {
	var changed []int64
	err := r.v.with(func(st *state) error {
		for _, id := range ids {
			m, ok := st.members[id]
			if !ok || m.RankFindStatus == models.StatusPending {
				continue
			}
			m.RankFindStatus = models.StatusPending
			m.UpdatedAt = time.Now()
			changed = append(changed, id)
		}
		return nil
	})
	return changed, err
}

func (r memberRepo) GetStats(_ context.Context, id int64) (*models.MemberStats, error) {
	stats := &models.MemberStats{MemberID: id, TeamVolume: decimal.Zero}
	err := r.v.with(func(st *state) error {
		if _, ok := st.members[id]; !ok {
			return fmt.Errorf("участник %d: %w", id, models.ErrNotFound)
		}
		for _, m := range st.members {
			if m.ReferredBy != nil && *m.ReferredBy == id {
				stats.DirectReferrals++
			}
		}
		team := make(map[int64]bool)
		for _, e := range st.edges {
			if e.Active && e.UplineID == id {
				team[e.DownlineID] = true
			}
		}
		stats.TeamSize = len(team)
		for _, o := range st.orders {
			if o.PaidAt != nil && team[o.BuyerID] {
				stats.TeamVolume = stats.TeamVolume.Add(o.OrderAmount)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type referralRepo struct{ v *view }

func (r referralRepo) CreateEdge(_ context.Context, e *models.ReferralEdge) error {
	return r.v.with(func(st *state) error {
		if e.DownlineID == e.UplineID {
			return fmt.Errorf("связь %d->%d: %w", e.DownlineID, e.UplineID, models.ErrCycleDetected)
		}
		for _, cur := range st.edges {
			if cur.DownlineID == e.DownlineID && cur.UplineID == e.UplineID {
				return fmt.Errorf("связь %d->%d: %w", e.DownlineID, e.UplineID, models.ErrDuplicateSettlement)
			}
		}
		e.ID = st.next("mlm_relationships")
		e.CreatedAt = time.Now()
		c := *e
		st.edges = append(st.edges, &c)
		return nil
	})
}

func (r referralRepo) ListAncestors(_ context.Context, downlineID int64, maxDepth int) ([]*models.ReferralEdge, error) {
	var out []*models.ReferralEdge
	err := r.v.with(func(st *state) error {
		for _, e := range st.edges {
			if e.Active && e.DownlineID == downlineID {
				c := *e
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return limited(out, maxDepth), err
}

func (r referralRepo) ListDescendantIDs(_ context.Context, uplineID int64) ([]int64, error) {
	var out []int64
	err := r.v.with(func(st *state) error {
		seen := make(map[int64]bool)
		for _, e := range st.edges {
			if e.Active && e.UplineID == uplineID && !seen[e.DownlineID] {
				seen[e.DownlineID] = true
				out = append(out, e.DownlineID)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

type snapshotRepo struct{ v *view }

func (r snapshotRepo) Get(_ context.Context, memberID int64) (*models.UplineRankSnapshot, error) {
	var out *models.UplineRankSnapshot
	err := r.v.with(func(st *state) error {
		s, ok := st.snapshots[memberID]
		if !ok {
			return fmt.Errorf("снапшот участника %d: %w", memberID, models.ErrNotFound)
		}
		c := *s
		out = &c
		return nil
	})
	return out, err
}

func (r snapshotRepo) Replace(_ context.Context, s *models.UplineRankSnapshot) error {
	return r.v.with(func(st *state) error {
		c := *s
		st.snapshots[s.MemberID] = &c
		return nil
	})
}

type walletRepo struct{ v *view }

func (r walletRepo) Create(_ context.Context, w *models.Wallet) error {
	return r.v.with(func(st *state) error {
		if _, ok := st.wallets[w.UserID]; ok {
			return fmt.Errorf("кошелек участника %d: %w", w.UserID, models.ErrDuplicateSettlement)
		}
		w.ID = st.next("wallets")
		w.UpdatedAt = time.Now()
		c := *w
		st.wallets[w.UserID] = &c
		return nil
	})
}

func (r walletRepo) GetByUserID(_ context.Context, userID int64) (*models.Wallet, error) {
	var out *models.Wallet
	err := r.v.with(func(st *state) error {
		w, ok := st.wallets[userID]
		if !ok {
			return fmt.Errorf("кошелек участника %d: %w", userID, models.ErrNotFound)
		}
		c := *w
		out = &c
		return nil
	})
	return out, err
}

func (r walletRepo) GetForUpdate(ctx context.Context, userID int64) (*models.Wallet, error) {
	return r.GetByUserID(ctx, userID)
}

func (r walletRepo) UpdateBalance(_ context.Context, w *models.Wallet, expected decimal.Decimal) error {
	return r.v.with(func(st *state) error {
		cur, ok := st.wallets[w.UserID]
		if !ok {
			return fmt.Errorf("кошелек участника %d: %w", w.UserID, models.ErrNotFound)
		}
		if !cur.Balance.Equal(expected) {
			return fmt.Errorf("кошелек участника %d: %w", w.UserID, models.ErrConcurrentModification)
		}
		w.UpdatedAt = time.Now()
		cur.Balance = w.Balance
		cur.TotalDeposited = w.TotalDeposited
		cur.TotalSpent = w.TotalSpent
		cur.UpdatedAt = w.UpdatedAt
		return nil
	})
}

func (r walletRepo) SetActive(_ context.Context, userID int64, active bool) error {
	return r.v.with(func(st *state) error {
		cur, ok := st.wallets[userID]
		if !ok {
			return fmt.Errorf("кошелек участника %d: %w", userID, models.ErrNotFound)
		}
		cur.IsActive = active
		cur.UpdatedAt = time.Now()
		return nil
	})
}

type walletTxRepo struct{ v *view }

func (r walletTxRepo) Create(_ context.Context, t *models.WalletTransaction) error {
	return r.v.with(func(st *state) error {
		for _, cur := range st.walletTxs {
			if cur.UserID == t.UserID && cur.Type == t.Type && cur.ReferenceType == t.ReferenceType && cur.ReferenceID == t.ReferenceID {
				return fmt.Errorf("проводка %s/%s#%d: %w", t.Type, t.ReferenceType, t.ReferenceID, models.ErrDuplicateSettlement)
			}
		}
		t.ID = st.next("wallet_transactions")
		t.CreatedAt = time.Now()
		c := *t
		st.walletTxs = append(st.walletTxs, &c)
		return nil
	})
}

func (r walletTxRepo) ExistsByReference(_ context.Context, userID int64, txType models.WalletTransactionType, refType string, refID int64) (bool, error) {
	found := false
	err := r.v.with(func(st *state) error {
		for _, cur := range st.walletTxs {
			if cur.UserID == userID && cur.Type == txType && cur.ReferenceType == refType && cur.ReferenceID == refID {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

func (r walletTxRepo) ListByUser(_ context.Context, userID int64) ([]*models.WalletTransaction, error) {
	var out []*models.WalletTransaction
	err := r.v.with(func(st *state) error {
		for _, cur := range st.walletTxs {
			if cur.UserID == userID {
				c := *cur
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

type commissionRepo struct{ v *view }

func (r commissionRepo) Create(_ context.Context, c *models.CommissionTransaction) error {
	return r.v.with(func(st *state) error {
		for _, cur := range st.commissions {
			if cur.OrderID == c.OrderID && cur.UplineUserID == c.UplineUserID && cur.Level == c.Level {
				return fmt.Errorf("комиссия заказа %d уровня %d: %w", c.OrderID, c.Level, models.ErrDuplicateSettlement)
			}
		}
		c.ID = st.next("commission_transactions")
		c.CreatedAt = time.Now()
		cp := *c
		st.commissions = append(st.commissions, &cp)
		return nil
	})
}

func (r commissionRepo) CountByOrder(_ context.Context, orderID int64) (int, error) {
	n := 0
	err := r.v.with(func(st *state) error {
		for _, cur := range st.commissions {
			if cur.OrderID == orderID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r commissionRepo) ListByOrder(_ context.Context, orderID int64) ([]*models.CommissionTransaction, error) {
	var out []*models.CommissionTransaction
	err := r.v.with(func(st *state) error {
		for _, cur := range st.commissions {
			if cur.OrderID == orderID {
				c := *cur
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, err
}

func (r commissionRepo) UpdateStatus(_ context.Context, id int64, status models.CommissionStatus, paidAt *time.Time) error {
	return r.v.with(func(st *state) error {
		for _, cur := range st.commissions {
			if cur.ID == id {
				cur.Status = status
				cur.PaidAt = paidAt
				return nil
			}
		}
		return fmt.Errorf("комиссия %d: %w", id, models.ErrNotFound)
	})
}

type poolRepo struct{ v *view }

func (r poolRepo) CreateEntry(_ context.Context, e *models.GlobalPoolEntry) error {
	return r.v.with(func(st *state) error {
		e.ID = st.next("global_pool_entries")
		e.CreatedAt = time.Now()
		c := *e
		st.poolEntries[e.ID] = &c
		return nil
	})
}

func (r poolRepo) GetForUpdate(_ context.Context, id int64) (*models.GlobalPoolEntry, error) {
	var out *models.GlobalPoolEntry
	err := r.v.with(func(st *state) error {
		e, ok := st.poolEntries[id]
		if !ok {
			return fmt.Errorf("взнос в пул %d: %w", id, models.ErrNotFound)
		}
		c := *e
		out = &c
		return nil
	})
	return out, err
}

func (r poolRepo) ListUncounted(_ context.Context, afterID int64, limit int) ([]*models.GlobalPoolEntry, error) {
	var out []*models.GlobalPoolEntry
	err := r.v.with(func(st *state) error {
		for _, id := range sortedKeys(st.poolEntries) {
			e := st.poolEntries[id]
			if id > afterID && e.CountStatus == models.StatusPending && e.DeleteStatus == 0 {
				c := *e
				out = append(out, &c)
			}
		}
		return nil
	})
	return limited(out, limit), err
}

func (r poolRepo) MarkCounted(_ context.Context, id int64) error {
	return r.v.with(func(st *state) error {
		e, ok := st.poolEntries[id]
		if !ok {
			return fmt.Errorf("взнос в пул %d: %w", id, models.ErrNotFound)
		}
		if e.CountStatus == models.StatusDone {
			return fmt.Errorf("взнос в пул %d: %w", id, models.ErrDuplicateSettlement)
		}
		e.CountStatus = models.StatusDone
		return nil
	})
}

func (r poolRepo) MarkDeleted(_ context.Context, id int64) error {
	return r.v.with(func(st *state) error {
		e, ok := st.poolEntries[id]
		if !ok {
			return fmt.Errorf("взнос в пул %d: %w", id, models.ErrNotFound)
		}
		if e.CountStatus == models.StatusDone {
			return fmt.Errorf("взнос в пул %d уже распределен: %w", id, models.ErrInvalidTransition)
		}
		e.DeleteStatus = 1
		return nil
	})
}

func (r poolRepo) CreatePayout(_ context.Context, p *models.PoolPayout) error {
	return r.v.with(func(st *state) error {
		for _, cur := range st.payouts {
			if cur.PoolEntryID == p.PoolEntryID && cur.RecipientID == p.RecipientID {
				return fmt.Errorf("выплата взноса %d участнику %d: %w", p.PoolEntryID, p.RecipientID, models.ErrDuplicateSettlement)
			}
		}
		p.ID = st.next("pool_payouts")
		p.CreatedAt = time.Now()
		c := *p
		st.payouts = append(st.payouts, &c)
		return nil
	})
}

func (r poolRepo) ListPayouts(_ context.Context, entryID int64) ([]*models.PoolPayout, error) {
	var out []*models.PoolPayout
	err := r.v.with(func(st *state) error {
		for _, cur := range st.payouts {
			if cur.PoolEntryID == entryID {
				c := *cur
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

func (r poolRepo) CountPayouts(_ context.Context) (int, error) {
	n := 0
	err := r.v.with(func(st *state) error {
		n = len(st.payouts)
		return nil
	})
	return n, err
}

type orderRepo struct{ v *view }

func (r orderRepo) Create(_ context.Context, o *models.Order) error {
	return r.v.with(func(st *state) error {
		if o.ID == 0 {
			o.ID = st.next("orders")
		} else if _, ok := st.orders[o.ID]; ok {
			return fmt.Errorf("заказ %d: %w", o.ID, models.ErrDuplicateSettlement)
		} else {
			st.bump("orders", o.ID)
		}
		now := time.Now()
		o.CreatedAt, o.UpdatedAt = now, now
		c := *o
		st.orders[o.ID] = &c
		return nil
	})
}

func (r orderRepo) GetByID(_ context.Context, id int64) (*models.Order, error) {
	var out *models.Order
	err := r.v.with(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return fmt.Errorf("заказ %d: %w", id, models.ErrNotFound)
		}
		c := *o
		out = &c
		return nil
	})
	return out, err
}

func (r orderRepo) GetForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return r.GetByID(ctx, id)
}

func (r orderRepo) UpdateOtp(_ context.Context, o *models.Order) error {
	return r.v.with(func(st *state) error {
		cur, ok := st.orders[o.ID]
		if !ok {
			return fmt.Errorf("заказ %d: %w", o.ID, models.ErrNotFound)
		}
		o.UpdatedAt = time.Now()
		cur.OtpStatus = o.OtpStatus
		cur.OtpCodeHash = o.OtpCodeHash
		cur.OtpSentAt = o.OtpSentAt
		cur.OtpVerifiedAt = o.OtpVerifiedAt
		cur.UpdatedAt = o.UpdatedAt
		return nil
	})
}

func (r orderRepo) UpdateGates(_ context.Context, o *models.Order) error {
	return r.v.with(func(st *state) error {
		cur, ok := st.orders[o.ID]
		if !ok {
			return fmt.Errorf("заказ %d: %w", o.ID, models.ErrNotFound)
		}
		o.UpdatedAt = time.Now()
		cur.CommissionPostStatus = o.CommissionPostStatus
		cur.LeadershipStatus = o.LeadershipStatus
		cur.ChaqueMatchStatus = o.ChaqueMatchStatus
		cur.TaxStatus = o.TaxStatus
		cur.UpdatedAt = o.UpdatedAt
		return nil
	})
}

func (r orderRepo) listWhere(limit int, pred func(o *models.Order) bool) ([]*models.Order, error) {
	var out []*models.Order
	err := r.v.with(func(st *state) error {
		for _, id := range sortedKeys(st.orders) {
			if o := st.orders[id]; pred(o) {
				c := *o
				out = append(out, &c)
			}
		}
		return nil
	})
	return limited(out, limit), err
}

func (r orderRepo) ListOtpStale(_ context.Context, sentBefore time.Time, afterID int64, limit int) ([]*models.Order, error) {
	return r.listWhere(limit, func(o *models.Order) bool {
		return o.ID > afterID && o.OtpStatus == models.OtpSent && o.OtpSentAt != nil && o.OtpSentAt.Before(sentBefore)
	})
}

func (r orderRepo) ListUnsettled(_ context.Context, afterID int64, limit int) ([]*models.Order, error) {
	return r.listWhere(limit, func(o *models.Order) bool {
		// отправленный или просроченный код блокирует расчет до подтверждения
		blocked := o.OtpStatus == models.OtpSent || o.OtpStatus == models.OtpExpired
		return o.ID > afterID && o.PaidAt != nil && !blocked && !o.GatesDone()
	})
}

type cashRepo struct{ v *view }

func (r cashRepo) Create(_ context.Context, t *models.CashWalletTransaction) error {
	return r.v.with(func(st *state) error {
		if t.ReferenceID != nil {
			for _, cur := range st.cash {
				if cur.ReferenceID != nil && cur.UserID == t.UserID && cur.TransactionType == t.TransactionType &&
					cur.ReferenceType == t.ReferenceType && *cur.ReferenceID == *t.ReferenceID {
					return fmt.Errorf("наличная проводка %s/%s#%d: %w", t.TransactionType, t.ReferenceType, *t.ReferenceID, models.ErrDuplicateSettlement)
				}
			}
		}
		t.ID = st.next("cash_wallet_transactions")
		t.CreatedAt = time.Now()
		c := *t
		st.cash[t.ID] = &c
		return nil
	})
}

func (r cashRepo) GetForUpdate(_ context.Context, id int64) (*models.CashWalletTransaction, error) {
	var out *models.CashWalletTransaction
	err := r.v.with(func(st *state) error {
		t, ok := st.cash[id]
		if !ok {
			return fmt.Errorf("наличная проводка %d: %w", id, models.ErrNotFound)
		}
		c := *t
		out = &c
		return nil
	})
	return out, err
}

func (r cashRepo) UpdateCashOut(_ context.Context, t *models.CashWalletTransaction) error {
	return r.v.with(func(st *state) error {
		cur, ok := st.cash[t.ID]
		if !ok {
			return fmt.Errorf("наличная проводка %d: %w", t.ID, models.ErrNotFound)
		}
		cur.ReferenceNo = t.ReferenceNo
		cur.Description = t.Description
		cur.CashOutUserID = t.CashOutUserID
		cur.CashOutDate = t.CashOutDate
		cur.CashOutStatus = t.CashOutStatus
		return nil
	})
}

func (r cashRepo) Balance(_ context.Context, userID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	err := r.v.with(func(st *state) error {
		for _, t := range st.cash {
			if t.UserID == userID {
				total = total.Add(t.Signed())
			}
		}
		return nil
	})
	return total, err
}

func (r cashRepo) ListByUser(_ context.Context, userID int64) ([]*models.CashWalletTransaction, error) {
	var out []*models.CashWalletTransaction
	err := r.v.with(func(st *state) error {
		for _, id := range sortedKeys(st.cash) {
			if t := st.cash[id]; t.UserID == userID {
				c := *t
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

type packageRepo struct{ v *view }

func (r packageRepo) Create(_ context.Context, p *models.PackageOffer) error {
	return r.v.with(func(st *state) error {
		p.ID = st.next("package_offers")
		c := *p
		st.packages[p.ID] = &c
		return nil
	})
}

func (r packageRepo) GetByID(_ context.Context, id int64) (*models.PackageOffer, error) {
	var out *models.PackageOffer
	err := r.v.with(func(st *state) error {
		p, ok := st.packages[id]
		if !ok {
			return fmt.Errorf("пакет %d: %w", id, models.ErrNotFound)
		}
		c := *p
		out = &c
		return nil
	})
	return out, err
}

type transitionRepo struct{ v *view }

func (r transitionRepo) Record(_ context.Context, t *models.StatusTransition) error {
	return r.v.with(func(st *state) error {
		t.ID = st.next("status_transitions")
		c := *t
		st.transitions = append(st.transitions, &c)
		return nil
	})
}

func (r transitionRepo) ListByEntity(_ context.Context, entityType string, entityID int64) ([]*models.StatusTransition, error) {
	var out []*models.StatusTransition
	err := r.v.with(func(st *state) error {
		for _, t := range st.transitions {
			if t.EntityType == entityType && t.EntityID == entityID {
				c := *t
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}
