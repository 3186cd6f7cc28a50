// Package commission начисляет многоуровневые комиссии предкам покупателя
// и ведет жизненный цикл начисленных комиссий.
package commission

import (
	"context"
	"fmt"
	"time"

	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/referral"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service сервис расчета комиссий
type Service struct {
	store    store.Store
	referral *referral.Service
	ledger   *ledger.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService создает новый сервис комиссий
func NewService(st store.Store, referralSvc *referral.Service, ledgerSvc *ledger.Service, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		referral: referralSvc,
		ledger:   ledgerSvc,
		metrics:  m,
		logger:   logger,
	}
}

// Calculate начисляет комиссии по оплаченному заказу одной транзакцией
// и в ней же закрывает флаг commission_status. Повторный вызов для заказа
// с закрытым флагом или уже созданными строками возвращает
// ErrDuplicateSettlement и ничего не меняет.
func (s *Service) Calculate(ctx context.Context, orderID int64) ([]*models.CommissionTransaction, error) {
	var rows []*models.CommissionTransaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rows, err = s.calculate(ctx, tx, orderID)
		return err
	})
	if err != nil {
		if models.IsDuplicate(err) {
			s.metrics.RecordDuplicate("commission")
		}
		return nil, fmt.Errorf("ошибка расчета комиссий заказа %d: %w", orderID, err)
	}

	total := decimal.Zero
	for _, c := range rows {
		s.metrics.RecordCommission(c.Level, c.CommissionAmount)
		total = total.Add(c.CommissionAmount)
	}
	s.logger.Info("комиссии начислены",
		zap.Int64("order_id", orderID),
		zap.Int("levels", len(rows)),
		zap.String("total", total.StringFixed(models.MoneyScale)))
	return rows, nil
}

func (s *Service) calculate(ctx context.Context, tx store.Tx, orderID int64) ([]*models.CommissionTransaction, error) {
	order, err := tx.Orders().GetForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaidAt == nil {
		return nil, fmt.Errorf("заказ %d не оплачен: %w", orderID, models.ErrInvalidTransition)
	}

	if order.CommissionPostStatus == models.StatusDone {
		return nil, fmt.Errorf("комиссии заказа %d уже начислены: %w", orderID, models.ErrDuplicateSettlement)
	}
	existing, err := tx.Commissions().CountByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("по заказу уже %d строк: %w", existing, models.ErrDuplicateSettlement)
	}

	ancestors, err := s.referral.Ancestors(ctx, tx, order.BuyerID)
	if err != nil {
		return nil, err
	}

	rows := make([]*models.CommissionTransaction, 0, len(ancestors))
	for _, a := range ancestors {
		if _, err := tx.Wallets().GetForUpdate(ctx, a.MemberID); err != nil {
			return nil, fmt.Errorf("предок %d уровня %d: %w", a.MemberID, a.Level, models.ErrMissingAncestorWallet)
		}

		row := &models.CommissionTransaction{
			OrderID:          order.ID,
			UplineUserID:     a.MemberID,
			DownlineUserID:   order.BuyerID,
			OrderAmount:      order.OrderAmount,
			CommissionRate:   a.CommissionRate,
			CommissionAmount: models.Percent(order.OrderAmount, a.CommissionRate),
			Level:            a.Level,
			Status:           models.CommissionPending,
		}
		if err := tx.Commissions().Create(ctx, row); err != nil {
			return nil, err
		}

		// нулевая ставка оставляет строку без проводки
		if row.CommissionAmount.IsPositive() {
			_, err := s.ledger.Credit(ctx, tx, ledger.Operation{
				UserID:        a.MemberID,
				Amount:        row.CommissionAmount,
				Type:          models.WalletTxCommission,
				ReferenceType: models.RefCommission,
				ReferenceID:   row.ID,
			})
			if err != nil {
				return nil, fmt.Errorf("ошибка зачисления комиссии уровня %d: %w", a.Level, err)
			}
		}
		rows = append(rows, row)
	}

	if err := s.referral.MarkAncestorsDirty(ctx, tx, ancestors, fmt.Sprintf("оплачен заказ %d", order.ID)); err != nil {
		return nil, err
	}
	if err := s.upgradeBuyer(ctx, tx, order); err != nil {
		return nil, err
	}

	order.CommissionPostStatus = models.StatusDone
	if err := tx.Orders().UpdateGates(ctx, order); err != nil {
		return nil, err
	}
	if err := store.RecordTransition(ctx, tx, store.EntityOrder, order.ID, "commission_status",
		models.StatusPending, models.StatusDone, fmt.Sprintf("строк: %d", len(rows))); err != nil {
		return nil, err
	}
	return rows, nil
}

// upgradeBuyer переводит покупателя в платные, если пакет заказа действовал на момент оплаты
func (s *Service) upgradeBuyer(ctx context.Context, tx store.Tx, order *models.Order) error {
	if order.PackageOfferID == nil {
		return nil
	}
	offer, err := tx.Packages().GetByID(ctx, *order.PackageOfferID)
	if err != nil {
		return fmt.Errorf("ошибка получения пакета %d: %w", *order.PackageOfferID, err)
	}
	if !offer.IsValidAt(*order.PaidAt) {
		s.logger.Warn("пакет заказа не действовал на момент оплаты",
			zap.Int64("order_id", order.ID),
			zap.Int64("package_offer_id", offer.ID))
		return nil
	}

	buyer, err := tx.Members().GetForUpdate(ctx, order.BuyerID)
	if err != nil {
		return err
	}
	if buyer.IsPaid {
		return nil
	}
	buyer.IsPaid = true
	buyer.RankFindStatus = models.StatusPending
	if err := tx.Members().Update(ctx, buyer); err != nil {
		return err
	}
	return store.RecordTransition(ctx, tx, store.EntityMember, buyer.ID, "is_paid", false, true,
		fmt.Sprintf("пакет %d в заказе %d", offer.ID, order.ID))
}

// Approve переводит ожидающие комиссии заказа в подтвержденные
func (s *Service) Approve(ctx context.Context, orderID int64) (int, error) {
	return s.transition(ctx, orderID, models.CommissionApproved, nil)
}

// MarkPaid отмечает подтвержденные комиссии заказа выплаченными
func (s *Service) MarkPaid(ctx context.Context, orderID int64) (int, error) {
	return s.transition(ctx, orderID, models.CommissionPaid, nil)
}

// Cancel отменяет невыплаченные комиссии заказа и сторнирует зачисления
func (s *Service) Cancel(ctx context.Context, orderID int64, reason string) (int, error) {
	return s.transition(ctx, orderID, models.CommissionCancelled, func(ctx context.Context, tx store.Tx, c *models.CommissionTransaction) error {
		if !c.CommissionAmount.IsPositive() {
			return nil
		}
		// сторно может увести баланс в минус, если комиссию уже потратили
		_, err := s.ledger.Debit(ctx, tx, ledger.Operation{
			UserID:          c.UplineUserID,
			Amount:          c.CommissionAmount,
			Type:            models.WalletTxWithdrawal,
			ReferenceType:   models.RefCommissionReversal,
			ReferenceID:     c.ID,
			AdminAdjustment: true,
		})
		if err != nil {
			return fmt.Errorf("ошибка сторно комиссии %d (%s): %w", c.ID, reason, err)
		}
		return nil
	})
}

var allowedFrom = map[models.CommissionStatus][]models.CommissionStatus{
	models.CommissionApproved:  {models.CommissionPending},
	models.CommissionPaid:      {models.CommissionApproved},
	models.CommissionCancelled: {models.CommissionPending, models.CommissionApproved},
}

func canMove(from, to models.CommissionStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type sideEffect func(ctx context.Context, tx store.Tx, c *models.CommissionTransaction) error

func (s *Service) transition(ctx context.Context, orderID int64, to models.CommissionStatus, effect sideEffect) (int, error) {
	moved := 0
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		// блокировка заказа сериализует переходы с расчетом
		if _, err := tx.Orders().GetForUpdate(ctx, orderID); err != nil {
			return err
		}
		rows, err := tx.Commissions().ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}

		var paidAt *time.Time
		if to == models.CommissionPaid {
			now := time.Now()
			paidAt = &now
		}
		for _, c := range rows {
			if !canMove(c.Status, to) {
				continue
			}
			if effect != nil {
				if err := effect(ctx, tx, c); err != nil {
					return err
				}
			}
			if err := tx.Commissions().UpdateStatus(ctx, c.ID, to, paidAt); err != nil {
				return err
			}
			if err := store.RecordTransition(ctx, tx, store.EntityCommission, c.ID, "status", c.Status, to, ""); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода комиссий заказа %d в %s: %w", orderID, to, err)
	}

	s.logger.Info("статус комиссий изменен",
		zap.Int64("order_id", orderID),
		zap.String("status", string(to)),
		zap.Int("rows", moved))
	return moved, nil
}
