// Package settlement проводит оплаченный заказ через подтверждение кодом,
// комиссии, лидерский бонус, чек-матч и налог. Каждый шаг защищен своим флагом.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cafe-settlement/internal/cashwallet"
	"cafe-settlement/internal/commission"
	"cafe-settlement/internal/config"
	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/locker"
	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/otp"
	"cafe-settlement/internal/pool"
	"cafe-settlement/internal/rank"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Шаги расчета
const (
	StepCommission  = "commission"
	StepLeadership  = "leadership"
	StepChequeMatch = "cheque_match"
	StepTax         = "tax"
)

// StepStatus результат шага в одном проходе
type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped" // флаг уже стоял
	StepFailed  StepStatus = "failed"
)

// Outcome итог одного прохода по заказу
type Outcome struct {
	OrderID             int64
	OtpPending          bool
	CommissionsPosted   int
	CommissionDuplicate bool
	Steps               map[string]StepStatus
	Settled             bool
}

// Deps зависимости оркестратора
type Deps struct {
	Store      store.Store
	Locker     locker.Locker
	Otp        *otp.Service
	Commission *commission.Service
	Rank       *rank.Service
	Pool       *pool.Service
	Ledger     *ledger.Service
	Cash       *cashwallet.Service
	Config     *config.SettlementConfig
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Service оркестратор расчетов
type Service struct {
	store      store.Store
	locker     locker.Locker
	otp        *otp.Service
	commission *commission.Service
	rank       *rank.Service
	pool       *pool.Service
	ledger     *ledger.Service
	cash       *cashwallet.Service
	cfg        *config.SettlementConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewService создает оркестратор
func NewService(d Deps) *Service {
	return &Service{
		store:      d.Store,
		locker:     d.Locker,
		otp:        d.Otp,
		commission: d.Commission,
		rank:       d.Rank,
		pool:       d.Pool,
		ledger:     d.Ledger,
		cash:       d.Cash,
		cfg:        d.Config,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        time.Now,
	}
}

// HandleOrderPaid принимает событие оплаты. Повторная доставка события безопасна.
func (s *Service) HandleOrderPaid(ctx context.Context, event models.OrderPaidEvent) (*Outcome, error) {
	if event.OrderID <= 0 || event.BuyerID <= 0 {
		return nil, fmt.Errorf("в событии не задан заказ или покупатель")
	}
	if !event.OrderAmount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}

	order, err := s.upsertOrder(ctx, event)
	if err != nil {
		return nil, err
	}

	if s.otpBlocks(order) {
		if order.OtpStatus == models.OtpSent {
			return &Outcome{OrderID: order.ID, OtpPending: true}, nil
		}
		if err := s.otp.Issue(ctx, order.ID, s.destination(ctx, order.BuyerID)); err != nil {
			return nil, err
		}
		return &Outcome{OrderID: order.ID, OtpPending: true}, nil
	}
	return s.Settle(ctx, order.ID)
}

func (s *Service) upsertOrder(ctx context.Context, event models.OrderPaidEvent) (*models.Order, error) {
	paidAt := s.now()
	if event.PaidAt != nil {
		paidAt = *event.PaidAt
	}
	order := &models.Order{
		ID:               event.OrderID,
		BuyerID:          event.BuyerID,
		PackageOfferID:   event.PackageOfferID,
		SellingAmount:    event.OrderAmount,
		TaxAmount:        event.TaxAmount.Round(models.MoneyScale),
		ProfitAmount:     event.ProfitAmount.Round(models.MoneyScale),
		CommissionAmount: decimal.Zero,
		OrderAmount:      event.OrderAmount.Round(models.MoneyScale),
		CustomerType:     event.CustomerType,
		OtpStatus:        models.OtpNotRequired,
		PaidAt:           &paidAt,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.Members().GetByID(ctx, event.BuyerID); err != nil {
			return fmt.Errorf("покупатель %d: %w", event.BuyerID, err)
		}
		return tx.Orders().Create(ctx, order)
	})
	if models.IsDuplicate(err) {
		s.logger.Info("повторное событие оплаты", zap.Int64("order_id", event.OrderID))
		return s.store.Orders().GetByID(ctx, event.OrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения заказа %d: %w", event.OrderID, err)
	}

	s.logger.Info("заказ оплачен",
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", order.BuyerID),
		zap.String("amount", order.OrderAmount.StringFixed(models.MoneyScale)),
		zap.String("customer_type", order.CustomerType))
	return order, nil
}

// ResendOtp выдает новый код взамен действующего или просроченного
func (s *Service) ResendOtp(ctx context.Context, orderID int64) error {
	order, err := s.store.Orders().GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !s.otpBlocks(order) {
		return fmt.Errorf("заказ %d не ждет кода: %w", orderID, models.ErrInvalidTransition)
	}
	return s.otp.Issue(ctx, orderID, s.destination(ctx, order.BuyerID))
}

// VerifyAndSettle проверяет код и сразу рассчитывает заказ. Если код
// принят, Outcome возвращается всегда, даже вместе с ошибками шагов:
// заказ подтвержден, а незакрытые шаги доделает RetrySweep.
func (s *Service) VerifyAndSettle(ctx context.Context, orderID int64, code string) (*Outcome, error) {
	if err := s.otp.Verify(ctx, orderID, code); err != nil {
		return nil, err
	}
	out, err := s.Settle(ctx, orderID)
	if out == nil {
		out = &Outcome{OrderID: orderID}
	}
	return out, err
}

// destination адрес доставки кода: Telegram chat покупателя
func (s *Service) destination(ctx context.Context, buyerID int64) string {
	buyer, err := s.store.Members().GetByID(ctx, buyerID)
	if err != nil || buyer.TelegramChatID == nil {
		return ""
	}
	return strconv.FormatInt(*buyer.TelegramChatID, 10)
}

func (s *Service) otpBlocks(order *models.Order) bool {
	return s.cfg.OtpRequired(order.CustomerType) && order.OtpStatus != models.OtpVerified
}

// IsSettled сообщает, полностью ли рассчитан заказ
func (s *Service) IsSettled(order *models.Order) bool {
	return order.PaidAt != nil && !s.otpBlocks(order) && order.GatesDone()
}

// Settle проводит все незавершенные шаги заказа. Параллельные вызовы для
// одного заказа выполняются по очереди. Ошибки шагов объединяются; флаг
// упавшего шага остается 0 до следующей попытки.
func (s *Service) Settle(ctx context.Context, orderID int64) (*Outcome, error) {
	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("order:%d", orderID))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки заказа %d: %w", orderID, err)
	}
	defer unlock()

	order, err := s.store.Orders().GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaidAt == nil {
		return nil, fmt.Errorf("заказ %d не оплачен: %w", orderID, models.ErrInvalidTransition)
	}
	if err := s.checkOtp(order); err != nil {
		return &Outcome{OrderID: orderID, OtpPending: true}, err
	}

	out := &Outcome{OrderID: orderID, Steps: make(map[string]StepStatus, 4)}
	var errs []error

	var rows []*models.CommissionTransaction
	if order.CommissionPostStatus == models.StatusDone {
		err = fmt.Errorf("заказ %d: %w", orderID, models.ErrDuplicateSettlement)
	} else {
		rows, err = s.commission.Calculate(ctx, orderID)
	}
	switch {
	case models.IsDuplicate(err):
		out.CommissionDuplicate = true
		out.Steps[StepCommission] = StepSkipped
	case err != nil:
		out.Steps[StepCommission] = StepFailed
		errs = append(errs, err)
	default:
		out.CommissionsPosted = len(rows)
		out.Steps[StepCommission] = StepDone
	}
	s.metrics.RecordSettlementStep(StepCommission, string(out.Steps[StepCommission]))

	steps := []struct {
		name string
		gate func(o *models.Order) *int
		run  func(ctx context.Context, tx store.Tx, o *models.Order) error
	}{
		{StepLeadership, func(o *models.Order) *int { return &o.LeadershipStatus }, s.leadership},
		{StepChequeMatch, func(o *models.Order) *int { return &o.ChaqueMatchStatus }, s.chequeMatch},
		{StepTax, func(o *models.Order) *int { return &o.TaxStatus }, s.tax},
	}
	for _, step := range steps {
		status, err := s.runGated(ctx, orderID, step.name, step.gate, step.run)
		out.Steps[step.name] = status
		s.metrics.RecordSettlementStep(step.name, string(status))
		if err != nil {
			errs = append(errs, fmt.Errorf("шаг %s: %w", step.name, err))
		}
	}

	final, err := s.store.Orders().GetByID(ctx, orderID)
	if err == nil {
		out.Settled = s.IsSettled(final)
	}

	joined := errors.Join(errs...)
	if joined != nil {
		s.logger.Warn("заказ рассчитан частично",
			zap.Int64("order_id", orderID),
			zap.Any("steps", out.Steps),
			zap.Error(joined))
	} else {
		s.logger.Info("проход расчета заказа завершен",
			zap.Int64("order_id", orderID),
			zap.Any("steps", out.Steps),
			zap.Bool("settled", out.Settled))
	}
	return out, joined
}

func (s *Service) checkOtp(order *models.Order) error {
	if !s.otpBlocks(order) {
		return nil
	}
	switch {
	case order.OtpStatus == models.OtpExpired:
		return fmt.Errorf("заказ %d: %w", order.ID, models.ErrOtpExpired)
	case order.OtpStatus == models.OtpSent && order.OtpSentAt != nil && s.now().Sub(*order.OtpSentAt) > s.otp.TTL():
		return fmt.Errorf("заказ %d: %w", order.ID, models.ErrOtpExpired)
	default:
		return fmt.Errorf("заказ %d: %w", order.ID, models.ErrOtpRequired)
	}
}

// runGated выполняет шаг и переводит его флаг 0 -> 1 в одной транзакции
func (s *Service) runGated(ctx context.Context, orderID int64, name string, gate func(o *models.Order) *int,
	run func(ctx context.Context, tx store.Tx, o *models.Order) error) (StepStatus, error) {
	status := StepDone
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		flag := gate(order)
		if *flag == models.StatusDone {
			status = StepSkipped
			return nil
		}
		if err := run(ctx, tx, order); err != nil {
			return err
		}
		*flag = models.StatusDone
		if err := tx.Orders().UpdateGates(ctx, order); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityOrder, orderID, name+"_status", models.StatusPending, models.StatusDone, "шаг выполнен")
	})
	if err != nil {
		return StepFailed, err
	}
	return status, nil
}

// leadership платит ближайшему держателю каждого ранга долю прибыли;
// невостребованные доли уходят в лидерский пул
func (s *Service) leadership(ctx context.Context, tx store.Tx, order *models.Order) error {
	snapshot, err := s.rank.FreshSnapshot(ctx, tx, order.BuyerID)
	if err != nil {
		return err
	}

	perHolder := make(map[int64]decimal.Decimal)
	var holders []int64
	unclaimed := decimal.Zero
	for _, tier := range models.RankTiers {
		bonus := models.Percent(order.ProfitAmount, s.cfg.LeadershipRates[tier])
		if !bonus.IsPositive() {
			continue
		}
		holder := snapshot.HolderOf(tier)
		if holder == nil {
			unclaimed = unclaimed.Add(bonus)
			continue
		}
		if _, ok := perHolder[*holder]; !ok {
			holders = append(holders, *holder)
		}
		perHolder[*holder] = perHolder[*holder].Add(bonus)
	}

	// один держатель может быть ближайшим для нескольких рангов
	for _, id := range holders {
		_, err := s.ledger.Credit(ctx, tx, ledger.Operation{
			UserID:        id,
			Amount:        perHolder[id],
			Type:          models.WalletTxCommission,
			ReferenceType: models.RefLeadership,
			ReferenceID:   order.ID,
		})
		if err != nil {
			return fmt.Errorf("ошибка лидерского бонуса участнику %d: %w", id, err)
		}
	}

	if unclaimed.IsPositive() {
		return s.pool.AddEntry(ctx, tx, &models.GlobalPoolEntry{
			OrderID:       order.ID,
			UserTriggerID: order.BuyerID,
			PoolType:      models.PoolLeadership,
			Amount:        unclaimed,
		})
	}
	return nil
}

// chequeMatch отчисляет долю прибыли в глобальный пул
func (s *Service) chequeMatch(ctx context.Context, tx store.Tx, order *models.Order) error {
	amount := models.Percent(order.ProfitAmount, s.cfg.ChequeMatchRate)
	if !amount.IsPositive() {
		return nil
	}
	buyer := order.BuyerID
	return s.pool.AddEntry(ctx, tx, &models.GlobalPoolEntry{
		UserID:        &buyer,
		OrderID:       order.ID,
		UserTriggerID: order.BuyerID,
		PoolType:      models.PoolGlobal,
		Amount:        amount,
	})
}

// tax записывает налог заказа в наличный журнал налогового счета
func (s *Service) tax(ctx context.Context, tx store.Tx, order *models.Order) error {
	if !order.TaxAmount.IsPositive() {
		return nil
	}
	_, err := s.cash.PostTax(ctx, tx, order.ID, order.TaxAmount)
	return err
}

// RetrySweep повторяет расчет оплаченных заказов с незакрытыми шагами.
// Выборка идет по возрастанию id, так что застрявшие заказы не заслоняют остальные.
func (s *Service) RetrySweep(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep("retry", time.Since(started)) }()

	settled := 0
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		batch, err := s.store.Orders().ListUnsettled(ctx, after, s.batchSize())
		if err != nil {
			return settled, fmt.Errorf("ошибка получения нерассчитанных заказов: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, o := range batch {
			if s.otpBlocks(o) {
				continue
			}
			out, err := s.Settle(ctx, o.ID)
			if err != nil {
				s.logger.Error("повторный расчет не завершен", zap.Int64("order_id", o.ID), zap.Error(err))
				continue
			}
			if out.Settled {
				settled++
			}
		}

		after = batch[len(batch)-1].ID
		if len(batch) < s.batchSize() {
			break
		}
	}

	if settled > 0 {
		s.logger.Info("повторный расчет завершен", zap.Int("settled", settled))
	}
	return settled, nil
}

func (s *Service) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return 500
}
