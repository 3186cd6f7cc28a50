package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"cafe-settlement/internal/cashwallet"
	"cafe-settlement/internal/commission"
	"cafe-settlement/internal/config"
	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/locker"
	"cafe-settlement/internal/otp"
	"cafe-settlement/internal/pool"
	"cafe-settlement/internal/rank"
	"cafe-settlement/internal/referral"
	"cafe-settlement/internal/store"
	"cafe-settlement/internal/store/memory"
	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type codeSender struct {
	mu    sync.Mutex
	codes map[int64]string
}

func (c *codeSender) Send(_ context.Context, _, code string, orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codes == nil {
		c.codes = make(map[int64]string)
	}
	c.codes[orderID] = code
	return nil
}

func (c *codeSender) code(orderID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[orderID]
}

type fixture struct {
	st       *memory.Store
	ledger   *ledger.Service
	referral *referral.Service
	cash     *cashwallet.Service
	otp      *otp.Service
	sender   *codeSender
	svc      *Service
	tax      *models.Member
}

func newFixture(t *testing.T, otpTTL time.Duration) *fixture {
	t.Helper()
	st := memory.New()
	logger := zap.NewNop()
	cfg := &config.SettlementConfig{
		LevelRates:               []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(5)},
		OtpRequiredCustomerTypes: []string{"guest"},
		LeadershipRates: map[models.RankTier]decimal.Decimal{
			models.RankThreeStar: decimal.NewFromInt(2),
			models.RankFiveStar:  decimal.NewFromInt(1),
		},
		ChequeMatchRate:    decimal.NewFromInt(10),
		PoolQualifyingTier: models.RankThreeStar,
		LeadershipPoolTier: models.RankFiveStar,
		BatchSize:          2,
	}

	ledgerSvc := ledger.NewService(st, nil, logger)
	referralSvc := referral.NewService(st, ledgerSvc, cfg, nil, logger)
	tax, err := referralSvc.AddMember(context.Background(), models.CreateMemberRequest{Name: "налоговый счет"})
	require.NoError(t, err)
	cfg.TaxAccountUserID = tax.ID

	cashSvc := cashwallet.NewService(st, ledgerSvc, tax.ID, logger)
	sender := &codeSender{}
	otpSvc := otp.NewService(st, sender, otpTTL, 10, nil, logger)

	rankSvc := rank.NewService(st, referralSvc, cfg, nil, logger)
	svc := NewService(Deps{
		Store:      st,
		Locker:     locker.NewLocal(),
		Otp:        otpSvc,
		Commission: commission.NewService(st, referralSvc, ledgerSvc, nil, logger),
		Rank:       rankSvc,
		Pool:       pool.NewService(st, rankSvc, ledgerSvc, cashSvc, cfg, nil, logger),
		Ledger:     ledgerSvc,
		Cash:       cashSvc,
		Config:     cfg,
		Logger:     logger,
	})
	return &fixture{st: st, ledger: ledgerSvc, referral: referralSvc, cash: cashSvc, otp: otpSvc, sender: sender, svc: svc, tax: tax}
}

func (f *fixture) member(t *testing.T, name string, referredBy *int64) *models.Member {
	t.Helper()
	m, err := f.referral.AddMember(context.Background(), models.CreateMemberRequest{Name: name, ReferredBy: referredBy})
	require.NoError(t, err)
	return m
}

// chain строит A -> B -> C, A получает три звезды
func (f *fixture) chain(t *testing.T) (a, b, c *models.Member) {
	t.Helper()
	a = f.member(t, "A", nil)
	b = f.member(t, "B", &a.ID)
	c = f.member(t, "C", &b.ID)

	a.RankTier = models.RankThreeStar
	require.NoError(t, f.st.Members().Update(context.Background(), a))
	return a, b, c
}

func (f *fixture) balance(t *testing.T, userID int64) string {
	t.Helper()
	w, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance.StringFixed(2)
}

func (f *fixture) commissions(t *testing.T, orderID int64) int {
	t.Helper()
	n, err := f.st.Commissions().CountByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return n
}

func paidEvent(orderID, buyerID int64, customerType string) models.OrderPaidEvent {
	return models.OrderPaidEvent{
		OrderID:      orderID,
		BuyerID:      buyerID,
		OrderAmount:  decimal.NewFromInt(1000),
		CustomerType: customerType,
		TaxAmount:    decimal.NewFromInt(50),
		ProfitAmount: decimal.NewFromInt(200),
	}
}

func TestHandleOrderPaidSettlesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	a, b, c := f.chain(t)

	out, err := f.svc.HandleOrderPaid(ctx, paidEvent(501, c.ID, "member"))
	require.NoError(t, err)
	assert.False(t, out.OtpPending)
	assert.Equal(t, 2, out.CommissionsPosted)
	assert.True(t, out.Settled)
	for _, step := range []string{StepCommission, StepLeadership, StepChequeMatch, StepTax} {
		assert.Equal(t, StepDone, out.Steps[step], step)
	}

	// 10% и 5% от 1000, плюс 2% прибыли держателю трех звезд
	assert.Equal(t, "100.00", f.balance(t, b.ID))
	assert.Equal(t, "54.00", f.balance(t, a.ID))
	assert.Equal(t, "0.00", f.balance(t, c.ID))

	taxBalance, err := f.cash.Balance(ctx, f.tax.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", taxBalance.StringFixed(2))

	entries, err := f.st.Pool().ListUncounted(ctx, 0, 10)
	require.NoError(t, err)
	amounts := make(map[models.PoolType]string)
	for _, e := range entries {
		assert.Equal(t, int64(501), e.OrderID)
		amounts[e.PoolType] = e.Amount.StringFixed(2)
	}
	// у пяти звезд держателя нет, доля уходит в лидерский пул
	assert.Equal(t, map[models.PoolType]string{
		models.PoolGlobal:     "20.00",
		models.PoolLeadership: "2.00",
	}, amounts)

	order, err := f.st.Orders().GetByID(ctx, 501)
	require.NoError(t, err)
	assert.True(t, order.GatesDone())
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	a, b, c := f.chain(t)

	_, err := f.svc.HandleOrderPaid(ctx, paidEvent(7, c.ID, "member"))
	require.NoError(t, err)

	// повторная доставка события и повторный расчет ничего не меняют
	out, err := f.svc.HandleOrderPaid(ctx, paidEvent(7, c.ID, "member"))
	require.NoError(t, err)
	assert.True(t, out.CommissionDuplicate)
	assert.Zero(t, out.CommissionsPosted)
	for _, step := range []string{StepCommission, StepLeadership, StepChequeMatch, StepTax} {
		assert.Equal(t, StepSkipped, out.Steps[step], step)
	}
	assert.True(t, out.Settled)

	assert.Equal(t, "100.00", f.balance(t, b.ID))
	assert.Equal(t, "54.00", f.balance(t, a.ID))
	assert.Equal(t, 2, f.commissions(t, 7))

	entries, err := f.st.Pool().ListUncounted(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConcurrentSettlePostsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_, b, c := f.chain(t)

	now := time.Now()
	order := &models.Order{
		ID:           900,
		BuyerID:      c.ID,
		OrderAmount:  decimal.NewFromInt(1000),
		ProfitAmount: decimal.NewFromInt(200),
		TaxAmount:    decimal.NewFromInt(50),
		CustomerType: "member",
		PaidAt:       &now,
	}
	require.NoError(t, f.st.Orders().Create(ctx, order))

	const workers = 2
	outcomes := make([]*Outcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.svc.Settle(ctx, order.ID)
		}(i)
	}
	wg.Wait()

	posted, duplicates := 0, 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if outcomes[i].CommissionsPosted > 0 {
			posted++
		}
		if outcomes[i].CommissionDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, posted)
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, 2, f.commissions(t, order.ID))
	assert.Equal(t, "100.00", f.balance(t, b.ID))
}

func TestOtpGateBlocksUntilVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_, b, c := f.chain(t)

	out, err := f.svc.HandleOrderPaid(ctx, paidEvent(31, c.ID, "guest"))
	require.NoError(t, err)
	assert.True(t, out.OtpPending)
	code := f.sender.code(31)
	require.Len(t, code, 6)

	_, err = f.svc.Settle(ctx, 31)
	assert.ErrorIs(t, err, models.ErrOtpRequired)
	assert.Zero(t, f.commissions(t, 31))

	// повтор события пока код действует не выдает новый код
	out, err = f.svc.HandleOrderPaid(ctx, paidEvent(31, c.ID, "guest"))
	require.NoError(t, err)
	assert.True(t, out.OtpPending)
	assert.Equal(t, code, f.sender.code(31))

	// повторный проход не трогает заказ, ожидающий кода
	settled, err := f.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Zero(t, f.commissions(t, 31))

	require.NoError(t, f.otp.Verify(ctx, 31, code))
	out, err = f.svc.Settle(ctx, 31)
	require.NoError(t, err)
	assert.True(t, out.Settled)
	assert.Equal(t, "100.00", f.balance(t, b.ID))
}

func TestExpiredOtpRequiresNewCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100*time.Millisecond)
	_, b, c := f.chain(t)

	_, err := f.svc.HandleOrderPaid(ctx, paidEvent(32, c.ID, "guest"))
	require.NoError(t, err)
	stale := f.sender.code(32)

	time.Sleep(150 * time.Millisecond)

	_, err = f.svc.Settle(ctx, 32)
	assert.ErrorIs(t, err, models.ErrOtpExpired)
	assert.ErrorIs(t, f.otp.Verify(ctx, 32, stale), models.ErrOtpExpired)

	order, err := f.st.Orders().GetByID(ctx, 32)
	require.NoError(t, err)
	assert.Equal(t, models.OtpExpired, order.OtpStatus)

	_, err = f.svc.Settle(ctx, 32)
	assert.ErrorIs(t, err, models.ErrOtpExpired)
	assert.Zero(t, f.commissions(t, 32))

	// событие выдает новый код
	out, err := f.svc.HandleOrderPaid(ctx, paidEvent(32, c.ID, "guest"))
	require.NoError(t, err)
	assert.True(t, out.OtpPending)

	require.NoError(t, f.otp.Verify(ctx, 32, f.sender.code(32)))
	out, err = f.svc.Settle(ctx, 32)
	require.NoError(t, err)
	assert.True(t, out.Settled)
	assert.Equal(t, "100.00", f.balance(t, b.ID))
}

func TestRetrySweepSettlesStoredOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	a, b, c := f.chain(t)

	now := time.Now()
	for _, id := range []int64{41, 42, 43} {
		o := &models.Order{
			ID:           id,
			BuyerID:      c.ID,
			OrderAmount:  decimal.NewFromInt(100),
			ProfitAmount: decimal.NewFromInt(10),
			CustomerType: "member",
			PaidAt:       &now,
		}
		require.NoError(t, f.st.Orders().Create(ctx, o))
	}

	settled, err := f.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, settled)
	assert.Equal(t, "30.00", f.balance(t, b.ID))
	// с каждого заказа 5.00 комиссии и 0.20 лидерского бонуса
	assert.Equal(t, "15.60", f.balance(t, a.ID))

	settled, err = f.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
}

func TestHandleOrderPaidValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_, _, c := f.chain(t)

	_, err := f.svc.HandleOrderPaid(ctx, models.OrderPaidEvent{BuyerID: c.ID, OrderAmount: decimal.NewFromInt(1)})
	assert.Error(t, err)

	ev := paidEvent(60, c.ID, "member")
	ev.OrderAmount = decimal.Zero
	_, err = f.svc.HandleOrderPaid(ctx, ev)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = f.svc.HandleOrderPaid(ctx, paidEvent(61, 9999, "member"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestResendOtpAndVerifyAndSettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_, b, c := f.chain(t)

	_, err := f.svc.HandleOrderPaid(ctx, paidEvent(70, c.ID, "guest"))
	require.NoError(t, err)
	first := f.sender.code(70)

	require.NoError(t, f.svc.ResendOtp(ctx, 70))
	second := f.sender.code(70)
	require.Len(t, second, 6)

	if first != second {
		_, err = f.svc.VerifyAndSettle(ctx, 70, first)
		assert.ErrorIs(t, err, models.ErrOtpInvalid)
	}

	out, err := f.svc.VerifyAndSettle(ctx, 70, second)
	require.NoError(t, err)
	assert.True(t, out.Settled)
	assert.Equal(t, "100.00", f.balance(t, b.ID))

	// подтвержденному заказу новый код не нужен
	assert.ErrorIs(t, f.svc.ResendOtp(ctx, 70), models.ErrInvalidTransition)
}

func (f *fixture) order(t *testing.T, id int64) *models.Order {
	t.Helper()
	o, err := f.st.Orders().GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestCommissionRetriedAfterWalletReactivated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	a, b, c := f.chain(t)

	require.NoError(t, f.ledger.Deactivate(ctx, b.ID, "проверка"))

	out, err := f.svc.HandleOrderPaid(ctx, paidEvent(80, c.ID, "member"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrWalletInactive)
	require.NotNil(t, out)
	assert.False(t, out.Settled)
	assert.Equal(t, StepFailed, out.Steps[StepCommission])
	for _, step := range []string{StepLeadership, StepChequeMatch, StepTax} {
		assert.Equal(t, StepDone, out.Steps[step], step)
	}

	order := f.order(t, 80)
	assert.Equal(t, models.StatusPending, order.CommissionPostStatus)
	assert.Equal(t, models.StatusDone, order.LeadershipStatus)
	assert.Equal(t, models.StatusDone, order.ChaqueMatchStatus)
	assert.Equal(t, models.StatusDone, order.TaxStatus)
	assert.False(t, f.svc.IsSettled(order))
	assert.Zero(t, f.commissions(t, 80))
	// только лидерский бонус
	assert.Equal(t, "4.00", f.balance(t, a.ID))

	require.NoError(t, f.ledger.Activate(ctx, b.ID, "проверка"))
	settled, err := f.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	assert.Equal(t, 2, f.commissions(t, 80))
	assert.Equal(t, "100.00", f.balance(t, b.ID))
	assert.Equal(t, "54.00", f.balance(t, a.ID))
	assert.True(t, f.order(t, 80).GatesDone())

	transitions, err := f.st.Transitions().ListByEntity(ctx, store.EntityOrder, 80)
	require.NoError(t, err)
	gate := 0
	for _, tr := range transitions {
		if tr.Field == "commission_status" {
			gate++
		}
	}
	assert.Equal(t, 1, gate)

	// повторный проход ничего не начисляет
	settled, err = f.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, 2, f.commissions(t, 80))
}

func TestFailedStepsKeepGatesUntilRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	a, b, c := f.chain(t)

	// A получает и комиссию второго уровня, и лидерский бонус
	require.NoError(t, f.ledger.Deactivate(ctx, a.ID, "проверка"))

	out, err := f.svc.HandleOrderPaid(ctx, paidEvent(81, c.ID, "member"))
	require.Error(t, err)
	assert.Equal(t, StepFailed, out.Steps[StepCommission])
	assert.Equal(t, StepFailed, out.Steps[StepLeadership])
	assert.Equal(t, StepDone, out.Steps[StepChequeMatch])
	assert.Equal(t, StepDone, out.Steps[StepTax])

	order := f.order(t, 81)
	assert.Equal(t, models.StatusPending, order.CommissionPostStatus)
	assert.Equal(t, models.StatusPending, order.LeadershipStatus)
	assert.Equal(t, models.StatusDone, order.ChaqueMatchStatus)
	assert.Equal(t, models.StatusDone, order.TaxStatus)
	assert.Equal(t, "0.00", f.balance(t, b.ID))

	entries, err := f.st.Pool().ListUncounted(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.PoolGlobal, entries[0].PoolType)

	require.NoError(t, f.ledger.Activate(ctx, a.ID, "проверка"))
	settled, err := f.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	assert.True(t, f.order(t, 81).GatesDone())
	assert.Equal(t, "100.00", f.balance(t, b.ID))
	assert.Equal(t, "54.00", f.balance(t, a.ID))

	// чек-матч и налог второй раз не проводятся
	entries, err = f.st.Pool().ListUncounted(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	taxBalance, err := f.cash.Balance(ctx, f.tax.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", taxBalance.StringFixed(2))
}

func TestRetrySweepPagesPastBlockedOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_, b, c := f.chain(t)

	now := time.Now()
	create := func(id int64, customerType string, otpStatus models.OtpStatus) {
		o := &models.Order{
			ID:           id,
			BuyerID:      c.ID,
			OrderAmount:  decimal.NewFromInt(100),
			CustomerType: customerType,
			OtpStatus:    otpStatus,
			PaidAt:       &now,
		}
		require.NoError(t, f.st.Orders().Create(ctx, o))
	}
	// размер пачки 2: первые заказы ждут кода и рассчитаны быть не могут
	create(91, "guest", models.OtpExpired)
	create(92, "guest", models.OtpExpired)
	create(93, "guest", models.OtpNotRequired)
	create(94, "guest", models.OtpNotRequired)
	create(95, "member", models.OtpNotRequired)

	unsettled, err := f.st.Orders().ListUnsettled(ctx, 0, 10)
	require.NoError(t, err)
	ids := make([]int64, 0, len(unsettled))
	for _, o := range unsettled {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []int64{93, 94, 95}, ids, "заказы с выданным или просроченным кодом не выбираются")

	settled, err := f.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, 2, f.commissions(t, 95))
	assert.Equal(t, "10.00", f.balance(t, b.ID))
	for _, id := range []int64{91, 92, 93, 94} {
		assert.Zero(t, f.commissions(t, id), id)
	}
}
