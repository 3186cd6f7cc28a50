package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cafe-settlement/internal/store"
	"cafe-settlement/internal/store/memory"
	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSender struct {
	mu    sync.Mutex
	codes map[int64]string
	err   error
}

func (r *recordingSender) Send(_ context.Context, _, code string, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.codes == nil {
		r.codes = make(map[int64]string)
	}
	r.codes[orderID] = code
	return nil
}

func (r *recordingSender) last(orderID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codes[orderID]
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *memory.Store, *recordingSender, *clock) {
	t.Helper()
	st := memory.New()
	sender := &recordingSender{}
	clk := &clock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	svc := NewService(st, sender, 10*time.Minute, 10, nil, zap.NewNop())
	svc.now = clk.now
	return svc, st, sender, clk
}

func newOrder(t *testing.T, st store.Store) *models.Order {
	t.Helper()
	o := &models.Order{BuyerID: 1, OrderAmount: decimal.NewFromInt(100), CustomerType: "guest"}
	require.NoError(t, st.Orders().Create(context.Background(), o))
	return o
}

func otpStatus(t *testing.T, st store.Store, orderID int64) models.OtpStatus {
	t.Helper()
	o, err := st.Orders().GetByID(context.Background(), orderID)
	require.NoError(t, err)
	return o.OtpStatus
}

func TestGenerateCode(t *testing.T) {
	code, err := generateCode(time.Now())
	require.NoError(t, err)
	assert.Len(t, code, 6)
}

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	svc, st, sender, clk := newTestService(t)
	o := newOrder(t, st)

	require.NoError(t, svc.Issue(ctx, o.ID, "42"))
	assert.Equal(t, models.OtpSent, otpStatus(t, st, o.ID))
	code := sender.last(o.ID)
	require.Len(t, code, 6)

	stored, err := st.Orders().GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OtpCodeHash)
	assert.NotEqual(t, code, *stored.OtpCodeHash)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, svc.Verify(ctx, o.ID, wrong), models.ErrOtpInvalid)
	assert.Equal(t, models.OtpSent, otpStatus(t, st, o.ID))

	clk.t = clk.t.Add(9 * time.Minute)
	require.NoError(t, svc.Verify(ctx, o.ID, code))
	assert.Equal(t, models.OtpVerified, otpStatus(t, st, o.ID))

	// повторная проверка подтвержденного заказа успешна
	assert.NoError(t, svc.Verify(ctx, o.ID, "whatever"))
	// новый код для подтвержденного заказа не выдается
	assert.ErrorIs(t, svc.Issue(ctx, o.ID, "42"), models.ErrInvalidTransition)
}

func TestVerifyAfterWindowExpires(t *testing.T) {
	ctx := context.Background()
	svc, st, sender, clk := newTestService(t)
	o := newOrder(t, st)

	require.NoError(t, svc.Issue(ctx, o.ID, "42"))
	code := sender.last(o.ID)

	clk.t = clk.t.Add(11 * time.Minute)
	assert.ErrorIs(t, svc.Verify(ctx, o.ID, code), models.ErrOtpExpired)
	assert.Equal(t, models.OtpExpired, otpStatus(t, st, o.ID))

	// даже верный код больше не принимается
	assert.ErrorIs(t, svc.Verify(ctx, o.ID, code), models.ErrOtpExpired)

	// новый цикл
	require.NoError(t, svc.Issue(ctx, o.ID, "42"))
	require.NoError(t, svc.Verify(ctx, o.ID, sender.last(o.ID)))
	assert.Equal(t, models.OtpVerified, otpStatus(t, st, o.ID))

	transitions, err := st.Transitions().ListByEntity(ctx, store.EntityOrder, o.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 4)
}

func TestIssueSenderFailureKeepsStatus(t *testing.T) {
	ctx := context.Background()
	svc, st, sender, _ := newTestService(t)
	o := newOrder(t, st)

	sender.err = errors.New("канал недоступен")
	err := svc.Issue(ctx, o.ID, "42")
	assert.Error(t, err)
	assert.Equal(t, models.OtpNotRequired, otpStatus(t, st, o.ID))

	stored, err := st.Orders().GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.OtpCodeHash)
	assert.Nil(t, stored.OtpSentAt)
}

// storeReadingSender читает заказ во время доставки; внутри транзакции
// хранилища в памяти такое чтение заблокировалось бы
type storeReadingSender struct {
	st     store.Store
	status models.OtpStatus
	err    error
}

func (r *storeReadingSender) Send(ctx context.Context, _, _ string, orderID int64) error {
	o, err := r.st.Orders().GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	r.status = o.OtpStatus
	return r.err
}

func TestIssueSendsAfterCommit(t *testing.T) {
	ctx := context.Background()
	svc, st, _, _ := newTestService(t)
	o := newOrder(t, st)

	sender := &storeReadingSender{st: st}
	svc.sender = sender
	require.NoError(t, svc.Issue(ctx, o.ID, "42"))
	assert.Equal(t, models.OtpSent, sender.status, "код уже сохранен к моменту отправки")
}

func TestIssueFailureRestoresExpired(t *testing.T) {
	ctx := context.Background()
	svc, st, sender, clk := newTestService(t)
	o := newOrder(t, st)

	require.NoError(t, svc.Issue(ctx, o.ID, "42"))
	clk.t = clk.t.Add(11 * time.Minute)
	_, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	expiredAt, err := st.Orders().GetByID(ctx, o.ID)
	require.NoError(t, err)

	sender.err = errors.New("канал недоступен")
	require.Error(t, svc.Issue(ctx, o.ID, "42"))

	got, err := st.Orders().GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OtpExpired, got.OtpStatus)
	assert.Nil(t, got.OtpCodeHash)
	assert.Equal(t, expiredAt.OtpSentAt, got.OtpSentAt)

	transitions, err := st.Transitions().ListByEntity(ctx, store.EntityOrder, o.ID)
	require.NoError(t, err)
	last := transitions[len(transitions)-1]
	assert.Equal(t, "otp_status", last.Field)
	assert.Equal(t, models.OtpExpired.String(), last.ToState)
	assert.Equal(t, "код не доставлен", last.Reason)
}

func TestIssueUndeliverable(t *testing.T) {
	ctx := context.Background()
	svc, st, _, _ := newTestService(t)
	o := newOrder(t, st)

	svc.sender = NewTelegramSender(&fakeMessenger{}, time.Minute, zap.NewNop())
	err := svc.Issue(ctx, o.ID, "")
	assert.ErrorIs(t, err, models.ErrOtpUndeliverable)
	assert.Equal(t, models.OtpNotRequired, otpStatus(t, st, o.ID))
}

func TestVerifyWithoutIssue(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	o := newOrder(t, st)

	err := svc.Verify(context.Background(), o.ID, "123456")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	svc, st, _, clk := newTestService(t)
	old := newOrder(t, st)
	recent := newOrder(t, st)

	require.NoError(t, svc.Issue(ctx, old.ID, "1"))
	clk.t = clk.t.Add(5 * time.Minute)
	require.NoError(t, svc.Issue(ctx, recent.ID, "2"))
	clk.t = clk.t.Add(6 * time.Minute)

	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.OtpExpired, otpStatus(t, st, old.ID))
	assert.Equal(t, models.OtpSent, otpStatus(t, st, recent.ID))

	n, err = svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	assert.NoError(t, s.Send(context.Background(), "1", "123456", 7))
}

func TestExpireStalePagesPastBatch(t *testing.T) {
	ctx := context.Background()
	svc, st, _, clk := newTestService(t)

	ids := make([]int64, 0, 13)
	for i := 0; i < 13; i++ {
		o := newOrder(t, st)
		require.NoError(t, svc.Issue(ctx, o.ID, "1"))
		ids = append(ids, o.ID)
	}
	clk.t = clk.t.Add(11 * time.Minute)

	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	for _, id := range ids {
		assert.Equal(t, models.OtpExpired, otpStatus(t, st, id))
	}
}
