package webhook

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
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
	"cafe-settlement/internal/settlement"
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
	mux    *http.ServeMux
	sender *codeSender
	buyer  *models.Member
	parent *models.Member
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	logger := zap.NewNop()
	cfg := &config.SettlementConfig{
		LevelRates:               []decimal.Decimal{decimal.NewFromInt(10)},
		OtpRequiredCustomerTypes: []string{"guest"},
		LeadershipRates:          map[models.RankTier]decimal.Decimal{},
		ChequeMatchRate:          decimal.Zero,
	}

	ledgerSvc := ledger.NewService(st, nil, logger)
	referralSvc := referral.NewService(st, ledgerSvc, cfg, nil, logger)
	tax, err := referralSvc.AddMember(ctx, models.CreateMemberRequest{Name: "tax"})
	require.NoError(t, err)
	parent, err := referralSvc.AddMember(ctx, models.CreateMemberRequest{Name: "parent"})
	require.NoError(t, err)
	buyer, err := referralSvc.AddMember(ctx, models.CreateMemberRequest{Name: "buyer", ReferredBy: &parent.ID})
	require.NoError(t, err)

	cashSvc := cashwallet.NewService(st, ledgerSvc, tax.ID, logger)
	rankSvc := rank.NewService(st, referralSvc, cfg, nil, logger)
	poolSvc := pool.NewService(st, rankSvc, ledgerSvc, cashSvc, cfg, nil, logger)
	commissionSvc := commission.NewService(st, referralSvc, ledgerSvc, nil, logger)
	sender := &codeSender{}
	settlementSvc := settlement.NewService(settlement.Deps{
		Store:      st,
		Locker:     locker.NewLocal(),
		Otp:        otp.NewService(st, sender, time.Minute, 10, nil, logger),
		Commission: commissionSvc,
		Rank:       rankSvc,
		Pool:       poolSvc,
		Ledger:     ledgerSvc,
		Cash:       cashSvc,
		Config:     cfg,
		Logger:     logger,
	})

	mux := http.NewServeMux()
	NewHandler(settlementSvc, commissionSvc, cashSvc, poolSvc, ledgerSvc, referralSvc, secret, logger).Register(mux)
	return &fixture{mux: mux, sender: sender, buyer: buyer, parent: parent}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) event(orderID int64, customerType string) models.OrderPaidEvent {
	return models.OrderPaidEvent{
		OrderID:      orderID,
		BuyerID:      f.buyer.ID,
		OrderAmount:  decimal.NewFromInt(500),
		CustomerType: customerType,
		TaxAmount:    decimal.NewFromInt(25),
		ProfitAmount: decimal.NewFromInt(100),
	}
}

func (f *fixture) walletBalance(t *testing.T, userID int64) string {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/members/"+strconv.FormatInt(userID, 10)+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Wallet.StringFixed(2)
}

func TestOrderPaidSettles(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/webhook/order-paid", f.event(10, "member"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out settlement.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Settled)
	assert.Equal(t, 1, out.CommissionsPosted)
	assert.Equal(t, "50.00", f.walletBalance(t, f.parent.ID))

	// повторная доставка безопасна
	rec = f.do(t, http.MethodPost, "/webhook/order-paid", f.event(10, "member"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50.00", f.walletBalance(t, f.parent.ID))
}

func TestOrderPaidBadRequests(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhook/order-paid", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ev := f.event(11, "member")
	ev.OrderAmount = decimal.Zero
	rec = f.do(t, http.MethodPost, "/webhook/order-paid", ev, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/webhook/order-paid", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSignature(t *testing.T) {
	f := newFixture(t, "secret")
	ev := f.event(12, "member")

	rec := f.do(t, http.MethodPost, "/webhook/order-paid", ev, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhook/order-paid", ev, map[string]string{SignatureHeader: "abcd"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	body = append(body, '\n')
	sig := hex.EncodeToString(Sign("secret", body))
	rec = f.do(t, http.MethodPost, "/webhook/order-paid", ev, map[string]string{SignatureHeader: sig})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestOtpFlow(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/webhook/order-paid", f.event(20, "guest"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	code := f.sender.code(20)
	require.Len(t, code, 6)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	rec = f.do(t, http.MethodPost, "/otp/verify", verifyRequest{OrderID: 20, Code: wrong}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "0.00", f.walletBalance(t, f.parent.ID))

	rec = f.do(t, http.MethodPost, "/otp/resend", orderRequest{OrderID: 20}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/otp/verify", verifyRequest{OrderID: 20, Code: f.sender.code(20)}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "50.00", f.walletBalance(t, f.parent.ID))

	rec = f.do(t, http.MethodPost, "/otp/resend", orderRequest{OrderID: 20}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCommissionStatus(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/webhook/order-paid", f.event(30, "member"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/commissions/approve", orderRequest{OrderID: 30}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["updated"])

	rec = f.do(t, http.MethodPost, "/admin/commissions/cancel", orderRequest{OrderID: 30, Reason: "возврат"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.00", f.walletBalance(t, f.parent.ID))

	rec = f.do(t, http.MethodPost, "/admin/commissions/unknown", orderRequest{OrderID: 30}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCashOutPaidAndMissing(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/admin/cash-out/paid", cashOutPaidRequest{TransactionID: 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/cash-out/paid", cashOutPaidRequest{TransactionID: 404, ReferenceNo: "UTR-1"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/members/abc/balance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (f *fixture) cashBalance(t *testing.T, userID int64) string {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/members/"+strconv.FormatInt(userID, 10)+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Cash.StringFixed(2)
}

func TestAddMember(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/members", models.CreateMemberRequest{Name: "новый", ReferredBy: &f.buyer.ID}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var member models.Member
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &member))
	assert.NotZero(t, member.ID)
	require.NotNil(t, member.ReferredBy)
	assert.Equal(t, f.buyer.ID, *member.ReferredBy)
	// кошелек открыт вместе с участником
	assert.Equal(t, "0.00", f.walletBalance(t, member.ID))

	rec = f.do(t, http.MethodPost, "/members", models.CreateMemberRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := int64(9999)
	rec = f.do(t, http.MethodPost, "/members", models.CreateMemberRequest{Name: "x", ReferredBy: &missing}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDepositAndPayment(t *testing.T) {
	f := newFixture(t, "")
	id := f.buyer.ID

	rec := f.do(t, http.MethodPost, "/wallet/deposit", map[string]any{"user_id": id, "amount": "100"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry models.WalletTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, models.WalletTxDeposit, entry.Type)
	assert.Equal(t, "100.00", f.walletBalance(t, id))

	rec = f.do(t, http.MethodPost, "/wallet/payment", map[string]any{"user_id": id, "amount": "30", "reference_id": 5}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "70.00", f.walletBalance(t, id))

	rec = f.do(t, http.MethodPost, "/wallet/payment", map[string]any{"user_id": id, "amount": "1000"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "70.00", f.walletBalance(t, id))

	rec = f.do(t, http.MethodPost, "/wallet/payment", map[string]any{"user_id": id, "amount": "1", "type": "deposit"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/wallet/deposit", map[string]any{"user_id": id, "amount": "1", "type": "payment"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/wallet/deposit", map[string]any{"user_id": id, "amount": "0"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = f.do(t, http.MethodPost, "/wallet/deposit", map[string]any{"user_id": 9999, "amount": "1"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransferAndCashOutRequest(t *testing.T) {
	f := newFixture(t, "")
	id := f.buyer.ID

	rec := f.do(t, http.MethodPost, "/wallet/deposit", map[string]any{"user_id": id, "amount": "50"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/wallet/transfer", cashRequest{UserID: id, Amount: decimal.NewFromInt(20)}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "30.00", f.walletBalance(t, id))
	assert.Equal(t, "20.00", f.cashBalance(t, id))

	rec = f.do(t, http.MethodPost, "/wallet/transfer", cashRequest{UserID: id, Amount: decimal.NewFromInt(500)}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "20.00", f.cashBalance(t, id))

	rec = f.do(t, http.MethodPost, "/cash-out/request", cashRequest{UserID: id, Amount: decimal.NewFromInt(15), Description: "на карту"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry models.CashWalletTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, models.CashOutPending, entry.CashOutStatus)

	rec = f.do(t, http.MethodPost, "/cash-out/request", cashRequest{UserID: id, Amount: decimal.NewFromInt(100)}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// подтверждение созданного запроса
	rec = f.do(t, http.MethodPost, "/admin/cash-out/paid", cashOutPaidRequest{TransactionID: entry.ID, ReferenceNo: "UTR-7", AdminID: 1}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWalletStateRoutes(t *testing.T) {
	f := newFixture(t, "")
	path := fmt.Sprintf("/admin/wallets/%d/", f.parent.ID)

	rec := f.do(t, http.MethodPost, path+"deactivate", walletStateRequest{Reason: "проверка"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/wallet/deposit", map[string]any{"user_id": f.parent.ID, "amount": "5"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/members/"+strconv.FormatInt(f.parent.ID, 10)+"/balance", nil, nil)
	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Active)

	rec = f.do(t, http.MethodPost, path+"activate", walletStateRequest{Reason: "проверка"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, "/wallet/deposit", map[string]any{"user_id": f.parent.ID, "amount": "5"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, path+"freeze", walletStateRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/admin/wallets/abc/activate", walletStateRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/admin/wallets/9999/activate", walletStateRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyAcceptedWhenSettlementIncomplete(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/webhook/order-paid", f.event(40, "guest"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/admin/wallets/%d/deactivate", f.parent.ID), walletStateRequest{}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/otp/verify", verifyRequest{OrderID: 40, Code: f.sender.code(40)}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out settlement.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Settled)
	assert.Equal(t, settlement.StepFailed, out.Steps[settlement.StepCommission])

	// код уже принят, повторная проверка не требует нового
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/admin/wallets/%d/activate", f.parent.ID), walletStateRequest{}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, "/otp/verify", verifyRequest{OrderID: 40, Code: "любой"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "50.00", f.walletBalance(t, f.parent.ID))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(fmt.Errorf("x: %w", models.ErrOtpUndeliverable)))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("x: %w", models.ErrWalletInactive)))
	assert.Equal(t, http.StatusNotFound, statusFor(models.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("сбой")))
}
