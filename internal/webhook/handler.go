// Package webhook принимает события оплаты и административные команды по HTTP.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"cafe-settlement/internal/cashwallet"
	"cafe-settlement/internal/commission"
	"cafe-settlement/internal/ledger"
	"cafe-settlement/internal/pool"
	"cafe-settlement/internal/referral"
	"cafe-settlement/internal/settlement"
	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxBodySize ограничение тела запроса
const maxBodySize = 1 << 20

// SignatureHeader заголовок с HMAC-SHA256 тела запроса в hex
const SignatureHeader = "X-Settlement-Signature"

// Handler обрабатывает входящие события и команды администратора
type Handler struct {
	settlement *settlement.Service
	commission *commission.Service
	cash       *cashwallet.Service
	pool       *pool.Service
	ledger     *ledger.Service
	referral   *referral.Service
	secretKey  string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewHandler создает обработчик
func NewHandler(settlementSvc *settlement.Service, commissionSvc *commission.Service, cashSvc *cashwallet.Service,
	poolSvc *pool.Service, ledgerSvc *ledger.Service, referralSvc *referral.Service, secretKey string, logger *zap.Logger) *Handler {
	return &Handler{
		settlement: settlementSvc,
		commission: commissionSvc,
		cash:       cashSvc,
		pool:       poolSvc,
		ledger:     ledgerSvc,
		referral:   referralSvc,
		secretKey:  secretKey,
		timeout:    30 * time.Second,
		logger:     logger,
	}
}

// Register регистрирует маршруты
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/order-paid", h.HandleOrderPaid)
	mux.HandleFunc("POST /otp/verify", h.HandleVerifyOtp)
	mux.HandleFunc("POST /otp/resend", h.HandleResendOtp)
	mux.HandleFunc("POST /admin/commissions/{action}", h.HandleCommissionStatus)
	mux.HandleFunc("POST /admin/cash-out/paid", h.HandleCashOutPaid)
	mux.HandleFunc("POST /admin/pool/delete", h.HandlePoolDelete)
	mux.HandleFunc("GET /members/{id}/balance", h.HandleBalance)
	mux.HandleFunc("POST /members", h.HandleAddMember)
	mux.HandleFunc("POST /wallet/deposit", h.HandleDeposit)
	mux.HandleFunc("POST /wallet/payment", h.HandlePayment)
	mux.HandleFunc("POST /wallet/transfer", h.HandleTransfer)
	mux.HandleFunc("POST /cash-out/request", h.HandleCashOutRequest)
	mux.HandleFunc("POST /admin/wallets/{id}/{action}", h.HandleWalletState)
}

// HandleOrderPaid принимает событие "заказ оплачен"
func (h *Handler) HandleOrderPaid(w http.ResponseWriter, r *http.Request) {
	var event models.OrderPaidEvent
	if !h.decode(w, r, &event) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.logger.Info("получено событие оплаты",
		zap.Int64("order_id", event.OrderID),
		zap.Int64("buyer_id", event.BuyerID))

	out, err := h.settlement.HandleOrderPaid(ctx, event)
	if err != nil {
		h.logger.Error("ошибка обработки события оплаты", zap.Int64("order_id", event.OrderID), zap.Error(err))
		h.writeError(w, err)
		return
	}
	if out.OtpPending {
		h.writeJSON(w, http.StatusAccepted, out)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

type verifyRequest struct {
	OrderID int64  `json:"order_id"`
	Code    string `json:"code"`
}

// HandleVerifyOtp проверяет код и рассчитывает заказ
func (h *Handler) HandleVerifyOtp(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out, err := h.settlement.VerifyAndSettle(ctx, req.OrderID, req.Code)
	if err != nil && out != nil {
		// код принят, упавшие шаги доделает повторный обход
		h.logger.Warn("заказ подтвержден, расчет не завершен", zap.Int64("order_id", req.OrderID), zap.Error(err))
		h.writeJSON(w, http.StatusAccepted, out)
		return
	}
	if err != nil {
		h.logger.Warn("код не принят", zap.Int64("order_id", req.OrderID), zap.Error(err))
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

type orderRequest struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// HandleResendOtp выдает новый код
func (h *Handler) HandleResendOtp(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.settlement.ResendOtp(r.Context(), req.OrderID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"order_id": req.OrderID, "otp_status": models.OtpSent.String()})
}

// HandleCommissionStatus переводит комиссии заказа: approve, paid или cancel
func (h *Handler) HandleCommissionStatus(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		n   int
		err error
	)
	switch action := r.PathValue("action"); action {
	case "approve":
		n, err = h.commission.Approve(r.Context(), req.OrderID)
	case "paid":
		n, err = h.commission.MarkPaid(r.Context(), req.OrderID)
	case "cancel":
		n, err = h.commission.Cancel(r.Context(), req.OrderID, req.Reason)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"order_id": req.OrderID, "updated": n})
}

type cashOutPaidRequest struct {
	TransactionID int64  `json:"transaction_id"`
	ReferenceNo   string `json:"reference_no"`
	Description   string `json:"description"`
	AdminID       int64  `json:"admin_id"`
}

// HandleCashOutPaid подтверждает выплату наличными
func (h *Handler) HandleCashOutPaid(w http.ResponseWriter, r *http.Request) {
	var req cashOutPaidRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ReferenceNo == "" {
		http.Error(w, "reference_no is required", http.StatusBadRequest)
		return
	}

	entry, err := h.cash.MarkPaidOut(r.Context(), req.TransactionID, req.ReferenceNo, req.Description, req.AdminID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

type poolDeleteRequest struct {
	EntryID int64  `json:"entry_id"`
	Reason  string `json:"reason"`
}

// HandlePoolDelete снимает взнос пула с распределения
func (h *Handler) HandlePoolDelete(w http.ResponseWriter, r *http.Request) {
	var req poolDeleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.pool.SoftDelete(r.Context(), req.EntryID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type balanceResponse struct {
	UserID int64           `json:"user_id"`
	Wallet decimal.Decimal `json:"wallet"`
	Active bool            `json:"active"`
	Cash   decimal.Decimal `json:"cash"`
}

// HandleBalance возвращает баланс кошелька и наличного счета
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	wallet, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	cash, err := h.cash.Balance(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{UserID: id, Wallet: wallet.Balance, Active: wallet.IsActive, Cash: cash})
}

// decode читает тело, проверяет подпись и разбирает JSON
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.logger.Error("ошибка чтения тела запроса", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}
	defer r.Body.Close()

	if !h.verifySignature(r.Header.Get(SignatureHeader), body) {
		h.logger.Warn("неверная подпись запроса", zap.String("path", r.URL.Path))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		h.logger.Warn("ошибка парсинга запроса", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return false
	}
	return true
}

// verifySignature проверяет подпись. Без секрета проверка выключена.
func (h *Handler) verifySignature(signature string, body []byte) bool {
	if h.secretKey == "" {
		return true
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, Sign(h.secretKey, body))
}

// Sign считает HMAC-SHA256 тела
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// statusFor отображает ошибку движка в HTTP-статус
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrOtpInvalid), errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrOtpUndeliverable), errors.Is(err, models.ErrCycleDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrOtpExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrOtpRequired):
		return http.StatusAccepted
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrCashOutNotPending),
		errors.Is(err, models.ErrInsufficientFunds), errors.Is(err, models.ErrWalletInactive),
		errors.Is(err, models.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("ошибка записи ответа", zap.Error(fmt.Errorf("encode: %w", err)))
	}
}
