package webhook

import (
	"net/http"
	"strconv"

	"cafe-settlement/internal/ledger"
	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HandleAddMember регистрирует участника под пригласившим
func (h *Handler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	member, err := h.referral.AddMember(r.Context(), req)
	if err != nil {
		h.logger.Warn("ошибка регистрации участника", zap.String("name", req.Name), zap.Error(err))
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, member)
}

type walletRequest struct {
	UserID          int64                        `json:"user_id"`
	Amount          decimal.Decimal              `json:"amount"`
	Type            models.WalletTransactionType `json:"type,omitempty"`
	ReferenceID     int64                        `json:"reference_id,omitempty"`
	ExpectedBalance *decimal.Decimal             `json:"expected_balance,omitempty"`
}

func (req walletRequest) operation(fallback models.WalletTransactionType) ledger.Operation {
	txType := req.Type
	if txType == "" {
		txType = fallback
	}
	return ledger.Operation{
		UserID:          req.UserID,
		Amount:          req.Amount,
		Type:            txType,
		ReferenceType:   models.RefManual,
		ReferenceID:     req.ReferenceID,
		ExpectedBalance: req.ExpectedBalance,
	}
}

// HandleDeposit зачисляет пополнение или возврат в кошелек
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !h.decode(w, r, &req) {
		return
	}
	op := req.operation(models.WalletTxDeposit)
	if op.Type.IsDebit() {
		http.Error(w, "debit type on deposit", http.StatusBadRequest)
		return
	}

	entry, err := h.ledger.CreditNow(r.Context(), op)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// HandlePayment списывает оплату или вывод из кошелька
func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !h.decode(w, r, &req) {
		return
	}
	op := req.operation(models.WalletTxPayment)
	if !op.Type.IsDebit() {
		http.Error(w, "credit type on payment", http.StatusBadRequest)
		return
	}

	entry, err := h.ledger.DebitNow(r.Context(), op)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

type cashRequest struct {
	UserID      int64           `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// HandleTransfer переводит средства из кошелька на наличный счет
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.cash.TransferFromWallet(r.Context(), req.UserID, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// HandleCashOutRequest создает запрос на выплату наличными
func (h *Handler) HandleCashOutRequest(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.cash.RequestCashOut(r.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

type walletStateRequest struct {
	Reason string `json:"reason"`
}

// HandleWalletState включает или отключает кошелек: activate или deactivate
func (h *Handler) HandleWalletState(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	var req walletStateRequest
	if !h.decode(w, r, &req) {
		return
	}

	switch r.PathValue("action") {
	case "activate":
		err = h.ledger.Activate(r.Context(), id, req.Reason)
	case "deactivate":
		err = h.ledger.Deactivate(r.Context(), id, req.Reason)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
