package ledger

import (
	"context"
	"fmt"

	"cafe-settlement/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Report результат сверки кошелька с журналом
type Report struct {
	UserID         int64
	Balance        decimal.Decimal
	JournalBalance decimal.Decimal
	Entries        int
	Problems       []string
}

// OK сообщает, что кошелек сходится с журналом
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Reconcile сверяет баланс и накопители кошелька с журналом проводок:
// balance = total_deposited - total_spent + сумма прочих движений,
// и каждая проводка начинается с баланса, которым закончилась предыдущая.
func (s *Service) Reconcile(ctx context.Context, userID int64) (*Report, error) {
	wallet, err := s.store.Wallets().GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения кошелька: %w", err)
	}
	entries, err := s.store.WalletTransactions().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала: %w", err)
	}

	report := &Report{UserID: userID, Balance: wallet.Balance, JournalBalance: decimal.Zero, Entries: len(entries)}
	deposited, spent, others := decimal.Zero, decimal.Zero, decimal.Zero
	running := decimal.Zero

	for _, e := range entries {
		if e.Status != models.WalletTxStatusCompleted {
			continue
		}
		if !e.BalanceBefore.Equal(running) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("проводка %d: баланс до %s, ожидался %s", e.ID, e.BalanceBefore.StringFixed(2), running.StringFixed(2)))
		}
		signed := e.Amount
		if e.Type.IsDebit() {
			signed = e.Amount.Neg()
		}
		if !e.BalanceBefore.Add(signed).Equal(e.BalanceAfter) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("проводка %d: баланс после %s не равен %s + (%s)", e.ID, e.BalanceAfter.StringFixed(2), e.BalanceBefore.StringFixed(2), signed.StringFixed(2)))
		}
		running = e.BalanceAfter

		switch e.Type {
		case models.WalletTxDeposit:
			deposited = deposited.Add(e.Amount)
		case models.WalletTxPayment:
			spent = spent.Add(e.Amount)
		default:
			others = others.Add(signed)
		}
		report.JournalBalance = report.JournalBalance.Add(signed)
	}

	if !deposited.Equal(wallet.TotalDeposited) {
		report.Problems = append(report.Problems,
			fmt.Sprintf("total_deposited %s, по журналу %s", wallet.TotalDeposited.StringFixed(2), deposited.StringFixed(2)))
	}
	if !spent.Equal(wallet.TotalSpent) {
		report.Problems = append(report.Problems,
			fmt.Sprintf("total_spent %s, по журналу %s", wallet.TotalSpent.StringFixed(2), spent.StringFixed(2)))
	}
	if expected := wallet.TotalDeposited.Sub(wallet.TotalSpent).Add(others); !expected.Equal(wallet.Balance) {
		report.Problems = append(report.Problems,
			fmt.Sprintf("баланс %s, по накопителям %s", wallet.Balance.StringFixed(2), expected.StringFixed(2)))
	}
	if !running.Equal(wallet.Balance) {
		report.Problems = append(report.Problems,
			fmt.Sprintf("баланс %s, последняя проводка %s", wallet.Balance.StringFixed(2), running.StringFixed(2)))
	}

	if !report.OK() {
		s.logger.Error("кошелек не сходится с журналом",
			zap.Int64("user_id", userID),
			zap.Strings("problems", report.Problems))
	}
	return report, nil
}
