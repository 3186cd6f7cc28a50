package models

import "errors"

// Ошибки движка расчетов
var (
	ErrInsufficientFunds      = errors.New("недостаточно средств")
	ErrWalletInactive         = errors.New("кошелек неактивен")
	ErrConcurrentModification = errors.New("баланс изменен параллельно")
	ErrCycleDetected          = errors.New("обнаружен цикл в реферальном графе")
	ErrDuplicateSettlement    = errors.New("расчет уже проведен")
	ErrOtpExpired             = errors.New("срок действия кода истек")
	ErrMissingAncestorWallet  = errors.New("у предка нет кошелька")

	ErrNotFound          = errors.New("запись не найдена")
	ErrOtpInvalid        = errors.New("неверный код подтверждения")
	ErrOtpRequired       = errors.New("заказ требует подтверждения кодом")
	ErrInvalidTransition = errors.New("недопустимый переход состояния")
	ErrInvalidAmount     = errors.New("сумма должна быть положительной")
	ErrCashOutNotPending = errors.New("выплата не ожидает подтверждения")
	ErrOtpUndeliverable  = errors.New("у покупателя нет адреса для доставки кода")
)

// IsDuplicate сообщает, что ошибка означает безопасный повтор
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateSettlement)
}
