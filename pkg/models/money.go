package models

import "github.com/shopspring/decimal"

// MoneyScale количество знаков после запятой (пайсы)
const MoneyScale = 2

var hundred = decimal.NewFromInt(100)

// Percent возвращает amount × rate% округленное до пайсы
func Percent(amount, ratePercent decimal.Decimal) decimal.Decimal {
	return amount.Mul(ratePercent).Div(hundred).Round(MoneyScale)
}

// SplitEven делит amount на n долей вниз до пайсы, остаток отдается первой доле.
// Сумма долей всегда равна amount.
func SplitEven(amount decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	share := amount.Div(decimal.NewFromInt(int64(n))).RoundDown(MoneyScale)
	shares := make([]decimal.Decimal, n)
	for i := range shares {
		shares[i] = share
	}
	remainder := amount.Sub(share.Mul(decimal.NewFromInt(int64(n))))
	shares[0] = shares[0].Add(remainder)
	return shares
}
