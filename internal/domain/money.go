package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of decimal places amounts are settled at.
const MoneyPlaces = 2

// RoundMoney rounds half-up on the magnitude (half away from zero), so a
// reversal rounds to exactly the negation of its original.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// SumMoney adds amounts without rounding.
func SumMoney(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MaxMoney returns the larger of a and b.
func MaxMoney(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}
