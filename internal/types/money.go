// README: Money helpers shared across modules. Amounts are decimal, rounded to cents.
package types

import "github.com/shopspring/decimal"

const DefaultCurrency = "USD"

// Money is a decimal amount in DefaultCurrency.
type Money = decimal.Decimal

// RoundMoney rounds half away from zero to two decimals.
func RoundMoney(m Money) Money {
	return m.Round(2)
}
