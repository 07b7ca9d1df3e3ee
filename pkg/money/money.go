// Package money holds the monetary arithmetic helpers shared by the billing
// domain. All amounts are decimal values rounded to cents; rounding is
// half-up (away from zero), matching how the invoicing totals are stored.
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// Round2 rounds an amount to two decimal places, half-up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ApplyPercent returns pct percent of amount, rounded to cents.
// ApplyPercent(800, 50) == 400.00.
func ApplyPercent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(pct).Div(hundred))
}

// LineTotal computes quantity * unitPrice less discountPercent, rounded to
// cents. A zero discountPercent leaves the gross amount untouched.
func LineTotal(quantity, unitPrice, discountPercent decimal.Decimal) decimal.Decimal {
	gross := quantity.Mul(unitPrice)
	if discountPercent.IsZero() {
		return Round2(gross)
	}
	discount := gross.Mul(discountPercent).Div(hundred)
	return Round2(gross.Sub(discount))
}

// Sum adds a series of amounts without intermediate rounding.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// ValidPercent reports whether pct is a usable payment percentage, i.e. in
// the inclusive range 1..100.
func ValidPercent(pct decimal.Decimal) bool {
	one := decimal.NewFromInt(1)
	return pct.GreaterThanOrEqual(one) && pct.LessThanOrEqual(hundred)
}
