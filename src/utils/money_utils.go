package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CurrencyExponent returns the number of minor-unit digits for an ISO 4217 code.
func CurrencyExponent(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "ISK", "HUF", "CLP", "VND":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND":
		return 3
	default:
		return 2
	}
}

// MinorUnit is the smallest representable amount in currency, e.g. 0.01 for GBP.
func MinorUnit(currency string) decimal.Decimal {
	return decimal.New(1, -CurrencyExponent(currency))
}

// FromMinorUnits converts an integer amount in minor units (pence) to major units.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}

// RoundMinor rounds to the currency's minor unit, half away from zero.
func RoundMinor(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(CurrencyExponent(currency))
}

// ShareOf returns percentage% of amount rounded to the minor unit.
func ShareOf(amount, percentage decimal.Decimal, currency string) decimal.Decimal {
	return RoundMinor(amount.Mul(percentage).Div(hundred), currency)
}

// Allocate splits amount by percentages so the parts are each within one minor unit of their
// exact share and sum to amount exactly. Rounding residue goes to the parts with the largest
// truncated remainders, earliest first on ties.
func Allocate(amount decimal.Decimal, percentages []decimal.Decimal, currency string) []decimal.Decimal {
	exp := CurrencyExponent(currency)
	unit := decimal.New(1, -exp)
	parts := make([]decimal.Decimal, len(percentages))
	remainders := make([]decimal.Decimal, len(percentages))
	allocated := decimal.Zero
	for i, pct := range percentages {
		exact := amount.Mul(pct).Div(hundred)
		parts[i] = exact.Truncate(exp)
		remainders[i] = exact.Sub(parts[i]).Abs()
		allocated = allocated.Add(parts[i])
	}
	residue := amount.Sub(allocated)
	if residue.IsZero() || len(parts) == 0 {
		return parts
	}
	step := unit
	if residue.IsNegative() {
		step = unit.Neg()
	}
	used := make([]bool, len(parts))
	for !residue.IsZero() {
		best := -1
		for i := range remainders {
			if used[i] {
				continue
			}
			if best == -1 || remainders[i].GreaterThan(remainders[best]) {
				best = i
			}
		}
		if best == -1 {
			// residue larger than one unit per part: percentages did not sum to 100
			parts[len(parts)-1] = parts[len(parts)-1].Add(residue)
			break
		}
		used[best] = true
		parts[best] = parts[best].Add(step)
		residue = residue.Sub(step)
	}
	return parts
}
