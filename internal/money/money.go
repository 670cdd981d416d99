// Package money keeps all monetary arithmetic in integer cents. Yuan values
// only exist at the boundary: parsed on the way in, formatted on the way out.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	MinAmountCents int64 = 0
	MaxAmountCents int64 = 999_999_999
)

// ToCents converts a yuan amount (numeric string, empty means zero) to
// integer cents, rounding half-up at the two-decimal boundary. Negative
// amounts round half away from zero, which keeps the conversion symmetric.
func ToCents(yuan string) (int64, error) {
	if yuan == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(yuan)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", yuan, err)
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
}

// ToCentsFromFloat is the float entry point for callers that already hold a
// numeric value. The float is converted through decimal so .005 boundaries
// round half-up rather than wherever binary drift lands them.
func ToCentsFromFloat(yuan float64) int64 {
	return decimal.NewFromFloat(yuan).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ToYuan renders cents as a yuan string with the requested precision
// (digits after the decimal point, normally 2).
func ToYuan(cents int64, precision int32) string {
	return decimal.New(cents, -2).StringFixed(precision)
}

// Sum totals cents values, ignoring nil entries.
func Sum(values []*int64) int64 {
	var total int64
	for _, v := range values {
		if v == nil {
			continue
		}
		total += *v
	}
	return total
}

// Allocate splits totalCents across weights proportionally so the result sums
// exactly to totalCents. Each share is floored; the remainder left by flooring
// goes to the last non-zero-weight entry. All-zero weights produce all zeros.
func Allocate(totalCents int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if len(weights) == 0 {
		return shares
	}

	var weightSum int64
	lastNonZero := -1
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		weightSum += w
		if w > 0 {
			lastNonZero = i
		}
	}
	if weightSum == 0 || lastNonZero < 0 {
		return shares
	}

	var distributed int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		share := totalCents * w / weightSum
		shares[i] = share
		distributed += share
	}
	shares[lastNonZero] += totalCents - distributed
	return shares
}

// Validate reports whether cents lies within [min, max]. It only reports
// validity; rejecting out-of-range amounts is the caller's business rule.
func Validate(cents int64, min int64, max int64) bool {
	return cents >= min && cents <= max
}
