// Package money provides currency-aware decimal parsing and formatting.
// Amounts are stored as big.Int in the currency's smallest unit so that
// budget and analytics arithmetic never rounds in a way that lets a single
// transaction straddle a window boundary.
package money

import (
	"math/big"
	"strings"
)

// DecimalsFor returns the number of fractional decimal places for a
// currency code. Unknown currencies default to 6, matching USDC.
func DecimalsFor(currency string) int {
	switch strings.ToUpper(currency) {
	case "USDC", "USDT":
		return 6
	case "ETH", "WETH":
		return 18
	default:
		return 6
	}
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation for the given number of decimals. Returns
// (nil, false) on invalid input.
//
// Rules mirror the original USDC parser: empty string is zero, negative
// amounts are rejected, multiple decimal points are rejected, fractional
// parts are padded/truncated to the target precision.
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	if combined == "" {
		combined = "0"
	}
	return new(big.Int).SetString(combined, 10)
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly `decimals` fractional places.
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		return zeroString(decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

func zeroString(decimals int) string {
	if decimals <= 0 {
		return "0"
	}
	return "0." + strings.Repeat("0", decimals)
}

// IsPositive reports whether the decimal amount string parses to a
// strictly positive value at the given precision.
func IsPositive(s string, decimals int) bool {
	v, ok := Parse(s, decimals)
	return ok && v.Sign() > 0
}

// Compare parses both amounts at the given precision and returns -1, 0, 1
// as with big.Int.Cmp. Invalid inputs compare as if zero.
func Compare(a, b string, decimals int) int {
	av, ok := Parse(a, decimals)
	if !ok {
		av = big.NewInt(0)
	}
	bv, ok := Parse(b, decimals)
	if !ok {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Add returns the decimal-string sum of a and b at the given precision.
func Add(a, b string, decimals int) string {
	av, ok := Parse(a, decimals)
	if !ok {
		av = big.NewInt(0)
	}
	bv, ok := Parse(b, decimals)
	if !ok {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv), decimals)
}

// Float64 converts a decimal amount string to a float64 for statistical
// computation in the Alert Evaluator (mean/stddev). This is the one place
// the core accepts floating point, matching the source's analytics use of
// doubles for aggregation rather than budget comparison.
func Float64(s string, decimals int) float64 {
	v, ok := Parse(s, decimals)
	if !ok {
		return 0
	}
	f := new(big.Float).SetInt(v)
	scale := new(big.Float).SetFloat64(1)
	for i := 0; i < decimals; i++ {
		scale.Mul(scale, big.NewFloat(10))
	}
	f.Quo(f, scale)
	out, _ := f.Float64()
	return out
}
