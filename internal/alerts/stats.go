package alerts

import (
	"math"
	"math/big"

	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/transaction"
)

func sumAmounts(txs []*transaction.Transaction, decimals int) *big.Int {
	sum := big.NewInt(0)
	for _, tx := range txs {
		amt, ok := money.Parse(tx.Amount, decimals)
		if ok {
			sum.Add(sum, amt)
		}
	}
	return sum
}

// scaleByPercent returns threshold * percent / 100 as a big.Int, rounding
// down. percent <= 0 is treated as 100.
func scaleByPercent(threshold *big.Int, percent float64) *big.Int {
	if percent <= 0 {
		percent = 100
	}
	f := new(big.Float).SetInt(threshold)
	f.Mul(f, big.NewFloat(percent))
	f.Quo(f, big.NewFloat(100))
	out, _ := f.Int(nil)
	return out
}

// populationStats returns the population mean and standard deviation
// (divide by N, not N-1) of the completed transactions' amounts.
func populationStats(txs []*transaction.Transaction, decimals int) (mean, stddev float64) {
	n := len(txs)
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, tx := range txs {
		sum += money.Float64(tx.Amount, decimals)
	}
	mean = sum / float64(n)

	variance := 0.0
	for _, tx := range txs {
		d := money.Float64(tx.Amount, decimals) - mean
		variance += d * d
	}
	variance /= float64(n)
	stddev = math.Sqrt(variance)
	return mean, stddev
}
