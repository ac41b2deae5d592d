package risk

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// simpleReturns converts a price or value series into period returns.
func simpleReturns(series []decimal.Decimal) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev := series[i-1].InexactFloat64()
		if prev == 0 {
			continue
		}
		out = append(out, series[i].InexactFloat64()/prev-1)
	}
	return out
}

// historicalVaR is the loss at the given confidence implied by the empirical
// return distribution, scaled to value. It is never negative.
func historicalVaR(returns []float64, confidence float64, value decimal.Decimal) decimal.Decimal {
	if len(returns) == 0 || confidence <= 0 || confidence >= 1 {
		return decimal.Zero
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	worst := sorted[idx]
	if worst >= 0 {
		return decimal.Zero
	}
	return value.Mul(decimal.NewFromFloat(-worst)).Round(2)
}

// pearson returns the correlation of the overlapping tail of a and b, and
// false when there is too little data or no variance.
func pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 3 {
		return 0, false
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}

// maxCorrelation is the largest pairwise correlation across series.
func maxCorrelation(series map[string][]float64) (float64, string, string) {
	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestA, bestB := 0.0, "", ""
	found := false
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			c, ok := pearson(series[keys[i]], series[keys[j]])
			if !ok {
				continue
			}
			if !found || c > best {
				best, bestA, bestB, found = c, keys[i], keys[j], true
			}
		}
	}
	return best, bestA, bestB
}
