package marketdata

import (
	"context"
	"math/rand/v2"

	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
)

// Synthetic walks each price by a bounded perturbation of its previous value:
// price' = price * (1 + U(-volatility, volatility)). It never fails.
type Synthetic struct {
	volatility float64
	basePrices map[string]decimal.Decimal
	last       func(symbol string) (decimal.Decimal, bool)
}

func NewSynthetic(volatility float64, basePrices map[string]decimal.Decimal, last func(string) (decimal.Decimal, bool)) *Synthetic {
	if basePrices == nil {
		basePrices = DefaultBasePrices()
	}
	return &Synthetic{volatility: volatility, basePrices: basePrices, last: last}
}

func (s *Synthetic) Quotes(_ context.Context, symbols []string) (map[string]models.MarketQuote, error) {
	out := make(map[string]models.MarketQuote, len(symbols))
	for _, symbol := range symbols {
		out[symbol] = s.next(symbol)
	}
	return out, nil
}

func (s *Synthetic) BasePrice(symbol string) decimal.Decimal {
	if p, ok := s.basePrices[symbol]; ok {
		return p
	}
	return DefaultBasePrice
}

func (s *Synthetic) next(symbol string) models.MarketQuote {
	prev, ok := decimal.Zero, false
	if s.last != nil {
		prev, ok = s.last(symbol)
	}
	if !ok || !prev.IsPositive() {
		prev = s.BasePrice(symbol)
	}

	price := prev.Mul(decimal.NewFromFloat(1 + s.uniform()))
	base := s.BasePrice(symbol)
	change := decimal.Zero
	if base.IsPositive() {
		change = price.Sub(base).Div(base).Round(6)
	}
	// Volume is a rough notional scale: larger for cheaper assets.
	volume := decimal.NewFromFloat(1000 + rand.Float64()*9000).Div(decimal.Max(price, decimal.NewFromInt(1))).Mul(decimal.NewFromInt(1000)).Round(8)

	return models.MarketQuote{
		Symbol:    symbol,
		Price:     price.Round(8),
		Change24h: change,
		Volume24h: volume,
	}
}

func (s *Synthetic) uniform() float64 {
	if s.volatility <= 0 {
		return 0
	}
	return (rand.Float64()*2 - 1) * s.volatility
}
