package models

import (
	"github.com/shopspring/decimal"
)

const DefaultSymbolKey = "default"

type FeeStructure struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// ExchangeConfig is immutable once the registry is built.
type ExchangeConfig struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	OrderTypes     []OrderType                `json:"order_types"`
	Fees           FeeStructure               `json:"fees"`
	MinOrderSize   map[string]decimal.Decimal `json:"min_order_size"`
	WithdrawalFees map[string]decimal.Decimal `json:"withdrawal_fees"`
	APIBaseURL     string                     `json:"api_base_url,omitempty"`
	QuoteCurrency  string                     `json:"quote_currency"`
}

func (e *ExchangeConfig) Supports(t OrderType) bool {
	for _, ot := range e.OrderTypes {
		if ot == t {
			return true
		}
	}
	return false
}

// MinSize returns the minimum order size for symbol, falling back to the
// exchange-wide default entry, then zero.
func (e *ExchangeConfig) MinSize(symbol string) decimal.Decimal {
	if v, ok := e.MinOrderSize[symbol]; ok {
		return v
	}
	if v, ok := e.MinOrderSize[DefaultSymbolKey]; ok {
		return v
	}
	return decimal.Zero
}

func (e *ExchangeConfig) FeeRate(t OrderType) decimal.Decimal {
	if t.IsMaker() {
		return e.Fees.Maker
	}
	return e.Fees.Taker
}

func (e *ExchangeConfig) WithdrawalFee(asset string) decimal.Decimal {
	if v, ok := e.WithdrawalFees[asset]; ok {
		return v
	}
	return decimal.Zero
}
