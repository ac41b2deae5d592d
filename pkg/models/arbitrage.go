package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ArbitrageOpportunity struct {
	Symbol           string          `json:"symbol"`
	BuyExchange      string          `json:"buy_exchange"`
	SellExchange     string          `json:"sell_exchange"`
	BuyPrice         decimal.Decimal `json:"buy_price"`
	SellPrice        decimal.Decimal `json:"sell_price"`
	Spread           decimal.Decimal `json:"spread"`
	SpreadPercentage decimal.Decimal `json:"spread_percentage"`
	Volume           decimal.Decimal `json:"volume"`
	EstimatedProfit  decimal.Decimal `json:"estimated_profit"`
	Timestamp        time.Time       `json:"timestamp"`
}

type ArbitrageStrategy struct {
	IsActive    bool            `json:"is_active"`
	TradeAmount decimal.Decimal `json:"trade_amount"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ArbitrageExecution records an auto-executed pair of legs. The legs are
// independent; one may fail while the other settles.
type ArbitrageExecution struct {
	Opportunity ArbitrageOpportunity `json:"opportunity"`
	BuyOrderID  string               `json:"buy_order_id,omitempty"`
	SellOrderID string               `json:"sell_order_id,omitempty"`
	BuyError    string               `json:"buy_error,omitempty"`
	SellError   string               `json:"sell_error,omitempty"`
	ExecutedAt  time.Time            `json:"executed_at"`
}
