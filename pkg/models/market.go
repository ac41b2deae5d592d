package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PriceSource string

const (
	PriceSourceLive      PriceSource = "live"
	PriceSourceSynthetic PriceSource = "synthetic"
	PriceSourceDefault   PriceSource = "default"
	PriceSourceManual    PriceSource = "manual"
)

// PriceSample is only valid for the feed's staleness window.
type PriceSample struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Source    PriceSource     `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

func (p PriceSample) Fresh(now time.Time, staleness time.Duration) bool {
	return !p.Timestamp.IsZero() && now.Sub(p.Timestamp) < staleness
}

// MarketQuote is what a market data provider returns per symbol.
type MarketQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}

// VenueQuote is a symbol's price as seen on a single exchange.
type VenueQuote struct {
	ExchangeID string          `json:"exchange_id"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Position is derived from balances and the price cache; never stored.
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
