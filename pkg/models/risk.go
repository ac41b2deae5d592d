package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskPolicy ratios are fractions, e.g. MaxPositionSize 0.1 is 10% of total value.
type RiskPolicy struct {
	MaxPositionSize  decimal.Decimal `json:"max_position_size"`
	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
	CorrelationLimit decimal.Decimal `json:"correlation_limit"`
	LeverageLimit    decimal.Decimal `json:"leverage_limit"`
	StopLoss         decimal.Decimal `json:"stop_loss"`
	TakeProfit       decimal.Decimal `json:"take_profit"`
}

type RiskMetrics struct {
	AccountID      string          `json:"account_id"`
	TotalValue     decimal.Decimal `json:"total_value"`
	PeakValue      decimal.Decimal `json:"peak_value"`
	Drawdown       decimal.Decimal `json:"drawdown"`
	ValueAtRisk    decimal.Decimal `json:"value_at_risk"`
	MaxCorrelation decimal.Decimal `json:"max_correlation"`
	Exposure       decimal.Decimal `json:"exposure"`
	DailyPnl       decimal.Decimal `json:"daily_pnl"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type AlertKind string

const (
	AlertDrawdown    AlertKind = "drawdown"
	AlertCorrelation AlertKind = "correlation"
	AlertStopLoss    AlertKind = "stop_loss"
	AlertTakeProfit  AlertKind = "take_profit"
	AlertDailyLoss   AlertKind = "daily_loss"
	AlertLegFailure  AlertKind = "arbitrage_leg_failure"
)

type RiskAlert struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Kind      AlertKind       `json:"kind"`
	Symbol    string          `json:"symbol,omitempty"`
	Value     decimal.Decimal `json:"value"`
	Limit     decimal.Decimal `json:"limit"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
}
