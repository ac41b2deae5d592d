package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Algorithm string

const (
	AlgorithmTWAP    Algorithm = "TWAP"
	AlgorithmVWAP    Algorithm = "VWAP"
	AlgorithmIceberg Algorithm = "ICEBERG"
	AlgorithmSniper  Algorithm = "SNIPER"
)

// AlgorithmicOrder is a parent order executed as a schedule of child orders.
// FilledAmount always equals the sum of the children's filled amounts.
type AlgorithmicOrder struct {
	Order
	Algorithm         Algorithm       `json:"algorithm"`
	ChildOrderIDs     []string        `json:"child_order_ids"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"`
	MaxDeviation      decimal.Decimal `json:"max_deviation"`
	ArrivalPrice      decimal.Decimal `json:"arrival_price"`
	Params            AlgoParams      `json:"params"`
}

// AlgoParams carries per-algorithm knobs. Zero values fall back to engine defaults.
type AlgoParams struct {
	Slices          int               `json:"slices,omitempty"`
	Interval        time.Duration     `json:"interval,omitempty"`
	VolumeProfile   []decimal.Decimal `json:"volume_profile,omitempty"`
	VisibleFraction decimal.Decimal   `json:"visible_fraction,omitempty"`
	TargetPrice     decimal.Decimal   `json:"target_price,omitempty"`
	PollInterval    time.Duration     `json:"poll_interval,omitempty"`
	MaxWait         time.Duration     `json:"max_wait,omitempty"`
}

type AlgoOrderRequest struct {
	AccountID         string          `json:"account_id" validate:"required"`
	Symbol            string          `json:"symbol" validate:"required,max=20"`
	Side              OrderSide       `json:"side" validate:"required,oneof=buy sell"`
	Algorithm         Algorithm       `json:"algorithm" validate:"required,oneof=TWAP VWAP ICEBERG SNIPER"`
	Amount            decimal.Decimal `json:"amount"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"`
	MaxDeviation      decimal.Decimal `json:"max_deviation"`
	Params            AlgoParams      `json:"params"`
}

func (a *AlgorithmicOrder) Clone() AlgorithmicOrder {
	c := *a
	c.Order = a.Order.Clone()
	c.ChildOrderIDs = append([]string(nil), a.ChildOrderIDs...)
	c.Params.VolumeProfile = append([]decimal.Decimal(nil), a.Params.VolumeProfile...)
	return c
}
