package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	ExchangeID    string           `json:"exchange_id"`
	ParentOrderID string           `json:"parent_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Amount        decimal.Decimal  `json:"amount"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	FilledAmount  decimal.Decimal  `json:"filled_amount"`
	AveragePrice  decimal.Decimal  `json:"average_price"`
	Fees          decimal.Decimal  `json:"fees"`
	Status        OrderStatus      `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	FilledAt      *time.Time       `json:"filled_at,omitempty"`
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// IsMaker reports whether the order type pays the maker rate.
func (t OrderType) IsMaker() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

func (t OrderType) NeedsPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

func (t OrderType) NeedsStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition encodes pending -> open -> {filled, cancelled, rejected}.
// pending may also go straight to cancelled or rejected.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() || s == next {
		return false
	}
	switch s {
	case OrderStatusPending:
		return true
	case OrderStatusOpen:
		return next != OrderStatusPending
	default:
		return false
	}
}

type OrderRequest struct {
	AccountID     string           `json:"account_id" validate:"required"`
	Symbol        string           `json:"symbol" validate:"required,max=20"`
	Side          OrderSide        `json:"side" validate:"required,oneof=buy sell"`
	Type          OrderType        `json:"type" validate:"required,oneof=market limit stop stop_limit"`
	Amount        decimal.Decimal  `json:"amount"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ParentOrderID string           `json:"-"`
}

// ReferencePrice is the price a request is valued at before execution.
// Market orders fall back to the supplied market price.
func (r *OrderRequest) ReferencePrice(market decimal.Decimal) decimal.Decimal {
	if r.Price != nil && r.Type.NeedsPrice() {
		return *r.Price
	}
	if r.StopPrice != nil && r.Type == OrderTypeStop {
		return *r.StopPrice
	}
	return market
}

// Clone returns a deep copy safe to hand out of a lock.
func (o *Order) Clone() Order {
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		c.StopPrice = &p
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	return c
}

// OrderFilter narrows order listings; zero fields match everything.
type OrderFilter struct {
	AccountID     string
	Symbol        string
	Status        OrderStatus
	ParentOrderID string
}

func (f OrderFilter) Match(o *Order) bool {
	if f.AccountID != "" && o.AccountID != f.AccountID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.ParentOrderID != "" && o.ParentOrderID != f.ParentOrderID {
		return false
	}
	return true
}

func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
