package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashAsset is the balance entry holding fiat cash.
const CashAsset = "AUD"

// Credentials are opaque to the engine. String and GoString redact them so
// they never reach a log line.
type Credentials struct {
	APIKey        string `json:"api_key,omitempty"`
	APISecret     string `json:"api_secret,omitempty"`
	Passphrase    string `json:"passphrase,omitempty"`
	APIKeyName    string `json:"api_key_name,omitempty"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
}

func (c Credentials) String() string {
	return "credentials(" + mask(c.APIKey) + ")"
}

func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) UsesJWT() bool {
	return c.PrivateKeyPEM != ""
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

type TradingAccount struct {
	ID          string                     `json:"id"`
	ExchangeID  string                     `json:"exchange_id"`
	Name        string                     `json:"name"`
	Credentials Credentials                `json:"credentials"`
	IsActive    bool                       `json:"is_active"`
	IsSandbox   bool                       `json:"is_sandbox"`
	Balances    map[string]decimal.Decimal `json:"balances"`
	TotalValue  decimal.Decimal            `json:"total_value"`
	LastSync    time.Time                  `json:"last_sync"`
	CreatedAt   time.Time                  `json:"created_at"`
}

func (a *TradingAccount) Cash() decimal.Decimal {
	return a.Balances[CashAsset]
}

func (a *TradingAccount) Balance(asset string) decimal.Decimal {
	return a.Balances[asset]
}

// Clone copies the balance map so callers cannot mutate shared state.
func (a *TradingAccount) Clone() TradingAccount {
	c := *a
	c.Balances = make(map[string]decimal.Decimal, len(a.Balances))
	for k, v := range a.Balances {
		c.Balances[k] = v
	}
	return c
}

// Redacted is the view handed to API callers.
func (a *TradingAccount) Redacted() TradingAccount {
	c := a.Clone()
	c.Credentials = Credentials{APIKey: mask(a.Credentials.APIKey)}
	return c
}

type ConnectRequest struct {
	ExchangeID  string      `json:"exchange_id" validate:"required"`
	Name        string      `json:"name" validate:"required,max=64"`
	Credentials Credentials `json:"credentials"`
	Sandbox     bool        `json:"sandbox"`
}

// Fill is the balance delta of one settled order.
type Fill struct {
	AccountID string
	OrderID   string
	Symbol    string
	Side      OrderSide
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Fees      decimal.Decimal
}

// CashDelta is the signed change to cash: buys pay amount*price+fees,
// sells receive amount*price-fees.
func (f Fill) CashDelta() decimal.Decimal {
	notional := f.Amount.Mul(f.Price)
	if f.Side == OrderSideBuy {
		return notional.Add(f.Fees).Neg()
	}
	return notional.Sub(f.Fees)
}

func (f Fill) AssetDelta() decimal.Decimal {
	if f.Side == OrderSideBuy {
		return f.Amount
	}
	return f.Amount.Neg()
}
