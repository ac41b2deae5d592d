package marketdata

import (
	"context"

	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
)

// DefaultBasePrice is returned for symbols the feed has never seen, so order
// validation downstream never has to handle a missing price.
var DefaultBasePrice = decimal.NewFromInt(100)

// DefaultBasePrices seeds the synthetic walk, in AUD.
func DefaultBasePrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTC":  decimal.NewFromInt(100000),
		"ETH":  decimal.NewFromInt(5000),
		"SOL":  decimal.NewFromInt(250),
		"XRP":  decimal.RequireFromString("3.5"),
		"ADA":  decimal.RequireFromString("1.2"),
		"DOT":  decimal.NewFromInt(12),
		"LINK": decimal.NewFromInt(30),
		"DOGE": decimal.RequireFromString("0.4"),
	}
}

// DataSource returns quotes for the requested symbols. Implementations may
// return fewer symbols than requested.
type DataSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]models.MarketQuote, error)
}
