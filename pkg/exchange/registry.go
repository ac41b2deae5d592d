package exchange

import (
	"fmt"
	"sort"

	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
)

// Registry is a read-only catalog of exchange capabilities. It is safe for
// concurrent use because nothing mutates it after NewRegistry returns.
type Registry struct {
	exchanges map[string]*models.ExchangeConfig
	ordered   []*models.ExchangeConfig
}

func NewRegistry(configs []models.ExchangeConfig) (*Registry, error) {
	r := &Registry{exchanges: make(map[string]*models.ExchangeConfig, len(configs))}
	for i := range configs {
		cfg := configs[i]
		if cfg.ID == "" {
			return nil, fmt.Errorf("exchange at index %d has no id", i)
		}
		if _, exists := r.exchanges[cfg.ID]; exists {
			return nil, fmt.Errorf("exchange %s defined twice", cfg.ID)
		}
		if len(cfg.OrderTypes) == 0 {
			return nil, fmt.Errorf("exchange %s supports no order types", cfg.ID)
		}
		if cfg.QuoteCurrency == "" {
			cfg.QuoteCurrency = models.CashAsset
		}
		r.exchanges[cfg.ID] = &cfg
		r.ordered = append(r.ordered, &cfg)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].ID < r.ordered[j].ID
	})
	return r, nil
}

func (r *Registry) Get(exchangeID string) (*models.ExchangeConfig, error) {
	cfg, ok := r.exchanges[exchangeID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", exchangeID, models.ErrExchangeNotFound)
	}
	return cfg, nil
}

// List returns every exchange sorted by ID.
func (r *Registry) List() []*models.ExchangeConfig {
	out := make([]*models.ExchangeConfig, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.ordered))
	for _, cfg := range r.ordered {
		ids = append(ids, cfg.ID)
	}
	return ids
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var allTypes = []models.OrderType{
	models.OrderTypeMarket,
	models.OrderTypeLimit,
	models.OrderTypeStop,
	models.OrderTypeStopLimit,
}

// DefaultExchanges is the built-in catalog used when config provides none.
func DefaultExchanges() []models.ExchangeConfig {
	return []models.ExchangeConfig{
		{
			ID:         "coinspot",
			Name:       "CoinSpot",
			OrderTypes: []models.OrderType{models.OrderTypeMarket, models.OrderTypeLimit},
			Fees:       models.FeeStructure{Maker: d("0.001"), Taker: d("0.001")},
			MinOrderSize: map[string]decimal.Decimal{
				"BTC": d("0.0001"), "ETH": d("0.001"), models.DefaultSymbolKey: d("0.01"),
			},
			WithdrawalFees: map[string]decimal.Decimal{"BTC": d("0.0005"), "ETH": d("0.005")},
		},
		{
			ID:         "independent_reserve",
			Name:       "Independent Reserve",
			OrderTypes: allTypes,
			Fees:       models.FeeStructure{Maker: d("0.005"), Taker: d("0.005")},
			MinOrderSize: map[string]decimal.Decimal{
				"BTC": d("0.0001"), "ETH": d("0.001"), models.DefaultSymbolKey: d("0.01"),
			},
			WithdrawalFees: map[string]decimal.Decimal{"BTC": d("0.0001"), "ETH": d("0.003")},
		},
		{
			ID:         "btc_markets",
			Name:       "BTC Markets",
			OrderTypes: allTypes,
			Fees:       models.FeeStructure{Maker: d("0.0005"), Taker: d("0.002")},
			MinOrderSize: map[string]decimal.Decimal{
				"BTC": d("0.0001"), "ETH": d("0.001"), models.DefaultSymbolKey: d("0.01"),
			},
			WithdrawalFees: map[string]decimal.Decimal{"BTC": d("0.0003"), "ETH": d("0.004")},
		},
		{
			ID:         "kraken",
			Name:       "Kraken",
			OrderTypes: allTypes,
			Fees:       models.FeeStructure{Maker: d("0.0016"), Taker: d("0.0026")},
			MinOrderSize: map[string]decimal.Decimal{
				"BTC": d("0.0001"), "ETH": d("0.002"), models.DefaultSymbolKey: d("0.1"),
			},
			WithdrawalFees: map[string]decimal.Decimal{"BTC": d("0.00015"), "ETH": d("0.0035")},
		},
		{
			ID:         "binance_au",
			Name:       "Binance Australia",
			OrderTypes: []models.OrderType{models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStopLimit},
			Fees:       models.FeeStructure{Maker: d("0.001"), Taker: d("0.001")},
			MinOrderSize: map[string]decimal.Decimal{
				"BTC": d("0.00001"), "ETH": d("0.0001"), models.DefaultSymbolKey: d("0.001"),
			},
			WithdrawalFees: map[string]decimal.Decimal{"BTC": d("0.0002"), "ETH": d("0.0016")},
		},
	}
}
