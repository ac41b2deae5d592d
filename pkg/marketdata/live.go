package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// HTTPProvider fetches {price, 24h change, 24h volume} per symbol from a REST
// market data endpoint: GET {base}/v1/prices?symbols=BTC,ETH.
type HTTPProvider struct {
	client  *resty.Client
	limiter *rate.Limiter
}

type quotePayload struct {
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	return &HTTPProvider{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
}

func (p *HTTPProvider) Quotes(ctx context.Context, symbols []string) (map[string]models.MarketQuote, error) {
	if len(symbols) == 0 {
		return map[string]models.MarketQuote{}, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var body map[string]quotePayload
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&body).
		Get("/v1/prices")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("market data provider returned status %d", resp.StatusCode())
	}

	out := make(map[string]models.MarketQuote, len(body))
	for symbol, q := range body {
		if !q.Price.IsPositive() {
			continue
		}
		out[symbol] = models.MarketQuote{
			Symbol:    symbol,
			Price:     q.Price,
			Change24h: q.Change24h,
			Volume24h: q.Volume24h,
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("market data provider returned no usable prices")
	}
	return out, nil
}
