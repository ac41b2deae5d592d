// Package exchangeapi talks to a venue's private REST API. The engine only
// reads balances through it; order placement stays simulated.
package exchangeapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
)

const balancesPath = "/v1/balances"

type Client struct {
	http *resty.Client
	auth Authenticator
	host string
}

type balanceEntry struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
}

func NewClient(baseURL string, auth Authenticator, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid exchange base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		auth: auth,
		host: u.Host,
	}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	c.http.OnBeforeRequest(c.sign)
	return c, nil
}

func (c *Client) sign(_ *resty.Client, req *resty.Request) error {
	if c.auth == nil {
		return nil
	}
	body := ""
	if s, ok := req.Body.(string); ok {
		body = s
	}
	path := req.URL
	if u, err := url.Parse(req.URL); err == nil && u.Path != "" {
		path = u.Path
	}
	headers, err := c.auth.Headers(req.Method, c.host, path, body)
	if err != nil {
		return err
	}
	req.SetHeaders(headers)
	return nil
}

// Balances returns the available quantity per asset.
func (c *Client) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var entries []balanceEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&entries).
		Get(balancesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchange returned status %d", resp.StatusCode())
	}

	out := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		if e.Asset == "" {
			continue
		}
		out[strings.ToUpper(e.Asset)] = e.Available
	}
	return out, nil
}

// Fetcher builds a signed client per account from the exchange's API base URL.
type Fetcher struct {
	Timeout time.Duration
}

func (f *Fetcher) FetchBalances(ctx context.Context, account models.TradingAccount, exchange models.ExchangeConfig) (map[string]decimal.Decimal, error) {
	if exchange.APIBaseURL == "" {
		return nil, fmt.Errorf("exchange %s has no live api endpoint", exchange.ID)
	}
	auth, err := NewAuthenticator(account.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to build authenticator: %w", err)
	}
	client, err := NewClient(exchange.APIBaseURL, auth, f.Timeout)
	if err != nil {
		return nil, err
	}
	return client.Balances(ctx)
}
