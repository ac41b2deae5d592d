package account

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPrices map[string]decimal.Decimal

func (p fixedPrices) Price(_ context.Context, symbol string) decimal.Decimal {
	return p[symbol]
}

type fakeFetcher struct {
	calls    atomic.Int32
	err      error
	balances map[string]decimal.Decimal
}

func (f *fakeFetcher) FetchBalances(context.Context, models.TradingAccount, models.ExchangeConfig) (map[string]decimal.Decimal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

type recordingSaver struct {
	mu    sync.Mutex
	saves int
	last  []models.TradingAccount
}

func (s *recordingSaver) SaveAccounts(_ context.Context, accounts []models.TradingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = accounts
	return nil
}

func validCredentials() models.Credentials {
	return models.Credentials{APIKey: "key-12345678", APISecret: "secret-12345678"}
}

func createTestManager(t *testing.T, fetcher BalanceFetcher, saver Saver, cfg Config) *Manager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	registry, err := exchange.NewRegistry(exchange.DefaultExchanges())
	require.NoError(t, err)
	if cfg.InitialCash.IsZero() {
		cfg.InitialCash = decimal.NewFromInt(10000)
	}
	prices := fixedPrices{"BTC": decimal.NewFromInt(100000), "ETH": decimal.NewFromInt(5000)}
	return NewManager(cfg, registry, prices, fetcher, saver, nil, logger)
}

func Test_Connect(t *testing.T) {
	tests := []struct {
		name      string
		req       models.ConnectRequest
		wantField string
		wantErr   error
	}{
		{
			name: "sandbox account",
			req:  models.ConnectRequest{ExchangeID: "kraken", Name: "main", Credentials: validCredentials(), Sandbox: true},
		},
		{
			name:      "missing name",
			req:       models.ConnectRequest{ExchangeID: "kraken", Credentials: validCredentials()},
			wantField: "name",
		},
		{
			name:      "short api key",
			req:       models.ConnectRequest{ExchangeID: "kraken", Name: "main", Credentials: models.Credentials{APIKey: "abc", APISecret: "secret-12345678"}},
			wantField: "credentials.api_key",
		},
		{
			name:      "empty secret",
			req:       models.ConnectRequest{ExchangeID: "kraken", Name: "main", Credentials: models.Credentials{APIKey: "key-12345678"}},
			wantField: "credentials.api_secret",
		},
		{
			name:      "bad private key",
			req:       models.ConnectRequest{ExchangeID: "kraken", Name: "main", Credentials: models.Credentials{APIKeyName: "k", PrivateKeyPEM: "junk"}},
			wantField: "credentials.private_key_pem",
		},
		{
			name:    "unknown exchange",
			req:     models.ConnectRequest{ExchangeID: "mtgox", Name: "main", Credentials: validCredentials()},
			wantErr: models.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := createTestManager(t, nil, nil, Config{})
			acct, err := m.Connect(context.Background(), tt.req)

			switch {
			case tt.wantField != "":
				var verr *models.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.wantField, verr.Field)
				assert.Empty(t, m.List())
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, m.List())
			default:
				require.NoError(t, err)
				assert.NotEmpty(t, acct.ID)
				assert.True(t, acct.IsActive)
				assert.True(t, decimal.NewFromInt(10000).Equal(acct.Cash()))
				assert.True(t, decimal.NewFromInt(10000).Equal(acct.TotalValue))
				assert.NotEqual(t, tt.req.Credentials.APISecret, acct.Credentials.APISecret)
				assert.False(t, acct.LastSync.IsZero())
			}
		})
	}
}

func Test_SyncPrefersLiveBalances(t *testing.T) {
	fetcher := &fakeFetcher{balances: map[string]decimal.Decimal{
		models.CashAsset: decimal.NewFromInt(1000),
		"BTC":            decimal.RequireFromString("0.5"),
	}}
	m := createTestManager(t, fetcher, nil, Config{LiveSync: true})

	acct, err := m.Connect(context.Background(), models.ConnectRequest{ExchangeID: "kraken", Name: "live", Credentials: validCredentials()})
	require.NoError(t, err)

	assert.EqualValues(t, 1, fetcher.calls.Load())
	assert.True(t, decimal.NewFromInt(51000).Equal(acct.TotalValue), acct.TotalValue.String())
}

func Test_SyncFallsBackToLedger(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("503")}
	m := createTestManager(t, fetcher, nil, Config{LiveSync: true})

	acct, err := m.Connect(context.Background(), models.ConnectRequest{ExchangeID: "kraken", Name: "live", Credentials: validCredentials()})
	require.NoError(t, err, "sync failures must not surface")
	assert.True(t, decimal.NewFromInt(10000).Equal(acct.Cash()))

	_, err = m.ApplyFill(context.Background(), models.Fill{
		AccountID: acct.ID, Symbol: "BTC", Side: models.OrderSideBuy,
		Amount: decimal.RequireFromString("0.01"), Price: decimal.NewFromInt(100000),
	})
	require.NoError(t, err)

	synced, err := m.SyncBalances(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(9000).Equal(synced.Cash()), "ledger is kept on fallback")
	assert.True(t, decimal.RequireFromString("0.01").Equal(synced.Balance("BTC")))
}

func Test_SandboxSkipsLiveSync(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := createTestManager(t, fetcher, nil, Config{LiveSync: true})

	_, err := m.Connect(context.Background(), models.ConnectRequest{ExchangeID: "kraken", Name: "sb", Credentials: validCredentials(), Sandbox: true})
	require.NoError(t, err)
	assert.Zero(t, fetcher.calls.Load())
}

func Test_ApplyFill(t *testing.T) {
	tests := []struct {
		name     string
		fill     models.Fill
		wantCash string
		wantBTC  string
		wantErr  bool
	}{
		{
			name:     "market buy with taker fee",
			fill:     models.Fill{Symbol: "BTC", Side: models.OrderSideBuy, Amount: decimal.RequireFromString("0.05"), Price: decimal.NewFromInt(100000), Fees: decimal.NewFromInt(5)},
			wantCash: "4995",
			wantBTC:  "0.05",
		},
		{
			name:    "buy beyond cash",
			fill:    models.Fill{Symbol: "BTC", Side: models.OrderSideBuy, Amount: decimal.RequireFromString("0.2"), Price: decimal.NewFromInt(100000)},
			wantErr: true,
		},
		{
			name:    "sell without holdings",
			fill:    models.Fill{Symbol: "BTC", Side: models.OrderSideSell, Amount: decimal.RequireFromString("0.1"), Price: decimal.NewFromInt(100000)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := createTestManager(t, nil, nil, Config{})
			acct, err := m.Connect(context.Background(), models.ConnectRequest{ExchangeID: "kraken", Name: "a", Credentials: validCredentials(), Sandbox: true})
			require.NoError(t, err)

			tt.fill.AccountID = acct.ID
			updated, err := m.ApplyFill(context.Background(), tt.fill)
			if tt.wantErr {
				var ierr *models.InsufficientBalanceError
				require.ErrorAs(t, err, &ierr)
				after, _ := m.Get(acct.ID)
				assert.True(t, decimal.NewFromInt(10000).Equal(after.Cash()), "no partial mutation")
				assert.True(t, after.Balance("BTC").IsZero())
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.wantCash).Equal(updated.Cash()), updated.Cash().String())
			assert.True(t, decimal.RequireFromString(tt.wantBTC).Equal(updated.Balance("BTC")))
		})
	}
}

func Test_ApplyFillConcurrentNoLostUpdates(t *testing.T) {
	m := createTestManager(t, nil, nil, Config{})
	acct, err := m.Connect(context.Background(), models.ConnectRequest{ExchangeID: "kraken", Name: "a", Credentials: validCredentials(), Sandbox: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ApplyFill(context.Background(), models.Fill{
				AccountID: acct.ID, Symbol: "ETH", Side: models.OrderSideBuy,
				Amount: decimal.RequireFromString("0.01"), Price: decimal.NewFromInt(5000),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	after, err := m.Get(acct.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(7500).Equal(after.Cash()), after.Cash().String())
	assert.True(t, decimal.RequireFromString("0.5").Equal(after.Balance("ETH")))
}

func Test_DisconnectRunsHooks(t *testing.T) {
	saver := &recordingSaver{}
	m := createTestManager(t, nil, saver, Config{})
	acct, err := m.Connect(context.Background(), models.ConnectRequest{ExchangeID: "kraken", Name: "a", Credentials: validCredentials(), Sandbox: true})
	require.NoError(t, err)

	var disconnected []string
	m.OnDisconnect(func(id string) { disconnected = append(disconnected, id) })

	require.NoError(t, m.Disconnect(context.Background(), acct.ID))
	assert.Equal(t, []string{acct.ID}, disconnected)
	assert.Empty(t, m.List())
	assert.Empty(t, saver.last)

	_, err = m.Get(acct.ID)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
	assert.ErrorIs(t, m.Disconnect(context.Background(), acct.ID), models.ErrNotFound)
}

func Test_PositionsAndRestore(t *testing.T) {
	m := createTestManager(t, nil, nil, Config{})
	restored := m.Restore([]models.TradingAccount{
		{ID: "acc-1", ExchangeID: "kraken", IsActive: true, Balances: map[string]decimal.Decimal{
			models.CashAsset: decimal.NewFromInt(100),
			"BTC":            decimal.RequireFromString("0.1"),
		}},
		{ID: "acc-2", ExchangeID: "kraken", IsActive: false},
	})
	assert.Equal(t, 1, restored)
	assert.Equal(t, []string{"kraken"}, m.ExchangeIDs())

	positions, err := m.Positions(context.Background(), "acc-1", func(string, string) (decimal.Decimal, bool) {
		return decimal.NewFromInt(90000), true
	})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "BTC", p.Symbol)
	assert.Equal(t, models.OrderSideBuy, p.Side)
	assert.True(t, decimal.NewFromInt(10000).Equal(p.MarketValue))
	assert.True(t, decimal.NewFromInt(1000).Equal(p.UnrealizedPnl))

	revalued, err := m.Revalue(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10100).Equal(revalued.TotalValue))
}

func Test_SetBalanceSandboxOnly(t *testing.T) {
	m := createTestManager(t, nil, nil, Config{})
	sb, err := m.Connect(context.Background(), models.ConnectRequest{ExchangeID: "kraken", Name: "sb", Credentials: validCredentials(), Sandbox: true})
	require.NoError(t, err)

	acct, err := m.SetBalance(context.Background(), sb.ID, "BTC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(110000).Equal(acct.TotalValue))

	m.Restore([]models.TradingAccount{{ID: "real", ExchangeID: "kraken", IsActive: true}})
	_, err = m.SetBalance(context.Background(), "real", "BTC", decimal.NewFromInt(1))
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}
