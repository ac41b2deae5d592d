package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/simtrader/pkg/account"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	mu        sync.Mutex
	accounts  map[string]models.TradingAccount
	positions map[string][]models.Position
}

func (f *fakeAccounts) set(a models.TradingAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
}

func (f *fakeAccounts) List() []models.TradingAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TradingAccount, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out
}

func (f *fakeAccounts) Revalue(_ context.Context, id string) (models.TradingAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return models.TradingAccount{}, models.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeAccounts) Positions(_ context.Context, id string, _ account.EntryPriceFunc) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[id], nil
}

type fakeHistory map[string][]decimal.Decimal

func (h fakeHistory) History(symbol string) []decimal.Decimal { return h[symbol] }

func cashAccount(id string, cash int64) models.TradingAccount {
	return models.TradingAccount{
		ID:         id,
		IsActive:   true,
		Balances:   map[string]decimal.Decimal{models.CashAsset: decimal.NewFromInt(cash)},
		TotalValue: decimal.NewFromInt(cash),
	}
}

func newTestManager(t *testing.T, policy models.RiskPolicy, history PriceHistory) (*Manager, *fakeAccounts) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	accounts := &fakeAccounts{accounts: map[string]models.TradingAccount{}, positions: map[string][]models.Position{}}
	cfg := DefaultConfig()
	cfg.Policy = policy
	return NewManager(cfg, accounts, history, nil, nil, logger), accounts
}

func buy(amount string) models.OrderRequest {
	return models.OrderRequest{Symbol: "BTC", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Amount: decimal.RequireFromString(amount)}
}

func Test_ValidatePositionSize(t *testing.T) {
	policy := models.RiskPolicy{MaxPositionSize: decimal.RequireFromString("0.10")}
	m, _ := newTestManager(t, policy, nil)
	acct := cashAccount("a", 10000)

	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{name: "15 percent is rejected", amount: "0.015", wantErr: true},
		{name: "exactly 10 percent is allowed", amount: "0.01"},
		{name: "5 percent is allowed", amount: "0.005"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Validate(context.Background(), buy(tt.amount), acct, decimal.NewFromInt(100000))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var rerr *models.RiskViolation
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, "max_position_size", rerr.Rule)
			assert.Contains(t, rerr.Reason, "15.00%")
		})
	}
}

func Test_ValidateDailyLoss(t *testing.T) {
	policy := models.RiskPolicy{MaxDailyLoss: decimal.RequireFromString("0.05")}
	m, _ := newTestManager(t, policy, nil)

	require.NoError(t, m.Validate(context.Background(), buy("0.001"), cashAccount("a", 10000), decimal.NewFromInt(100000)))

	// A 6% fall from the day's opening value breaches the 5% daily loss limit.
	err := m.Validate(context.Background(), buy("0.001"), cashAccount("a", 9400), decimal.NewFromInt(100000))
	var rerr *models.RiskViolation
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "max_daily_loss", rerr.Rule)

	// A new day resets the reference value.
	m.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.NoError(t, m.Validate(context.Background(), buy("0.001"), cashAccount("a", 9400), decimal.NewFromInt(100000)))
}

func Test_ValidateLeverage(t *testing.T) {
	policy := models.RiskPolicy{LeverageLimit: decimal.NewFromInt(1)}
	m, _ := newTestManager(t, policy, nil)

	acct := models.TradingAccount{
		ID: "a",
		Balances: map[string]decimal.Decimal{
			models.CashAsset: decimal.NewFromInt(1000),
			"BTC":            decimal.RequireFromString("0.09"),
		},
		TotalValue: decimal.NewFromInt(10000),
	}
	err := m.Validate(context.Background(), buy("0.02"), acct, decimal.NewFromInt(100000))
	var rerr *models.RiskViolation
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "leverage_limit", rerr.Rule)

	sell := buy("0.02")
	sell.Side = models.OrderSideSell
	assert.NoError(t, m.Validate(context.Background(), sell, acct, decimal.NewFromInt(100000)))
}

func Test_ValidateEmptyAccount(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy(), nil)
	err := m.Validate(context.Background(), buy("1"), cashAccount("a", 0), decimal.NewFromInt(100))
	var rerr *models.RiskViolation
	assert.ErrorAs(t, err, &rerr)
}

func Test_UpdatePolicy(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy(), nil)

	tests := []struct {
		name      string
		mutate    func(p *models.RiskPolicy)
		wantField string
	}{
		{name: "valid", mutate: func(p *models.RiskPolicy) { p.MaxPositionSize = decimal.RequireFromString("0.25") }},
		{name: "negative", mutate: func(p *models.RiskPolicy) { p.MaxDailyLoss = decimal.NewFromInt(-1) }, wantField: "max_daily_loss"},
		{name: "drawdown above one", mutate: func(p *models.RiskPolicy) { p.MaxDrawdown = decimal.NewFromInt(2) }, wantField: "max_drawdown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := m.UpdatePolicy(p)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.True(t, p.MaxPositionSize.Equal(m.Policy().MaxPositionSize))
				return
			}
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func Test_MonitorRaisesDrawdownAlertOnce(t *testing.T) {
	policy := models.RiskPolicy{MaxDrawdown: decimal.RequireFromString("0.10")}
	m, accounts := newTestManager(t, policy, nil)

	var mu sync.Mutex
	var delivered []models.RiskAlert
	m.OnAlert(func(a models.RiskAlert) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, a)
	})

	accounts.set(cashAccount("a", 10000))
	m.Evaluate(context.Background())
	assert.Empty(t, m.Alerts(""))

	accounts.set(cashAccount("a", 8500))
	m.Evaluate(context.Background())
	m.Evaluate(context.Background())

	alerts := m.Alerts("a")
	require.Len(t, alerts, 1, "cooldown suppresses repeats")
	assert.Equal(t, models.AlertDrawdown, alerts[0].Kind)
	assert.True(t, decimal.RequireFromString("0.15").Equal(alerts[0].Value))

	mu.Lock()
	assert.Len(t, delivered, 1)
	mu.Unlock()

	snap, err := m.Metrics("a")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10000).Equal(snap.PeakValue))
	assert.True(t, snap.ValueAtRisk.IsPositive(), "a 15 percent fall shows up in historical VaR")
	assert.True(t, decimal.NewFromInt(-1500).Equal(snap.DailyPnl))

	_, err = m.Metrics("unknown")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func Test_MonitorCorrelationAndPositionSignals(t *testing.T) {
	series := func(vals ...int64) []decimal.Decimal {
		out := make([]decimal.Decimal, len(vals))
		for i, v := range vals {
			out[i] = decimal.NewFromInt(v)
		}
		return out
	}
	history := fakeHistory{
		"BTC": series(100, 102, 101, 105, 104, 108),
		"ETH": series(50, 51, 50, 52, 51, 54),
	}
	policy := models.RiskPolicy{
		CorrelationLimit: decimal.RequireFromString("0.8"),
		StopLoss:         decimal.RequireFromString("0.05"),
		TakeProfit:       decimal.RequireFromString("0.10"),
	}
	m, accounts := newTestManager(t, policy, history)

	accounts.set(cashAccount("a", 10000))
	accounts.positions["a"] = []models.Position{
		{Symbol: "BTC", Side: models.OrderSideBuy, EntryPrice: decimal.NewFromInt(100), MarkPrice: decimal.NewFromInt(90)},
		{Symbol: "ETH", Side: models.OrderSideBuy, EntryPrice: decimal.NewFromInt(50), MarkPrice: decimal.NewFromInt(56)},
	}

	m.Evaluate(context.Background())

	kinds := map[models.AlertKind]models.RiskAlert{}
	for _, a := range m.Alerts("a") {
		kinds[a.Kind] = a
	}
	require.Contains(t, kinds, models.AlertCorrelation)
	assert.Equal(t, "BTC/ETH", kinds[models.AlertCorrelation].Symbol)
	require.Contains(t, kinds, models.AlertStopLoss)
	assert.Equal(t, "BTC", kinds[models.AlertStopLoss].Symbol)
	require.Contains(t, kinds, models.AlertTakeProfit)
	assert.Equal(t, "ETH", kinds[models.AlertTakeProfit].Symbol)
}

func Test_RaiseBypassesCooldown(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy(), nil)
	alert := models.RiskAlert{AccountID: "a", Kind: models.AlertLegFailure, Message: "sell leg failed"}
	m.Raise(alert)
	m.Raise(alert)
	assert.Len(t, m.Alerts(""), 2)
}

func Test_Stats(t *testing.T) {
	returns := simpleReturns([]decimal.Decimal{
		decimal.NewFromInt(100), decimal.NewFromInt(110), decimal.NewFromInt(99), decimal.NewFromInt(99),
	})
	require.Len(t, returns, 3)
	assert.InDelta(t, 0.10, returns[0], 1e-9)
	assert.InDelta(t, -0.10, returns[1], 1e-9)

	assert.True(t, decimal.NewFromInt(100).Equal(historicalVaR(returns, 0.95, decimal.NewFromInt(1000))))
	assert.True(t, historicalVaR([]float64{0.01, 0.02}, 0.95, decimal.NewFromInt(1000)).IsZero())

	c, ok := pearson([]float64{1, 2, 3, 4}, []float64{2, 4, 6, 8})
	require.True(t, ok)
	assert.InDelta(t, 1.0, c, 1e-9)

	c, ok = pearson([]float64{1, 2, 3, 4}, []float64{8, 6, 4, 2})
	require.True(t, ok)
	assert.InDelta(t, -1.0, c, 1e-9)

	_, ok = pearson([]float64{1, 1, 1}, []float64{1, 2, 3})
	assert.False(t, ok)
}
