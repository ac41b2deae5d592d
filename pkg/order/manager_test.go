package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/simtrader/pkg/account"
	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/gregtusar/simtrader/pkg/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type priceBook struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (p *priceBook) Price(_ context.Context, symbol string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prices[symbol]
}

type checkerFunc func(models.OrderRequest, models.TradingAccount, decimal.Decimal) error

func (f checkerFunc) Validate(_ context.Context, req models.OrderRequest, acct models.TradingAccount, price decimal.Decimal) error {
	return f(req, acct, price)
}

type fixture struct {
	orders   *Manager
	accounts *account.Manager
	acct     models.TradingAccount

	mu     sync.Mutex
	events []Event
}

func (f *fixture) recorded() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func createTestConfig() Config {
	return Config{MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// newFixture connects a coinspot sandbox account holding 10,000 AUD with BTC
// at 100,000 and a 0.1% taker fee.
func newFixture(t *testing.T, cfg Config, checker PreTradeChecker) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	registry, err := exchange.NewRegistry(exchange.DefaultExchanges())
	require.NoError(t, err)

	prices := &priceBook{prices: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(100000)}}
	accounts := account.NewManager(account.Config{InitialCash: decimal.NewFromInt(10000)}, registry, prices, nil, nil, nil, logger)
	acct, err := accounts.Connect(context.Background(), models.ConnectRequest{
		ExchangeID:  "coinspot",
		Name:        "test",
		Credentials: models.Credentials{APIKey: "key-12345678", APISecret: "secret-12345678"},
		Sandbox:     true,
	})
	require.NoError(t, err)

	f := &fixture{accounts: accounts, acct: acct}
	f.orders = NewManager(cfg, registry, accounts, prices, checker, nil, nil, logger)
	f.orders.Subscribe(func(ev Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
	})
	t.Cleanup(f.orders.Stop)
	return f
}

func marketBuy(accountID, amount string) models.OrderRequest {
	return models.OrderRequest{
		AccountID: accountID,
		Symbol:    "BTC",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeMarket,
		Amount:    decimal.RequireFromString(amount),
	}
}

func waitForStatus(t *testing.T, m *Manager, orderID string, status models.OrderStatus) models.Order {
	t.Helper()
	var o models.Order
	require.Eventually(t, func() bool {
		var err error
		o, err = m.Get(orderID)
		return err == nil && o.Status == status
	}, 2*time.Second, time.Millisecond)
	return o
}

func Test_MarketBuySettlesExactly(t *testing.T) {
	f := newFixture(t, createTestConfig(), nil)

	placed, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.05"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, placed.Status)

	filled := waitForStatus(t, f.orders, placed.ID, models.OrderStatusFilled)
	assert.True(t, decimal.RequireFromString("0.05").Equal(filled.FilledAmount))
	assert.True(t, decimal.NewFromInt(100000).Equal(filled.AveragePrice))
	assert.True(t, decimal.NewFromInt(5).Equal(filled.Fees))
	assert.NotNil(t, filled.FilledAt)

	acct, err := f.accounts.Get(f.acct.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4995).Equal(acct.Cash()), acct.Cash().String())
	assert.True(t, decimal.RequireFromString("0.05").Equal(acct.Balance("BTC")))

	events := f.recorded()
	require.Len(t, events, 3)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, models.OrderStatusOpen, events[1].Order.Status)
	assert.Equal(t, models.OrderStatusFilled, events[2].Order.Status)
}

func Test_SellMirrorsBuy(t *testing.T) {
	f := newFixture(t, createTestConfig(), nil)

	buy, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.05"))
	require.NoError(t, err)
	waitForStatus(t, f.orders, buy.ID, models.OrderStatusFilled)

	sellReq := marketBuy(f.acct.ID, "0.05")
	sellReq.Side = models.OrderSideSell
	sell, err := f.orders.PlaceOrder(context.Background(), sellReq)
	require.NoError(t, err)
	waitForStatus(t, f.orders, sell.ID, models.OrderStatusFilled)

	acct, err := f.accounts.Get(f.acct.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(9990).Equal(acct.Cash()), acct.Cash().String())
	assert.True(t, acct.Balance("BTC").IsZero())
}

func Test_PlaceOrderRefusals(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(req *models.OrderRequest)
		check   func(t *testing.T, err error)
		checker PreTradeChecker
	}{
		{
			name:   "insufficient cash",
			mutate: func(req *models.OrderRequest) { req.Amount = decimal.RequireFromString("0.2") },
			check: func(t *testing.T, err error) {
				var ierr *models.InsufficientBalanceError
				require.ErrorAs(t, err, &ierr)
				assert.Equal(t, models.CashAsset, ierr.Asset)
			},
		},
		{
			name:   "sell more than held",
			mutate: func(req *models.OrderRequest) { req.Side = models.OrderSideSell },
			check: func(t *testing.T, err error) {
				var ierr *models.InsufficientBalanceError
				require.ErrorAs(t, err, &ierr)
				assert.Equal(t, "BTC", ierr.Asset)
			},
		},
		{
			name:   "unsupported order type",
			mutate: func(req *models.OrderRequest) { req.Type = models.OrderTypeStop; req.StopPrice = models.DecimalPtr(decimal.NewFromInt(1)) },
			check:  validationOn("type"),
		},
		{
			name:   "below minimum size",
			mutate: func(req *models.OrderRequest) { req.Amount = decimal.RequireFromString("0.00001") },
			check:  validationOn("amount"),
		},
		{
			name:   "limit without price",
			mutate: func(req *models.OrderRequest) { req.Type = models.OrderTypeLimit },
			check:  validationOn("price"),
		},
		{
			name:   "zero amount",
			mutate: func(req *models.OrderRequest) { req.Amount = decimal.Zero },
			check:  validationOn("amount"),
		},
		{
			name:   "bad side",
			mutate: func(req *models.OrderRequest) { req.Side = "hold" },
			check:  validationOn("side"),
		},
		{
			name:   "unknown account",
			mutate: func(req *models.OrderRequest) { req.AccountID = "missing" },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, models.ErrAccountNotFound)
			},
		},
		{
			name:   "risk violation",
			mutate: func(req *models.OrderRequest) {},
			checker: checkerFunc(func(models.OrderRequest, models.TradingAccount, decimal.Decimal) error {
				return &models.RiskViolation{Rule: "max_position_size", Reason: "too big"}
			}),
			check: func(t *testing.T, err error) {
				var rerr *models.RiskViolation
				assert.ErrorAs(t, err, &rerr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, createTestConfig(), tt.checker)
			req := marketBuy(f.acct.ID, "0.05")
			tt.mutate(&req)

			_, err := f.orders.PlaceOrder(context.Background(), req)
			require.Error(t, err)
			tt.check(t, err)

			assert.Empty(t, f.orders.List(models.OrderFilter{}), "no order may be created")
			assert.Empty(t, f.recorded())
		})
	}
}

func validationOn(field string) func(t *testing.T, err error) {
	return func(t *testing.T, err error) {
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, field, verr.Field)
	}
}

func Test_RiskCheckSeesOrderValue(t *testing.T) {
	var seenPrice decimal.Decimal
	var seenTotal decimal.Decimal
	checker := checkerFunc(func(_ models.OrderRequest, acct models.TradingAccount, price decimal.Decimal) error {
		seenPrice, seenTotal = price, acct.TotalValue
		return nil
	})
	f := newFixture(t, Config{MinDelay: time.Hour}, checker)

	req := marketBuy(f.acct.ID, "0.01")
	req.Type = models.OrderTypeLimit
	req.Price = models.DecimalPtr(decimal.NewFromInt(95000))
	_, err := f.orders.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(95000).Equal(seenPrice))
	assert.True(t, decimal.NewFromInt(10000).Equal(seenTotal))
}

func Test_CancelPendingSuppressesExecution(t *testing.T) {
	f := newFixture(t, Config{MinDelay: time.Hour}, nil)

	placed, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.05"))
	require.NoError(t, err)

	cancelled, err := f.orders.CancelOrder(context.Background(), placed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Zero(t, f.orders.scheduler.Pending())

	// A stale execution arriving after the cancel must not touch anything.
	f.orders.execute(placed.ID)

	after, err := f.orders.Get(placed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, after.Status)
	assert.True(t, after.FilledAmount.IsZero())

	acct, err := f.accounts.Get(f.acct.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10000).Equal(acct.Cash()))
	assert.True(t, acct.Balance("BTC").IsZero())
}

func Test_CancelTerminalIsNotCancellable(t *testing.T) {
	f := newFixture(t, createTestConfig(), nil)

	placed, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.05"))
	require.NoError(t, err)
	waitForStatus(t, f.orders, placed.ID, models.OrderStatusFilled)
	before, _ := f.accounts.Get(f.acct.ID)

	_, err = f.orders.CancelOrder(context.Background(), placed.ID)
	var nerr *models.NotCancellableError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, models.OrderStatusFilled, nerr.Status)

	after, _ := f.accounts.Get(f.acct.ID)
	assert.Equal(t, before.Balances, after.Balances)

	_, err = f.orders.CancelOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func Test_ExecutionFailureRejectsWithoutBalanceChange(t *testing.T) {
	cfg := createTestConfig()
	cfg.FailureRate = 1
	f := newFixture(t, cfg, nil)

	placed, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.05"))
	require.NoError(t, err)

	rejected := waitForStatus(t, f.orders, placed.ID, models.OrderStatusRejected)
	assert.Equal(t, "simulated exchange failure", rejected.Reason)
	assert.True(t, rejected.FilledAmount.IsZero())

	acct, _ := f.accounts.Get(f.acct.ID)
	assert.True(t, decimal.NewFromInt(10000).Equal(acct.Cash()))
}

func Test_SettlementRechecksFunds(t *testing.T) {
	f := newFixture(t, createTestConfig(), nil)

	a, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.06"))
	require.NoError(t, err)
	b, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.06"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.orders.List(models.OrderFilter{Status: models.OrderStatusFilled})) == 1 &&
			len(f.orders.List(models.OrderFilter{Status: models.OrderStatusRejected})) == 1
	}, 2*time.Second, time.Millisecond)

	for _, id := range []string{a.ID, b.ID} {
		o, _ := f.orders.Get(id)
		assert.True(t, o.FilledAmount.GreaterThanOrEqual(decimal.Zero))
		assert.True(t, o.FilledAmount.LessThanOrEqual(o.Amount))
	}
	acct, _ := f.accounts.Get(f.acct.ID)
	assert.True(t, decimal.RequireFromString("3994").Equal(acct.Cash()), acct.Cash().String())
}

func Test_SlippageIsBoundedAndAdverse(t *testing.T) {
	cfg := createTestConfig()
	cfg.MaxSlippage = 0.01
	f := newFixture(t, cfg, nil)

	placed, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.01"))
	require.NoError(t, err)
	filled := waitForStatus(t, f.orders, placed.ID, models.OrderStatusFilled)

	assert.True(t, filled.AveragePrice.GreaterThanOrEqual(decimal.NewFromInt(100000)))
	assert.True(t, filled.AveragePrice.LessThanOrEqual(decimal.NewFromInt(101000)))
}

func Test_LimitOrderUsesMakerRate(t *testing.T) {
	f := newFixture(t, createTestConfig(), nil)

	req := marketBuy(f.acct.ID, "0.05")
	req.Type = models.OrderTypeLimit
	req.Price = models.DecimalPtr(decimal.NewFromInt(90000))
	placed, err := f.orders.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	filled := waitForStatus(t, f.orders, placed.ID, models.OrderStatusFilled)
	assert.True(t, decimal.NewFromInt(90000).Equal(filled.AveragePrice))
	assert.True(t, decimal.RequireFromString("4.5").Equal(filled.Fees))

	entry, ok := f.orders.EntryPrice(f.acct.ID, "BTC")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(90000).Equal(entry))
}

func Test_RejectAccountOrdersOnDisconnect(t *testing.T) {
	f := newFixture(t, Config{MinDelay: time.Hour}, nil)
	f.accounts.OnDisconnect(func(id string) {
		f.orders.RejectAccountOrders(context.Background(), id, "account disconnected")
	})

	placed, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.01"))
	require.NoError(t, err)
	require.NoError(t, f.accounts.Disconnect(context.Background(), f.acct.ID))

	o, err := f.orders.Get(placed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, o.Status)
	assert.Equal(t, "account disconnected", o.Reason)
	assert.Zero(t, f.orders.scheduler.Pending())
}

func Test_RestoreRejectsInterruptedOrders(t *testing.T) {
	f := newFixture(t, createTestConfig(), nil)

	interrupted := f.orders.Restore([]models.Order{
		{ID: "o-1", AccountID: "a", Status: models.OrderStatusFilled, Amount: decimal.NewFromInt(1), FilledAmount: decimal.NewFromInt(1)},
		{ID: "o-2", AccountID: "a", Status: models.OrderStatusPending, Amount: decimal.NewFromInt(1)},
		{ID: "o-3", AccountID: "a", Status: models.OrderStatusOpen, Amount: decimal.NewFromInt(1)},
	})
	assert.Equal(t, 2, interrupted)

	orders := f.orders.List(models.OrderFilter{AccountID: "a", Status: models.OrderStatusRejected})
	require.Len(t, orders, 2)
	assert.Equal(t, "interrupted by restart", orders[0].Reason)
}

// slowSaver stalls its first save so a later save could overtake it.
type slowSaver struct {
	mu    sync.Mutex
	calls int
	last  []models.Order
}

func (s *slowSaver) SaveOrders(_ context.Context, orders []models.Order) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		time.Sleep(100 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = orders
	return nil
}

func (s *slowSaver) saved() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Order(nil), s.last...)
}

func Test_PersistedStateFollowsLatestTransition(t *testing.T) {
	f := newFixture(t, createTestConfig(), nil)
	saver := &slowSaver{}
	f.orders.saver = saver

	placed, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.05"))
	require.NoError(t, err)
	waitForStatus(t, f.orders, placed.ID, models.OrderStatusFilled)

	// Give the stalled save time to finish; it must not land last.
	time.Sleep(150 * time.Millisecond)
	persisted := saver.saved()
	require.Len(t, persisted, 1)
	assert.Equal(t, models.OrderStatusFilled, persisted[0].Status)

	acct, err := f.accounts.Get(f.acct.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4995).Equal(acct.Cash()))

	logger, _ := test.NewNullLogger()
	registry, err := exchange.NewRegistry(exchange.DefaultExchanges())
	require.NoError(t, err)
	restarted := NewManager(createTestConfig(), registry, f.accounts, &priceBook{prices: map[string]decimal.Decimal{}}, nil, nil, nil, logger)
	assert.Zero(t, restarted.Restore(persisted))
	o, err := restarted.Get(placed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, o.Status)
}

func Test_StatusIsTerminalSticky(t *testing.T) {
	statuses := []models.OrderStatus{models.OrderStatusFilled, models.OrderStatusCancelled, models.OrderStatusRejected}
	all := append([]models.OrderStatus{models.OrderStatusPending, models.OrderStatusOpen}, statuses...)
	for _, from := range statuses {
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, models.OrderStatusOpen.CanTransition(models.OrderStatusPending))
	assert.True(t, models.OrderStatusPending.CanTransition(models.OrderStatusOpen))
}

func Test_PositionLimitRejectsBeforeCreation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := risk.DefaultConfig()
	cfg.Policy = models.RiskPolicy{MaxPositionSize: decimal.RequireFromString("0.10")}

	f := newFixture(t, Config{MinDelay: time.Hour}, nil)
	f.orders.risk = risk.NewManager(cfg, f.accounts, nil, nil, nil, logger)

	_, err := f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.015"))
	var rerr *models.RiskViolation
	require.ErrorAs(t, err, &rerr)
	assert.Empty(t, f.orders.List(models.OrderFilter{}))

	_, err = f.orders.PlaceOrder(context.Background(), marketBuy(f.acct.ID, "0.01"))
	assert.NoError(t, err)
}
