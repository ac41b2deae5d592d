package arbitrage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Quoter returns a symbol's price on one exchange.
type Quoter interface {
	VenueQuote(ctx context.Context, exchangeID, symbol string) (models.VenueQuote, error)
}

type Accounts interface {
	List() []models.TradingAccount
}

type Orders interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)
}

// AlertSink receives the alert raised when exactly one leg of a pair fails.
type AlertSink interface {
	Raise(alert models.RiskAlert)
}

type Config struct {
	ScanInterval     time.Duration
	MinSpread        decimal.Decimal
	PositionFraction decimal.Decimal
	Symbols          []string
	MaxConcurrency   int
	MaxExecutions    int
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:     10 * time.Second,
		MinSpread:        decimal.RequireFromString("0.005"),
		PositionFraction: decimal.RequireFromString("0.1"),
		Symbols:          []string{"BTC", "ETH", "SOL", "XRP", "ADA"},
		MaxConcurrency:   8,
		MaxExecutions:    100,
	}
}

type Scanner struct {
	cfg      Config
	quotes   Quoter
	accounts Accounts
	orders   Orders
	alerts   AlertSink
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	mu            sync.RWMutex
	opportunities []models.ArbitrageOpportunity
	strategy      models.ArbitrageStrategy
	executions    []models.ArbitrageExecution

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewScanner builds a scanner. orders and alerts may be nil, in which case
// the strategy cannot execute.
func NewScanner(cfg Config, quotes Quoter, accounts Accounts, orders Orders, alerts AlertSink, m *metrics.Metrics, logger *logrus.Logger) *Scanner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.MaxExecutions <= 0 {
		cfg.MaxExecutions = 100
	}
	return &Scanner{
		cfg:      cfg,
		quotes:   quotes,
		accounts: accounts,
		orders:   orders,
		alerts:   alerts,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

func (s *Scanner) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"interval":   s.cfg.ScanInterval.String(),
		"min_spread": s.cfg.MinSpread.String(),
	}).Info("Starting arbitrage scanner")

	go func() {
		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Scan(ctx)
			}
		}
	}()
}

func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Scan runs one cycle: quote every tracked symbol on every exchange with an
// active account, replace the opportunity list, and execute it when the
// strategy is active.
func (s *Scanner) Scan(ctx context.Context) []models.ArbitrageOpportunity {
	exchanges := s.connectedExchanges()
	found := []models.ArbitrageOpportunity{}

	if len(exchanges) >= 2 {
		quotes := s.fetchQuotes(ctx, exchanges)
		now := s.now()
		for _, symbol := range s.cfg.Symbols {
			if opp, ok := s.evaluate(symbol, quotes[symbol], now); ok {
				found = append(found, opp)
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].SpreadPercentage.GreaterThan(found[j].SpreadPercentage)
	})

	s.mu.Lock()
	s.opportunities = found
	strategy := s.strategy
	s.mu.Unlock()

	s.metrics.Opportunities(len(found))
	if len(found) > 0 {
		s.logger.WithField("count", len(found)).Info("Arbitrage opportunities found")
	}

	if strategy.IsActive && strategy.TradeAmount.IsPositive() && s.orders != nil {
		for _, opp := range found {
			s.execute(ctx, opp, strategy.TradeAmount)
		}
	}
	return append([]models.ArbitrageOpportunity(nil), found...)
}

// fetchQuotes fans out one request per (symbol, exchange). Venues that fail
// to quote are left out of the cycle.
func (s *Scanner) fetchQuotes(ctx context.Context, exchanges []string) map[string][]models.VenueQuote {
	var mu sync.Mutex
	out := make(map[string][]models.VenueQuote, len(s.cfg.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, symbol := range s.cfg.Symbols {
		for _, ex := range exchanges {
			symbol, ex := symbol, ex
			g.Go(func() error {
				q, err := s.quotes.VenueQuote(gctx, ex, symbol)
				if err != nil {
					s.logger.WithError(err).WithFields(logrus.Fields{
						"exchange_id": ex,
						"symbol":      symbol,
					}).Debug("Venue quote unavailable")
					return nil
				}
				if !q.Price.IsPositive() {
					return nil
				}
				mu.Lock()
				out[symbol] = append(out[symbol], q)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return out
}

func (s *Scanner) evaluate(symbol string, quotes []models.VenueQuote, now time.Time) (models.ArbitrageOpportunity, bool) {
	if len(quotes) < 2 {
		return models.ArbitrageOpportunity{}, false
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].ExchangeID < quotes[j].ExchangeID })

	low, high := quotes[0], quotes[0]
	volume := quotes[0].Volume
	for _, q := range quotes[1:] {
		if q.Price.LessThan(low.Price) {
			low = q
		}
		if q.Price.GreaterThan(high.Price) {
			high = q
		}
		if q.Volume.LessThan(volume) {
			volume = q.Volume
		}
	}

	spread := high.Price.Sub(low.Price)
	pct := spread.Div(low.Price)
	if !spread.IsPositive() || pct.LessThan(s.cfg.MinSpread) {
		return models.ArbitrageOpportunity{}, false
	}
	return models.ArbitrageOpportunity{
		Symbol:           symbol,
		BuyExchange:      low.ExchangeID,
		SellExchange:     high.ExchangeID,
		BuyPrice:         low.Price,
		SellPrice:        high.Price,
		Spread:           spread,
		SpreadPercentage: pct.Round(8),
		Volume:           volume,
		EstimatedProfit:  spread.Mul(volume).Mul(s.cfg.PositionFraction).Round(2),
		Timestamp:        now,
	}, true
}

// execute places both legs independently as limit orders at the quoted venue
// prices, so the fills realise the recorded spread. Neither leg is rolled
// back when the other fails; a single failed leg raises an alert.
func (s *Scanner) execute(ctx context.Context, opp models.ArbitrageOpportunity, amount decimal.Decimal) {
	buyAcct, buyOK := s.accountOn(opp.BuyExchange)
	sellAcct, sellOK := s.accountOn(opp.SellExchange)

	exec := models.ArbitrageExecution{Opportunity: opp, ExecutedAt: s.now()}
	var g errgroup.Group
	g.Go(func() error {
		if !buyOK {
			exec.BuyError = "no active account on " + opp.BuyExchange
			return nil
		}
		o, err := s.orders.PlaceOrder(ctx, models.OrderRequest{
			AccountID: buyAcct.ID, Symbol: opp.Symbol, Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
			Amount: amount, Price: models.DecimalPtr(opp.BuyPrice),
		})
		if err != nil {
			exec.BuyError = err.Error()
			return nil
		}
		exec.BuyOrderID = o.ID
		return nil
	})
	g.Go(func() error {
		if !sellOK {
			exec.SellError = "no active account on " + opp.SellExchange
			return nil
		}
		o, err := s.orders.PlaceOrder(ctx, models.OrderRequest{
			AccountID: sellAcct.ID, Symbol: opp.Symbol, Side: models.OrderSideSell, Type: models.OrderTypeLimit,
			Amount: amount, Price: models.DecimalPtr(opp.SellPrice),
		})
		if err != nil {
			exec.SellError = err.Error()
			return nil
		}
		exec.SellOrderID = o.ID
		return nil
	})
	_ = g.Wait()

	log := s.logger.WithFields(logrus.Fields{
		"symbol":        opp.Symbol,
		"buy_exchange":  opp.BuyExchange,
		"sell_exchange": opp.SellExchange,
		"buy_order_id":  exec.BuyOrderID,
		"sell_order_id": exec.SellOrderID,
	})
	switch {
	case exec.BuyError == "" && exec.SellError == "":
		log.Info("Arbitrage legs placed")
	case exec.BuyError != "" && exec.SellError != "":
		log.WithFields(logrus.Fields{"buy_error": exec.BuyError, "sell_error": exec.SellError}).Warn("Both arbitrage legs failed")
	default:
		// The alert goes to the account holding the unhedged leg.
		failedSide, failedErr, accountID := "buy", exec.BuyError, sellAcct.ID
		if exec.SellError != "" {
			failedSide, failedErr, accountID = "sell", exec.SellError, buyAcct.ID
		}
		log.WithField("error", failedErr).Warn("Arbitrage " + failedSide + " leg failed, other leg left open")
		if s.alerts != nil {
			s.alerts.Raise(models.RiskAlert{
				AccountID: accountID,
				Kind:      models.AlertLegFailure,
				Symbol:    opp.Symbol,
				Value:     opp.SpreadPercentage,
				Message:   "arbitrage " + failedSide + " leg failed: " + failedErr,
			})
		}
	}

	s.mu.Lock()
	s.executions = append(s.executions, exec)
	if len(s.executions) > s.cfg.MaxExecutions {
		s.executions = s.executions[len(s.executions)-s.cfg.MaxExecutions:]
	}
	s.mu.Unlock()
}

func (s *Scanner) connectedExchanges() []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range s.accounts.List() {
		if a.IsActive && !seen[a.ExchangeID] {
			seen[a.ExchangeID] = true
			out = append(out, a.ExchangeID)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Scanner) accountOn(exchangeID string) (models.TradingAccount, bool) {
	for _, a := range s.accounts.List() {
		if a.IsActive && a.ExchangeID == exchangeID {
			return a, true
		}
	}
	return models.TradingAccount{}, false
}

func (s *Scanner) Opportunities() []models.ArbitrageOpportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ArbitrageOpportunity(nil), s.opportunities...)
}

func (s *Scanner) Executions() []models.ArbitrageExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ArbitrageExecution(nil), s.executions...)
}

func (s *Scanner) Strategy() models.ArbitrageStrategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

// SetStrategy toggles auto-execution. tradeAmount is the size of each leg.
func (s *Scanner) SetStrategy(active bool, tradeAmount decimal.Decimal) (models.ArbitrageStrategy, error) {
	if tradeAmount.IsNegative() || (active && !tradeAmount.IsPositive()) {
		return models.ArbitrageStrategy{}, &models.ValidationError{Field: "trade_amount", Reason: "must be positive when the strategy is active"}
	}
	s.mu.Lock()
	s.strategy = models.ArbitrageStrategy{IsActive: active, TradeAmount: tradeAmount, UpdatedAt: s.now()}
	out := s.strategy
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"active": active, "trade_amount": tradeAmount.String()}).Info("Arbitrage strategy updated")
	return out, nil
}
