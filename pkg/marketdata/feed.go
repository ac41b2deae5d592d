package marketdata

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/simtrader/pkg/fallback"
	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type FeedConfig struct {
	TickInterval time.Duration
	Staleness    time.Duration
	// Volatility is the walk's bound delta: price' = price * (1 + U(-delta, delta)).
	Volatility float64
	// VenueSkew bounds how far a single exchange's quote deviates from the feed price.
	VenueSkew    float64
	Symbols      []string
	BasePrices   map[string]decimal.Decimal
	FetchTimeout time.Duration
	HistorySize  int
	// The live source is skipped for BreakerOpenTimeout after BreakerFailures
	// consecutive failures.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		TickInterval: 5 * time.Second,
		Staleness:    10 * time.Second,
		Volatility:   0.002,
		VenueSkew:    0.006,
		Symbols:      []string{"BTC", "ETH", "SOL", "XRP", "ADA"},
		BasePrices:   DefaultBasePrices(),
		FetchTimeout: 3 * time.Second,
		HistorySize:  120,
	}
}

// Feed caches one price sample per symbol. Samples older than the staleness
// window are regenerated on read, never served stale.
type Feed struct {
	cfg       FeedConfig
	live      DataSource
	synthetic *Synthetic
	chain     *fallback.Chain[map[string]models.MarketQuote]
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	mu      sync.RWMutex
	samples map[string]models.PriceSample
	tracked map[string]struct{}
	history map[string][]decimal.Decimal
	skews   map[string]float64

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

// NewFeed builds a feed. live may be nil, in which case every refresh uses the
// synthetic walk.
func NewFeed(cfg FeedConfig, live DataSource, m *metrics.Metrics, logger *logrus.Logger) *Feed {
	def := DefaultFeedConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.BasePrices == nil {
		cfg.BasePrices = def.BasePrices
	}

	f := &Feed{
		cfg:     cfg,
		live:    live,
		metrics: m,
		logger:  logger,
		samples: make(map[string]models.PriceSample),
		tracked: make(map[string]struct{}),
		history: make(map[string][]decimal.Decimal),
		skews:   make(map[string]float64),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	f.synthetic = NewSynthetic(cfg.Volatility, cfg.BasePrices, f.lastPrice)
	f.chain = fallback.New[map[string]models.MarketQuote](fallback.Settings{
		Name:                "market-data",
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout,
	}, logger)
	f.chain.OnFallback(func(error) { m.PriceFallback("market-data") })

	for _, s := range cfg.Symbols {
		f.tracked[s] = struct{}{}
	}
	return f
}

func (f *Feed) Start(ctx context.Context) {
	f.logger.WithField("symbols", len(f.trackedSymbols())).Info("Starting price feed")
	f.Tick(ctx)
	go f.run(ctx)
}

func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		f.logger.Info("Stopping price feed")
		close(f.stopCh)
	})
}

func (f *Feed) run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Track adds symbols to the set refreshed on every tick.
func (f *Feed) Track(symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.tracked[s] = struct{}{}
	}
}

// Tick refreshes every tracked symbol. Fetch errors are absorbed by the
// synthetic fallback and never returned.
func (f *Feed) Tick(ctx context.Context) {
	symbols := f.trackedSymbols()
	if len(symbols) == 0 {
		return
	}
	f.refresh(ctx, symbols)

	f.mu.Lock()
	f.skews = make(map[string]float64)
	f.mu.Unlock()
}

// GetPrice returns the cached sample when fresh, otherwise regenerates it
// synchronously. Unknown symbols start tracking at DefaultBasePrice.
func (f *Feed) GetPrice(ctx context.Context, symbol string) models.PriceSample {
	now := f.now()

	f.mu.RLock()
	sample, ok := f.samples[symbol]
	_, known := f.tracked[symbol]
	f.mu.RUnlock()

	if ok && sample.Fresh(now, f.cfg.Staleness) {
		return sample
	}

	if !known && !ok {
		if _, seeded := f.cfg.BasePrices[symbol]; !seeded {
			sample = models.PriceSample{
				Symbol:    symbol,
				Price:     DefaultBasePrice,
				Source:    models.PriceSourceDefault,
				Timestamp: now,
			}
			f.mu.Lock()
			f.tracked[symbol] = struct{}{}
			f.samples[symbol] = sample
			f.appendHistory(symbol, sample.Price)
			f.mu.Unlock()
			return sample
		}
		f.Track(symbol)
	}

	f.refresh(ctx, []string{symbol})

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.samples[symbol]
}

// SetPrice pins symbol to price until the next refresh moves it.
func (f *Feed) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[symbol] = struct{}{}
	f.samples[symbol] = models.PriceSample{
		Symbol:    symbol,
		Price:     price,
		Source:    models.PriceSourceManual,
		Timestamp: f.now(),
	}
	f.appendHistory(symbol, price)
}

// Price is GetPrice without the sample metadata.
func (f *Feed) Price(ctx context.Context, symbol string) decimal.Decimal {
	return f.GetPrice(ctx, symbol).Price
}

// VenueQuote is the feed price skewed by a bounded per-exchange perturbation
// that is regenerated every tick.
func (f *Feed) VenueQuote(ctx context.Context, exchangeID, symbol string) (models.VenueQuote, error) {
	sample := f.GetPrice(ctx, symbol)

	key := exchangeID + "|" + symbol
	f.mu.Lock()
	skew, ok := f.skews[key]
	if !ok {
		if f.cfg.VenueSkew > 0 {
			skew = (rand.Float64()*2 - 1) * f.cfg.VenueSkew
		}
		f.skews[key] = skew
	}
	f.mu.Unlock()

	volume := sample.Volume24h
	if !volume.IsPositive() {
		volume = decimal.NewFromInt(10)
	}
	return models.VenueQuote{
		ExchangeID: exchangeID,
		Symbol:     symbol,
		Price:      sample.Price.Mul(decimal.NewFromFloat(1 + skew)).Round(8),
		// Depth available on a single venue is a fraction of the 24h volume.
		Volume:    volume.Div(decimal.NewFromInt(100)).Round(8),
		Timestamp: sample.Timestamp,
	}, nil
}

func (f *Feed) Snapshot() map[string]models.PriceSample {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]models.PriceSample, len(f.samples))
	for k, v := range f.samples {
		out[k] = v
	}
	return out
}

// History returns up to HistorySize past prices for symbol, oldest first.
func (f *Feed) History(symbol string) []decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]decimal.Decimal(nil), f.history[symbol]...)
}

func (f *Feed) refresh(ctx context.Context, symbols []string) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	source := models.PriceSourceLive
	var primary func(context.Context) (map[string]models.MarketQuote, error)
	if f.live != nil {
		primary = func(ctx context.Context) (map[string]models.MarketQuote, error) {
			return f.live.Quotes(ctx, symbols)
		}
	}
	quotes, _ := f.chain.Do(ctx, primary, func(ctx context.Context) (map[string]models.MarketQuote, error) {
		source = models.PriceSourceSynthetic
		return f.synthetic.Quotes(ctx, symbols)
	})

	var missing []string
	for _, s := range symbols {
		if _, ok := quotes[s]; !ok {
			missing = append(missing, s)
		}
	}
	var filled map[string]models.MarketQuote
	if len(missing) > 0 {
		filled, _ = f.synthetic.Quotes(ctx, missing)
	}

	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		q, ok := quotes[s]
		src := source
		if !ok {
			q = filled[s]
			src = models.PriceSourceSynthetic
		}
		f.samples[s] = models.PriceSample{
			Symbol:    s,
			Price:     q.Price,
			Change24h: q.Change24h,
			Volume24h: q.Volume24h,
			Source:    src,
			Timestamp: now,
		}
		f.appendHistory(s, q.Price)
	}
}

// appendHistory must be called with mu held.
func (f *Feed) appendHistory(symbol string, price decimal.Decimal) {
	h := append(f.history[symbol], price)
	if len(h) > f.cfg.HistorySize {
		h = h[len(h)-f.cfg.HistorySize:]
	}
	f.history[symbol] = h
}

func (f *Feed) lastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.samples[symbol]
	return s.Price, ok
}

func (f *Feed) trackedSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.tracked))
	for s := range f.tracked {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
