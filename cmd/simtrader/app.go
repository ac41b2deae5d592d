package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/simtrader/api"
	"github.com/gregtusar/simtrader/internal/config"
	"github.com/gregtusar/simtrader/pkg/account"
	"github.com/gregtusar/simtrader/pkg/algo"
	"github.com/gregtusar/simtrader/pkg/arbitrage"
	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/exchangeapi"
	"github.com/gregtusar/simtrader/pkg/marketdata"
	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/gregtusar/simtrader/pkg/notify"
	"github.com/gregtusar/simtrader/pkg/order"
	"github.com/gregtusar/simtrader/pkg/risk"
	"github.com/gregtusar/simtrader/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const disconnectReason = "account disconnected"

type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	store    store.Store
	stream   *marketdata.StreamProvider
	feed     *marketdata.Feed
	accounts *account.Manager
	risk     *risk.Manager
	orders   *order.Manager
	algos    *algo.Engine
	scanner  *arbitrage.Scanner
	notifier *notify.Async
	kafka    *notify.KafkaDispatcher
	server   *api.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	m := metrics.New()

	registry, err := exchange.NewRegistry(cfg.ExchangeConfigs())
	if err != nil {
		return nil, fmt.Errorf("invalid exchange catalog: %w", err)
	}

	a.store, err = store.Open(store.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN: store.Postgres{
			Host:       cfg.Storage.Postgres.Host,
			Port:       cfg.Storage.Postgres.Port,
			User:       cfg.Storage.Postgres.User,
			Password:   cfg.Storage.Postgres.Password,
			Database:   cfg.Storage.Postgres.Database,
			SSLMode:    cfg.Storage.Postgres.SSLMode,
			ConnString: cfg.Storage.Postgres.ConnString,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.feed = marketdata.NewFeed(feedConfig(cfg), a.liveSource(), m, logger)

	a.accounts = account.NewManager(account.Config{
		InitialCash:         decimal.NewFromFloat(cfg.Accounts.InitialCash),
		MinCredentialLength: cfg.Accounts.MinCredentialLength,
		SyncInterval:        cfg.Accounts.SyncInterval,
		LiveSync:            cfg.Accounts.LiveSync,
		BreakerFailures:     cfg.Accounts.BreakerFailures,
		BreakerOpenTimeout:  cfg.Accounts.BreakerOpenTimeout,
		BalanceFetchTimeout: cfg.Accounts.BalanceFetchTimeout,
	}, registry, a.feed, &exchangeapi.Fetcher{Timeout: cfg.Accounts.BalanceFetchTimeout}, a.store, m, logger)

	riskCfg := risk.DefaultConfig()
	riskCfg.Policy = cfg.RiskPolicy()
	riskCfg.MonitorInterval = cfg.Risk.MonitorInterval
	riskCfg.AlertCooldown = cfg.Risk.AlertCooldown
	riskCfg.VaRConfidence = cfg.Risk.VaRConfidence
	a.risk = risk.NewManager(riskCfg, a.accounts, a.feed, nil, m, logger)

	a.orders = order.NewManager(order.Config{
		MinDelay:    cfg.Orders.MinDelay,
		MaxDelay:    cfg.Orders.MaxDelay,
		MaxSlippage: cfg.Orders.MaxSlippage,
		FailureRate: cfg.Orders.FailureRate,
	}, registry, a.accounts, a.feed, a.risk, a.store, m, logger)
	a.risk.SetEntryPriceFunc(a.orders.EntryPrice)

	a.algos = algo.NewEngine(algo.Config{
		TWAPSlices:             cfg.Algo.TWAPSlices,
		TWAPInterval:           cfg.Algo.TWAPInterval,
		VWAPBuckets:            cfg.Algo.VWAPBuckets,
		VWAPInterval:           cfg.Algo.VWAPInterval,
		IcebergVisibleFraction: cfg.Algo.IcebergVisibleFraction,
		IcebergMaxFailures:     cfg.Algo.IcebergMaxFailures,
		IcebergRetryInterval:   cfg.Algo.IcebergRetryInterval,
		SniperPollInterval:     cfg.Algo.SniperPollInterval,
		SniperMaxWait:          cfg.Algo.SniperMaxWait,
		FillTolerance:          cfg.Algo.FillTolerance,
	}, a.orders, a.accounts, registry, a.feed, m, logger)

	arbCfg := arbitrage.DefaultConfig()
	arbCfg.ScanInterval = cfg.Arbitrage.ScanInterval
	arbCfg.MinSpread = decimal.NewFromFloat(cfg.Arbitrage.MinSpread)
	arbCfg.PositionFraction = decimal.NewFromFloat(cfg.Arbitrage.PositionFraction)
	if len(cfg.Arbitrage.Symbols) > 0 {
		arbCfg.Symbols = upper(cfg.Arbitrage.Symbols)
	}
	a.scanner = arbitrage.NewScanner(arbCfg, a.feed, a.accounts, a.orders, a.risk, m, logger)
	if cfg.Arbitrage.AutoExecute {
		if _, err := a.scanner.SetStrategy(true, decimal.NewFromFloat(cfg.Arbitrage.TradeAmount)); err != nil {
			return nil, fmt.Errorf("invalid arbitrage strategy: %w", err)
		}
	}

	hub := api.NewHub(logger)
	a.notifier = notify.NewAsync(a.dispatchers(hub), cfg.Notifications.QueueSize, cfg.Notifications.Timeout, m, logger)
	a.wireEvents(ctx)

	if err := a.restore(ctx); err != nil {
		return nil, err
	}

	a.server = api.NewServer(api.Services{
		Registry:  registry,
		Accounts:  a.accounts,
		Orders:    a.orders,
		Algos:     a.algos,
		Risk:      a.risk,
		Arbitrage: a.scanner,
		Feed:      a.feed,
		Metrics:   m,
		Events:    hub,
	}, logger, cfg.Server.Port, cfg.Server.Mode)
	return a, nil
}

func feedConfig(cfg *config.Config) marketdata.FeedConfig {
	base := marketdata.DefaultBasePrices()
	for symbol, price := range cfg.PriceFeed.BasePrices {
		base[strings.ToUpper(symbol)] = decimal.NewFromFloat(price)
	}
	return marketdata.FeedConfig{
		TickInterval:       cfg.PriceFeed.TickInterval,
		Staleness:          cfg.PriceFeed.Staleness,
		Volatility:         cfg.PriceFeed.Volatility,
		VenueSkew:          cfg.PriceFeed.VenueSkew,
		Symbols:            upper(cfg.PriceFeed.Symbols),
		BasePrices:         base,
		FetchTimeout:       cfg.PriceFeed.FetchTimeout,
		HistorySize:        cfg.PriceFeed.HistorySize,
		BreakerFailures:    cfg.MarketData.BreakerFailures,
		BreakerOpenTimeout: cfg.MarketData.BreakerOpenTimeout,
	}
}

// liveSource returns nil when only the synthetic walk should be used.
func (a *app) liveSource() marketdata.DataSource {
	md := a.cfg.MarketData
	switch md.Provider {
	case "http":
		a.logger.WithField("base_url", md.BaseURL).Info("Using HTTP market data")
		return marketdata.NewHTTPProvider(marketdata.HTTPConfig{
			BaseURL:   md.BaseURL,
			APIKey:    md.APIKey,
			Timeout:   md.Timeout,
			RateLimit: md.RateLimit,
			Burst:     md.Burst,
		})
	case "stream":
		a.logger.WithField("url", md.StreamURL).Info("Using streaming market data")
		a.stream = marketdata.NewStreamProvider(marketdata.StreamConfig{
			URL:            md.StreamURL,
			ReconnectDelay: md.ReconnectDelay,
			MaxReconnects:  md.MaxReconnects,
			MaxAge:         md.StreamMaxAge,
		}, upper(a.cfg.PriceFeed.Symbols), a.logger)
		return a.stream
	default:
		return nil
	}
}

func (a *app) dispatchers(hub *api.Hub) notify.Dispatcher {
	n := a.cfg.Notifications
	out := notify.Multi{hub}
	if n.Log {
		out = append(out, notify.NewLogDispatcher(a.logger))
	}
	if n.Webhook.URL != "" {
		out = append(out, notify.NewWebhookDispatcher(notify.WebhookConfig{
			URL:        n.Webhook.URL,
			Secret:     n.Webhook.Secret,
			Timeout:    n.Webhook.Timeout,
			RetryCount: n.Webhook.RetryCount,
			RateLimit:  n.Webhook.RateLimit,
		}, a.logger))
	}
	if len(n.Kafka.Brokers) > 0 {
		a.kafka = notify.NewKafkaDispatcher(notify.KafkaConfig{
			Brokers:  n.Kafka.Brokers,
			Topic:    n.Kafka.Topic,
			Username: n.Kafka.Username,
			Password: n.Kafka.Password,
		}, a.logger)
		out = append(out, a.kafka)
	}
	return out
}

func (a *app) wireEvents(ctx context.Context) {
	a.accounts.OnDisconnect(func(accountID string) {
		rejected := a.orders.RejectAccountOrders(ctx, accountID, disconnectReason)
		cancelled := a.algos.CancelAccount(accountID, disconnectReason)
		a.risk.Forget(accountID)
		a.logger.WithFields(logrus.Fields{
			"account_id":      accountID,
			"orders_rejected": rejected,
			"algos_cancelled": cancelled,
		}).Info("Cleaned up disconnected account")
	})

	a.risk.OnAlert(func(alert models.RiskAlert) {
		a.notifier.Dispatch(ctx, notify.AlertEvent(alert))
	})

	a.orders.Subscribe(orderNotifier(ctx, a.notifier, a.accounts))

	a.algos.Subscribe(func(o models.AlgorithmicOrder) {
		if !o.Status.IsTerminal() {
			return
		}
		if acct, err := a.accounts.Get(o.AccountID); err == nil {
			a.notifier.Dispatch(ctx, notify.AccountEvent(acct))
		}
	})
}

type accountGetter interface {
	Get(accountID string) (models.TradingAccount, error)
}

// orderNotifier reports terminal orders. Children of an algorithmic order are
// summarised by their parent, except for execution failures, which are always
// reported.
func orderNotifier(ctx context.Context, d notify.Dispatcher, accounts accountGetter) order.Listener {
	return func(ev order.Event) {
		o := ev.Order
		if !o.Status.IsTerminal() {
			return
		}
		if o.ParentOrderID != "" && o.Status != models.OrderStatusRejected {
			return
		}
		d.Dispatch(ctx, notify.OrderEvent(o))
		if o.Status != models.OrderStatusFilled {
			return
		}
		if acct, err := accounts.Get(o.AccountID); err == nil {
			d.Dispatch(ctx, notify.AccountEvent(acct))
		}
	}
}

// restore reloads the persisted roster and order history. Orders that were
// still in flight are rejected by the order manager.
func (a *app) restore(ctx context.Context) error {
	snap, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}
	accounts := a.accounts.Restore(snap.Accounts)
	interrupted := a.orders.Restore(snap.Orders)
	a.logger.WithFields(logrus.Fields{
		"accounts":           accounts,
		"orders":             len(snap.Orders),
		"orders_interrupted": interrupted,
	}).Info("Restored persisted state")
	return nil
}

func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.stream != nil {
		g.Go(func() error {
			a.stream.Run(ctx)
			return nil
		})
	}

	a.feed.Start(ctx)
	a.accounts.Start(ctx)
	a.risk.Start(ctx)
	a.scanner.Start(ctx)

	g.Go(func() error {
		return a.server.Start(ctx, a.cfg.Server.ShutdownTimeout)
	})
	return g.Wait()
}

func (a *app) Shutdown() {
	a.scanner.Stop()
	a.algos.Stop()
	a.orders.Stop()
	a.risk.Stop()
	a.accounts.Stop()
	a.feed.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.notifier.Close(ctx); err != nil {
		a.logger.WithError(err).Warn("Notification queue not drained")
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close kafka writer")
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close store")
	}
}

func upper(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, strings.ToUpper(s))
	}
	return out
}
