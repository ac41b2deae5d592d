package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/exchangeapi"
	"github.com/gregtusar/simtrader/pkg/fallback"
	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PriceSource values non-cash balances.
type PriceSource interface {
	Price(ctx context.Context, symbol string) decimal.Decimal
}

// BalanceFetcher reads an account's balances from its exchange.
type BalanceFetcher interface {
	FetchBalances(ctx context.Context, account models.TradingAccount, exchange models.ExchangeConfig) (map[string]decimal.Decimal, error)
}

// Saver persists the account roster.
type Saver interface {
	SaveAccounts(ctx context.Context, accounts []models.TradingAccount) error
}

type Config struct {
	InitialCash         decimal.Decimal
	MinCredentialLength int
	SyncInterval        time.Duration
	LiveSync            bool
	BreakerFailures     uint32
	BreakerOpenTimeout  time.Duration
	BalanceFetchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialCash:         decimal.NewFromInt(10000),
		MinCredentialLength: 8,
		SyncInterval:        time.Minute,
		BalanceFetchTimeout: 5 * time.Second,
	}
}

type entry struct {
	mu      sync.Mutex
	account models.TradingAccount
}

type Manager struct {
	cfg      Config
	registry *exchange.Registry
	prices   PriceSource
	fetcher  BalanceFetcher
	chain    *fallback.Chain[map[string]decimal.Decimal]
	saver    Saver
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	mu           sync.RWMutex
	accounts     map[string]*entry
	onDisconnect []func(accountID string)

	// persistMu is held across snapshot and save so saves land in snapshot order.
	persistMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager wires the account manager. fetcher and saver may be nil.
func NewManager(cfg Config, registry *exchange.Registry, prices PriceSource, fetcher BalanceFetcher, saver Saver, m *metrics.Metrics, logger *logrus.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MinCredentialLength <= 0 {
		cfg.MinCredentialLength = def.MinCredentialLength
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.BalanceFetchTimeout <= 0 {
		cfg.BalanceFetchTimeout = def.BalanceFetchTimeout
	}

	mgr := &Manager{
		cfg:      cfg,
		registry: registry,
		prices:   prices,
		fetcher:  fetcher,
		saver:    saver,
		metrics:  m,
		logger:   logger,
		accounts: make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
	mgr.chain = fallback.New[map[string]decimal.Decimal](fallback.Settings{
		Name:                "balance-sync",
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout,
	}, logger)
	return mgr
}

// OnDisconnect registers fn to run after an account is removed.
func (m *Manager) OnDisconnect(fn func(accountID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Connect validates the request, creates the account and runs an initial
// balance sync. The returned account has its credentials redacted.
func (m *Manager) Connect(ctx context.Context, req models.ConnectRequest) (models.TradingAccount, error) {
	if err := models.Validate(&req); err != nil {
		return models.TradingAccount{}, err
	}
	ex, err := m.registry.Get(req.ExchangeID)
	if err != nil {
		return models.TradingAccount{}, err
	}
	if err := ValidateCredentials(req.Credentials, m.cfg.MinCredentialLength); err != nil {
		return models.TradingAccount{}, err
	}

	now := time.Now()
	e := &entry{account: models.TradingAccount{
		ID:          uuid.NewString(),
		ExchangeID:  ex.ID,
		Name:        req.Name,
		Credentials: req.Credentials,
		IsActive:    true,
		IsSandbox:   req.Sandbox,
		Balances:    make(map[string]decimal.Decimal),
		CreatedAt:   now,
	}}

	m.mu.Lock()
	m.accounts[e.account.ID] = e
	count := len(m.accounts)
	m.mu.Unlock()

	m.metrics.ConnectedAccounts(count)
	m.logger.WithFields(logrus.Fields{
		"account_id":  e.account.ID,
		"exchange_id": ex.ID,
		"sandbox":     req.Sandbox,
	}).Info("Account connected")

	acct, err := m.sync(ctx, e, ex)
	if err != nil {
		return models.TradingAccount{}, err
	}
	m.persist(ctx)
	return acct.Redacted(), nil
}

// ValidateCredentials checks credential shape only. It does not authenticate
// against the exchange.
func ValidateCredentials(c models.Credentials, minLength int) error {
	if c.UsesJWT() {
		if c.APIKeyName == "" && c.APIKey == "" {
			return &models.ValidationError{Field: "credentials.api_key_name", Reason: "required with a private key"}
		}
		if _, err := exchangeapi.ParseECPrivateKey(c.PrivateKeyPEM); err != nil {
			return &models.ValidationError{Field: "credentials.private_key_pem", Reason: err.Error()}
		}
		return nil
	}
	if len(c.APIKey) < minLength {
		return &models.ValidationError{Field: "credentials.api_key", Reason: fmt.Sprintf("must be at least %d characters", minLength)}
	}
	if len(c.APISecret) < minLength {
		return &models.ValidationError{Field: "credentials.api_secret", Reason: fmt.Sprintf("must be at least %d characters", minLength)}
	}
	return nil
}

// Disconnect removes the account and notifies OnDisconnect listeners so that
// in-flight work for the account is rejected.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	m.mu.Lock()
	e, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	delete(m.accounts, accountID)
	count := len(m.accounts)
	hooks := append([]func(string){}, m.onDisconnect...)
	m.mu.Unlock()

	e.mu.Lock()
	e.account.IsActive = false
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(accountID)
	}

	m.metrics.ConnectedAccounts(count)
	m.logger.WithField("account_id", accountID).Info("Account disconnected")
	m.persist(ctx)
	return nil
}

func (m *Manager) Get(accountID string) (models.TradingAccount, error) {
	e, err := m.entry(accountID)
	if err != nil {
		return models.TradingAccount{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.Clone(), nil
}

// List returns every connected account ordered by creation time.
func (m *Manager) List() []models.TradingAccount {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.accounts))
	for _, e := range m.accounts {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.TradingAccount, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.account.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ExchangeIDs returns the distinct exchanges that have an active account.
func (m *Manager) ExchangeIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range m.List() {
		if !a.IsActive {
			continue
		}
		if _, ok := seen[a.ExchangeID]; ok {
			continue
		}
		seen[a.ExchangeID] = struct{}{}
		out = append(out, a.ExchangeID)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Balances(accountID string) (map[string]decimal.Decimal, error) {
	a, err := m.Get(accountID)
	if err != nil {
		return nil, err
	}
	return a.Balances, nil
}

// SyncBalances refreshes balances from the exchange, falling back to the
// simulated ledger, and recomputes total value.
func (m *Manager) SyncBalances(ctx context.Context, accountID string) (models.TradingAccount, error) {
	e, err := m.entry(accountID)
	if err != nil {
		return models.TradingAccount{}, err
	}
	e.mu.Lock()
	exchangeID := e.account.ExchangeID
	e.mu.Unlock()

	ex, err := m.registry.Get(exchangeID)
	if err != nil {
		return models.TradingAccount{}, err
	}
	acct, err := m.sync(ctx, e, ex)
	if err != nil {
		return models.TradingAccount{}, err
	}
	m.persist(ctx)
	return acct, nil
}

// SyncAll syncs every account. Individual failures are logged and skipped.
func (m *Manager) SyncAll(ctx context.Context) {
	for _, a := range m.List() {
		if ctx.Err() != nil {
			return
		}
		ex, err := m.registry.Get(a.ExchangeID)
		if err != nil {
			m.logger.WithError(err).WithField("account_id", a.ID).Warn("Skipping sync for unknown exchange")
			continue
		}
		e, err := m.entry(a.ID)
		if err != nil {
			continue
		}
		if _, err := m.sync(ctx, e, ex); err != nil {
			m.logger.WithError(err).WithField("account_id", a.ID).Warn("Balance sync failed")
		}
	}
	m.persist(ctx)
}

func (m *Manager) sync(ctx context.Context, e *entry, ex *models.ExchangeConfig) (models.TradingAccount, error) {
	e.mu.Lock()
	snapshot := e.account.Clone()
	e.mu.Unlock()

	var primary func(context.Context) (map[string]decimal.Decimal, error)
	if m.cfg.LiveSync && m.fetcher != nil && !snapshot.IsSandbox {
		primary = func(ctx context.Context) (map[string]decimal.Decimal, error) {
			ctx, cancel := context.WithTimeout(ctx, m.cfg.BalanceFetchTimeout)
			defer cancel()
			return m.fetcher.FetchBalances(ctx, snapshot, *ex)
		}
	}

	source := "live"
	balances, err := m.chain.Do(ctx, primary, func(context.Context) (map[string]decimal.Decimal, error) {
		source = "synthetic"
		return nil, nil
	})
	if err != nil {
		return models.TradingAccount{}, &models.SyncFailure{Source: source, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if source == "live" {
		if balances == nil {
			balances = make(map[string]decimal.Decimal)
		}
		e.account.Balances = balances
	} else if len(e.account.Balances) == 0 {
		e.account.Balances = map[string]decimal.Decimal{models.CashAsset: m.cfg.InitialCash}
	}
	e.account.TotalValue = m.valueOf(ctx, e.account.Balances)
	e.account.LastSync = time.Now()

	m.metrics.BalanceSync(source)
	m.logger.WithFields(logrus.Fields{
		"account_id":  e.account.ID,
		"source":      source,
		"total_value": e.account.TotalValue.String(),
	}).Debug("Balances synced")
	return e.account.Clone(), nil
}

// Revalue recomputes total value at current prices without touching balances.
func (m *Manager) Revalue(ctx context.Context, accountID string) (models.TradingAccount, error) {
	e, err := m.entry(accountID)
	if err != nil {
		return models.TradingAccount{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.TotalValue = m.valueOf(ctx, e.account.Balances)
	return e.account.Clone(), nil
}

// ApplyFill settles a fill under the account lock. Funds are re-checked at
// settlement; on failure nothing changes.
func (m *Manager) ApplyFill(ctx context.Context, fill models.Fill) (models.TradingAccount, error) {
	e, err := m.entry(fill.AccountID)
	if err != nil {
		return models.TradingAccount{}, err
	}

	e.mu.Lock()
	if !e.account.IsActive {
		e.mu.Unlock()
		return models.TradingAccount{}, models.ErrAccountInactive
	}

	cash := e.account.Balances[models.CashAsset].Add(fill.CashDelta())
	if cash.IsNegative() {
		available := e.account.Balances[models.CashAsset]
		e.mu.Unlock()
		return models.TradingAccount{}, &models.InsufficientBalanceError{
			Asset: models.CashAsset, Required: fill.CashDelta().Neg(), Available: available,
		}
	}
	asset := e.account.Balances[fill.Symbol].Add(fill.AssetDelta())
	if asset.IsNegative() {
		available := e.account.Balances[fill.Symbol]
		e.mu.Unlock()
		return models.TradingAccount{}, &models.InsufficientBalanceError{
			Asset: fill.Symbol, Required: fill.Amount, Available: available,
		}
	}

	e.account.Balances[models.CashAsset] = cash
	if asset.IsZero() {
		delete(e.account.Balances, fill.Symbol)
	} else {
		e.account.Balances[fill.Symbol] = asset
	}
	e.account.TotalValue = m.valueOf(ctx, e.account.Balances)
	acct := e.account.Clone()
	e.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"account_id": fill.AccountID,
		"order_id":   fill.OrderID,
		"symbol":     fill.Symbol,
		"side":       fill.Side,
	}).Debug("Fill applied")
	m.persist(ctx)
	return acct, nil
}

// SetBalance overrides one asset balance on a sandbox account.
func (m *Manager) SetBalance(ctx context.Context, accountID, asset string, qty decimal.Decimal) (models.TradingAccount, error) {
	if qty.IsNegative() {
		return models.TradingAccount{}, &models.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	e, err := m.entry(accountID)
	if err != nil {
		return models.TradingAccount{}, err
	}

	e.mu.Lock()
	if !e.account.IsSandbox {
		e.mu.Unlock()
		return models.TradingAccount{}, &models.ValidationError{Field: "account_id", Reason: "balances can only be set on sandbox accounts"}
	}
	if qty.IsZero() && asset != models.CashAsset {
		delete(e.account.Balances, asset)
	} else {
		e.account.Balances[asset] = qty
	}
	e.account.TotalValue = m.valueOf(ctx, e.account.Balances)
	acct := e.account.Clone()
	e.mu.Unlock()

	m.persist(ctx)
	return acct, nil
}

// EntryPriceFunc estimates the average entry price of a holding.
type EntryPriceFunc func(accountID, symbol string) (decimal.Decimal, bool)

// Positions derives position views from non-cash balances and current prices.
func (m *Manager) Positions(ctx context.Context, accountID string, entryPrice EntryPriceFunc) ([]models.Position, error) {
	a, err := m.Get(accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	positions := make([]models.Position, 0, len(a.Balances))
	for symbol, qty := range a.Balances {
		if symbol == models.CashAsset || qty.IsZero() {
			continue
		}
		mark := m.prices.Price(ctx, symbol)
		entry := mark
		if entryPrice != nil {
			if p, ok := entryPrice(accountID, symbol); ok && p.IsPositive() {
				entry = p
			}
		}
		side := models.OrderSideBuy
		if qty.IsNegative() {
			side = models.OrderSideSell
		}
		positions = append(positions, models.Position{
			AccountID:     accountID,
			Symbol:        symbol,
			Side:          side,
			Size:          qty.Abs(),
			EntryPrice:    entry,
			MarkPrice:     mark,
			MarketValue:   qty.Mul(mark),
			UnrealizedPnl: mark.Sub(entry).Mul(qty),
			UpdatedAt:     now,
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// Restore loads a previously persisted roster, replacing nothing that is
// already connected.
func (m *Manager) Restore(accounts []models.TradingAccount) int {
	m.mu.Lock()
	restored := 0
	for _, a := range accounts {
		if _, exists := m.accounts[a.ID]; exists || !a.IsActive {
			continue
		}
		acct := a.Clone()
		if acct.Balances == nil {
			acct.Balances = make(map[string]decimal.Decimal)
		}
		m.accounts[acct.ID] = &entry{account: acct}
		restored++
	}
	count := len(m.accounts)
	m.mu.Unlock()

	m.metrics.ConnectedAccounts(count)
	m.logger.WithField("count", restored).Info("Restored accounts")
	return restored
}

func (m *Manager) Start(ctx context.Context) {
	m.logger.WithField("interval", m.cfg.SyncInterval.String()).Info("Starting balance sync")
	go func() {
		ticker := time.NewTicker(m.cfg.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.SyncAll(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) entry(accountID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	return e, nil
}

// valueOf is cash plus every asset at its current price.
func (m *Manager) valueOf(ctx context.Context, balances map[string]decimal.Decimal) decimal.Decimal {
	total := balances[models.CashAsset]
	for asset, qty := range balances {
		if asset == models.CashAsset || qty.IsZero() {
			continue
		}
		total = total.Add(qty.Mul(m.prices.Price(ctx, asset)))
	}
	return total
}

func (m *Manager) persist(ctx context.Context) {
	if m.saver == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.saver.SaveAccounts(ctx, m.List()); err != nil {
		m.logger.WithError(err).Warn("Failed to persist accounts")
	}
}
