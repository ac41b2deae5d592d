// Package risk gates orders against the portfolio policy before they exist
// and watches accounts afterwards, raising advisory alerts.
package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/simtrader/pkg/account"
	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Accounts interface {
	List() []models.TradingAccount
	Revalue(ctx context.Context, accountID string) (models.TradingAccount, error)
	Positions(ctx context.Context, accountID string, entryPrice account.EntryPriceFunc) ([]models.Position, error)
}

// PriceHistory supplies recent prices per symbol, oldest first.
type PriceHistory interface {
	History(symbol string) []decimal.Decimal
}

type Config struct {
	Policy          models.RiskPolicy
	MonitorInterval time.Duration
	AlertCooldown   time.Duration
	VaRConfidence   float64
	ValueHistory    int
	MaxAlerts       int
}

func DefaultPolicy() models.RiskPolicy {
	return models.RiskPolicy{
		MaxPositionSize:  decimal.RequireFromString("0.10"),
		MaxDailyLoss:     decimal.RequireFromString("0.05"),
		MaxDrawdown:      decimal.RequireFromString("0.15"),
		CorrelationLimit: decimal.RequireFromString("0.80"),
		LeverageLimit:    decimal.RequireFromString("1"),
		StopLoss:         decimal.RequireFromString("0.05"),
		TakeProfit:       decimal.RequireFromString("0.10"),
	}
}

func DefaultConfig() Config {
	return Config{
		Policy:          DefaultPolicy(),
		MonitorInterval: 30 * time.Second,
		AlertCooldown:   5 * time.Minute,
		VaRConfidence:   0.95,
		ValueHistory:    500,
		MaxAlerts:       1000,
	}
}

type accountState struct {
	peak     decimal.Decimal
	day      string
	dayStart decimal.Decimal
	values   []decimal.Decimal
	metrics  models.RiskMetrics
}

type Manager struct {
	cfg        Config
	accounts   Accounts
	history    PriceHistory
	entryPrice account.EntryPriceFunc
	metrics    *metrics.Metrics
	logger     *logrus.Logger

	mu        sync.RWMutex
	policy    models.RiskPolicy
	states    map[string]*accountState
	alerts    []models.RiskAlert
	lastAlert map[string]time.Time
	sinks     []func(models.RiskAlert)

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

// NewManager builds the risk manager. history and entryPrice may be nil, which
// disables correlation and stop-loss/take-profit evaluation respectively.
func NewManager(cfg Config, accounts Accounts, history PriceHistory, entryPrice account.EntryPriceFunc, m *metrics.Metrics, logger *logrus.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.AlertCooldown < 0 {
		cfg.AlertCooldown = 0
	}
	if cfg.VaRConfidence <= 0 || cfg.VaRConfidence >= 1 {
		cfg.VaRConfidence = def.VaRConfidence
	}
	if cfg.ValueHistory <= 1 {
		cfg.ValueHistory = def.ValueHistory
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}
	return &Manager{
		cfg:        cfg,
		accounts:   accounts,
		history:    history,
		entryPrice: entryPrice,
		metrics:    m,
		logger:     logger,
		policy:     cfg.Policy,
		states:     make(map[string]*accountState),
		lastAlert:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// SetEntryPriceFunc wires the entry price estimate once the order lifecycle exists.
func (m *Manager) SetEntryPriceFunc(fn account.EntryPriceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryPrice = fn
}

// OnAlert registers a sink for every raised alert.
func (m *Manager) OnAlert(fn func(models.RiskAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, fn)
}

func (m *Manager) Policy() models.RiskPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// UpdatePolicy replaces the shared policy. Every later check reads the new values.
func (m *Manager) UpdatePolicy(p models.RiskPolicy) error {
	fields := map[string]decimal.Decimal{
		"max_position_size": p.MaxPositionSize,
		"max_daily_loss":    p.MaxDailyLoss,
		"max_drawdown":      p.MaxDrawdown,
		"correlation_limit": p.CorrelationLimit,
		"leverage_limit":    p.LeverageLimit,
		"stop_loss":         p.StopLoss,
		"take_profit":       p.TakeProfit,
	}
	for name, v := range fields {
		if v.IsNegative() {
			return &models.ValidationError{Field: name, Reason: "must not be negative"}
		}
	}
	one := decimal.NewFromInt(1)
	for name, v := range map[string]decimal.Decimal{
		"max_daily_loss":    p.MaxDailyLoss,
		"max_drawdown":      p.MaxDrawdown,
		"correlation_limit": p.CorrelationLimit,
		"stop_loss":         p.StopLoss,
	} {
		if v.GreaterThan(one) {
			return &models.ValidationError{Field: name, Reason: "must be a fraction no greater than 1"}
		}
	}

	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"max_position_size": p.MaxPositionSize.String(),
		"max_daily_loss":    p.MaxDailyLoss.String(),
		"max_drawdown":      p.MaxDrawdown.String(),
	}).Info("Risk policy updated")
	return nil
}

// Validate is the pre-trade check. A zero limit disables its rule.
func (m *Manager) Validate(_ context.Context, req models.OrderRequest, acct models.TradingAccount, price decimal.Decimal) error {
	policy := m.Policy()
	total := acct.TotalValue
	if !total.IsPositive() {
		return &models.RiskViolation{Rule: "max_position_size", Reason: "account has no value to size the order against"}
	}

	orderValue := req.Amount.Mul(price)
	ratio := orderValue.Div(total)
	if policy.MaxPositionSize.IsPositive() && ratio.GreaterThan(policy.MaxPositionSize) {
		return &models.RiskViolation{
			Rule: "max_position_size",
			Reason: fmt.Sprintf("order value %s is %s%% of total value %s, limit %s%%",
				orderValue.StringFixed(2), pct(ratio), total.StringFixed(2), pct(policy.MaxPositionSize)),
		}
	}

	pnl := m.dailyPnl(acct.ID, total)
	if policy.MaxDailyLoss.IsPositive() {
		floor := policy.MaxDailyLoss.Mul(total).Neg()
		if pnl.LessThan(floor) {
			return &models.RiskViolation{
				Rule:   "max_daily_loss",
				Reason: fmt.Sprintf("daily P&L %s is below the loss limit %s", pnl.StringFixed(2), floor.StringFixed(2)),
			}
		}
	}

	if req.Side == models.OrderSideBuy && policy.LeverageLimit.IsPositive() {
		exposure := total.Sub(acct.Cash()).Add(orderValue)
		leverage := exposure.Div(total)
		if leverage.GreaterThan(policy.LeverageLimit) {
			return &models.RiskViolation{
				Rule:   "leverage_limit",
				Reason: fmt.Sprintf("post-trade leverage %s exceeds %s", leverage.StringFixed(2), policy.LeverageLimit.String()),
			}
		}
	}
	return nil
}

// dailyPnl is value now minus the first value observed today.
func (m *Manager) dailyPnl(accountID string, value decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(accountID)
	m.rollDay(st, value)
	return value.Sub(st.dayStart)
}

// must be called with mu held
func (m *Manager) state(accountID string) *accountState {
	st, ok := m.states[accountID]
	if !ok {
		st = &accountState{}
		m.states[accountID] = st
	}
	return st
}

// must be called with mu held
func (m *Manager) rollDay(st *accountState, value decimal.Decimal) {
	day := m.now().UTC().Format("2006-01-02")
	if st.day != day {
		st.day = day
		st.dayStart = value
	}
}

// Evaluate runs one monitor cycle over every account.
func (m *Manager) Evaluate(ctx context.Context) {
	for _, a := range m.accounts.List() {
		if ctx.Err() != nil {
			return
		}
		if !a.IsActive {
			continue
		}
		if err := m.evaluateAccount(ctx, a.ID); err != nil {
			m.logger.WithError(err).WithField("account_id", a.ID).Warn("Risk evaluation failed")
		}
	}
}

func (m *Manager) evaluateAccount(ctx context.Context, accountID string) error {
	acct, err := m.accounts.Revalue(ctx, accountID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	entryPrice := m.entryPrice
	m.mu.RUnlock()

	positions, err := m.accounts.Positions(ctx, accountID, entryPrice)
	if err != nil {
		return err
	}

	value := acct.TotalValue
	policy := m.Policy()

	m.mu.Lock()
	st := m.state(accountID)
	m.rollDay(st, value)
	if value.GreaterThan(st.peak) {
		st.peak = value
	}
	st.values = append(st.values, value)
	if len(st.values) > m.cfg.ValueHistory {
		st.values = st.values[len(st.values)-m.cfg.ValueHistory:]
	}
	drawdown := decimal.Zero
	if st.peak.IsPositive() {
		drawdown = st.peak.Sub(value).Div(st.peak)
	}
	snap := models.RiskMetrics{
		AccountID:   accountID,
		TotalValue:  value,
		PeakValue:   st.peak,
		Drawdown:    drawdown.Round(6),
		ValueAtRisk: historicalVaR(simpleReturns(st.values), m.cfg.VaRConfidence, value),
		Exposure:    value.Sub(acct.Cash()),
		DailyPnl:    value.Sub(st.dayStart),
		UpdatedAt:   m.now(),
	}
	m.mu.Unlock()

	var corrA, corrB string
	if m.history != nil && len(positions) > 1 {
		series := make(map[string][]float64, len(positions))
		for _, p := range positions {
			series[p.Symbol] = simpleReturns(m.history.History(p.Symbol))
		}
		c, a, b := maxCorrelation(series)
		snap.MaxCorrelation = decimal.NewFromFloat(c).Round(4)
		corrA, corrB = a, b
	}

	m.mu.Lock()
	st.metrics = snap
	m.mu.Unlock()

	if policy.MaxDrawdown.IsPositive() && snap.Drawdown.GreaterThan(policy.MaxDrawdown) {
		m.raise(models.RiskAlert{
			AccountID: accountID, Kind: models.AlertDrawdown, Value: snap.Drawdown, Limit: policy.MaxDrawdown,
			Message: fmt.Sprintf("drawdown %s%% exceeds limit %s%%", pct(snap.Drawdown), pct(policy.MaxDrawdown)),
		}, true)
	}
	if policy.CorrelationLimit.IsPositive() && snap.MaxCorrelation.GreaterThan(policy.CorrelationLimit) {
		m.raise(models.RiskAlert{
			AccountID: accountID, Kind: models.AlertCorrelation, Symbol: corrA + "/" + corrB,
			Value: snap.MaxCorrelation, Limit: policy.CorrelationLimit,
			Message: fmt.Sprintf("%s and %s correlation %s exceeds limit %s", corrA, corrB, snap.MaxCorrelation, policy.CorrelationLimit),
		}, true)
	}
	if policy.MaxDailyLoss.IsPositive() {
		floor := policy.MaxDailyLoss.Mul(value).Neg()
		if snap.DailyPnl.LessThan(floor) {
			m.raise(models.RiskAlert{
				AccountID: accountID, Kind: models.AlertDailyLoss, Value: snap.DailyPnl, Limit: floor,
				Message: fmt.Sprintf("daily P&L %s below limit %s", snap.DailyPnl.StringFixed(2), floor.StringFixed(2)),
			}, true)
		}
	}
	m.checkPositions(accountID, positions, policy)
	return nil
}

// checkPositions raises stop-loss and take-profit signals against entry price.
func (m *Manager) checkPositions(accountID string, positions []models.Position, policy models.RiskPolicy) {
	for _, p := range positions {
		if !p.EntryPrice.IsPositive() || p.Side != models.OrderSideBuy {
			continue
		}
		move := p.MarkPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
		switch {
		case policy.StopLoss.IsPositive() && move.LessThanOrEqual(policy.StopLoss.Neg()):
			m.raise(models.RiskAlert{
				AccountID: accountID, Kind: models.AlertStopLoss, Symbol: p.Symbol, Value: move.Round(6), Limit: policy.StopLoss.Neg(),
				Message: fmt.Sprintf("%s is %s%% below entry; stop-loss at %s%%", p.Symbol, pct(move.Neg()), pct(policy.StopLoss)),
			}, true)
		case policy.TakeProfit.IsPositive() && move.GreaterThanOrEqual(policy.TakeProfit):
			m.raise(models.RiskAlert{
				AccountID: accountID, Kind: models.AlertTakeProfit, Symbol: p.Symbol, Value: move.Round(6), Limit: policy.TakeProfit,
				Message: fmt.Sprintf("%s is %s%% above entry; take-profit at %s%%", p.Symbol, pct(move), pct(policy.TakeProfit)),
			}, true)
		}
	}
}

// Raise records an externally detected alert, bypassing the cooldown.
func (m *Manager) Raise(alert models.RiskAlert) {
	m.raise(alert, false)
}

func (m *Manager) raise(alert models.RiskAlert, cooldown bool) {
	now := m.now()
	key := alert.AccountID + "|" + string(alert.Kind) + "|" + alert.Symbol

	m.mu.Lock()
	if cooldown && m.cfg.AlertCooldown > 0 {
		if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
			m.mu.Unlock()
			return
		}
	}
	m.lastAlert[key] = now
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.cfg.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
	}
	sinks := append([]func(models.RiskAlert){}, m.sinks...)
	m.mu.Unlock()

	m.metrics.RiskAlert(string(alert.Kind))
	m.logger.WithFields(logrus.Fields{
		"account_id": alert.AccountID,
		"kind":       alert.Kind,
		"symbol":     alert.Symbol,
	}).Warn(alert.Message)
	for _, fn := range sinks {
		fn(alert)
	}
}

// Metrics returns the last computed snapshot for an account.
func (m *Manager) Metrics(accountID string) (models.RiskMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[accountID]
	if !ok || st.metrics.UpdatedAt.IsZero() {
		return models.RiskMetrics{}, fmt.Errorf("risk metrics for account %s: %w", accountID, models.ErrNotFound)
	}
	return st.metrics, nil
}

// Alerts returns alerts, newest first, optionally filtered by account.
func (m *Manager) Alerts(accountID string) []models.RiskAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RiskAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if accountID == "" || a.AccountID == accountID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Forget drops the state of a disconnected account.
func (m *Manager) Forget(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, accountID)
}

func (m *Manager) Start(ctx context.Context) {
	m.logger.WithField("interval", m.cfg.MonitorInterval.String()).Info("Starting risk monitor")
	go func() {
		ticker := time.NewTicker(m.cfg.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Evaluate(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func pct(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
