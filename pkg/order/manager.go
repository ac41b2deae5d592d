package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Accounts is the slice of the account manager the order lifecycle needs.
type Accounts interface {
	Get(accountID string) (models.TradingAccount, error)
	Revalue(ctx context.Context, accountID string) (models.TradingAccount, error)
	ApplyFill(ctx context.Context, fill models.Fill) (models.TradingAccount, error)
}

type PriceSource interface {
	Price(ctx context.Context, symbol string) decimal.Decimal
}

// PreTradeChecker returns a *models.RiskViolation when a request breaches policy.
type PreTradeChecker interface {
	Validate(ctx context.Context, req models.OrderRequest, account models.TradingAccount, price decimal.Decimal) error
}

type Saver interface {
	SaveOrders(ctx context.Context, orders []models.Order) error
}

type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxSlippage float64
	FailureRate float64
}

func DefaultConfig() Config {
	return Config{
		MinDelay:    time.Second,
		MaxDelay:    3 * time.Second,
		MaxSlippage: 0.001,
		FailureRate: 0.02,
	}
}

type EventType string

const (
	EventCreated EventType = "order_created"
	EventUpdated EventType = "order_updated"
)

type Event struct {
	Type  EventType
	Order models.Order
}

// Listener is called synchronously after each transition and must not block.
type Listener func(Event)

type orderEntry struct {
	mu    sync.Mutex
	order models.Order
}

type Manager struct {
	cfg       Config
	registry  *exchange.Registry
	accounts  Accounts
	prices    PriceSource
	risk      PreTradeChecker
	saver     Saver
	scheduler *Scheduler
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	mu        sync.RWMutex
	orders    map[string]*orderEntry
	listeners []Listener

	// persistMu is held across snapshot and save so saves land in snapshot order.
	persistMu sync.Mutex

	random func() float64
	now    func() time.Time
}

// NewManager wires the order lifecycle. risk and saver may be nil.
func NewManager(cfg Config, registry *exchange.Registry, accounts Accounts, prices PriceSource, risk PreTradeChecker, saver Saver, m *metrics.Metrics, logger *logrus.Logger) *Manager {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		accounts:  accounts,
		prices:    prices,
		risk:      risk,
		saver:     saver,
		scheduler: NewScheduler(),
		metrics:   m,
		logger:    logger,
		orders:    make(map[string]*orderEntry),
		random:    rand.Float64,
		now:       time.Now,
	}
}

func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// PlaceOrder validates, risk-checks and balance-checks the request, in that
// order, before any order exists. On success the order is pending and its
// execution is scheduled.
func (m *Manager) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	order, err := m.place(ctx, req)
	if err != nil {
		m.metrics.OrderRefused(refusalClass(err))
		m.logger.WithError(err).WithFields(logrus.Fields{
			"account_id": req.AccountID,
			"symbol":     req.Symbol,
			"side":       req.Side,
			"type":       req.Type,
		}).Info("Order refused")
		return models.Order{}, err
	}
	return order, nil
}

func (m *Manager) place(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if err := models.Validate(&req); err != nil {
		return models.Order{}, err
	}
	if !req.Amount.IsPositive() {
		return models.Order{}, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	acct, err := m.accounts.Get(req.AccountID)
	if err != nil {
		return models.Order{}, err
	}
	if !acct.IsActive {
		return models.Order{}, models.ErrAccountInactive
	}
	ex, err := m.registry.Get(acct.ExchangeID)
	if err != nil {
		return models.Order{}, err
	}
	if err := validateAgainstExchange(req, ex); err != nil {
		return models.Order{}, err
	}

	price := req.ReferencePrice(m.prices.Price(ctx, req.Symbol))
	if !price.IsPositive() {
		return models.Order{}, &models.ValidationError{Field: "symbol", Reason: "no price available"}
	}

	if m.risk != nil {
		if valued, err := m.accounts.Revalue(ctx, acct.ID); err == nil {
			acct = valued
		}
		if err := m.risk.Validate(ctx, req, acct, price); err != nil {
			return models.Order{}, err
		}
	}

	if err := checkBalance(req, acct, price, ex.FeeRate(req.Type)); err != nil {
		return models.Order{}, err
	}

	now := m.now()
	e := &orderEntry{order: models.Order{
		ID:            uuid.NewString(),
		AccountID:     acct.ID,
		ExchangeID:    ex.ID,
		ParentOrderID: req.ParentOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Status:        models.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}
	if req.Price != nil && req.Type.NeedsPrice() {
		e.order.Price = models.DecimalPtr(*req.Price)
	}
	if req.StopPrice != nil && req.Type.NeedsStopPrice() {
		e.order.StopPrice = models.DecimalPtr(*req.StopPrice)
	}
	created := e.order.Clone()

	m.mu.Lock()
	m.orders[created.ID] = e
	m.mu.Unlock()

	m.metrics.OrderPlaced(ex.ID, string(req.Type), string(req.Side))
	m.logger.WithFields(logrus.Fields{
		"order_id":   created.ID,
		"account_id": created.AccountID,
		"symbol":     created.Symbol,
		"side":       created.Side,
		"amount":     created.Amount.String(),
	}).Info("Order placed")

	m.emit(Event{Type: EventCreated, Order: created})
	m.scheduler.Schedule(created.ID, m.delay(), func() { m.execute(created.ID) })
	m.persist(ctx)
	return created, nil
}

func validateAgainstExchange(req models.OrderRequest, ex *models.ExchangeConfig) error {
	if !ex.Supports(req.Type) {
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("%s does not support %s orders", ex.ID, req.Type)}
	}
	if minSize := ex.MinSize(req.Symbol); req.Amount.LessThan(minSize) {
		return &models.ValidationError{Field: "amount", Reason: fmt.Sprintf("below minimum order size %s", minSize.String())}
	}
	if req.Type.NeedsPrice() && (req.Price == nil || !req.Price.IsPositive()) {
		return &models.ValidationError{Field: "price", Reason: fmt.Sprintf("required for %s orders", req.Type)}
	}
	if req.Type.NeedsStopPrice() && (req.StopPrice == nil || !req.StopPrice.IsPositive()) {
		return &models.ValidationError{Field: "stop_price", Reason: fmt.Sprintf("required for %s orders", req.Type)}
	}
	return nil
}

func checkBalance(req models.OrderRequest, acct models.TradingAccount, price, feeRate decimal.Decimal) error {
	if req.Side == models.OrderSideBuy {
		notional := req.Amount.Mul(price)
		required := notional.Add(notional.Mul(feeRate))
		if required.GreaterThan(acct.Cash()) {
			return &models.InsufficientBalanceError{Asset: models.CashAsset, Required: required, Available: acct.Cash()}
		}
		return nil
	}
	if held := acct.Balance(req.Symbol); req.Amount.GreaterThan(held) {
		return &models.InsufficientBalanceError{Asset: req.Symbol, Required: req.Amount, Available: held}
	}
	return nil
}

// execute fires once per order. It is a no-op when the order already reached
// a terminal state.
func (m *Manager) execute(orderID string) {
	e, err := m.entry(orderID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []Event
	e.mu.Lock()
	if e.order.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if e.order.Status == models.OrderStatusPending {
		m.transition(&e.order, models.OrderStatusOpen, "")
		events = append(events, Event{Type: EventUpdated, Order: e.order.Clone()})
	}

	if err := m.settle(ctx, &e.order); err != nil {
		var failure *models.ExecutionFailure
		if !errors.As(err, &failure) {
			failure = &models.ExecutionFailure{OrderID: orderID, Reason: err.Error()}
		}
		m.transition(&e.order, models.OrderStatusRejected, failure.Reason)
		m.logger.WithError(failure).WithField("order_id", orderID).Warn("Order execution failed")
	} else {
		m.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"price":    e.order.AveragePrice.String(),
			"fees":     e.order.Fees.String(),
		}).Info("Order filled")
	}
	final := e.order.Clone()
	e.mu.Unlock()

	m.metrics.OrderTerminal(string(final.Status))
	events = append(events, Event{Type: EventUpdated, Order: final})
	for _, ev := range events {
		m.emit(ev)
	}
	m.persist(ctx)
}

// settle must be called with the order lock held. On error nothing is applied.
func (m *Manager) settle(ctx context.Context, o *models.Order) error {
	acct, err := m.accounts.Get(o.AccountID)
	if err != nil {
		return &models.ExecutionFailure{OrderID: o.ID, Reason: err.Error()}
	}
	ex, err := m.registry.Get(acct.ExchangeID)
	if err != nil {
		return &models.ExecutionFailure{OrderID: o.ID, Reason: err.Error()}
	}
	if m.cfg.FailureRate > 0 && m.random() < m.cfg.FailureRate {
		return &models.ExecutionFailure{OrderID: o.ID, Reason: "simulated exchange failure"}
	}

	price := m.executionPrice(ctx, o)
	if !price.IsPositive() {
		return &models.ExecutionFailure{OrderID: o.ID, Reason: "no execution price"}
	}
	fees := o.Amount.Mul(price).Abs().Mul(ex.FeeRate(o.Type))

	if _, err := m.accounts.ApplyFill(ctx, models.Fill{
		AccountID: o.AccountID,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Amount:    o.Amount,
		Price:     price,
		Fees:      fees,
	}); err != nil {
		return &models.ExecutionFailure{OrderID: o.ID, Reason: err.Error()}
	}

	now := m.now()
	o.FilledAmount = o.Amount
	o.AveragePrice = price
	o.Fees = fees
	o.FilledAt = &now
	m.transition(o, models.OrderStatusFilled, "")
	return nil
}

// executionPrice is the limit price for priced orders, otherwise the current
// price moved against the order by up to MaxSlippage.
func (m *Manager) executionPrice(ctx context.Context, o *models.Order) decimal.Decimal {
	if o.Type.NeedsPrice() && o.Price != nil {
		return *o.Price
	}
	price := m.prices.Price(ctx, o.Symbol)
	if m.cfg.MaxSlippage <= 0 {
		return price
	}
	slip := decimal.NewFromFloat(m.random() * m.cfg.MaxSlippage)
	if o.Side == models.OrderSideSell {
		slip = slip.Neg()
	}
	return price.Mul(decimal.NewFromInt(1).Add(slip)).Round(8)
}

func (m *Manager) transition(o *models.Order, next models.OrderStatus, reason string) bool {
	if !o.Status.CanTransition(next) {
		return false
	}
	o.Status = next
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = m.now()
	return true
}

// CancelOrder cancels a pending or open order. Terminal orders return a
// *models.NotCancellableError.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (models.Order, error) {
	return m.cancel(ctx, orderID, "cancelled by request")
}

func (m *Manager) cancel(ctx context.Context, orderID, reason string) (models.Order, error) {
	e, err := m.entry(orderID)
	if err != nil {
		return models.Order{}, err
	}

	e.mu.Lock()
	if e.order.Status.IsTerminal() {
		status := e.order.Status
		e.mu.Unlock()
		return models.Order{}, &models.NotCancellableError{OrderID: orderID, Status: status}
	}
	m.scheduler.Cancel(orderID)
	m.transition(&e.order, models.OrderStatusCancelled, reason)
	cancelled := e.order.Clone()
	e.mu.Unlock()

	m.metrics.OrderTerminal(string(cancelled.Status))
	m.logger.WithField("order_id", orderID).Info("Order cancelled")
	m.emit(Event{Type: EventUpdated, Order: cancelled})
	m.persist(ctx)
	return cancelled, nil
}

// RejectAccountOrders rejects every non-terminal order of a disconnected
// account and returns how many were rejected.
func (m *Manager) RejectAccountOrders(ctx context.Context, accountID, reason string) int {
	var rejected []models.Order
	for _, e := range m.entries(models.OrderFilter{AccountID: accountID}) {
		e.mu.Lock()
		if !e.order.Status.IsTerminal() {
			m.scheduler.Cancel(e.order.ID)
			m.transition(&e.order, models.OrderStatusRejected, reason)
			rejected = append(rejected, e.order.Clone())
		}
		e.mu.Unlock()
	}
	if len(rejected) == 0 {
		return 0
	}

	for _, o := range rejected {
		m.metrics.OrderTerminal(string(o.Status))
		m.emit(Event{Type: EventUpdated, Order: o})
	}
	m.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"count":      len(rejected),
	}).Warn("Rejected in-flight orders")
	m.persist(ctx)
	return len(rejected)
}

func (m *Manager) Get(orderID string) (models.Order, error) {
	e, err := m.entry(orderID)
	if err != nil {
		return models.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

// List returns matching orders, oldest first.
func (m *Manager) List(filter models.OrderFilter) []models.Order {
	entries := m.entries(filter)
	out := make([]models.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if filter.Match(&e.order) {
			out = append(out, e.order.Clone())
		}
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

// EntryPrice is the volume weighted average price of an account's filled
// buys for symbol.
func (m *Manager) EntryPrice(accountID, symbol string) (decimal.Decimal, bool) {
	qty, cost := decimal.Zero, decimal.Zero
	for _, o := range m.List(models.OrderFilter{AccountID: accountID, Symbol: symbol, Status: models.OrderStatusFilled}) {
		if o.Side != models.OrderSideBuy {
			continue
		}
		qty = qty.Add(o.FilledAmount)
		cost = cost.Add(o.FilledAmount.Mul(o.AveragePrice))
	}
	if !qty.IsPositive() {
		return decimal.Zero, false
	}
	return cost.Div(qty), true
}

// Restore reloads persisted history. Orders that were in flight when the
// previous process stopped cannot resume and are rejected.
func (m *Manager) Restore(orders []models.Order) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	interrupted := 0
	for _, o := range orders {
		if _, exists := m.orders[o.ID]; exists {
			continue
		}
		c := o.Clone()
		if !c.Status.IsTerminal() {
			c.Status = models.OrderStatusRejected
			c.Reason = "interrupted by restart"
			c.UpdatedAt = m.now()
			interrupted++
		}
		m.orders[c.ID] = &orderEntry{order: c}
	}
	m.logger.WithFields(logrus.Fields{
		"count":       len(orders),
		"interrupted": interrupted,
	}).Info("Restored orders")
	return interrupted
}

// Stop suppresses every scheduled execution.
func (m *Manager) Stop() {
	m.scheduler.Stop()
}

func (m *Manager) entry(orderID string) (*orderEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	return e, nil
}

// entries pre-filters on immutable fields without taking order locks.
func (m *Manager) entries(filter models.OrderFilter) []*orderEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*orderEntry, 0, len(m.orders))
	for _, e := range m.orders {
		if filter.AccountID != "" && e.order.AccountID != filter.AccountID {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (m *Manager) delay() time.Duration {
	span := m.cfg.MaxDelay - m.cfg.MinDelay
	if span <= 0 {
		return m.cfg.MinDelay
	}
	return m.cfg.MinDelay + time.Duration(m.random()*float64(span))
}

func (m *Manager) persist(ctx context.Context) {
	if m.saver == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.saver.SaveOrders(ctx, m.List(models.OrderFilter{})); err != nil {
		m.logger.WithError(err).Warn("Failed to persist orders")
	}
}

func refusalClass(err error) string {
	var (
		verr *models.ValidationError
		ierr *models.InsufficientBalanceError
		rerr *models.RiskViolation
	)
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &ierr):
		return "insufficient_balance"
	case errors.As(err, &rerr):
		return "risk"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}
