package algo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/gregtusar/simtrader/pkg/order"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Orders is the slice of the order lifecycle the engine drives.
type Orders interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)
	Subscribe(l order.Listener)
}

type Accounts interface {
	Get(accountID string) (models.TradingAccount, error)
}

type PriceSource interface {
	Price(ctx context.Context, symbol string) decimal.Decimal
}

type Config struct {
	TWAPSlices             int
	TWAPInterval           time.Duration
	VWAPBuckets            int
	VWAPInterval           time.Duration
	IcebergVisibleFraction float64
	IcebergMaxFailures     int
	IcebergRetryInterval   time.Duration
	SniperPollInterval     time.Duration
	SniperMaxWait          time.Duration
	// FillTolerance is the share of the parent amount at which it counts as filled.
	FillTolerance float64
}

func DefaultConfig() Config {
	return Config{
		TWAPSlices:             10,
		TWAPInterval:           30 * time.Second,
		VWAPBuckets:            8,
		VWAPInterval:           30 * time.Second,
		IcebergVisibleFraction: 0.1,
		IcebergMaxFailures:     3,
		IcebergRetryInterval:   time.Second,
		SniperPollInterval:     2 * time.Second,
		SniperMaxWait:          10 * time.Minute,
		FillTolerance:          0.99,
	}
}

type child struct {
	filled decimal.Decimal
	cost   decimal.Decimal
	fees   decimal.Decimal
}

type parentEntry struct {
	mu       sync.Mutex
	order    models.AlgorithmicOrder
	children map[string]child
	active   map[string]struct{}
	cancel   context.CancelFunc

	scheduleDone bool
	doneStatus   models.OrderStatus
	doneReason   string

	// terminal children are pushed here for the sequential iceberg runner
	childDone chan models.Order
}

// Engine decomposes parent orders into child orders placed through the order
// lifecycle. Parent fill state is derived entirely from child events.
type Engine struct {
	cfg      Config
	orders   Orders
	accounts Accounts
	registry *exchange.Registry
	prices   PriceSource
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	mu        sync.RWMutex
	parents   map[string]*parentEntry
	listeners []func(models.AlgorithmicOrder)

	baseCtx  context.Context
	stopAll  context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	now      func() time.Time
}

func NewEngine(cfg Config, orders Orders, accounts Accounts, registry *exchange.Registry, prices PriceSource, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	def := DefaultConfig()
	if cfg.TWAPSlices <= 0 {
		cfg.TWAPSlices = def.TWAPSlices
	}
	if cfg.VWAPBuckets <= 0 {
		cfg.VWAPBuckets = def.VWAPBuckets
	}
	if cfg.FillTolerance <= 0 || cfg.FillTolerance > 1 {
		cfg.FillTolerance = def.FillTolerance
	}
	if cfg.IcebergVisibleFraction <= 0 || cfg.IcebergVisibleFraction > 1 {
		cfg.IcebergVisibleFraction = def.IcebergVisibleFraction
	}
	if cfg.IcebergMaxFailures <= 0 {
		cfg.IcebergMaxFailures = def.IcebergMaxFailures
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		orders:   orders,
		accounts: accounts,
		registry: registry,
		prices:   prices,
		metrics:  m,
		logger:   logger,
		parents:  make(map[string]*parentEntry),
		baseCtx:  ctx,
		stopAll:  cancel,
		now:      time.Now,
	}
	orders.Subscribe(e.onChildEvent)
	return e
}

// Subscribe registers fn for every parent update. fn must not block.
func (e *Engine) Subscribe(fn func(models.AlgorithmicOrder)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Submit validates the request, opens the parent order and starts its
// schedule in the background.
func (e *Engine) Submit(ctx context.Context, req models.AlgoOrderRequest) (models.AlgorithmicOrder, error) {
	parent, err := e.newParent(ctx, req)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"account_id": req.AccountID,
			"symbol":     req.Symbol,
			"algorithm":  req.Algorithm,
		}).Info("Algorithmic order refused")
		return models.AlgorithmicOrder{}, err
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	pe := &parentEntry{
		order:    parent,
		children: make(map[string]child),
		active:   make(map[string]struct{}),
		cancel:   cancel,
	}
	if parent.Algorithm == models.AlgorithmIceberg {
		pe.childDone = make(chan models.Order, 4)
	}

	e.mu.Lock()
	e.parents[parent.ID] = pe
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"algo_id":    parent.ID,
		"account_id": parent.AccountID,
		"symbol":     parent.Symbol,
		"algorithm":  parent.Algorithm,
		"amount":     parent.Amount.String(),
	}).Info("Algorithmic order started")

	created := parent.Clone()
	e.emit(created)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx, pe)
	}()
	return created, nil
}

func (e *Engine) newParent(ctx context.Context, req models.AlgoOrderRequest) (models.AlgorithmicOrder, error) {
	if err := models.Validate(&req); err != nil {
		return models.AlgorithmicOrder{}, err
	}
	if !req.Amount.IsPositive() {
		return models.AlgorithmicOrder{}, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.SlippageTolerance.IsNegative() {
		return models.AlgorithmicOrder{}, &models.ValidationError{Field: "slippage_tolerance", Reason: "must not be negative"}
	}
	if req.MaxDeviation.IsNegative() {
		return models.AlgorithmicOrder{}, &models.ValidationError{Field: "max_deviation", Reason: "must not be negative"}
	}

	acct, err := e.accounts.Get(req.AccountID)
	if err != nil {
		return models.AlgorithmicOrder{}, err
	}
	if !acct.IsActive {
		return models.AlgorithmicOrder{}, models.ErrAccountInactive
	}
	ex, err := e.registry.Get(acct.ExchangeID)
	if err != nil {
		return models.AlgorithmicOrder{}, err
	}
	if minSize := ex.MinSize(req.Symbol); req.Amount.LessThan(minSize) {
		return models.AlgorithmicOrder{}, &models.ValidationError{Field: "amount", Reason: "below minimum order size " + minSize.String()}
	}

	params, err := e.resolveParams(req)
	if err != nil {
		return models.AlgorithmicOrder{}, err
	}
	childType := models.OrderTypeMarket
	if req.Algorithm == models.AlgorithmIceberg {
		childType = models.OrderTypeLimit
	}
	if !ex.Supports(childType) {
		return models.AlgorithmicOrder{}, &models.ValidationError{Field: "algorithm", Reason: ex.ID + " does not support " + string(childType) + " orders"}
	}

	arrival := e.prices.Price(ctx, req.Symbol)
	if !arrival.IsPositive() {
		return models.AlgorithmicOrder{}, &models.ValidationError{Field: "symbol", Reason: "no price available"}
	}

	now := e.now()
	return models.AlgorithmicOrder{
		Order: models.Order{
			ID:         uuid.NewString(),
			AccountID:  acct.ID,
			ExchangeID: ex.ID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Type:       childType,
			Amount:     req.Amount,
			Status:     models.OrderStatusOpen,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Algorithm:         req.Algorithm,
		SlippageTolerance: req.SlippageTolerance,
		MaxDeviation:      req.MaxDeviation,
		ArrivalPrice:      arrival,
		Params:            params,
	}, nil
}

// resolveParams fills zero knobs from the engine config.
func (e *Engine) resolveParams(req models.AlgoOrderRequest) (models.AlgoParams, error) {
	p := req.Params
	switch req.Algorithm {
	case models.AlgorithmTWAP:
		if p.Slices <= 0 {
			p.Slices = e.cfg.TWAPSlices
		}
		if p.Interval <= 0 {
			p.Interval = e.cfg.TWAPInterval
		}
	case models.AlgorithmVWAP:
		if len(p.VolumeProfile) > 0 {
			if _, err := normalize(p.VolumeProfile); err != nil {
				return p, err
			}
			p.Slices = len(p.VolumeProfile)
		} else if p.Slices <= 0 {
			p.Slices = e.cfg.VWAPBuckets
		}
		if p.Interval <= 0 {
			p.Interval = e.cfg.VWAPInterval
		}
	case models.AlgorithmIceberg:
		if p.VisibleFraction.IsZero() {
			p.VisibleFraction = decimal.NewFromFloat(e.cfg.IcebergVisibleFraction)
		}
		if !p.VisibleFraction.IsPositive() || p.VisibleFraction.GreaterThan(decimal.NewFromInt(1)) {
			return p, &models.ValidationError{Field: "visible_fraction", Reason: "must be in (0, 1]"}
		}
		if p.Interval <= 0 {
			p.Interval = e.cfg.IcebergRetryInterval
		}
	case models.AlgorithmSniper:
		if !p.TargetPrice.IsPositive() {
			return p, &models.ValidationError{Field: "target_price", Reason: "required for SNIPER orders"}
		}
		if p.PollInterval <= 0 {
			p.PollInterval = e.cfg.SniperPollInterval
		}
		if p.MaxWait <= 0 {
			p.MaxWait = e.cfg.SniperMaxWait
		}
	}
	return p, nil
}

// onChildEvent folds child order transitions into the owning parent.
func (e *Engine) onChildEvent(ev order.Event) {
	o := ev.Order
	if o.ParentOrderID == "" {
		return
	}
	pe, err := e.entry(o.ParentOrderID)
	if err != nil {
		return
	}

	pe.mu.Lock()
	if _, seen := pe.children[o.ID]; !seen {
		pe.order.ChildOrderIDs = append(pe.order.ChildOrderIDs, o.ID)
	}
	pe.children[o.ID] = child{
		filled: o.FilledAmount,
		cost:   o.FilledAmount.Mul(o.AveragePrice),
		fees:   o.Fees,
	}
	if o.Status.IsTerminal() {
		delete(pe.active, o.ID)
	} else {
		pe.active[o.ID] = struct{}{}
	}
	e.recompute(pe)
	e.maybeFinalize(pe)
	updated := pe.order.Clone()
	pe.mu.Unlock()

	if o.Status.IsTerminal() && pe.childDone != nil {
		select {
		case pe.childDone <- o:
		default:
		}
	}
	e.emit(updated)
}

// recompute must be called with pe.mu held.
func (e *Engine) recompute(pe *parentEntry) {
	filled, cost, fees := decimal.Zero, decimal.Zero, decimal.Zero
	for _, c := range pe.children {
		filled = filled.Add(c.filled)
		cost = cost.Add(c.cost)
		fees = fees.Add(c.fees)
	}
	pe.order.FilledAmount = filled
	pe.order.Fees = fees
	if filled.IsPositive() {
		pe.order.AveragePrice = cost.Div(filled).Round(8)
	}
	pe.order.UpdatedAt = e.now()
}

// maybeFinalize must be called with pe.mu held. Terminal parents keep
// tracking their children's fills but never change status again.
func (e *Engine) maybeFinalize(pe *parentEntry) {
	o := &pe.order
	if o.Status.IsTerminal() {
		return
	}
	threshold := o.Amount.Mul(decimal.NewFromFloat(e.cfg.FillTolerance))
	if o.FilledAmount.GreaterThanOrEqual(threshold) {
		now := e.now()
		o.Status = models.OrderStatusFilled
		o.FilledAt = &now
		pe.cancel()
		e.logger.WithFields(logrus.Fields{
			"algo_id":       o.ID,
			"filled_amount": o.FilledAmount.String(),
			"average_price": o.AveragePrice.String(),
		}).Info("Algorithmic order filled")
		return
	}
	if !pe.scheduleDone || len(pe.active) > 0 {
		return
	}

	status, reason := pe.doneStatus, pe.doneReason
	if status == "" {
		if o.FilledAmount.IsZero() {
			status = models.OrderStatusRejected
		} else {
			status = models.OrderStatusCancelled
		}
	}
	if reason == "" {
		reason = "schedule exhausted"
	}
	o.Status = status
	o.Reason = reason
	pe.cancel()
	e.logger.WithFields(logrus.Fields{
		"algo_id":       o.ID,
		"status":        status,
		"filled_amount": o.FilledAmount.String(),
		"reason":        reason,
	}).Warn("Algorithmic order ended below target")
}

// finishSchedule records that no further children will be placed. An empty
// status lets the fill level decide the outcome.
func (e *Engine) finishSchedule(pe *parentEntry, status models.OrderStatus, reason string) {
	pe.mu.Lock()
	pe.scheduleDone = true
	pe.doneStatus = status
	pe.doneReason = reason
	wasTerminal := pe.order.Status.IsTerminal()
	e.maybeFinalize(pe)
	changed := !wasTerminal && pe.order.Status.IsTerminal()
	updated := pe.order.Clone()
	pe.mu.Unlock()

	if changed {
		e.emit(updated)
	}
}

// Cancel stops further child slices. Children already placed run to their
// own terminal state and keep counting toward the parent's filled amount.
func (e *Engine) Cancel(_ context.Context, parentID string) (models.AlgorithmicOrder, error) {
	return e.cancel(parentID, "cancelled by request")
}

func (e *Engine) cancel(parentID, reason string) (models.AlgorithmicOrder, error) {
	pe, err := e.entry(parentID)
	if err != nil {
		return models.AlgorithmicOrder{}, err
	}

	pe.mu.Lock()
	if pe.order.Status.IsTerminal() {
		status := pe.order.Status
		pe.mu.Unlock()
		return models.AlgorithmicOrder{}, &models.NotCancellableError{OrderID: parentID, Status: status}
	}
	pe.order.Status = models.OrderStatusCancelled
	pe.order.Reason = reason
	pe.order.UpdatedAt = e.now()
	pe.cancel()
	cancelled := pe.order.Clone()
	pe.mu.Unlock()

	e.logger.WithField("algo_id", parentID).Info("Algorithmic order cancelled")
	e.emit(cancelled)
	return cancelled, nil
}

// CancelAccount cancels every running parent of an account.
func (e *Engine) CancelAccount(accountID, reason string) int {
	n := 0
	for _, o := range e.List(accountID) {
		if o.Status.IsTerminal() {
			continue
		}
		if _, err := e.cancel(o.ID, reason); err == nil {
			n++
		}
	}
	return n
}

func (e *Engine) Get(parentID string) (models.AlgorithmicOrder, error) {
	pe, err := e.entry(parentID)
	if err != nil {
		return models.AlgorithmicOrder{}, err
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.order.Clone(), nil
}

// List returns parents newest first; an empty accountID lists all.
func (e *Engine) List(accountID string) []models.AlgorithmicOrder {
	e.mu.RLock()
	entries := make([]*parentEntry, 0, len(e.parents))
	for _, pe := range e.parents {
		entries = append(entries, pe)
	}
	e.mu.RUnlock()

	out := make([]models.AlgorithmicOrder, 0, len(entries))
	for _, pe := range entries {
		pe.mu.Lock()
		if accountID == "" || pe.order.AccountID == accountID {
			out = append(out, pe.order.Clone())
		}
		pe.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stop halts every schedule and waits for the runners to return. Parents
// still open stay open.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopAll()
		e.wg.Wait()
		e.logger.Info("Algorithmic engine stopped")
	})
}

func (e *Engine) entry(parentID string) (*parentEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pe, ok := e.parents[parentID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	return pe, nil
}

func (e *Engine) emit(o models.AlgorithmicOrder) {
	e.mu.RLock()
	listeners := make([]func(models.AlgorithmicOrder), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()
	for _, l := range listeners {
		l(o)
	}
}
