package algo

import (
	"context"
	"time"

	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const sliceScale = 8

func (e *Engine) run(ctx context.Context, pe *parentEntry) {
	pe.mu.Lock()
	parent := pe.order.Clone()
	pe.mu.Unlock()

	switch parent.Algorithm {
	case models.AlgorithmTWAP:
		e.runSchedule(ctx, pe, parent, equalWeights(parent.Params.Slices), parent.Params.Interval)
	case models.AlgorithmVWAP:
		weights := uShapedWeights(parent.Params.Slices)
		if len(parent.Params.VolumeProfile) > 0 {
			weights, _ = normalize(parent.Params.VolumeProfile)
		}
		e.runSchedule(ctx, pe, parent, weights, parent.Params.Interval)
	case models.AlgorithmIceberg:
		e.runIceberg(ctx, pe, parent)
	case models.AlgorithmSniper:
		e.runSniper(ctx, pe, parent)
	}
}

// runSchedule places one market slice per interval. Slices deferred by the
// deviation guard, or below the exchange minimum, roll into the next slice.
// The final slice is always attempted.
func (e *Engine) runSchedule(ctx context.Context, pe *parentEntry, parent models.AlgorithmicOrder, weights []decimal.Decimal, interval time.Duration) {
	planned := planSlices(parent.Amount, weights)
	minSize := e.minSize(parent)
	log := e.logger.WithField("algo_id", parent.ID)

	carry := decimal.Zero
	for i, qty := range planned {
		if i > 0 && !sleepCtx(ctx, interval) {
			return
		}
		last := i == len(planned)-1
		qty = qty.Add(carry)
		carry = decimal.Zero
		if !qty.IsPositive() {
			continue
		}

		if !last {
			if e.deviates(ctx, parent) {
				log.WithField("slice", i).Info("Price outside deviation tolerance, deferring slice")
				carry = qty
				continue
			}
			if qty.LessThan(minSize) {
				carry = qty
				continue
			}
		}

		if _, err := e.placeChild(ctx, parent, models.OrderTypeMarket, qty, nil); err != nil {
			log.WithError(err).WithField("slice", i).Warn("Child slice refused")
			if !last {
				carry = qty
			}
		}
	}
	e.finishSchedule(pe, "", "")
}

// runIceberg exposes a fraction of the remaining amount as a limit order and
// waits for it to finish before showing the next one. A remainder below the
// exchange minimum is folded into the slice that would leave it.
func (e *Engine) runIceberg(ctx context.Context, pe *parentEntry, parent models.AlgorithmicOrder) {
	minSize := e.minSize(parent)
	threshold := parent.Amount.Mul(decimal.NewFromFloat(e.cfg.FillTolerance))
	log := e.logger.WithField("algo_id", parent.ID)

	failures := 0
	for {
		pe.mu.Lock()
		filled := pe.order.FilledAmount
		pe.mu.Unlock()
		if filled.GreaterThanOrEqual(threshold) {
			return
		}
		if failures >= e.cfg.IcebergMaxFailures {
			e.finishSchedule(pe, "", "too many failed iceberg slices")
			return
		}

		remaining := parent.Amount.Sub(filled)
		if remaining.LessThan(minSize) {
			e.finishSchedule(pe, "", "")
			return
		}
		visible := remaining.Mul(parent.Params.VisibleFraction).Truncate(sliceScale)
		if visible.LessThan(minSize) {
			visible = minSize
		}
		// A slice never leaves behind a remainder the exchange would refuse.
		if remaining.Sub(visible).LessThan(minSize) {
			visible = remaining
		}

		limit := e.limitPrice(ctx, parent)
		placed, err := e.placeChild(ctx, parent, models.OrderTypeLimit, visible, &limit)
		if err != nil {
			failures++
			log.WithError(err).Warn("Iceberg slice refused")
			if !sleepCtx(ctx, parent.Params.Interval) {
				return
			}
			continue
		}

		done, ok := waitForChild(ctx, pe.childDone, placed.ID)
		if !ok {
			return
		}
		if done.Status == models.OrderStatusFilled {
			failures = 0
		} else {
			failures++
		}
	}
}

// runSniper waits for the price to cross the target, then places the whole
// amount at market. It gives up after MaxWait.
func (e *Engine) runSniper(ctx context.Context, pe *parentEntry, parent models.AlgorithmicOrder) {
	deadline := time.NewTimer(parent.Params.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(parent.Params.PollInterval)
	defer ticker.Stop()

	log := e.logger.WithFields(logrus.Fields{"algo_id": parent.ID, "target": parent.Params.TargetPrice.String()})
	for {
		price := e.prices.Price(ctx, parent.Symbol)
		if crossed(parent.Side, price, parent.Params.TargetPrice) {
			log.WithField("price", price.String()).Info("Sniper target reached")
			if _, err := e.placeChild(ctx, parent, models.OrderTypeMarket, parent.Amount, nil); err != nil {
				log.WithError(err).Warn("Sniper order refused")
				e.finishSchedule(pe, models.OrderStatusRejected, err.Error())
				return
			}
			e.finishSchedule(pe, "", "")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Info("Sniper target not reached before max wait")
			e.finishSchedule(pe, models.OrderStatusCancelled, "sniper max wait exceeded")
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) placeChild(ctx context.Context, parent models.AlgorithmicOrder, typ models.OrderType, qty decimal.Decimal, price *decimal.Decimal) (models.Order, error) {
	placed, err := e.orders.PlaceOrder(ctx, models.OrderRequest{
		AccountID:     parent.AccountID,
		Symbol:        parent.Symbol,
		Side:          parent.Side,
		Type:          typ,
		Amount:        qty,
		Price:         price,
		ParentOrderID: parent.ID,
	})
	if err != nil {
		e.metrics.AlgoChildOrder(string(parent.Algorithm), false)
		return models.Order{}, err
	}
	e.metrics.AlgoChildOrder(string(parent.Algorithm), true)
	return placed, nil
}

// deviates reports whether the current price has moved further from the
// arrival price than MaxDeviation allows. A zero tolerance disables the guard.
func (e *Engine) deviates(ctx context.Context, parent models.AlgorithmicOrder) bool {
	if !parent.MaxDeviation.IsPositive() || !parent.ArrivalPrice.IsPositive() {
		return false
	}
	price := e.prices.Price(ctx, parent.Symbol)
	move := price.Sub(parent.ArrivalPrice).Abs().Div(parent.ArrivalPrice)
	return move.GreaterThan(parent.MaxDeviation)
}

// limitPrice is the current price moved by the slippage tolerance in the
// direction that keeps the slice marketable.
func (e *Engine) limitPrice(ctx context.Context, parent models.AlgorithmicOrder) decimal.Decimal {
	price := e.prices.Price(ctx, parent.Symbol)
	adj := parent.SlippageTolerance
	if parent.Side == models.OrderSideSell {
		adj = adj.Neg()
	}
	return price.Mul(decimal.NewFromInt(1).Add(adj)).Round(sliceScale)
}

func (e *Engine) minSize(parent models.AlgorithmicOrder) decimal.Decimal {
	ex, err := e.registry.Get(parent.ExchangeID)
	if err != nil {
		return decimal.Zero
	}
	return ex.MinSize(parent.Symbol)
}

func crossed(side models.OrderSide, price, target decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	if side == models.OrderSideBuy {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}

// planSlices splits amount by weight. Every slice but the last is truncated
// and the last takes the remainder, so the plan sums to amount exactly.
func planSlices(amount decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		if i == len(weights)-1 {
			out[i] = amount.Sub(allocated)
			break
		}
		out[i] = amount.Mul(w).Truncate(sliceScale)
		allocated = allocated.Add(out[i])
	}
	return out
}

func equalWeights(n int) []decimal.Decimal {
	if n <= 0 {
		n = 1
	}
	w := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(n)))
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = w
	}
	return out
}

// uShapedWeights is the intraday volume smile: heavy at the open and close,
// light mid-session. Weights sum to one.
func uShapedWeights(n int) []decimal.Decimal {
	if n <= 1 {
		return equalWeights(1)
	}
	raw := make([]decimal.Decimal, n)
	for i := range raw {
		x := -1 + 2*float64(i)/float64(n-1)
		raw[i] = decimal.NewFromFloat(1 + x*x)
	}
	w, _ := normalize(raw)
	return w
}

func normalize(profile []decimal.Decimal) ([]decimal.Decimal, error) {
	total := decimal.Zero
	for _, v := range profile {
		if v.IsNegative() {
			return nil, &models.ValidationError{Field: "volume_profile", Reason: "weights must not be negative"}
		}
		total = total.Add(v)
	}
	if !total.IsPositive() {
		return nil, &models.ValidationError{Field: "volume_profile", Reason: "weights must sum to a positive value"}
	}
	out := make([]decimal.Decimal, len(profile))
	for i, v := range profile {
		out[i] = v.Div(total)
	}
	return out, nil
}

func waitForChild(ctx context.Context, done <-chan models.Order, orderID string) (models.Order, bool) {
	for {
		select {
		case <-ctx.Done():
			return models.Order{}, false
		case o := <-done:
			if o.ID == orderID {
				return o, true
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
