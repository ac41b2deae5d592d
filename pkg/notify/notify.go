package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/sirupsen/logrus"
)

type EventKind string

const (
	KindTradingSignal   EventKind = "trading_signal"
	KindPortfolioUpdate EventKind = "portfolio_update"
	KindRiskAlert       EventKind = "risk_alert"
)

// Event is one outbound notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispatcher delivers an event and reports whether it was accepted.
// Failures are the dispatcher's to log; callers never retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) bool
}

func newEvent(kind EventKind, accountID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		AccountID: accountID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// AlertEvent maps stop-loss and take-profit alerts to trading signals and
// everything else to risk alerts.
func AlertEvent(alert models.RiskAlert) Event {
	kind := KindRiskAlert
	if alert.Kind == models.AlertStopLoss || alert.Kind == models.AlertTakeProfit {
		kind = KindTradingSignal
	}
	return newEvent(kind, alert.AccountID, alert)
}

func OrderEvent(o models.Order) Event {
	return newEvent(KindPortfolioUpdate, o.AccountID, o)
}

func AccountEvent(a models.TradingAccount) Event {
	return newEvent(KindPortfolioUpdate, a.ID, a.Redacted())
}

// LogDispatcher writes events to the log and always succeeds.
type LogDispatcher struct {
	logger *logrus.Logger
}

func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, ev Event) bool {
	d.logger.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"kind":       ev.Kind,
		"account_id": ev.AccountID,
	}).Info("Notification")
	return true
}

// Multi fans an event out to every dispatcher. It succeeds only when all do.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, ev Event) bool {
	ok := true
	for _, d := range m {
		if !d.Dispatch(ctx, ev) {
			ok = false
		}
	}
	return ok
}
