package main

import (
	"context"
	"testing"

	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/gregtusar/simtrader/pkg/notify"
	"github.com/gregtusar/simtrader/pkg/order"
	"github.com/stretchr/testify/assert"
)

type capture struct {
	events []notify.Event
}

func (c *capture) Dispatch(_ context.Context, ev notify.Event) bool {
	c.events = append(c.events, ev)
	return true
}

type staticAccounts map[string]models.TradingAccount

func (s staticAccounts) Get(accountID string) (models.TradingAccount, error) {
	a, ok := s[accountID]
	if !ok {
		return models.TradingAccount{}, models.ErrAccountNotFound
	}
	return a, nil
}

func Test_OrderNotifier(t *testing.T) {
	accounts := staticAccounts{"a1": {ID: "a1", ExchangeID: "coinspot"}}

	tests := []struct {
		name       string
		order      models.Order
		wantEvents int
	}{
		{name: "open order is not reported", order: models.Order{ID: "o1", AccountID: "a1", Status: models.OrderStatusOpen}},
		{name: "filled order and account update", order: models.Order{ID: "o2", AccountID: "a1", Status: models.OrderStatusFilled}, wantEvents: 2},
		{name: "rejected order", order: models.Order{ID: "o3", AccountID: "a1", Status: models.OrderStatusRejected}, wantEvents: 1},
		{name: "filled child is summarised by its parent", order: models.Order{ID: "o4", AccountID: "a1", ParentOrderID: "p1", Status: models.OrderStatusFilled}},
		{name: "cancelled child is summarised by its parent", order: models.Order{ID: "o5", AccountID: "a1", ParentOrderID: "p1", Status: models.OrderStatusCancelled}},
		{name: "rejected child is reported", order: models.Order{ID: "o6", AccountID: "a1", ParentOrderID: "p1", Status: models.OrderStatusRejected, Reason: "insufficient AUD"}, wantEvents: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &capture{}
			orderNotifier(context.Background(), d, accounts)(order.Event{Type: order.EventUpdated, Order: tt.order})

			assert.Len(t, d.events, tt.wantEvents)
			if tt.wantEvents == 0 {
				return
			}
			assert.Equal(t, notify.KindPortfolioUpdate, d.events[0].Kind)
			o, ok := d.events[0].Payload.(models.Order)
			if assert.True(t, ok) {
				assert.Equal(t, tt.order.ID, o.ID)
			}
		})
	}
}
