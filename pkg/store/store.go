package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/sirupsen/logrus"
)

// Snapshot is everything persisted between runs.
type Snapshot struct {
	Accounts []models.TradingAccount `json:"accounts"`
	Orders   []models.Order          `json:"orders"`
}

// Store persists the account roster and order history. SaveAccounts replaces
// the roster; SaveOrders upserts by order ID.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveAccounts(ctx context.Context, accounts []models.TradingAccount) error
	SaveOrders(ctx context.Context, orders []models.Order) error
	Close() error
}

type Config struct {
	Driver string // memory, file or postgres
	Path   string
	DSN    Postgres
}

func Open(cfg Config, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.Path, logger)
	case "postgres":
		return NewPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

type Memory struct {
	mu       sync.RWMutex
	accounts []models.TradingAccount
	orders   map[string]models.Order
	order    []string
}

func NewMemory() *Memory {
	return &Memory{orders: make(map[string]models.Order)}
}

func (m *Memory) Load(context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{Accounts: make([]models.TradingAccount, 0, len(m.accounts)), Orders: make([]models.Order, 0, len(m.order))}
	for i := range m.accounts {
		snap.Accounts = append(snap.Accounts, m.accounts[i].Clone())
	}
	for _, id := range m.order {
		o := m.orders[id]
		snap.Orders = append(snap.Orders, o.Clone())
	}
	return snap, nil
}

func (m *Memory) SaveAccounts(_ context.Context, accounts []models.TradingAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make([]models.TradingAccount, 0, len(accounts))
	for i := range accounts {
		m.accounts = append(m.accounts, accounts[i].Clone())
	}
	return nil
}

func (m *Memory) SaveOrders(_ context.Context, orders []models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range orders {
		if _, ok := m.orders[orders[i].ID]; !ok {
			m.order = append(m.order, orders[i].ID)
		}
		m.orders[orders[i].ID] = orders[i].Clone()
	}
	return nil
}

func (m *Memory) Close() error { return nil }
