package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAccount(id string) models.TradingAccount {
	return models.TradingAccount{
		ID:          id,
		ExchangeID:  "coinspot",
		Name:        "main",
		Credentials: models.Credentials{APIKey: "key-12345678", APISecret: "secret-12345678"},
		IsActive:    true,
		Balances:    map[string]decimal.Decimal{models.CashAsset: decimal.RequireFromString("4995.5"), "BTC": decimal.RequireFromString("0.05")},
		TotalValue:  decimal.NewFromInt(9995),
		CreatedAt:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sampleOrder(id string, status models.OrderStatus) models.Order {
	return models.Order{
		ID:        id,
		AccountID: "a",
		Symbol:    "BTC",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeLimit,
		Amount:    decimal.RequireFromString("0.05"),
		Price:     models.DecimalPtr(decimal.NewFromInt(99000)),
		Status:    status,
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func Test_StoreSemantics(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()

	stores := map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			f, err := NewFile(filepath.Join(dir, "state.json"), logger)
			require.NoError(t, err)
			return f
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			require.NoError(t, s.SaveAccounts(ctx, []models.TradingAccount{sampleAccount("a"), sampleAccount("b")}))
			require.NoError(t, s.SaveAccounts(ctx, []models.TradingAccount{sampleAccount("b")}))
			require.NoError(t, s.SaveOrders(ctx, []models.Order{sampleOrder("o1", models.OrderStatusPending)}))
			require.NoError(t, s.SaveOrders(ctx, []models.Order{sampleOrder("o1", models.OrderStatusFilled), sampleOrder("o2", models.OrderStatusPending)}))

			snap, err := s.Load(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Accounts, 1, "roster is replaced")
			assert.Equal(t, "b", snap.Accounts[0].ID)
			require.Len(t, snap.Orders, 2, "orders are upserted")
			assert.Equal(t, models.OrderStatusFilled, snap.Orders[0].Status)
			assert.Equal(t, "o2", snap.Orders[1].ID)
		})
	}
}

func Test_FileStoreSurvivesReopen(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	f, err := NewFile(path, logger)
	require.NoError(t, err)
	require.NoError(t, f.SaveAccounts(ctx, []models.TradingAccount{sampleAccount("a")}))
	require.NoError(t, f.SaveOrders(ctx, []models.Order{sampleOrder("o1", models.OrderStatusOpen)}))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	reopened, err := NewFile(path, logger)
	require.NoError(t, err)
	snap, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
	acct := snap.Accounts[0]
	assert.True(t, decimal.RequireFromString("4995.5").Equal(acct.Cash()))
	assert.Equal(t, "secret-12345678", acct.Credentials.APISecret)
	require.Len(t, snap.Orders, 1)
	require.NotNil(t, snap.Orders[0].Price)
	assert.True(t, decimal.NewFromInt(99000).Equal(*snap.Orders[0].Price))
}

func Test_FileStoreRejectsCorruptFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFile(path, logger)
	assert.Error(t, err)

	_, err = NewFile("", logger)
	assert.Error(t, err)
}

func Test_Open(t *testing.T) {
	logger, _ := test.NewNullLogger()

	s, err := Open(Config{Driver: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logger)
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)

	_, err = Open(Config{Driver: "redis"}, logger)
	assert.Error(t, err)
}

func Test_PostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Postgres
		want string
	}{
		{name: "defaults", cfg: Postgres{}, want: "postgres://localhost:5432?sslmode=disable"},
		{name: "full", cfg: Postgres{Host: "db", Port: 6543, User: "sim", Password: "p@ss", Database: "trader", SSLMode: "require"},
			want: "postgres://sim:p%40ss@db:6543/trader?sslmode=require"},
		{name: "override", cfg: Postgres{ConnString: "host=x", Host: "ignored"}, want: "host=x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.dsn())
		})
	}
}
