package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type Postgres struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// ConnString overrides every other field when set.
	ConnString string
}

func (p Postgres) dsn() string {
	if p.ConnString != "" {
		return p.ConnString
	}
	host, port, ssl := p.Host, p.Port, p.SSLMode
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}
	if ssl == "" {
		ssl = "disable"
	}

	u := &url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", host, port)}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	if p.Database != "" {
		u.Path = "/" + p.Database
	}
	u.RawQuery = url.Values{"sslmode": {ssl}}.Encode()
	return u.String()
}

// Records hold the JSON encoding of the model next to the columns needed to
// query it.
type accountRecord struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	ExchangeID string `gorm:"type:varchar(32);index"`
	Data       []byte `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time
}

func (accountRecord) TableName() string { return "trading_accounts" }

type orderRecord struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	AccountID string `gorm:"type:varchar(64);index"`
	Status    string `gorm:"type:varchar(16);index"`
	Data      []byte `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (orderRecord) TableName() string { return "orders" }

type PostgresStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewPostgres(cfg Postgres, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.dsn()), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&accountRecord{}, &orderRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	logger.WithField("database", cfg.Database).Info("Postgres store ready")
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	var accounts []accountRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return Snapshot{}, fmt.Errorf("failed to load accounts: %w", err)
	}
	var orders []orderRecord
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&orders).Error; err != nil {
		return Snapshot{}, fmt.Errorf("failed to load orders: %w", err)
	}

	snap := Snapshot{
		Accounts: make([]models.TradingAccount, 0, len(accounts)),
		Orders:   make([]models.Order, 0, len(orders)),
	}
	for _, r := range accounts {
		var a models.TradingAccount
		if err := json.Unmarshal(r.Data, &a); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode account %s: %w", r.ID, err)
		}
		snap.Accounts = append(snap.Accounts, a)
	}
	for _, r := range orders {
		var o models.Order
		if err := json.Unmarshal(r.Data, &o); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode order %s: %w", r.ID, err)
		}
		snap.Orders = append(snap.Orders, o)
	}
	return snap, nil
}

// SaveAccounts replaces the roster in one transaction: disconnected accounts
// are deleted, the rest upserted.
func (s *PostgresStore) SaveAccounts(ctx context.Context, accounts []models.TradingAccount) error {
	records := make([]accountRecord, 0, len(accounts))
	ids := make([]string, 0, len(accounts))
	for i := range accounts {
		data, err := json.Marshal(accounts[i])
		if err != nil {
			return fmt.Errorf("failed to encode account %s: %w", accounts[i].ID, err)
		}
		records = append(records, accountRecord{ID: accounts[i].ID, ExchangeID: accounts[i].ExchangeID, Data: data, UpdatedAt: time.Now()})
		ids = append(ids, accounts[i].ID)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.Where("1 = 1")
		if len(ids) > 0 {
			del = tx.Where("id NOT IN ?", ids)
		}
		if err := del.Delete(&accountRecord{}).Error; err != nil {
			return fmt.Errorf("failed to prune accounts: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"exchange_id", "data", "updated_at"}),
		}).Create(&records).Error
	})
}

func (s *PostgresStore) SaveOrders(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	records := make([]orderRecord, 0, len(orders))
	for i := range orders {
		data, err := json.Marshal(orders[i])
		if err != nil {
			return fmt.Errorf("failed to encode order %s: %w", orders[i].ID, err)
		}
		records = append(records, orderRecord{
			ID:        orders[i].ID,
			AccountID: orders[i].AccountID,
			Status:    string(orders[i].Status),
			Data:      data,
			CreatedAt: orders[i].CreatedAt,
			UpdatedAt: orders[i].UpdatedAt,
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "data", "updated_at"}),
	}).CreateInBatches(&records, 200).Error
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
