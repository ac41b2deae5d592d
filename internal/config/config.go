package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/gregtusar/simtrader/pkg/secrets"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Exchanges     []ExchangeConfig    `mapstructure:"exchanges"`
	PriceFeed     PriceFeedConfig     `mapstructure:"price_feed"`
	MarketData    MarketDataConfig    `mapstructure:"market_data"`
	Accounts      AccountsConfig      `mapstructure:"accounts"`
	Orders        OrdersConfig        `mapstructure:"orders"`
	Algo          AlgoConfig          `mapstructure:"algo"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Arbitrage     ArbitrageConfig     `mapstructure:"arbitrage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	GCP           GCPConfig           `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	SSLMode    string `mapstructure:"ssl_mode"`
	ConnString string `mapstructure:"conn_string"`
}

// ExchangeConfig overrides the built-in exchange catalog when any are given.
type ExchangeConfig struct {
	ID             string             `mapstructure:"id"`
	Name           string             `mapstructure:"name"`
	OrderTypes     []string           `mapstructure:"order_types"`
	MakerFee       float64            `mapstructure:"maker_fee"`
	TakerFee       float64            `mapstructure:"taker_fee"`
	MinOrderSize   map[string]float64 `mapstructure:"min_order_size"`
	WithdrawalFees map[string]float64 `mapstructure:"withdrawal_fees"`
	APIBaseURL     string             `mapstructure:"api_base_url"`
	QuoteCurrency  string             `mapstructure:"quote_currency"`
}

type PriceFeedConfig struct {
	TickInterval time.Duration      `mapstructure:"tick_interval"`
	Staleness    time.Duration      `mapstructure:"staleness"`
	Volatility   float64            `mapstructure:"volatility"`
	VenueSkew    float64            `mapstructure:"venue_skew"`
	Symbols      []string           `mapstructure:"symbols"`
	BasePrices   map[string]float64 `mapstructure:"base_prices"`
	FetchTimeout time.Duration      `mapstructure:"fetch_timeout"`
	HistorySize  int                `mapstructure:"history_size"`
}

type MarketDataConfig struct {
	// Provider is none, http or stream.
	Provider           string        `mapstructure:"provider"`
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	Burst              int           `mapstructure:"burst"`
	StreamURL          string        `mapstructure:"stream_url"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects      int           `mapstructure:"max_reconnects"`
	StreamMaxAge       time.Duration `mapstructure:"stream_max_age"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

type AccountsConfig struct {
	InitialCash         float64       `mapstructure:"initial_cash"`
	MinCredentialLength int           `mapstructure:"min_credential_length"`
	SyncInterval        time.Duration `mapstructure:"sync_interval"`
	LiveSync            bool          `mapstructure:"live_sync"`
	BalanceFetchTimeout time.Duration `mapstructure:"balance_fetch_timeout"`
	BreakerFailures     uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout"`
}

type OrdersConfig struct {
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxSlippage float64       `mapstructure:"max_slippage"`
	FailureRate float64       `mapstructure:"failure_rate"`
}

type AlgoConfig struct {
	TWAPSlices             int           `mapstructure:"twap_slices"`
	TWAPInterval           time.Duration `mapstructure:"twap_interval"`
	VWAPBuckets            int           `mapstructure:"vwap_buckets"`
	VWAPInterval           time.Duration `mapstructure:"vwap_interval"`
	IcebergVisibleFraction float64       `mapstructure:"iceberg_visible_fraction"`
	IcebergMaxFailures     int           `mapstructure:"iceberg_max_failures"`
	IcebergRetryInterval   time.Duration `mapstructure:"iceberg_retry_interval"`
	SniperPollInterval     time.Duration `mapstructure:"sniper_poll_interval"`
	SniperMaxWait          time.Duration `mapstructure:"sniper_max_wait"`
	FillTolerance          float64       `mapstructure:"fill_tolerance"`
}

type RiskConfig struct {
	MaxPositionSize  float64       `mapstructure:"max_position_size"`
	MaxDailyLoss     float64       `mapstructure:"max_daily_loss"`
	MaxDrawdown      float64       `mapstructure:"max_drawdown"`
	CorrelationLimit float64       `mapstructure:"correlation_limit"`
	LeverageLimit    float64       `mapstructure:"leverage_limit"`
	StopLoss         float64       `mapstructure:"stop_loss"`
	TakeProfit       float64       `mapstructure:"take_profit"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	AlertCooldown    time.Duration `mapstructure:"alert_cooldown"`
	VaRConfidence    float64       `mapstructure:"var_confidence"`
}

type ArbitrageConfig struct {
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	MinSpread        float64       `mapstructure:"min_spread"`
	PositionFraction float64       `mapstructure:"position_fraction"`
	Symbols          []string      `mapstructure:"symbols"`
	AutoExecute      bool          `mapstructure:"auto_execute"`
	TradeAmount      float64       `mapstructure:"trade_amount"`
}

type NotificationsConfig struct {
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Log       bool          `mapstructure:"log"`
	Webhook   WebhookConfig `mapstructure:"webhook"`
	Kafka     KafkaConfig   `mapstructure:"kafka"`
}

type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	RateLimit  float64       `mapstructure:"rate_limit"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/simtrader")
	}

	v.SetEnvPrefix("SIMTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		ApplySecrets(ctx, &config, sm, logger)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", "./data/simtrader.json")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.ssl_mode", "disable")

	v.SetDefault("price_feed.tick_interval", "5s")
	v.SetDefault("price_feed.staleness", "10s")
	v.SetDefault("price_feed.volatility", 0.002)
	v.SetDefault("price_feed.venue_skew", 0.006)
	v.SetDefault("price_feed.symbols", []string{"BTC", "ETH", "SOL", "XRP", "ADA"})
	v.SetDefault("price_feed.fetch_timeout", "3s")
	v.SetDefault("price_feed.history_size", 120)

	v.SetDefault("market_data.provider", "none")
	v.SetDefault("market_data.timeout", "5s")
	v.SetDefault("market_data.rate_limit", 2.0)
	v.SetDefault("market_data.burst", 1)
	v.SetDefault("market_data.reconnect_delay", "5s")
	v.SetDefault("market_data.max_reconnects", 10)
	v.SetDefault("market_data.stream_max_age", "30s")
	v.SetDefault("market_data.breaker_failures", 3)
	v.SetDefault("market_data.breaker_open_timeout", "30s")

	v.SetDefault("accounts.initial_cash", 10000.0)
	v.SetDefault("accounts.min_credential_length", 8)
	v.SetDefault("accounts.sync_interval", "1m")
	v.SetDefault("accounts.live_sync", false)
	v.SetDefault("accounts.balance_fetch_timeout", "5s")
	v.SetDefault("accounts.breaker_failures", 3)
	v.SetDefault("accounts.breaker_open_timeout", "1m")

	v.SetDefault("orders.min_delay", "1s")
	v.SetDefault("orders.max_delay", "3s")
	v.SetDefault("orders.max_slippage", 0.001)
	v.SetDefault("orders.failure_rate", 0.02)

	v.SetDefault("algo.twap_slices", 10)
	v.SetDefault("algo.twap_interval", "30s")
	v.SetDefault("algo.vwap_buckets", 8)
	v.SetDefault("algo.vwap_interval", "30s")
	v.SetDefault("algo.iceberg_visible_fraction", 0.1)
	v.SetDefault("algo.iceberg_max_failures", 3)
	v.SetDefault("algo.iceberg_retry_interval", "1s")
	v.SetDefault("algo.sniper_poll_interval", "2s")
	v.SetDefault("algo.sniper_max_wait", "10m")
	v.SetDefault("algo.fill_tolerance", 0.99)

	v.SetDefault("risk.max_position_size", 0.10)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.correlation_limit", 0.80)
	v.SetDefault("risk.leverage_limit", 1.0)
	v.SetDefault("risk.stop_loss", 0.05)
	v.SetDefault("risk.take_profit", 0.10)
	v.SetDefault("risk.monitor_interval", "30s")
	v.SetDefault("risk.alert_cooldown", "5m")
	v.SetDefault("risk.var_confidence", 0.95)

	v.SetDefault("arbitrage.scan_interval", "10s")
	v.SetDefault("arbitrage.min_spread", 0.005)
	v.SetDefault("arbitrage.position_fraction", 0.1)
	v.SetDefault("arbitrage.symbols", []string{"BTC", "ETH", "SOL", "XRP", "ADA"})
	v.SetDefault("arbitrage.auto_execute", false)
	v.SetDefault("arbitrage.trade_amount", 0.0)

	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.log", true)
	v.SetDefault("notifications.webhook.timeout", "5s")
	v.SetDefault("notifications.webhook.retry_count", 2)
	v.SetDefault("notifications.webhook.rate_limit", 5.0)
	v.SetDefault("notifications.kafka.topic", "simtrader.notifications")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.webhook_secret", names.WebhookSecret)
	v.SetDefault("gcp.secret_names.market_data_api_key", names.MarketDataAPIKey)
	v.SetDefault("gcp.secret_names.kafka_password", names.KafkaPassword)
	v.SetDefault("gcp.secret_names.postgres_password", names.PostgresPassword)
}

func overrideFromEnv(config *Config) {
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		config.Notifications.Webhook.Secret = secret
	}
	if key := os.Getenv("MARKET_DATA_API_KEY"); key != "" {
		config.MarketData.APIKey = key
	}
	if password := os.Getenv("KAFKA_PASSWORD"); password != "" {
		config.Notifications.Kafka.Password = password
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Storage.Postgres.ConnString = dsn
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// ApplySecrets fills credentials that are still empty from the secret store.
func ApplySecrets(ctx context.Context, config *Config, g secrets.Getter, logger *logrus.Logger) {
	names := config.GCP.SecretNames
	if config.Notifications.Webhook.Secret == "" {
		config.Notifications.Webhook.Secret = secrets.WithDefault(ctx, g, names.WebhookSecret, "", logger)
	}
	if config.MarketData.APIKey == "" {
		config.MarketData.APIKey = secrets.WithDefault(ctx, g, names.MarketDataAPIKey, "", logger)
	}
	if config.Notifications.Kafka.Password == "" {
		config.Notifications.Kafka.Password = secrets.WithDefault(ctx, g, names.KafkaPassword, "", logger)
	}
	if config.Storage.Postgres.Password == "" {
		config.Storage.Postgres.Password = secrets.WithDefault(ctx, g, names.PostgresPassword, "", logger)
	}
	logger.Info("Loaded secrets from GCP Secret Manager")
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "file", "postgres":
	default:
		return fmt.Errorf("invalid storage.driver %q", c.Storage.Driver)
	}
	switch c.MarketData.Provider {
	case "none", "http", "stream":
	default:
		return fmt.Errorf("invalid market_data.provider %q", c.MarketData.Provider)
	}
	if c.MarketData.Provider == "http" && c.MarketData.BaseURL == "" {
		return fmt.Errorf("market_data.base_url is required for the http provider")
	}
	if c.MarketData.Provider == "stream" && c.MarketData.StreamURL == "" {
		return fmt.Errorf("market_data.stream_url is required for the stream provider")
	}
	if c.Orders.MaxDelay < c.Orders.MinDelay {
		return fmt.Errorf("orders.max_delay must not be below orders.min_delay")
	}
	if c.Orders.FailureRate < 0 || c.Orders.FailureRate > 1 {
		return fmt.Errorf("orders.failure_rate must be within [0, 1]")
	}
	if c.Accounts.InitialCash < 0 {
		return fmt.Errorf("accounts.initial_cash must not be negative")
	}
	return nil
}

// ExchangeConfigs converts the configured catalog, or returns the built-in
// one when none is configured.
func (c *Config) ExchangeConfigs() []models.ExchangeConfig {
	if len(c.Exchanges) == 0 {
		return exchange.DefaultExchanges()
	}
	out := make([]models.ExchangeConfig, 0, len(c.Exchanges))
	for _, e := range c.Exchanges {
		types := make([]models.OrderType, 0, len(e.OrderTypes))
		for _, t := range e.OrderTypes {
			types = append(types, models.OrderType(strings.ToLower(t)))
		}
		out = append(out, models.ExchangeConfig{
			ID:             e.ID,
			Name:           e.Name,
			OrderTypes:     types,
			Fees:           models.FeeStructure{Maker: decimal.NewFromFloat(e.MakerFee), Taker: decimal.NewFromFloat(e.TakerFee)},
			MinOrderSize:   decimals(e.MinOrderSize),
			WithdrawalFees: decimals(e.WithdrawalFees),
			APIBaseURL:     e.APIBaseURL,
			QuoteCurrency:  e.QuoteCurrency,
		})
	}
	return out
}

// RiskPolicy is the configured starting policy.
func (c *Config) RiskPolicy() models.RiskPolicy {
	r := c.Risk
	return models.RiskPolicy{
		MaxPositionSize:  decimal.NewFromFloat(r.MaxPositionSize),
		MaxDailyLoss:     decimal.NewFromFloat(r.MaxDailyLoss),
		MaxDrawdown:      decimal.NewFromFloat(r.MaxDrawdown),
		CorrelationLimit: decimal.NewFromFloat(r.CorrelationLimit),
		LeverageLimit:    decimal.NewFromFloat(r.LeverageLimit),
		StopLoss:         decimal.NewFromFloat(r.StopLoss),
		TakeProfit:       decimal.NewFromFloat(r.TakeProfit),
	}
}

func decimals(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		key := strings.ToUpper(k)
		if strings.EqualFold(k, models.DefaultSymbolKey) {
			key = models.DefaultSymbolKey
		}
		out[key] = decimal.NewFromFloat(v)
	}
	return out
}
