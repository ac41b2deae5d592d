package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregtusar/simtrader/internal/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simtrader",
		Short: "Simulated multi-exchange crypto trading service",
		Long: `Connects sandboxed exchange accounts, simulates order execution against a
live or synthetic price feed, runs TWAP/VWAP/iceberg/sniper algorithms, enforces
risk policy and scans for cross-exchange arbitrage.`,
		RunE: runServer,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.AddCommand(checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadEnv(logrus.StandardLogger())
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: storage=%s market_data=%s exchanges=%d\n",
				cfg.Storage.Driver, cfg.MarketData.Provider, len(cfg.ExchangeConfigs()))
			return nil
		},
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	loadEnv(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Error("Failed to load configuration")
		return err
	}
	closeLog, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialise")
		return err
	}

	logger.Info("Simtrader is running. Press Ctrl+C to stop.")
	err = app.Run(ctx)
	app.Shutdown()
	if err != nil {
		logger.WithError(err).Error("Simtrader stopped with error")
		return err
	}
	logger.Info("Simtrader stopped")
	return nil
}

func loadEnv(logger *logrus.Logger) {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).WithField("file", envFile).Warn("Failed to load env file")
	}
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) (func(), error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return func() { f.Close() }, nil
}
