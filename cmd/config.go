package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/telemetry-broker/internal/broker"
	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/envelope"
	"procodus.dev/telemetry-broker/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment
// variables prefixed with BROKER_, e.g. BROKER_DB_HOST.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/telemetry-broker/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("BROKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	return logger.New(&logger.Config{
		Output: os.Stdout,
		Level:  logger.ParseLevel(viper.GetString("log.level")),
		Text:   viper.GetBool("log.text"),
	})
}

func dbConfig(l *slog.Logger) *store.DBConfig {
	return &store.DBConfig{
		Logger:       l,
		Host:         viper.GetString("db.host"),
		Port:         viper.GetInt("db.port"),
		User:         viper.GetString("db.user"),
		Password:     viper.GetString("db.password"),
		DBName:       viper.GetString("db.name"),
		SSLMode:      viper.GetString("db.sslmode"),
		MaxOpenConns: viper.GetInt("db.max_open_conns"),
	}
}

// newProcess builds the process context shared by the pipeline commands.
func newProcess(l *slog.Logger) (*broker.Process, error) {
	p, err := broker.New(&broker.Config{
		Logger:      l,
		DB:          dbConfig(l),
		RabbitMQURL: viper.GetString("rabbitmq.url"),
		HTTPPort:    viper.GetInt("http.port"),
		GRPCPort:    viper.GetInt("grpc.port"),
		RetryDelay:  viper.GetDuration("worker.retry_delay"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create process: %w", err)
	}

	l.Info("process configuration",
		"db_host", viper.GetString("db.host"),
		"db_port", viper.GetInt("db.port"),
		"db_name", viper.GetString("db.name"),
		"http_port", viper.GetInt("http.port"),
		"grpc_port", viper.GetInt("grpc.port"),
		"retry_delay", viper.GetDuration("worker.retry_delay"),
	)
	return p, nil
}

// newIngestor builds an Ingestor publishing to the physical exchange.
func newIngestor(p *broker.Process) (*ingest.Ingestor, error) {
	s, err := p.Store()
	if err != nil {
		return nil, err
	}
	pub, err := p.Publisher(envelope.PhysicalExchange)
	if err != nil {
		return nil, err
	}
	return ingest.NewIngestor(&ingest.Config{
		Logger:    p.Logger(),
		Store:     s,
		Publisher: pub,
		Metrics:   p.Metrics().Ingest,
	})
}
