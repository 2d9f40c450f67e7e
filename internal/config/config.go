// Package config provides configuration management for the ledger service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when a value is unset.
const (
	defaultDataDir          = "data"
	defaultStartingBalance  = 10000.0
	defaultMaxOpenPositions = 10
	defaultBrokerTimeout    = 8 * time.Second
	defaultOrderCacheTTL    = 30 * time.Second
	defaultReconcileOwner   = "broker"
	defaultPort             = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Storage     StorageConfig     `yaml:"storage"`
	Risk        RiskConfig        `yaml:"risk"`
	Broker      BrokerConfig      `yaml:"broker"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// StorageConfig selects where trades are kept. User portfolios always live
// as JSON documents under DataDir; Driver selects the shared relational
// store used for reconciled broker trades.
type StorageConfig struct {
	DataDir         string  `yaml:"data_dir"`
	StartingBalance float64 `yaml:"starting_balance"`
	Driver          string  `yaml:"driver"` // none | sqlite | postgres
	DSN             string  `yaml:"dsn"`
}

// RiskConfig defines limits enforced when opening trades.
type RiskConfig struct {
	MaxOpenPositions int `yaml:"max_open_positions"`
	MaxContracts     int `yaml:"max_contracts"` // 0 disables the check
}

// BrokerConfig defines the broker collaborator.
type BrokerConfig struct {
	Provider      string  `yaml:"provider"` // none | alpaca | file
	APIKey        string  `yaml:"api_key"`
	APISecret     string  `yaml:"api_secret"`
	BaseURL       string  `yaml:"base_url"`
	SnapshotPath  string  `yaml:"snapshot_path"` // provider "file"
	Timeout       string  `yaml:"timeout"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	OrderCacheTTL string  `yaml:"order_cache_ttl"`
}

// ReconcileConfig defines how broker history is reconciled.
type ReconcileConfig struct {
	Owner        string `yaml:"owner"`
	LookbackDays int    `yaml:"lookback_days"` // 0 reads the whole history
}

// ServerConfig defines the HTTP boundary.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path. A
// .env file next to it, if present, is loaded into the environment first;
// variables already set take precedence.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envPath, err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate fills defaults and checks that all values are consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if _, err := logrus.ParseLevel(c.Environment.LogLevel); err != nil {
		return fmt.Errorf("environment.log_level invalid: %w", err)
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	if c.Storage.StartingBalance < 0 {
		return fmt.Errorf("storage.starting_balance must be >= 0")
	}
	switch c.Storage.Driver {
	case "none", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'none', 'sqlite' or 'postgres'")
	}

	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if c.Risk.MaxContracts < 0 {
		return fmt.Errorf("risk.max_contracts must be >= 0")
	}

	switch c.Broker.Provider {
	case "none":
	case "alpaca":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_key and broker.api_secret are required for the alpaca provider")
		}
	case "file":
		if c.Broker.SnapshotPath == "" {
			return fmt.Errorf("broker.snapshot_path is required for the file provider")
		}
	default:
		return fmt.Errorf("broker.provider must be 'none', 'alpaca' or 'file'")
	}
	if d, err := time.ParseDuration(c.Broker.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("broker.timeout must be a positive duration (got %q)", c.Broker.Timeout)
	}
	if d, err := time.ParseDuration(c.Broker.OrderCacheTTL); err != nil || d < 0 {
		return fmt.Errorf("broker.order_cache_ttl must be a non-negative duration (got %q)", c.Broker.OrderCacheTTL)
	}
	if c.Broker.RatePerSecond < 0 {
		return fmt.Errorf("broker.rate_per_second must be >= 0")
	}

	if strings.TrimSpace(c.Reconcile.Owner) == "" {
		return fmt.Errorf("reconcile.owner is required")
	}
	if c.Reconcile.LookbackDays < 0 {
		return fmt.Errorf("reconcile.lookback_days must be >= 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// normalize sets default values for unset fields.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.StartingBalance == 0 {
		c.Storage.StartingBalance = defaultStartingBalance
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = defaultMaxOpenPositions
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "none"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout.String()
	}
	if c.Broker.OrderCacheTTL == "" {
		c.Broker.OrderCacheTTL = defaultOrderCacheTTL.String()
	}
	if c.Reconcile.Owner == "" {
		c.Reconcile.Owner = defaultReconcileOwner
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
}

// IsPaperTrading returns true when the broker's paper endpoint is used.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// BrokerTimeout returns the per-call broker timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil || d <= 0 {
		return defaultBrokerTimeout
	}
	return d
}

// OrderCacheTTL returns how long fetched order history is reused.
func (c *Config) OrderCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Broker.OrderCacheTTL)
	if err != nil || d < 0 {
		return defaultOrderCacheTTL
	}
	return d
}

// NewLogger builds the process logger from the environment section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.Environment.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
