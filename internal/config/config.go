// Package config loads the collector's runtime configuration from an
// optional YAML file overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/okxtap/internal/schema"
)

// Config is the resolved runtime configuration.
type Config struct {
	WSURL             string
	Instruments       []string
	Channels          []string
	BatchMaxSize      int
	FlushInterval     time.Duration
	SnapshotInterval  time.Duration
	OrderbookMaxDepth int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MetricsPort       int
	LogLevel          string
	DatabaseURL       string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		WSURL:       "wss://ws.okx.com:8443/ws/v5/public",
		Instruments: []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP"},
		Channels: []string{
			"trades", "books-l2-tbt", "tickers", "funding-rate",
			"mark-price", "open-interest", "index-tickers", "liquidation-orders",
		},
		BatchMaxSize:      5000,
		FlushInterval:     5 * time.Second,
		SnapshotInterval:  30 * time.Second,
		OrderbookMaxDepth: 50,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        30 * time.Second,
		MetricsPort:       9090,
		LogLevel:          "info",
	}
}

// fileConfig mirrors Config in YAML form. Durations use the same units as
// the corresponding environment variables.
type fileConfig struct {
	WSURL               *string  `yaml:"ws_url"`
	Instruments         []string `yaml:"instruments"`
	Channels            []string `yaml:"channels"`
	BatchMaxSize        *int     `yaml:"batch_max_size"`
	FlushIntervalMs     *int     `yaml:"flush_interval_ms"`
	SnapshotIntervalSec *int     `yaml:"snapshot_interval_sec"`
	OrderbookMaxDepth   *int     `yaml:"orderbook_max_depth"`
	BackoffBase         *float64 `yaml:"backoff_base"`
	BackoffCap          *float64 `yaml:"backoff_cap"`
	MetricsPort         *int     `yaml:"metrics_port"`
	LogLevel            *string  `yaml:"log_level"`
	DatabaseURL         *string  `yaml:"database_url"`
}

// Load resolves the configuration. Precedence, lowest first: built-in
// defaults, the YAML file at path (skipped when path is empty), environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(buf, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.WSURL != nil {
		cfg.WSURL = *fc.WSURL
	}
	if len(fc.Instruments) > 0 {
		cfg.Instruments = fc.Instruments
	}
	if len(fc.Channels) > 0 {
		cfg.Channels = fc.Channels
	}
	if fc.BatchMaxSize != nil {
		cfg.BatchMaxSize = *fc.BatchMaxSize
	}
	if fc.FlushIntervalMs != nil {
		cfg.FlushInterval = time.Duration(*fc.FlushIntervalMs) * time.Millisecond
	}
	if fc.SnapshotIntervalSec != nil {
		cfg.SnapshotInterval = time.Duration(*fc.SnapshotIntervalSec) * time.Second
	}
	if fc.OrderbookMaxDepth != nil {
		cfg.OrderbookMaxDepth = *fc.OrderbookMaxDepth
	}
	if fc.BackoffBase != nil {
		cfg.BackoffBase = secondsToDuration(*fc.BackoffBase)
	}
	if fc.BackoffCap != nil {
		cfg.BackoffCap = secondsToDuration(*fc.BackoffCap)
	}
	if fc.MetricsPort != nil {
		cfg.MetricsPort = *fc.MetricsPort
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.DatabaseURL != nil {
		cfg.DatabaseURL = *fc.DatabaseURL
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("WS_URL")); v != "" {
		cfg.WSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INSTRUMENTS")); v != "" {
		cfg.Instruments = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("CHANNELS")); v != "" {
		cfg.Channels = splitList(v)
	}
	var err error
	if cfg.BatchMaxSize, err = envInt("BATCH_MAX_SIZE", cfg.BatchMaxSize); err != nil {
		return err
	}
	if ms, e := envInt("FLUSH_INTERVAL_MS", int(cfg.FlushInterval/time.Millisecond)); e != nil {
		return e
	} else {
		cfg.FlushInterval = time.Duration(ms) * time.Millisecond
	}
	if sec, e := envInt("SNAPSHOT_INTERVAL_SEC", int(cfg.SnapshotInterval/time.Second)); e != nil {
		return e
	} else {
		cfg.SnapshotInterval = time.Duration(sec) * time.Second
	}
	if cfg.OrderbookMaxDepth, err = envInt("ORDERBOOK_MAX_DEPTH", cfg.OrderbookMaxDepth); err != nil {
		return err
	}
	if sec, e := envFloat("BACKOFF_BASE", cfg.BackoffBase.Seconds()); e != nil {
		return e
	} else {
		cfg.BackoffBase = secondsToDuration(sec)
	}
	if sec, e := envFloat("BACKOFF_CAP", cfg.BackoffCap.Seconds()); e != nil {
		return e
	} else {
		cfg.BackoffCap = secondsToDuration(sec)
	}
	if cfg.MetricsPort, err = envInt("METRICS_PORT", cfg.MetricsPort); err != nil {
		return err
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	return nil
}

func (c Config) validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("ws_url required")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel required")
	}
	for _, ch := range c.Channels {
		if _, ok := schema.KindForChannel(ch); !ok {
			return fmt.Errorf("unsupported channel %q", ch)
		}
	}
	if c.BatchMaxSize <= 0 {
		return fmt.Errorf("batch_max_size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval_ms must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval_sec must be positive")
	}
	if c.OrderbookMaxDepth <= 0 {
		return fmt.Errorf("orderbook_max_depth must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff window invalid: base=%s cap=%s", c.BackoffBase, c.BackoffCap)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", c.MetricsPort)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url required")
	}
	return nil
}

// BookChannel reports the first configured order-book channel, empty when
// none is configured.
func (c Config) BookChannel() string {
	for _, ch := range c.Channels {
		if kind, ok := schema.KindForChannel(ch); ok && kind == schema.KindBook {
			return ch
		}
	}
	return ""
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(name string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

func envFloat(name string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
