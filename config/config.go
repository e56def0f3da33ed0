package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete bridge configuration.
type Config struct {
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Session SessionConfig `json:"session" yaml:"session"`
	Bridge  BridgeConfig  `json:"bridge" yaml:"bridge"`
	Retry   RetryConfig   `json:"retry" yaml:"retry"`
	Orders  OrdersConfig  `json:"orders" yaml:"orders"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
	Symbols SymbolsConfig `json:"symbols" yaml:"symbols"`
	Journal JournalConfig `json:"journal" yaml:"journal"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// BrokerConfig selects the backend and holds its credentials.
type BrokerConfig struct {
	Type     string  `json:"type" yaml:"type"` // "paper" or "mt5bridge"
	URL      string  `json:"url,omitempty" yaml:"url,omitempty"`
	Token    string  `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout  string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RateRPS  float64 `json:"rate_rps,omitempty" yaml:"rate_rps,omitempty"`
	Burst    int     `json:"burst,omitempty" yaml:"burst,omitempty"`
	Login    int64   `json:"login" yaml:"login"`
	Password string  `json:"password,omitempty" yaml:"password,omitempty"`
	Server   string  `json:"server" yaml:"server"`

	// Quotes seed the paper backend.
	Quotes []QuoteConfig `json:"quotes,omitempty" yaml:"quotes,omitempty"`
}

type QuoteConfig struct {
	Symbol string  `json:"symbol" yaml:"symbol"`
	Bid    float64 `json:"bid" yaml:"bid"`
	Ask    float64 `json:"ask" yaml:"ask"`
}

type SessionConfig struct {
	Cooldown       string `json:"cooldown" yaml:"cooldown"`
	ConnectTimeout string `json:"connect_timeout" yaml:"connect_timeout"`
}

type BridgeConfig struct {
	Workers int `json:"workers" yaml:"workers"`
}

type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   string `json:"base_delay" yaml:"base_delay"`
}

type OrdersConfig struct {
	Magic         int64   `json:"magic" yaml:"magic"`
	Deviation     int     `json:"deviation" yaml:"deviation"`
	CommentPrefix string  `json:"comment_prefix" yaml:"comment_prefix"`
	Filling       string  `json:"filling" yaml:"filling"`
	PipPoints     float64 `json:"pip_points" yaml:"pip_points"`
}

type MonitorConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	Interval          string        `json:"interval" yaml:"interval"`
	MinProfit         float64       `json:"min_profit" yaml:"min_profit"`
	DefaultMultiplier float64       `json:"default_multiplier" yaml:"default_multiplier"`
	Classes           []ClassConfig `json:"classes,omitempty" yaml:"classes,omitempty"`
}

// ClassConfig sets trailing parameters for symbols containing Match.
type ClassConfig struct {
	Name       string   `json:"name" yaml:"name"`
	Match      string   `json:"match" yaml:"match"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
	MinProfit  *float64 `json:"min_profit,omitempty" yaml:"min_profit,omitempty"`
}

type SymbolsConfig struct {
	Suffix  string            `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	Aliases map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

type JournalConfig struct {
	Type string `json:"type" yaml:"type"` // "sqlite", "badger" or "memory"
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// ParseDuration converts a duration string, treating "" as zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// MustDuration is ParseDuration for values already checked by Validate.
func MustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}

// LoadFromFile loads configuration from a file (YAML or JSON), overlays the
// environment and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv reads the given .env files into the process environment.
// Variables already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays secrets and overrides from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MT5_LOGIN"); v != "" {
		login, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MT5_LOGIN: %w", err)
		}
		c.Broker.Login = login
	}
	if v := os.Getenv("MT5_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("MT5_SERVER"); v != "" {
		c.Broker.Server = v
	}
	if v := os.Getenv("MT5_BRIDGE_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("MT5_BRIDGE_TOKEN"); v != "" {
		c.Broker.Token = v
	}
	if v := os.Getenv("TRADEBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case "paper":
	case "mt5bridge":
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url required for mt5bridge type")
		}
	default:
		return fmt.Errorf("broker.type must be 'paper' or 'mt5bridge'")
	}
	if c.Broker.Login <= 0 {
		return fmt.Errorf("broker.login must be positive")
	}
	for _, q := range c.Broker.Quotes {
		if q.Symbol == "" || q.Bid <= 0 || q.Ask < q.Bid {
			return fmt.Errorf("broker quote %q: need bid > 0 and ask >= bid", q.Symbol)
		}
	}
	if c.Broker.RateRPS < 0 {
		return fmt.Errorf("broker.rate_rps must not be negative")
	}

	durations := map[string]string{
		"broker.timeout":          c.Broker.Timeout,
		"session.cooldown":        c.Session.Cooldown,
		"session.connect_timeout": c.Session.ConnectTimeout,
		"retry.base_delay":        c.Retry.BaseDelay,
		"monitor.interval":        c.Monitor.Interval,
	}
	for name, v := range durations {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Bridge.Workers <= 0 {
		return fmt.Errorf("bridge.workers must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Orders.Deviation < 0 {
		return fmt.Errorf("orders.deviation must not be negative")
	}
	if f := c.Orders.Filling; f != "" && f != "ioc" && f != "fok" {
		return fmt.Errorf("orders.filling must be 'ioc' or 'fok'")
	}
	if c.Monitor.MinProfit < 0 {
		return fmt.Errorf("monitor.min_profit must not be negative")
	}
	for _, cl := range c.Monitor.Classes {
		if cl.Match == "" {
			return fmt.Errorf("monitor class %q: match is required", cl.Name)
		}
		if cl.Multiplier <= 0 {
			return fmt.Errorf("monitor class %q: multiplier must be positive", cl.Name)
		}
	}
	switch c.Journal.Type {
	case "memory":
	case "sqlite", "badger":
		if c.Journal.Path == "" {
			return fmt.Errorf("journal path required for %s type", c.Journal.Type)
		}
	default:
		return fmt.Errorf("journal.type must be 'sqlite', 'badger' or 'memory'")
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of trace|debug|info|warn|error")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Type:    "paper",
			Timeout: "10s",
			Login:   1000001,
			Server:  "Paper-Demo",
			Quotes: []QuoteConfig{
				{Symbol: "EURUSD", Bid: 1.08490, Ask: 1.08510},
				{Symbol: "BTCUSD", Bid: 50000, Ask: 50010},
			},
		},
		Session: SessionConfig{
			Cooldown:       "1s",
			ConnectTimeout: "30s",
		},
		Bridge: BridgeConfig{
			Workers: 4,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   "100ms",
		},
		Orders: OrdersConfig{
			Magic:         234000,
			Deviation:     20,
			CommentPrefix: "TV#",
			Filling:       "ioc",
			PipPoints:     10,
		},
		Monitor: MonitorConfig{
			Enabled:           true,
			Interval:          "1s",
			MinProfit:         10,
			DefaultMultiplier: 0.0001,
			Classes: []ClassConfig{
				{Name: "crypto", Match: "BTC", Multiplier: 0.1},
			},
		},
		Journal: JournalConfig{
			Type: "sqlite",
			Path: "./tradebridge.sqlite",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
