// Package config defines the process configuration. Config is loaded from an
// optional YAML file with every field overridable via WEAVER_* environment
// variables (WEAVER_SERVER_PORT, WEAVER_STORAGE_URL, ...).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/weaverhq/weaver/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	SSE      SSEConfig      `mapstructure:"sse"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// StorageConfig selects the persistence backend. An empty URL runs everything
// in memory.
type StorageConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// ExchangeConfig holds the adapter selection and credentials. Secrets come
// from WEAVER_EXCHANGE_API_KEY and WEAVER_EXCHANGE_API_SECRET.
type ExchangeConfig struct {
	Adapter   string `mapstructure:"adapter"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	StreamURL string `mapstructure:"stream_url"`
	Paper     bool   `mapstructure:"paper"`
}

// BacktestConfig holds the simulator defaults applied to every backtest run.
type BacktestConfig struct {
	MarketFill      string `mapstructure:"market_fill"`
	SlippageBps     string `mapstructure:"slippage_bps"`
	CommissionBps   string `mapstructure:"commission_bps"`
	CommissionFloor string `mapstructure:"commission_floor"`
	InitialCash     string `mapstructure:"initial_cash"`
}

// SSEConfig tunes the event stream endpoint.
type SSEConfig struct {
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	ClientCapacity int           `mapstructure:"client_capacity"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file (optional) and applies WEAVER_* environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEAVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("storage.url", "")
	v.SetDefault("storage.migrate", true)

	v.SetDefault("exchange.adapter", "mock")
	// Empty defaults register the keys so AutomaticEnv can bind the
	// WEAVER_EXCHANGE_API_KEY / _SECRET overrides.
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("exchange.stream_url", "wss://stream.data.alpaca.markets/v2/iex")
	v.SetDefault("exchange.paper", true)

	v.SetDefault("backtest.market_fill", "close")
	v.SetDefault("backtest.slippage_bps", "5")
	v.SetDefault("backtest.commission_bps", "10")
	v.SetDefault("backtest.commission_floor", "0.01")
	v.SetDefault("backtest.initial_cash", "100000")

	v.SetDefault("sse.heartbeat", 30*time.Second)
	v.SetDefault("sse.client_capacity", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", types.ErrValidation, c.Server.Port)
	}
	if c.SSE.Heartbeat <= 0 {
		return fmt.Errorf("%w: sse.heartbeat must be positive", types.ErrValidation)
	}
	if c.SSE.ClientCapacity <= 0 {
		return fmt.Errorf("%w: sse.client_capacity must be positive", types.ErrValidation)
	}
	switch c.Backtest.MarketFill {
	case "open", "close", "vwap", "worst":
	default:
		return fmt.Errorf("%w: backtest.market_fill %q is not one of open, close, vwap, worst", types.ErrValidation, c.Backtest.MarketFill)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: logging.format %q is not console or json", types.ErrValidation, c.Logging.Format)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
