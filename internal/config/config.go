// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Engine    EngineConfig    `yaml:"engine"`
	Health    HealthConfig    `yaml:"health"`
	System    SystemConfig    `yaml:"system"`
	Alert     AlertConfig     `yaml:"alert"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ExchangeConfig contains exchange credentials and client settings
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	// UseTestnet routes all requests to the sandbox endpoint
	UseTestnet bool `yaml:"use_testnet"`
	// MinRequestIntervalMs is the process-wide spacing between outbound requests
	MinRequestIntervalMs int  `yaml:"min_request_interval_ms"`
	EnablePriceStream    bool `yaml:"enable_price_stream"`
}

// EngineConfig contains scheduler and order manager settings
type EngineConfig struct {
	DataDir string `yaml:"data_dir"`
	// TickIntervalSec is the scheduler pass interval
	TickIntervalSec int `yaml:"tick_interval_sec"`
	// OrderTimeoutSec cancels still-open orders older than this (3-5 minutes)
	OrderTimeoutSec int `yaml:"order_timeout_sec"`
	// GhostTimeoutSec cancels SUBMITTED orders the exchange no longer reports
	GhostTimeoutSec int `yaml:"ghost_timeout_sec"`
	// MaxConsecutiveErrors auto-deactivates a strategy at this error count
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
	// RiskAlertCooldownMin rate-limits risk-denial notifications per strategy
	RiskAlertCooldownMin int `yaml:"risk_alert_cooldown_min"`
}

// HealthConfig contains health monitor settings
type HealthConfig struct {
	IntervalMin int  `yaml:"interval_min"`
	AutoDisable bool `yaml:"auto_disable"`
	// MaxErrors disables a strategy when a sweep finds this many errors
	MaxErrors int `yaml:"max_errors"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	HTTPHost     string `yaml:"http_host"`
	HTTPPort     int    `yaml:"http_port"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// AlertConfig contains notification sink credentials
type AlertConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Default returns a configuration with every tunable at its default
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			MinRequestIntervalMs: 500,
		},
		Engine: EngineConfig{
			DataDir:              "data",
			TickIntervalSec:      60,
			OrderTimeoutSec:      240,
			GhostTimeoutSec:      300,
			MaxConsecutiveErrors: 5,
			RiskAlertCooldownMin: 20,
		},
		Health: HealthConfig{
			IntervalMin: 5,
			AutoDisable: true,
			MaxErrors:   3,
		},
		System: SystemConfig{
			LogLevel: "INFO",
			HTTPHost: "127.0.0.1",
			HTTPPort: 8080,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, then overlays process environment variables. A missing file is
// not an error; the environment alone is a valid configuration source.
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err == nil {
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays the well-known environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchange.SecretKey = v
	}
	if v := os.Getenv("USE_TESTNET"); v != "" {
		c.Exchange.UseTestnet = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
	if v := os.Getenv("HTTP_HOST"); v != "" {
		c.System.HTTPHost = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.System.HTTPPort = port
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Alert.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Alert.TelegramChatID = v
	}
}

// ReadOnly reports whether order actions are unavailable (no credentials)
func (c *Config) ReadOnly() bool {
	return c.Exchange.APIKey == "" || c.Exchange.SecretKey == ""
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.DataDir == "" {
		errs = append(errs, ValidationError{"engine.data_dir", c.Engine.DataDir, "must not be empty"}.Error())
	}
	if c.Engine.TickIntervalSec < 1 || c.Engine.TickIntervalSec > 3600 {
		errs = append(errs, ValidationError{"engine.tick_interval_sec", c.Engine.TickIntervalSec, "must be in [1,3600]"}.Error())
	}
	if c.Engine.OrderTimeoutSec < 60 || c.Engine.OrderTimeoutSec > 600 {
		errs = append(errs, ValidationError{"engine.order_timeout_sec", c.Engine.OrderTimeoutSec, "must be in [60,600]"}.Error())
	}
	if c.Engine.GhostTimeoutSec < 60 || c.Engine.GhostTimeoutSec > 600 {
		errs = append(errs, ValidationError{"engine.ghost_timeout_sec", c.Engine.GhostTimeoutSec, "must be in [60,600]"}.Error())
	}
	if c.Engine.MaxConsecutiveErrors < 1 || c.Engine.MaxConsecutiveErrors > 100 {
		errs = append(errs, ValidationError{"engine.max_consecutive_errors", c.Engine.MaxConsecutiveErrors, "must be in [1,100]"}.Error())
	}
	if c.Exchange.MinRequestIntervalMs < 1 || c.Exchange.MinRequestIntervalMs > 60000 {
		errs = append(errs, ValidationError{"exchange.min_request_interval_ms", c.Exchange.MinRequestIntervalMs, "must be in [1,60000]"}.Error())
	}
	if c.Health.IntervalMin < 1 || c.Health.IntervalMin > 1440 {
		errs = append(errs, ValidationError{"health.interval_min", c.Health.IntervalMin, "must be in [1,1440]"}.Error())
	}
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		errs = append(errs, ValidationError{"system.log_level", c.System.LogLevel, "must be one of DEBUG INFO WARN ERROR FATAL"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// TickInterval returns the scheduler interval as a duration
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalSec) * time.Second
}

// OrderTimeout returns the order timeout as a duration
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Engine.OrderTimeoutSec) * time.Second
}

// GhostTimeout returns the ghost-order timeout as a duration
func (c *Config) GhostTimeout() time.Duration {
	return time.Duration(c.Engine.GhostTimeoutSec) * time.Second
}

// RiskAlertCooldown returns the risk-denial notification cooldown
func (c *Config) RiskAlertCooldown() time.Duration {
	return time.Duration(c.Engine.RiskAlertCooldownMin) * time.Minute
}

// expandEnvVars expands ${VAR} references in the YAML content
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
