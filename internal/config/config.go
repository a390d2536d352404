// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Market    MarketConfig    `yaml:"market"`
	Trading   TradingConfig   `yaml:"trading"`
	Execution ExecutionConfig `yaml:"execution"`
	Feed      FeedConfig      `yaml:"feed"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name                 string `yaml:"name"`
	Env                  string `yaml:"env" validate:"oneof=dev staging prod"`
	LogLevel             string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds" validate:"min=1,max=120"`
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// RedisConfig contains realtime cache settings
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password Secret `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0,max=15"`
}

// MarketConfig contains market session settings
type MarketConfig struct {
	Timezone    string `yaml:"timezone" validate:"required"`
	OpenHour    int    `yaml:"open_hour" validate:"min=0,max=23"`
	OpenMinute  int    `yaml:"open_minute" validate:"min=0,max=59"`
	CloseHour   int    `yaml:"close_hour" validate:"min=0,max=23"`
	CloseMinute int    `yaml:"close_minute" validate:"min=0,max=59"`
}

// TradingConfig contains admission limits and account seeding
type TradingConfig struct {
	InitialCash             int64 `yaml:"initial_cash" validate:"required,min=1"`
	MaxQuantity             int64 `yaml:"max_quantity" validate:"required,min=1"`
	MaxPrice                int64 `yaml:"max_price" validate:"required,min=1"`
	FreshnessWindowSeconds  int   `yaml:"freshness_window_seconds" validate:"min=1,max=3600"`
	HistoryPageLimit        int   `yaml:"history_page_limit" validate:"min=1,max=1000"`
	SuspendOnRepeatedAbuse  bool  `yaml:"suspend_on_repeated_abuse"`
	AbuseRejectionThreshold int   `yaml:"abuse_rejection_threshold" validate:"min=1,max=1000"`
}

// ExecutionConfig contains execution bus and worker settings
type ExecutionConfig struct {
	ActivePartitions    int     `yaml:"active_partitions" validate:"min=1,max=64"`
	RetryPartitions     int     `yaml:"retry_partitions" validate:"min=1,max=64"`
	QueueCapacity       int     `yaml:"queue_capacity" validate:"min=1,max=100000"`
	MaxRetries          int     `yaml:"max_retries" validate:"min=0,max=100"`
	RetryDelaySeconds   int     `yaml:"retry_delay_seconds" validate:"min=1,max=3600"`
	FillRateFloor       float64 `yaml:"fill_rate_floor" validate:"min=0,max=1"`
	FillRateSpread      float64 `yaml:"fill_rate_spread" validate:"min=0,max=1"`
	RecoverOnStartup    bool    `yaml:"recover_on_startup"`
	RedeliveryDelayMS   int     `yaml:"redelivery_delay_ms" validate:"min=1,max=60000"`
	AckTimeoutSeconds   int     `yaml:"ack_timeout_seconds" validate:"min=1,max=600"`
	HousekeepingMinutes int     `yaml:"housekeeping_minutes" validate:"min=1,max=1440"`
}

// FeedConfig contains realtime price feed settings
type FeedConfig struct {
	Enabled           bool     `yaml:"enabled"`
	BaseURL           string   `yaml:"base_url"`
	WSURL             string   `yaml:"ws_url"`
	AppKey            Secret   `yaml:"app_key"`
	AppSecret         Secret   `yaml:"app_secret"`
	Tickers           []string `yaml:"tickers"`
	RefreshIntervalMS int      `yaml:"refresh_interval_ms" validate:"min=10,max=60000"`
}

// AlertsConfig contains outbound alert channel settings
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SchedulerConfig contains cron specs for recurring market jobs
type SchedulerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PreOpenRefresh   string `yaml:"pre_open_refresh"`
	MarketOpen       string `yaml:"market_open"`
	MarketClose      string `yaml:"market_close"`
	RetryCleanup     string `yaml:"retry_cleanup"`
	HealthReport     string `yaml:"health_report"`
	OpenerBatchLimit int    `yaml:"opener_batch_limit" validate:"min=1,max=10000"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateDatabaseConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateRedisConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateMarketConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateExecutionConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateFeedConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	if c.Database.Path == "" {
		return ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		}
	}
	return nil
}

func (c *Config) validateRedisConfig() error {
	if c.Redis.Addr == "" {
		return ValidationError{
			Field:   "redis.addr",
			Message: "redis address is required",
		}
	}
	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		return ValidationError{
			Field:   "redis.db",
			Value:   c.Redis.DB,
			Message: "must be between 0 and 15",
		}
	}
	return nil
}

func (c *Config) validateMarketConfig() error {
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return ValidationError{
			Field:   "market.timezone",
			Value:   c.Market.Timezone,
			Message: "unknown timezone",
		}
	}

	openAt := c.Market.OpenHour*60 + c.Market.OpenMinute
	closeAt := c.Market.CloseHour*60 + c.Market.CloseMinute
	if openAt >= closeAt {
		return ValidationError{
			Field:   "market.open_hour",
			Value:   fmt.Sprintf("%02d:%02d", c.Market.OpenHour, c.Market.OpenMinute),
			Message: "session open must precede session close",
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.InitialCash <= 0 {
		return ValidationError{
			Field:   "trading.initial_cash",
			Value:   c.Trading.InitialCash,
			Message: "initial cash must be positive",
		}
	}
	if c.Trading.MaxQuantity <= 0 {
		return ValidationError{
			Field:   "trading.max_quantity",
			Value:   c.Trading.MaxQuantity,
			Message: "max quantity must be positive",
		}
	}
	if c.Trading.MaxPrice <= 0 {
		return ValidationError{
			Field:   "trading.max_price",
			Value:   c.Trading.MaxPrice,
			Message: "max price must be positive",
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.FillRateFloor < 0 || c.Execution.FillRateFloor > 1 {
		return ValidationError{
			Field:   "execution.fill_rate_floor",
			Value:   c.Execution.FillRateFloor,
			Message: "must be a probability between 0 and 1",
		}
	}
	if c.Execution.FillRateSpread < 0 || c.Execution.FillRateFloor+c.Execution.FillRateSpread > 1 {
		return ValidationError{
			Field:   "execution.fill_rate_spread",
			Value:   c.Execution.FillRateSpread,
			Message: "floor plus spread must not exceed 1",
		}
	}
	if c.Execution.ActivePartitions < 1 {
		return ValidationError{
			Field:   "execution.active_partitions",
			Value:   c.Execution.ActivePartitions,
			Message: "at least one partition is required",
		}
	}
	if c.Execution.RetryPartitions < 1 {
		return ValidationError{
			Field:   "execution.retry_partitions",
			Value:   c.Execution.RetryPartitions,
			Message: "at least one partition is required",
		}
	}
	if c.Execution.MaxRetries < 0 {
		return ValidationError{
			Field:   "execution.max_retries",
			Value:   c.Execution.MaxRetries,
			Message: "max retries cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateFeedConfig() error {
	if !c.Feed.Enabled {
		return nil // Skip validation if disabled
	}
	if c.Feed.WSURL == "" {
		return ValidationError{
			Field:   "feed.ws_url",
			Message: "websocket URL is required when the feed is enabled",
		}
	}
	if len(c.Feed.Tickers) == 0 {
		return ValidationError{
			Field:   "feed.tickers",
			Message: "at least one ticker must be subscribed when the feed is enabled",
		}
	}
	return nil
}

// Location resolves the configured market timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load market timezone %q: %w", c.Market.Timezone, err)
	}
	return loc, nil
}

// RetryDelay returns the configured retry delay as a duration
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Execution.RetryDelaySeconds) * time.Second
}

// FreshnessWindow returns the configured price freshness window as a duration
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Trading.FreshnessWindowSeconds) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	// Secret fields redact themselves during marshaling
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"FEED_APP_KEY", "FEED_APP_SECRET",
		"REDIS_PASSWORD",
		"SLACK_WEBHOOK_URL", "TELEGRAM_BOT_TOKEN",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; LoadConfig overlays YAML on top of it
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:                 "stock-trader",
			Env:                  "dev",
			LogLevel:             "INFO",
			ShutdownGraceSeconds: 15,
		},
		Database: DatabaseConfig{
			Path: "data/trader.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Market: MarketConfig{
			Timezone:    "Asia/Seoul",
			OpenHour:    9,
			OpenMinute:  0,
			CloseHour:   15,
			CloseMinute: 30,
		},
		Trading: TradingConfig{
			InitialCash:             1_000_000,
			MaxQuantity:             10_000,
			MaxPrice:                10_000_000,
			FreshnessWindowSeconds:  300,
			HistoryPageLimit:        100,
			SuspendOnRepeatedAbuse:  false,
			AbuseRejectionThreshold: 50,
		},
		Execution: ExecutionConfig{
			ActivePartitions:    3,
			RetryPartitions:     1,
			QueueCapacity:       1024,
			MaxRetries:          5,
			RetryDelaySeconds:   180,
			FillRateFloor:       0.65,
			FillRateSpread:      0.10,
			RecoverOnStartup:    true,
			RedeliveryDelayMS:   500,
			AckTimeoutSeconds:   30,
			HousekeepingMinutes: 60,
		},
		Feed: FeedConfig{
			Enabled:           false,
			BaseURL:           "http://localhost:8090",
			WSURL:             "ws://localhost:8090/ws",
			Tickers:           []string{"005930", "000660", "035420", "051910", "006400"},
			RefreshIntervalMS: 100,
		},
		Alerts: AlertsConfig{
			Enabled: false,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			PreOpenRefresh:   "0 50 8 * * MON-FRI",
			MarketOpen:       "0 0 9 * * MON-FRI",
			MarketClose:      "0 35 15 * * MON-FRI",
			RetryCleanup:     "0 0 0 * * *",
			HealthReport:     "0 */30 * * * *",
			OpenerBatchLimit: 500,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9464,
			EnableMetrics: true,
		},
	}
}
