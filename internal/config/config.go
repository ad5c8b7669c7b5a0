// Package config loads and validates all process configuration. The
// process refuses to start on any validation failure: missing or weak
// secrets are exit code 1 territory, never a warning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Vault         VaultConfig         `mapstructure:"vault"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Market        MarketConfig        `mapstructure:"market"`
	Trading       TradingConfig       `mapstructure:"trading"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Breakers      BreakerConfig       `mapstructure:"breakers"`
	AI            AIConfig            `mapstructure:"ai"`
	Notifications NotificationConfig  `mapstructure:"notifications"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string   `mapstructure:"listen_addr"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	ReadTimeoutSec  int      `mapstructure:"read_timeout_sec"`
	WriteTimeoutSec int      `mapstructure:"write_timeout_sec"`
	IdleTimeoutSec  int      `mapstructure:"idle_timeout_sec"`
}

// DatabaseConfig contains PostgreSQL settings. URL wins when set;
// otherwise the DSN is assembled from the individual fields.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// VaultConfig holds the credential-encryption key.
type VaultConfig struct {
	// Key is the base64-encoded 32-byte AES key (VAULT_KEY).
	Key string `mapstructure:"key"`
}

// AuthConfig contains token issuance and 2FA settings.
type AuthConfig struct {
	JWTSecret       string  `mapstructure:"jwt_secret"`
	TokenTTLHours   int     `mapstructure:"token_ttl_hours"`
	TOTPIssuer      string  `mapstructure:"totp_issuer"`
	BcryptCost      int     `mapstructure:"bcrypt_cost"`
	LoginRatePerMin float64 `mapstructure:"login_rate_per_min"`
	LoginBurst      int     `mapstructure:"login_burst"`
}

// MarketConfig contains aggregator settings.
type MarketConfig struct {
	FreshnessTTLSec     int     `mapstructure:"freshness_ttl_sec"`
	SourceTimeoutSec    int     `mapstructure:"source_timeout_sec"`
	OrderQuoteMaxAgeSec int     `mapstructure:"order_quote_max_age_sec"`
	PollIntervalSec     int     `mapstructure:"poll_interval_sec"`
	CoinGeckoURL        string  `mapstructure:"coingecko_url"`
	BinanceURL          string  `mapstructure:"binance_url"`
	YahooURL            string  `mapstructure:"yahoo_url"`
	ExchangeRateURL     string  `mapstructure:"exchangerate_url"`
	SourceRatePerSec    float64 `mapstructure:"source_rate_per_sec"`
	SourceBurst         int     `mapstructure:"source_burst"`
}

// TradingConfig contains router and portfolio settings.
type TradingConfig struct {
	SeedBalance       float64 `mapstructure:"seed_balance"`
	ApprovalTTLMin    int     `mapstructure:"approval_ttl_min"`
	DefaultMode       string  `mapstructure:"default_mode"` // learning_only, assisted, autopilot
	ScanIntervalSec   int     `mapstructure:"scan_interval_sec"`
	SnapshotSchedule  string  `mapstructure:"snapshot_schedule"`
	OpportunityTTLMin int     `mapstructure:"opportunity_ttl_min"`
}

// RiskConfig contains risk engine limits, expressed as ratios.
type RiskConfig struct {
	PerTradeMax    float64 `mapstructure:"per_trade_max"`    // 0.005 = 0.5% of equity per trade
	LeverageMax    float64 `mapstructure:"leverage_max"`     // 3.0 = aggregate exposure cap
	DailyDDSoft    float64 `mapstructure:"daily_dd_soft"`    // 0.03 freezes new trades
	DailyDDHard    float64 `mapstructure:"daily_dd_hard"`    // 0.05 fires the kill switch
	RiskFraction   float64 `mapstructure:"risk_fraction"`    // sizing advisory fraction
	MaxDataAgeSec  int     `mapstructure:"max_data_age_sec"` // quote staleness cutoff at submission
}

// BreakerConfig contains circuit breaker registry defaults.
type BreakerConfig struct {
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	WindowSec        int    `mapstructure:"window_sec"`
	CooldownSec      int    `mapstructure:"cooldown_sec"`
	ProbeLimit       uint32 `mapstructure:"probe_limit"`
}

// AIConfig contains the optional analysis provider. An empty
// ProviderKey disables AI endpoints gracefully.
type AIConfig struct {
	ProviderKey string `mapstructure:"provider_key"`
	Endpoint    string `mapstructure:"endpoint"`
	Model       string `mapstructure:"model"`
	TimeoutSec  int    `mapstructure:"timeout_sec"`
}

// NotificationConfig contains push delivery settings.
type NotificationConfig struct {
	FCMCredentialsFile string `mapstructure:"fcm_credentials_file"`
}

// TelegramConfig contains the operator alert channel.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load reads configuration from an optional file plus environment
// variables, applies defaults, and validates the result. Unknown keys
// in the config file are rejected.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("NEON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindWellKnownEnv(v)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config (unknown keys are rejected): %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindWellKnownEnv maps the documented short environment variable
// names onto config keys so both NEON_VAULT_KEY and VAULT_KEY work.
func bindWellKnownEnv(v *viper.Viper) {
	_ = v.BindEnv("vault.key", "NEON_VAULT_KEY", "VAULT_KEY")
	_ = v.BindEnv("auth.jwt_secret", "NEON_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("database.url", "NEON_DB_URL", "DB_URL", "DATABASE_URL")
	_ = v.BindEnv("server.listen_addr", "NEON_LISTEN_ADDR", "LISTEN_ADDR")
	_ = v.BindEnv("ai.provider_key", "NEON_AI_PROVIDER_KEY", "AI_PROVIDER_KEY")
	_ = v.BindEnv("redis.addr", "NEON_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("nats.url", "NEON_NATS_URL", "NATS_URL")
	_ = v.BindEnv("telegram.bot_token", "NEON_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "NeonTrader")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Server defaults
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout_sec", 15)
	v.SetDefault("server.write_timeout_sec", 15)
	v.SetDefault("server.idle_timeout_sec", 60)

	// Database defaults. Empty-string defaults keep env-only keys
	// visible to Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "neontrader")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")

	// Vault defaults
	v.SetDefault("vault.key", "")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl_hours", 168) // 7 days
	v.SetDefault("auth.totp_issuer", "Neon Trader")
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.login_rate_per_min", 10)
	v.SetDefault("auth.login_burst", 5)

	// Market defaults
	v.SetDefault("market.freshness_ttl_sec", 30)
	v.SetDefault("market.source_timeout_sec", 5)
	v.SetDefault("market.order_quote_max_age_sec", 5)
	v.SetDefault("market.poll_interval_sec", 15)
	v.SetDefault("market.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.binance_url", "https://api.binance.com")
	v.SetDefault("market.yahoo_url", "https://query1.finance.yahoo.com")
	v.SetDefault("market.exchangerate_url", "https://api.exchangerate-api.com/v4")
	v.SetDefault("market.source_rate_per_sec", 5)
	v.SetDefault("market.source_burst", 10)

	// Trading defaults
	v.SetDefault("trading.seed_balance", 10000.0)
	v.SetDefault("trading.approval_ttl_min", 5)
	v.SetDefault("trading.default_mode", "learning_only")
	v.SetDefault("trading.scan_interval_sec", 60)
	v.SetDefault("trading.snapshot_schedule", "0 0 * * *")
	v.SetDefault("trading.opportunity_ttl_min", 15)

	// Risk defaults
	v.SetDefault("risk.per_trade_max", 0.005)
	v.SetDefault("risk.leverage_max", 3.0)
	v.SetDefault("risk.daily_dd_soft", 0.03)
	v.SetDefault("risk.daily_dd_hard", 0.05)
	v.SetDefault("risk.risk_fraction", 0.005)
	v.SetDefault("risk.max_data_age_sec", 5)

	// Breaker defaults
	v.SetDefault("breakers.failure_threshold", 5)
	v.SetDefault("breakers.window_sec", 60)
	v.SetDefault("breakers.cooldown_sec", 30)
	v.SetDefault("breakers.probe_limit", 1)

	// AI defaults
	v.SetDefault("ai.provider_key", "")
	v.SetDefault("ai.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeout_sec", 10)

	// Notification defaults
	v.SetDefault("notifications.fcm_credentials_file", "")

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", 0)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// FreshnessTTL returns the quote cache freshness window.
func (c *MarketConfig) FreshnessTTL() time.Duration {
	return time.Duration(c.FreshnessTTLSec) * time.Second
}

// SourceTimeout returns the per-source fetch deadline.
func (c *MarketConfig) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutSec) * time.Second
}

// OrderQuoteMaxAge returns the maximum quote age accepted at order
// submission time.
func (c *MarketConfig) OrderQuoteMaxAge() time.Duration {
	return time.Duration(c.OrderQuoteMaxAgeSec) * time.Second
}

// PollInterval returns the watchlist refresh cadence.
func (c *MarketConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// TokenTTL returns the JWT lifetime.
func (c *AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// ApprovalTTL returns how long an assisted-mode approval stays open.
func (c *TradingConfig) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLMin) * time.Minute
}

// ScanInterval returns the opportunity scanner cadence.
func (c *TradingConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

// OpportunityTTL returns how long a published opportunity stays valid.
func (c *TradingConfig) OpportunityTTL() time.Duration {
	return time.Duration(c.OpportunityTTLMin) * time.Minute
}

// Window returns the breaker failure counting window.
func (c *BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// Cooldown returns the open-state cooldown before a probe is allowed.
func (c *BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// Timeout returns the AI provider deadline.
func (c *AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Enabled reports whether the AI provider is configured.
func (c *AIConfig) Enabled() bool {
	return c.ProviderKey != ""
}
