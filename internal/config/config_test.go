package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVaultKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
}

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "NeonTrader",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			AllowedOrigins:  []string{"*"},
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 15,
			IdleTimeoutSec:  60,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "secure_password",
			Database: "neontrader",
			SSLMode:  "disable",
			PoolSize: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Vault: VaultConfig{
			Key: testVaultKey(),
		},
		Auth: AuthConfig{
			JWTSecret:       "an-hmac-secret-at-least-32-bytes-long!!",
			TokenTTLHours:   168,
			TOTPIssuer:      "Neon Trader",
			BcryptCost:      12,
			LoginRatePerMin: 10,
			LoginBurst:      5,
		},
		Market: MarketConfig{
			FreshnessTTLSec:     30,
			SourceTimeoutSec:    5,
			OrderQuoteMaxAgeSec: 5,
			CoinGeckoURL:        "https://api.coingecko.com/api/v3",
			BinanceURL:          "https://api.binance.com",
			YahooURL:            "https://query1.finance.yahoo.com",
			ExchangeRateURL:     "https://api.exchangerate-api.com/v4",
			SourceRatePerSec:    5,
			SourceBurst:         10,
		},
		Trading: TradingConfig{
			SeedBalance:       10000.0,
			ApprovalTTLMin:    5,
			DefaultMode:       "learning_only",
			ScanIntervalSec:   60,
			SnapshotSchedule:  "0 0 * * *",
			OpportunityTTLMin: 15,
		},
		Risk: RiskConfig{
			PerTradeMax:   0.005,
			LeverageMax:   3.0,
			DailyDDSoft:   0.03,
			DailyDDHard:   0.05,
			RiskFraction:  0.005,
			MaxDataAgeSec: 5,
		},
		Breakers: BreakerConfig{
			FailureThreshold: 5,
			WindowSec:        60,
			CooldownSec:      30,
			ProbeLimit:       1,
		},
		AI: AIConfig{
			Endpoint:   "https://api.openai.com/v1/chat/completions",
			Model:      "gpt-4o-mini",
			TimeoutSec: 10,
		},
		Monitoring: MonitoringConfig{
			EnableMetrics: true,
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := getValidConfig()
	err := cfg.Validate()
	assert.NoError(t, err, "Valid configuration should not produce errors")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.App.Environment = "prod"
			},
			expectError: "app.environment",
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.App.LogLevel = "verbose"
			},
			expectError: "app.log_level",
		},
		{
			name: "missing listen addr",
			modify: func(c *Config) {
				c.Server.ListenAddr = ""
			},
			expectError: "server.listen_addr",
		},
		{
			name: "missing database",
			modify: func(c *Config) {
				c.Database.URL = ""
				c.Database.Host = ""
			},
			expectError: "database.url",
		},
		{
			name: "missing vault key",
			modify: func(c *Config) {
				c.Vault.Key = ""
			},
			expectError: "vault.key",
		},
		{
			name: "vault key not base64",
			modify: func(c *Config) {
				c.Vault.Key = "not-base64!!!"
			},
			expectError: "must be valid base64",
		},
		{
			name: "vault key wrong length",
			modify: func(c *Config) {
				c.Vault.Key = base64.StdEncoding.EncodeToString([]byte("short"))
			},
			expectError: "must decode to 32 bytes",
		},
		{
			name: "missing jwt secret",
			modify: func(c *Config) {
				c.Auth.JWTSecret = ""
			},
			expectError: "auth.jwt_secret",
		},
		{
			name: "short jwt secret",
			modify: func(c *Config) {
				c.Auth.JWTSecret = "too-short"
			},
			expectError: "at least 32 bytes",
		},
		{
			name: "invalid default mode",
			modify: func(c *Config) {
				c.Trading.DefaultMode = "yolo"
			},
			expectError: "trading.default_mode",
		},
		{
			name: "zero seed balance",
			modify: func(c *Config) {
				c.Trading.SeedBalance = 0
			},
			expectError: "trading.seed_balance",
		},
		{
			name: "per trade max above one",
			modify: func(c *Config) {
				c.Risk.PerTradeMax = 1.5
			},
			expectError: "risk.per_trade_max",
		},
		{
			name: "hard drawdown below soft",
			modify: func(c *Config) {
				c.Risk.DailyDDHard = 0.02
			},
			expectError: "risk.daily_dd_hard",
		},
		{
			name: "zero breaker threshold",
			modify: func(c *Config) {
				c.Breakers.FailureThreshold = 0
			},
			expectError: "breakers.failure_threshold",
		},
		{
			name: "zero probe limit",
			modify: func(c *Config) {
				c.Breakers.ProbeLimit = 0
			},
			expectError: "breakers.probe_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := getValidConfig()
	cfg.Vault.Key = ""
	cfg.Auth.JWTSecret = ""
	cfg.Trading.DefaultMode = "bogus"

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 3)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("VAULT_KEY", testVaultKey())
	t.Setenv("JWT_SECRET", "an-hmac-secret-at-least-32-bytes-long!!")
	t.Setenv("DB_URL", "postgres://trader:pw@db:5432/neontrader?sslmode=disable")
	t.Setenv("LISTEN_ADDR", ":9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, testVaultKey(), cfg.Vault.Key)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "postgres://trader:pw@db:5432/neontrader?sslmode=disable", cfg.Database.URL)

	// Defaults still apply where env is silent.
	assert.Equal(t, 30, cfg.Market.FreshnessTTLSec)
	assert.Equal(t, 10000.0, cfg.Trading.SeedBalance)
	assert.Equal(t, "learning_only", cfg.Trading.DefaultMode)
	assert.Equal(t, uint32(5), cfg.Breakers.FailureThreshold)
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	t.Setenv("NEON_VAULT_KEY", testVaultKey())
	t.Setenv("NEON_JWT_SECRET", "an-hmac-secret-at-least-32-bytes-long!!")
	t.Setenv("NEON_DB_URL", "postgres://localhost/neontrader")
	t.Setenv("NEON_LISTEN_ADDR", ":7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
}

func TestLoadMissingVaultKeyFails(t *testing.T) {
	t.Setenv("JWT_SECRET", "an-hmac-secret-at-least-32-bytes-long!!")
	t.Setenv("DB_URL", "postgres://localhost/neontrader")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault.key")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("VAULT_KEY", testVaultKey())
	t.Setenv("JWT_SECRET", "an-hmac-secret-at-least-32-bytes-long!!")
	t.Setenv("DB_URL", "postgres://localhost/neontrader")

	path := t.TempDir() + "/config.yaml"
	yaml := "trading:\n  seed_balance: 5000\n  made_up_knob: true\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestGetDSN(t *testing.T) {
	t.Run("url wins when set", func(t *testing.T) {
		db := DatabaseConfig{
			URL:  "postgres://u:p@h:5432/d",
			Host: "ignored",
		}
		assert.Equal(t, "postgres://u:p@h:5432/d", db.GetDSN())
	})

	t.Run("assembled from parts", func(t *testing.T) {
		db := DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trader",
			Password: "pw",
			Database: "neontrader",
			SSLMode:  "disable",
		}
		dsn := db.GetDSN()
		assert.Contains(t, dsn, "host=localhost")
		assert.Contains(t, dsn, "dbname=neontrader")
		assert.Contains(t, dsn, "sslmode=disable")
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := getValidConfig()

	assert.Equal(t, 30*time.Second, cfg.Market.FreshnessTTL())
	assert.Equal(t, 5*time.Second, cfg.Market.SourceTimeout())
	assert.Equal(t, 5*time.Second, cfg.Market.OrderQuoteMaxAge())
	assert.Equal(t, 168*time.Hour, cfg.Auth.TokenTTL())
	assert.Equal(t, 5*time.Minute, cfg.Trading.ApprovalTTL())
	assert.Equal(t, 60*time.Second, cfg.Breakers.Window())
	assert.Equal(t, 30*time.Second, cfg.Breakers.Cooldown())
	assert.Equal(t, 10*time.Second, cfg.AI.Timeout())
}

func TestAIEnabled(t *testing.T) {
	cfg := getValidConfig()
	assert.False(t, cfg.AI.Enabled())

	cfg.AI.ProviderKey = "sk-test"
	assert.True(t, cfg.AI.Enabled())
}
