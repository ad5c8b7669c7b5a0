package config

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every validation failure so the operator
// sees the complete list in one startup attempt.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("config validation failed: %s", strings.Join(msgs, "; "))
}

// Validate checks the full configuration. It returns ValidationErrors
// listing every problem found, or nil when the config is usable.
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.App.validate()...)
	errs = append(errs, c.Server.validate()...)
	errs = append(errs, c.Database.validate()...)
	errs = append(errs, c.Vault.validate()...)
	errs = append(errs, c.Auth.validate()...)
	errs = append(errs, c.Market.validate()...)
	errs = append(errs, c.Trading.validate()...)
	errs = append(errs, c.Risk.validate()...)
	errs = append(errs, c.Breakers.validate()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *AppConfig) validate() ValidationErrors {
	var errs ValidationErrors

	switch c.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("must be development, staging, or production, got %q", c.Environment),
		})
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "app.log_level",
			Message: fmt.Sprintf("must be trace, debug, info, warn, or error, got %q", c.LogLevel),
		})
	}

	return errs
}

func (c *ServerConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: "is required (LISTEN_ADDR)",
		})
	}
	if c.ReadTimeoutSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout_sec",
			Message: "must be positive",
		})
	}
	if c.WriteTimeoutSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout_sec",
			Message: "must be positive",
		})
	}

	return errs
}

func (c *DatabaseConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.URL == "" && (c.Host == "" || c.Database == "") {
		errs = append(errs, ValidationError{
			Field:   "database.url",
			Message: "is required (DB_URL), or set database.host and database.database",
		})
	}
	if c.PoolSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "database.pool_size",
			Message: "must be positive",
		})
	}

	return errs
}

func (c *VaultConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.Key == "" {
		errs = append(errs, ValidationError{
			Field:   "vault.key",
			Message: "is required (VAULT_KEY)",
		})
		return errs
	}

	raw, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "vault.key",
			Message: "must be valid base64 (VAULT_KEY)",
		})
		return errs
	}
	if len(raw) != 32 {
		errs = append(errs, ValidationError{
			Field:   "vault.key",
			Message: fmt.Sprintf("must decode to 32 bytes, got %d", len(raw)),
		})
	}

	return errs
}

func (c *AuthConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.JWTSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "auth.jwt_secret",
			Message: "is required (JWT_SECRET)",
		})
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, ValidationError{
			Field:   "auth.jwt_secret",
			Message: fmt.Sprintf("must be at least 32 bytes, got %d", len(c.JWTSecret)),
		})
	}

	if c.TokenTTLHours <= 0 {
		errs = append(errs, ValidationError{
			Field:   "auth.token_ttl_hours",
			Message: "must be positive",
		})
	}
	if c.BcryptCost < 10 || c.BcryptCost > 16 {
		errs = append(errs, ValidationError{
			Field:   "auth.bcrypt_cost",
			Message: fmt.Sprintf("must be between 10 and 16, got %d", c.BcryptCost),
		})
	}

	return errs
}

func (c *MarketConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.FreshnessTTLSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "market.freshness_ttl_sec",
			Message: "must be positive",
		})
	}
	if c.SourceTimeoutSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "market.source_timeout_sec",
			Message: "must be positive",
		})
	}
	if c.OrderQuoteMaxAgeSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "market.order_quote_max_age_sec",
			Message: "must be positive",
		})
	}

	return errs
}

func (c *TradingConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.SeedBalance <= 0 {
		errs = append(errs, ValidationError{
			Field:   "trading.seed_balance",
			Message: "must be positive",
		})
	}
	if c.ApprovalTTLMin <= 0 {
		errs = append(errs, ValidationError{
			Field:   "trading.approval_ttl_min",
			Message: "must be positive",
		})
	}

	switch c.DefaultMode {
	case "learning_only", "assisted", "autopilot":
	default:
		errs = append(errs, ValidationError{
			Field:   "trading.default_mode",
			Message: fmt.Sprintf("must be learning_only, assisted, or autopilot, got %q", c.DefaultMode),
		})
	}

	return errs
}

func (c *RiskConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.PerTradeMax <= 0 || c.PerTradeMax > 1 {
		errs = append(errs, ValidationError{
			Field:   "risk.per_trade_max",
			Message: fmt.Sprintf("must be in (0, 1], got %v", c.PerTradeMax),
		})
	}
	if c.LeverageMax < 1 {
		errs = append(errs, ValidationError{
			Field:   "risk.leverage_max",
			Message: fmt.Sprintf("must be at least 1, got %v", c.LeverageMax),
		})
	}
	if c.DailyDDSoft <= 0 || c.DailyDDSoft >= 1 {
		errs = append(errs, ValidationError{
			Field:   "risk.daily_dd_soft",
			Message: fmt.Sprintf("must be in (0, 1), got %v", c.DailyDDSoft),
		})
	}
	if c.DailyDDHard <= c.DailyDDSoft {
		errs = append(errs, ValidationError{
			Field:   "risk.daily_dd_hard",
			Message: fmt.Sprintf("must exceed daily_dd_soft (%v), got %v", c.DailyDDSoft, c.DailyDDHard),
		})
	}

	return errs
}

func (c *BreakerConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if c.FailureThreshold == 0 {
		errs = append(errs, ValidationError{
			Field:   "breakers.failure_threshold",
			Message: "must be positive",
		})
	}
	if c.WindowSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "breakers.window_sec",
			Message: "must be positive",
		})
	}
	if c.CooldownSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "breakers.cooldown_sec",
			Message: "must be positive",
		})
	}
	if c.ProbeLimit == 0 {
		errs = append(errs, ValidationError{
			Field:   "breakers.probe_limit",
			Message: "must be positive",
		})
	}

	return errs
}
