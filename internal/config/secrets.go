package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// SecretStrength grades a secret by length and character variety.
type SecretStrength int

const (
	SecretStrengthWeak SecretStrength = iota
	SecretStrengthMedium
	SecretStrengthStrong
)

// Placeholder values that must never survive into a running process.
var commonPlaceholders = []string{
	"changeme",
	"change_me_in_production",
	"your_api_key",
	"your_secret",
	"password",
	"secret",
	"neontrader",
	"example",
	"sample",
	"default",
}

// SecretCheck is the outcome of validating one secret.
type SecretCheck struct {
	Valid    bool
	Strength SecretStrength
	Problems []string
}

// ValidateSecret checks a secret for placeholder values, minimum
// length, and character variety. requireStrong rejects anything below
// SecretStrengthStrong; it should be true in production.
func ValidateSecret(secret, name string, minLength int, requireStrong bool) SecretCheck {
	check := SecretCheck{Valid: true, Strength: SecretStrengthStrong}

	if secret == "" {
		check.Valid = false
		check.Strength = SecretStrengthWeak
		check.Problems = append(check.Problems, fmt.Sprintf("%s cannot be empty", name))
		return check
	}

	lower := strings.ToLower(secret)
	for _, placeholder := range commonPlaceholders {
		if lower == placeholder || strings.Contains(lower, placeholder) {
			check.Valid = false
			check.Strength = SecretStrengthWeak
			check.Problems = append(check.Problems, fmt.Sprintf("%s looks like a placeholder value (%s)", name, placeholder))
			return check
		}
	}

	if len(secret) < minLength {
		check.Valid = false
		check.Strength = SecretStrengthWeak
		check.Problems = append(check.Problems, fmt.Sprintf("%s must be at least %d characters (got %d)", name, minLength, len(secret)))
		return check
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range secret {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	variety := 0
	for _, has := range []bool{hasUpper, hasLower, hasDigit, hasSpecial} {
		if has {
			variety++
		}
	}

	switch {
	case len(secret) >= 16 && variety >= 3:
		check.Strength = SecretStrengthStrong
	case len(secret) >= 12 && variety >= 2:
		check.Strength = SecretStrengthMedium
	default:
		check.Strength = SecretStrengthWeak
	}

	if requireStrong && check.Strength < SecretStrengthStrong {
		check.Valid = false
		check.Problems = append(check.Problems, fmt.Sprintf("%s is too weak for production use (16+ characters with 3 character classes required)", name))
	}

	return check
}

// ValidateProductionSecrets applies strict secret rules. Call it only
// when app.environment is production.
func ValidateProductionSecrets(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if check := ValidateSecret(cfg.Auth.JWTSecret, "JWT secret", 32, true); !check.Valid {
		for _, p := range check.Problems {
			errs = append(errs, ValidationError{Field: "auth.jwt_secret", Message: p})
		}
	}

	if cfg.Database.Password != "" {
		if check := ValidateSecret(cfg.Database.Password, "database password", 12, true); !check.Valid {
			for _, p := range check.Problems {
				errs = append(errs, ValidationError{Field: "database.password", Message: p})
			}
		}
	}

	if cfg.Redis.Password != "" {
		if check := ValidateSecret(cfg.Redis.Password, "redis password", 12, true); !check.Valid {
			for _, p := range check.Problems {
				errs = append(errs, ValidationError{Field: "redis.password", Message: p})
			}
		}
	}

	return errs
}

// SecretsBackendConfig configures the optional HashiCorp Vault
// overlay. When disabled, secrets come from environment variables.
type SecretsBackendConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	Namespace  string
}

// SecretsBackendFromEnv builds the overlay config from NEON_SECRETS_*
// environment variables.
func SecretsBackendFromEnv() SecretsBackendConfig {
	if os.Getenv("NEON_SECRETS_BACKEND") != "vault" {
		return SecretsBackendConfig{Enabled: false}
	}
	return SecretsBackendConfig{
		Enabled:    true,
		Address:    envOrDefault("NEON_SECRETS_ADDR", "http://localhost:8200"),
		Token:      os.Getenv("VAULT_TOKEN"),
		MountPath:  envOrDefault("NEON_SECRETS_MOUNT", "secret"),
		SecretPath: envOrDefault("NEON_SECRETS_PATH", "neontrader/production"),
		Namespace:  os.Getenv("NEON_SECRETS_NAMESPACE"),
	}
}

// SecretsClient reads secrets from a HashiCorp Vault KV store.
type SecretsClient struct {
	client *vault.Client
	config SecretsBackendConfig
}

// NewSecretsClient connects and authenticates with a Vault token.
func NewSecretsClient(cfg SecretsBackendConfig) (*SecretsClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("secrets backend is not enabled")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for secrets backend")
	}
	client.SetToken(cfg.Token)

	log.Info().
		Str("address", cfg.Address).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Msg("Secrets backend initialized")

	return &SecretsClient{client: client, config: cfg}, nil
}

// GetSecret reads one secret map. path is relative to SecretPath.
func (sc *SecretsClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", sc.config.MountPath, sc.config.SecretPath, path)

	secret, err := sc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests payloads under "data".
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// GetSecretString reads a single string value.
func (sc *SecretsClient) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := sc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key %q not found or not a string at path: %s", key, path)
	}
	return value, nil
}

// OverlayRemoteSecrets replaces sensitive config values with ones read
// from the secrets backend. Missing paths are logged and skipped so a
// partially populated Vault still works alongside environment
// variables.
func OverlayRemoteSecrets(ctx context.Context, cfg *Config, backend SecretsBackendConfig) error {
	if !backend.Enabled {
		log.Debug().Msg("Secrets backend disabled, using environment variables")
		return nil
	}

	sc, err := NewSecretsClient(backend)
	if err != nil {
		return fmt.Errorf("failed to connect secrets backend: %w", err)
	}

	if core, err := sc.GetSecret(ctx, "core"); err == nil {
		if key, ok := core["vault_key"].(string); ok && key != "" {
			cfg.Vault.Key = key
		}
		if secret, ok := core["jwt_secret"].(string); ok && secret != "" {
			cfg.Auth.JWTSecret = secret
		}
	} else {
		log.Warn().Err(err).Msg("Failed to load core secrets from backend")
	}

	if db, err := sc.GetSecret(ctx, "database"); err == nil {
		if password, ok := db["password"].(string); ok && password != "" {
			cfg.Database.Password = password
		}
	} else {
		log.Warn().Err(err).Msg("Failed to load database secrets from backend")
	}

	if ai, err := sc.GetSecret(ctx, "ai"); err == nil {
		if key, ok := ai["provider_key"].(string); ok && key != "" {
			cfg.AI.ProviderKey = key
		}
	} else {
		log.Debug().Err(err).Msg("No AI secrets in backend")
	}

	if tg, err := sc.GetSecret(ctx, "telegram"); err == nil {
		if token, ok := tg["bot_token"].(string); ok && token != "" {
			cfg.Telegram.BotToken = token
		}
	} else {
		log.Debug().Err(err).Msg("No Telegram secrets in backend")
	}

	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
