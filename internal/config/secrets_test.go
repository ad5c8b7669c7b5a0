package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name          string
		secret        string
		minLength     int
		requireStrong bool
		wantValid     bool
		wantStrength  SecretStrength
	}{
		{
			name:          "empty secret",
			secret:        "",
			minLength:     12,
			requireStrong: true,
			wantValid:     false,
			wantStrength:  SecretStrengthWeak,
		},
		{
			name:          "placeholder value",
			secret:        "changeme",
			minLength:     8,
			requireStrong: false,
			wantValid:     false,
			wantStrength:  SecretStrengthWeak,
		},
		{
			name:          "placeholder embedded",
			secret:        "my-password-123",
			minLength:     8,
			requireStrong: false,
			wantValid:     false,
			wantStrength:  SecretStrengthWeak,
		},
		{
			name:          "too short",
			secret:        "Ab1!",
			minLength:     12,
			requireStrong: false,
			wantValid:     false,
			wantStrength:  SecretStrengthWeak,
		},
		{
			name:          "strong secret",
			secret:        "xK9#mQ2$vL5@nR8wT3z",
			minLength:     12,
			requireStrong: true,
			wantValid:     true,
			wantStrength:  SecretStrengthStrong,
		},
		{
			name:          "medium accepted when strong not required",
			secret:        "abcXYZwordplay",
			minLength:     12,
			requireStrong: false,
			wantValid:     true,
			wantStrength:  SecretStrengthMedium,
		},
		{
			name:          "medium rejected when strong required",
			secret:        "abcXYZwordplay",
			minLength:     12,
			requireStrong: true,
			wantValid:     false,
			wantStrength:  SecretStrengthMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ValidateSecret(tt.secret, "test secret", tt.minLength, tt.requireStrong)
			assert.Equal(t, tt.wantValid, check.Valid)
			assert.Equal(t, tt.wantStrength, check.Strength)
			if !tt.wantValid {
				assert.NotEmpty(t, check.Problems)
			}
		})
	}
}

func TestValidateProductionSecrets(t *testing.T) {
	cfg := getValidConfig()
	cfg.Auth.JWTSecret = "xK9#mQ2$vL5@nR8wT3zPq7&Bc4^Dj6*F"
	cfg.Database.Password = "xK9#mQ2$vL5@nR8w"
	assert.Empty(t, ValidateProductionSecrets(cfg))

	cfg.Database.Password = "password"
	errs := ValidateProductionSecrets(cfg)
	assert.NotEmpty(t, errs)
	assert.Equal(t, "database.password", errs[0].Field)
}

func TestSecretsBackendFromEnv(t *testing.T) {
	t.Run("disabled when unset", func(t *testing.T) {
		backend := SecretsBackendFromEnv()
		assert.False(t, backend.Enabled)
	})

	t.Run("enabled with defaults", func(t *testing.T) {
		t.Setenv("NEON_SECRETS_BACKEND", "vault")
		t.Setenv("VAULT_TOKEN", "s.token")

		backend := SecretsBackendFromEnv()
		assert.True(t, backend.Enabled)
		assert.Equal(t, "http://localhost:8200", backend.Address)
		assert.Equal(t, "secret", backend.MountPath)
		assert.Equal(t, "neontrader/production", backend.SecretPath)
		assert.Equal(t, "s.token", backend.Token)
	})
}
