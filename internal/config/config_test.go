package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFileSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "supersecret")

	path := writeConfig(t, `
server:
  port: "9090"
auth:
  jwt_secret: ${TEST_JWT_SECRET}
openai:
  api_key: ${TEST_MISSING_KEY:-fallback-key}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "supersecret", cfg.Auth.JWTSecret)
	assert.Equal(t, "fallback-key", cfg.OpenAI.APIKey)
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: s
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)

	// Stock pricing
	assert.Equal(t, int64(5), cfg.Pricing.ChatMessage.Costs["gpt-4"])
	assert.Equal(t, int64(15), cfg.Pricing.Image.Costs["hd"])
	assert.Equal(t, int64(8), cfg.Pricing.Photo)
	assert.InDelta(t, 0.5, cfg.Pricing.Thresholds.ConfirmWarningRatio, 1e-9)
	assert.Equal(t, 120, cfg.Pricing.Thresholds.ReservationTTLSeconds)

	// Stock package catalog
	require.Len(t, cfg.Packages, 4)
	assert.Equal(t, "Starter", cfg.Packages[0].Name)
	assert.Equal(t, int64(5000), cfg.Packages[3].Credits)
}

func TestLoadFromFileParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "3000"
  environment: production
database:
  type: postgresql
  host: db.internal
  port: 5432
  database: creditgate
redis:
  url: redis://localhost:6379
auth:
  jwt_secret: s
pricing:
  chat_message:
    costs:
      gpt-4o: 4
    default: 2
  thresholds:
    confirm_info_minimum: 3
packages:
  - name: Mini
    credits: 50
    price: 2.99
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	require.NotNil(t, cfg.Database)
	assert.Equal(t, models.PostgreSQL, cfg.Database.Type)
	assert.Equal(t, int64(4), cfg.Pricing.ChatMessage.Costs["gpt-4o"])
	assert.Equal(t, int64(2), cfg.Pricing.ChatMessage.Default)
	assert.Equal(t, int64(3), cfg.Pricing.Thresholds.ConfirmInfoMinimum)
	require.Len(t, cfg.Packages, 1)
	assert.Equal(t, "Mini", cfg.Packages[0].Name)
}

func TestValidateReportsMissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}

func TestLoadFromFileRejectsNonYAML(t *testing.T) {
	_, err := LoadFromFile("config.json")
	assert.Error(t, err)
}
