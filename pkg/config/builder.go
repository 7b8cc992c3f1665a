// Package config provides fluent configuration builders for the credit
// gateway and the Gateway runtime that wires the whole service together.
package config

import (
	"time"

	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/models"

	"github.com/gofiber/fiber/v2"
)

// Builder provides a fluent interface for building gateway configurations.
type Builder struct {
	cfg             *config.Config
	middlewares     []fiber.Handler
	rateLimitConfig *models.RateLimitConfig
	timeoutConfig   *models.TimeoutConfig
}

// New creates a new configuration builder with minimal defaults.
func New() *Builder {
	return &Builder{
		cfg: &config.Config{
			Server: models.ServerConfig{
				Port:           "8080",
				AllowedOrigins: "*",
				Environment:    "development",
				LogLevel:       "info",
			},
		},
		middlewares: []fiber.Handler{},
	}
}

// Server configuration

// Port sets the server port.
func (b *Builder) Port(port string) *Builder {
	b.cfg.Server.Port = port
	return b
}

// AllowedOrigins sets CORS allowed origins.
func (b *Builder) AllowedOrigins(origins string) *Builder {
	b.cfg.Server.AllowedOrigins = origins
	return b
}

// Environment sets the environment (development/production).
func (b *Builder) Environment(env string) *Builder {
	b.cfg.Server.Environment = env
	return b
}

// LogLevel sets the logging level (trace, debug, info, warn, error, fatal).
func (b *Builder) LogLevel(level string) *Builder {
	b.cfg.Server.LogLevel = level
	return b
}

// Infrastructure configuration

// WithDatabase configures the ledger database. Without a database the
// gateway runs degraded: balances read as zero and debits are refused.
func (b *Builder) WithDatabase(cfg models.DatabaseConfig) *Builder {
	b.cfg.Database = &cfg
	return b
}

// WithRedis points the confirmation stash and circuit breakers at redis.
func (b *Builder) WithRedis(url string) *Builder {
	b.cfg.Redis = models.RedisConfig{URL: url}
	return b
}

// WithJWTSecret sets the HS256 secret for shell-facing bearer tokens.
func (b *Builder) WithJWTSecret(secret string) *Builder {
	b.cfg.Auth.JWTSecret = secret
	return b
}

// WithStripe enables credit package checkout through Stripe.
func (b *Builder) WithStripe(secretKey, webhookSecret string) *Builder {
	b.cfg.Stripe = models.StripeConfig{
		SecretKey:     secretKey,
		WebhookSecret: webhookSecret,
	}
	return b
}

// WithOpenAI configures the upstream chat and image provider.
func (b *Builder) WithOpenAI(cfg models.OpenAIConfig) *Builder {
	b.cfg.OpenAI = cfg
	return b
}

// Domain configuration

// WithPricing overrides the operation cost table and admission thresholds.
func (b *Builder) WithPricing(cfg models.PricingConfig) *Builder {
	cfg.ApplyDefaults()
	b.cfg.Pricing = cfg
	return b
}

// WithPackages replaces the sellable credit package catalog.
func (b *Builder) WithPackages(packages []models.PackageConfig) *Builder {
	b.cfg.Packages = packages
	return b
}

// Middleware configuration

// WithRateLimit configures rate limiting middleware.
func (b *Builder) WithRateLimit(max int, expiration time.Duration, keyFunc ...func(*fiber.Ctx) string) *Builder {
	cfg := &models.RateLimitConfig{
		Max:        max,
		Expiration: expiration,
	}
	if len(keyFunc) > 0 {
		cfg.KeyFunc = keyFunc[0]
	}
	b.rateLimitConfig = cfg
	return b
}

// WithTimeout configures request timeout middleware.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.timeoutConfig = &models.TimeoutConfig{
		Timeout: timeout,
	}
	return b
}

// WithMiddleware adds a custom middleware.
func (b *Builder) WithMiddleware(middleware fiber.Handler) *Builder {
	b.middlewares = append(b.middlewares, middleware)
	return b
}

// GetMiddlewares returns all configured middlewares.
func (b *Builder) GetMiddlewares() []fiber.Handler {
	return b.middlewares
}

// GetRateLimitConfig returns the rate limit configuration.
func (b *Builder) GetRateLimitConfig() *models.RateLimitConfig {
	return b.rateLimitConfig
}

// GetTimeoutConfig returns the timeout configuration.
func (b *Builder) GetTimeoutConfig() *models.TimeoutConfig {
	return b.timeoutConfig
}

// Build returns the constructed configuration.
func (b *Builder) Build() *config.Config {
	return b.cfg
}

// FromYAML creates a Builder from a YAML configuration file.
// The envFiles parameter specifies which .env files to load before parsing
// the YAML config. Files are loaded in order (first has highest priority).
// Example: builder, err := config.FromYAML("config.yaml", []string{".env.local", ".env"})
func FromYAML(path string, envFiles []string) (*Builder, error) {
	if len(envFiles) > 0 {
		config.LoadEnvFiles(envFiles)
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	return &Builder{
		cfg:         cfg,
		middlewares: []fiber.Handler{},
	}, nil
}
