package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/creditgate/creditgate/internal/api"
	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/admission"
	"github.com/creditgate/creditgate/internal/services/analytics"
	"github.com/creditgate/creditgate/internal/services/circuitbreaker"
	"github.com/creditgate/creditgate/internal/services/confirm"
	"github.com/creditgate/creditgate/internal/services/database"
	"github.com/creditgate/creditgate/internal/services/executor"
	"github.com/creditgate/creditgate/internal/services/gate"
	"github.com/creditgate/creditgate/internal/services/ledger"
	"github.com/creditgate/creditgate/internal/services/middleware"
	"github.com/creditgate/creditgate/internal/services/openai"
	"github.com/creditgate/creditgate/internal/services/payments"
	"github.com/creditgate/creditgate/internal/services/pricing"
	"github.com/creditgate/creditgate/internal/services/wallet"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const janitorInterval = 30 * time.Second

// Gateway represents a running credit gateway instance.
type Gateway struct {
	config  *config.Config
	app     *fiber.App
	redis   *redis.Client
	db      *database.DB
	builder *Builder
}

type gatewayInfrastructure struct {
	redis *redis.Client
	db    *database.DB
}

// gatewayServices holds everything the route layer needs. The zero value
// of optional members (payments, provider) means the matching endpoints
// are not registered.
type gatewayServices struct {
	gate     *gate.Gate
	executor *executor.Executor
	payments *payments.Service
	provider *openai.Provider
}

// NewGateway creates a new Gateway instance with the given configuration.
// The cfg parameter is required and must not be nil.
// For full middleware control, use NewGatewayWithBuilder.
func NewGateway(cfg *config.Config) *Gateway {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() or the config builder to create config")
	}

	return &Gateway{config: cfg}
}

// NewGatewayWithBuilder creates a new Gateway instance from a
// configuration builder, keeping its custom middlewares.
func NewGatewayWithBuilder(b *Builder) *Gateway {
	return &Gateway{
		config:  b.Build(),
		builder: b,
	}
}

// Run starts the gateway server and blocks until shutdown.
func (g *Gateway) Run() error {
	if err := g.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(g.config)

	port := g.config.Server.Port
	if port == "" {
		port = "8080"
	}
	listenAddr := ":" + port

	g.app = createFiberApp(g.config)

	// === Infrastructure Setup ===
	infra, err := initializeInfrastructure(g.config)
	if err != nil {
		return err
	}
	g.redis = infra.redis
	g.db = infra.db

	if g.redis != nil {
		defer func() {
			if err := g.redis.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
	}
	if g.db != nil {
		defer func() {
			if err := g.db.Close(); err != nil {
				fiberlog.Errorf("Failed to close database connection: %v", err)
			}
		}()
	}

	// Janitor and background work stop when this context is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === Services Initialization ===
	services, err := initializeServices(ctx, g.config, g.db, g.redis)
	if err != nil {
		return err
	}

	// === Middleware Setup ===
	setupMiddleware(g.app, g.config, g.builder)

	// === Routes Setup ===
	setupRoutes(g.app, g.config, g.redis, g.db, services)

	g.app.Get("/", welcomeHandler())

	fmt.Printf("CreditGate starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", g.config.Server.Environment)
	fmt.Printf("   Go version: %s\n", runtime.Version())
	fmt.Printf("   GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := g.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		fiberlog.Info("Context cancelled, starting shutdown...")
	}

	fiberlog.Info("Server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- g.app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("Server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}

	return nil
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:              "CreditGate v1.0",
		EnablePrintRoutes:    !isProd,
		ReadTimeout:          2 * time.Minute,
		WriteTimeout:         2 * time.Minute,
		IdleTimeout:          5 * time.Minute,
		ReadBufferSize:       8192,
		WriteBufferSize:      8192,
		CompressedFileSuffix: ".gz",
		Prefork:              false,
		CaseSensitive:        true,
		StrictRouting:        false,
		Network:              "tcp",
		ServerHeader:         "CreditGate",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config, b *Builder) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	// Rate limiter (use builder config if available, otherwise use defaults)
	rateMax := 1000
	rateExpiration := 1 * time.Minute
	var keyFunc func(c *fiber.Ctx) string
	if b != nil && b.GetRateLimitConfig() != nil {
		rlCfg := b.GetRateLimitConfig()
		rateMax = rlCfg.Max
		rateExpiration = rlCfg.Expiration
		keyFunc = rlCfg.KeyFunc
	}
	if keyFunc == nil {
		keyFunc = func(c *fiber.Ctx) string {
			if userID, ok := middleware.UserID(c); ok {
				return fmt.Sprintf("user:%d", userID)
			}
			return c.IP()
		}
	}
	app.Use(limiter.New(limiter.Config{
		Max:               rateMax,
		Expiration:        rateExpiration,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      keyFunc,
		LimitReached: func(c *fiber.Ctx) error {
			return fmt.Errorf("%d requests per %v", rateMax, rateExpiration)
		},
	}))

	// Request timeout middleware
	requestTimeout := 30 * time.Second
	if b != nil && b.GetTimeoutConfig() != nil {
		requestTimeout = b.GetTimeoutConfig().Timeout
	}
	app.Use(func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
		defer cancel()
		c.SetUserContext(ctx)

		return c.Next()
	})

	// Compression
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// Logging
	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	// CORS
	allowedOrigins := cfg.Server.AllowedOrigins
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, User-Agent, Stripe-Signature",
		AllowMethods:  "GET, POST, OPTIONS",
		MaxAge:        86400,
		ExposeHeaders: "Content-Length, Content-Type",
	}))

	// Custom middlewares from builder
	if b != nil {
		for _, m := range b.GetMiddlewares() {
			app.Use(m)
		}
	}

	// Profiler (dev only)
	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}

	fiberlog.Infof("Log level set to: %s", logLevel)
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	redisURL := cfg.Redis.URL
	if redisURL == "" {
		fiberlog.Info("Redis not configured - circuit breaker and confirmation stash run in-memory")
		return nil, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.ConnMaxLifetime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opt)

	return testRedisConnectionWithRetry(client)
}

func testRedisConnectionWithRetry(client *redis.Client) (*redis.Client, error) {
	const maxAttempts = 3
	const baseDelay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			fiberlog.Infof("Redis connection established successfully (attempt %d/%d)", attempt, maxAttempts)
			return client, nil
		}

		fiberlog.Warnf("Redis connection failed (attempt %d/%d): %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			delay := time.Duration(attempt) * baseDelay
			fiberlog.Infof("Retrying Redis connection in %v...", delay)
			time.Sleep(delay)
		}
	}

	if err := client.Close(); err != nil {
		fiberlog.Errorf("Failed to close Redis client after connection failures: %v", err)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts", maxAttempts)
}

// initializeInfrastructure opens redis and the ledger database. A missing
// or unreachable database is not fatal: the gateway runs degraded, reads
// report zero balances and every debit is refused until storage returns.
func initializeInfrastructure(cfg *config.Config) (*gatewayInfrastructure, error) {
	infra := &gatewayInfrastructure{}

	redisClient, err := createRedisClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}
	infra.redis = redisClient

	if cfg.Database == nil {
		fiberlog.Warn("Database not configured - running in degraded mode")
		return infra, nil
	}

	db, err := database.New(*cfg.Database)
	if err != nil {
		fiberlog.Errorf("Failed to open database, running in degraded mode: %v", err)
		return infra, nil
	}
	infra.db = db

	fiberlog.Infof("Database (%s) initialized successfully", db.DriverName())

	if err := runDatabaseMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	fiberlog.Info("Database migrations completed successfully")

	return infra, nil
}

func runDatabaseMigrations(db *database.DB) error {
	if db.DriverName() == "clickhouse" {
		return database.RunClickHouseMigrations(db.DB)
	}
	return db.AutoMigrate(
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.Package{},
		&models.Payment{},
	)
}

func initializeServices(ctx context.Context, cfg *config.Config, db *database.DB, redisClient *redis.Client) (*gatewayServices, error) {
	var store ledger.Store
	if db != nil {
		store = ledger.NewGormStore(db.DB)
	} else {
		store = ledger.NewDegradedStore()
	}

	walletSvc := wallet.NewService(store)
	pricingTable := pricing.NewTable(cfg.Pricing)
	thresholds := pricingTable.Thresholds()

	services := &gatewayServices{}

	if db != nil {
		services.payments = payments.NewService(db.DB, walletSvc, cfg.Stripe)
		if err := services.payments.SeedPackages(ctx, cfg.Packages); err != nil {
			return nil, fmt.Errorf("failed to seed credit packages: %w", err)
		}
	}

	var suggester admission.PackageSuggester
	if services.payments != nil {
		suggester = services.payments
	}
	controller := admission.NewController(pricingTable, walletSvc, suggester)

	var stash confirm.Stash
	if redisClient != nil {
		stash = confirm.NewRedisStash(redisClient)
	} else {
		stash = confirm.NewMemoryStash()
	}

	var breaker executor.Breaker
	if redisClient != nil {
		breaker = circuitbreaker.NewForUpstream(redisClient, "openai")
	}

	registry := executor.NewRegistry(time.Duration(thresholds.ReservationTTLSeconds) * time.Second)
	services.executor = executor.New(walletSvc, registry, breaker, thresholds)
	services.executor.StartJanitor(ctx, janitorInterval)

	analyticsSvc := analytics.NewService(store, walletSvc)

	if cfg.OpenAI.APIKey != "" {
		provider, err := openai.NewProvider(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		services.provider = provider
	} else {
		fiberlog.Warn("OpenAI not configured - relay endpoints disabled")
	}

	services.gate = gate.New(controller, walletSvc, stash, services.executor, analyticsSvc, thresholds)

	return services, nil
}

func setupRoutes(app *fiber.App, cfg *config.Config, redisClient *redis.Client, db *database.DB, services *gatewayServices) {
	var gormDB *gorm.DB
	if db != nil {
		gormDB = db.DB
	}

	healthHandler := api.NewHealthHandler(gormDB, redisClient)
	app.Get("/health", healthHandler.HealthCheck)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, nil)

	v1Group := app.Group("/v1")
	v1Group.Use(authMiddleware.RequireAuth())

	creditsHandler := api.NewCreditsHandler(services.gate)
	v1Group.Get("/credits/balance", creditsHandler.GetBalance)
	v1Group.Get("/credits/history", creditsHandler.GetHistory)

	analyticsHandler := api.NewAnalyticsHandler(services.gate)
	v1Group.Get("/analytics/usage", analyticsHandler.GetUsage)
	v1Group.Get("/analytics/breakdown", analyticsHandler.GetBreakdown)
	v1Group.Get("/analytics/forecast", analyticsHandler.GetForecast)

	admissionHandler := api.NewAdmissionHandler(services.gate)
	v1Group.Post("/admission/check", admissionHandler.Check)

	if services.provider != nil {
		relayHandler := api.NewRelayHandler(services.gate, services.provider)
		v1Group.Post("/relay/chat", relayHandler.Chat)
		v1Group.Post("/relay/image", relayHandler.Image)
		v1Group.Post("/relay/confirm", relayHandler.Confirm)
	}

	if services.payments != nil {
		packagesHandler := api.NewPackagesHandler(services.payments)
		v1Group.Get("/packages", packagesHandler.ListPackages)

		stripeHandler := api.NewStripeHandler(services.payments)
		v1Group.Post("/checkout", stripeHandler.CreateCheckoutSession)
		app.Post("/webhooks/stripe", stripeHandler.HandleWebhook)
	}
}

func welcomeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":    "Welcome to CreditGate!",
			"version":    "1.0.0",
			"go_version": runtime.Version(),
			"status":     "running",
			"endpoints": fiber.Map{
				"chat":     "/v1/relay/chat",
				"image":    "/v1/relay/image",
				"balance":  "/v1/credits/balance",
				"packages": "/v1/packages",
				"health":   "/health",
			},
		})
	}
}
