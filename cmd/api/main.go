// Command api runs the trading backend: the REST and WebSocket
// surface plus every background loop (market polling, price monitor,
// alert engine, stream bridge, scheduler) in a single process.
//
// Exit codes: 1 on configuration or startup failure, 2 when database
// migrations are pending.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"

	"github.com/neontrader/backend/internal/advisor"
	"github.com/neontrader/backend/internal/alerts"
	"github.com/neontrader/backend/internal/api"
	"github.com/neontrader/backend/internal/audit"
	"github.com/neontrader/backend/internal/auth"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/config"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/metrics"
	"github.com/neontrader/backend/internal/notifications"
	"github.com/neontrader/backend/internal/portfolio"
	"github.com/neontrader/backend/internal/risk"
	"github.com/neontrader/backend/internal/scheduler"
	"github.com/neontrader/backend/internal/stream"
	"github.com/neontrader/backend/internal/trading"
	"github.com/neontrader/backend/internal/vault"
)

const (
	bootTimeout     = 10 * time.Second
	shutdownTimeout = 10 * time.Second

	// idempotencyTTL bounds how long a replayed Idempotency-Key
	// returns the original order result.
	idempotencyTTL = 24 * time.Hour

	// metricsInterval is how often DB-derived gauges refresh.
	metricsInterval = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv("NEON_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("name", cfg.App.Name).
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting API server")

	ctx := context.Background()

	if backend := config.SecretsBackendFromEnv(); backend.Enabled {
		overlayCtx, cancel := context.WithTimeout(ctx, bootTimeout)
		err := config.OverlayRemoteSecrets(overlayCtx, cfg, backend)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Secrets backend unavailable")
			return 1
		}
	}

	if cfg.App.Environment == "production" {
		if errs := config.ValidateProductionSecrets(cfg); len(errs) > 0 {
			for _, e := range errs {
				log.Error().Str("field", e.Field).Msg(e.Message)
			}
			return 1
		}
	}

	credVault, err := vault.NewFromBase64(cfg.Vault.Key)
	if err != nil {
		log.Error().Err(err).Msg("Credential vault key rejected")
		return 1
	}

	dsn := cfg.Database.GetDSN()

	dbCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	database, err := db.New(dbCtx, dsn, cfg.Database.PoolSize)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Database connection failed")
		return 1
	}
	defer database.Close()

	pending, err := pendingMigrations(ctx, dsn)
	if err != nil {
		log.Error().Err(err).Msg("Migration status check failed")
		return 1
	}
	if pending > 0 {
		log.Error().
			Int("pending", pending).
			Msg("Database schema is behind; run the migrate command first")
		return 2
	}

	redisClient := connectRedis(ctx, cfg.Redis)
	quoteCache := market.NewQuoteCache(redisClient, cfg.Market.FreshnessTTL())
	idem := trading.NewIdempotencyStore(redisClient, idempotencyTTL)

	eventBus, err := bus.New(bus.Config{URL: cfg.NATS.URL})
	if err != nil {
		log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("Event bus connection failed")
		return 1
	}

	auditLog := audit.NewLogger(database.Pool(), true)

	operator := newOperatorManager(cfg.Telegram)
	breakers := risk.NewBreakerRegistry(risk.BreakerSettings{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		FailureWindow:    cfg.Breakers.Window(),
		Cooldown:         cfg.Breakers.Cooldown(),
		ProbeLimit:       cfg.Breakers.ProbeLimit,
	}, breakerAlertHook(operator))

	catalog, err := market.LoadCatalog()
	if err != nil {
		log.Error().Err(err).Msg("Asset catalog failed to load")
		return 1
	}

	sources := market.DefaultSources(catalog,
		cfg.Market.CoinGeckoURL, cfg.Market.BinanceURL,
		cfg.Market.YahooURL, cfg.Market.ExchangeRateURL)
	aggregator := market.NewAggregator(catalog, sources, quoteCache, breakers, eventBus, market.AggregatorOptions{
		Freshness:     cfg.Market.FreshnessTTL(),
		SourceTimeout: cfg.Market.SourceTimeout(),
		RatePerSec:    cfg.Market.SourceRatePerSec,
		Burst:         cfg.Market.SourceBurst,
	})

	riskEngine := risk.NewEngine(risk.NewLimits(
		cfg.Risk.PerTradeMax,
		cfg.Risk.LeverageMax,
		cfg.Risk.DailyDDSoft,
		cfg.Risk.DailyDDHard,
		cfg.Risk.RiskFraction,
	))

	accounts := portfolio.NewAccountant(database, aggregator, decimal.NewFromFloat(cfg.Trading.SeedBalance))

	authSvc, err := auth.NewService(database, credVault, auth.Config{
		JWTSecret:  cfg.Auth.JWTSecret,
		TokenTTL:   cfg.Auth.TokenTTL(),
		TOTPIssuer: cfg.Auth.TOTPIssuer,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	if err != nil {
		log.Error().Err(err).Msg("Auth service init failed")
		return 1
	}

	platforms := trading.NewPlatforms(database, credVault, aggregator, auditLog)

	var pushBackend notifications.Backend
	if cfg.Notifications.FCMCredentialsFile != "" {
		fcm, err := notifications.NewFCMBackend(ctx, cfg.Notifications.FCMCredentialsFile)
		if err != nil {
			log.Warn().Err(err).Msg("FCM init failed; push delivery disabled")
		} else {
			pushBackend = fcm
		}
	}
	notifier := notifications.NewService(database, eventBus, pushBackend)

	router := trading.NewRouter(database, accounts, riskEngine, breakers, aggregator, platforms, notifier, eventBus, auditLog, idem, trading.Config{
		QuoteMaxAge: cfg.Market.OrderQuoteMaxAge(),
		ApprovalTTL: cfg.Trading.ApprovalTTL(),
	})
	if err := router.LoadKillSwitch(ctx); err != nil {
		log.Error().Err(err).Msg("Kill switch state failed to load")
		return 1
	}

	monitor := trading.NewMonitor(router, database, platforms.Paper())
	if err := monitor.Start(eventBus); err != nil {
		log.Error().Err(err).Msg("Price monitor failed to start")
		return 1
	}

	alertEngine := alerts.NewEngine(database, notifier)
	if err := alertEngine.Start(eventBus); err != nil {
		log.Error().Err(err).Msg("Alert engine failed to start")
		monitor.Stop()
		return 1
	}
	alertSvc := alerts.NewService(database, catalog, alertEngine)
	scanner := alerts.NewScanner(database, alertEngine, notifier, eventBus, catalog.Symbols(market.AssetCrypto))

	var provider advisor.Provider
	if cfg.AI.Enabled() {
		provider = advisor.NewChatProvider(advisor.ChatConfig{
			BaseURL: cfg.AI.Endpoint,
			APIKey:  cfg.AI.ProviderKey,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout(),
		})
	} else {
		log.Info().Msg("AI provider key absent; analysis runs in rule-based mode")
	}
	adv := advisor.New(provider, aggregator, breakers)

	hub := stream.NewHub()
	bridge := stream.NewBridge(hub, eventBus)
	if err := bridge.Start(); err != nil {
		log.Error().Err(err).Msg("Stream bridge failed to start")
		alertEngine.Stop()
		monitor.Stop()
		return 1
	}

	gauges := metrics.NewUpdater(database.Pool(), metricsInterval)
	go gauges.Start(ctx)

	poller := market.NewPoller(aggregator, catalog.AllSymbols(), cfg.Market.PollInterval())
	go func() {
		if err := poller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Market poller exited")
		}
	}()

	sched := scheduler.New()
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.Trading.SnapshotSchedule, scheduler.DailyRollover(database, accounts)},
		{"@every 1m", scheduler.ApprovalSweep(router)},
		{fmt.Sprintf("@every %ds", cfg.Trading.ScanIntervalSec), scanner},
	}
	for _, j := range jobs {
		if err := sched.Add(j.schedule, j.job); err != nil {
			log.Error().Err(err).Str("schedule", j.schedule).Str("job", j.job.Name()).Msg("Job registration failed")
			return 1
		}
	}
	sched.Start()

	srv := api.NewServer(api.Config{
		ListenAddr:         cfg.Server.ListenAddr,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		ReadTimeout:        time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:       time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:        time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
		LoginRatePerMin:    cfg.Auth.LoginRatePerMin,
		LoginBurst:         cfg.Auth.LoginBurst,
		DefaultTradingMode: cfg.Trading.DefaultMode,
	}, api.Deps{
		DB:            database,
		Auth:          authSvc,
		Portfolio:     accounts,
		Router:        router,
		Platforms:     platforms,
		Market:        aggregator,
		Cache:         quoteCache,
		Alerts:        alertSvc,
		AlertEngine:   alertEngine,
		Notifications: notifier,
		Advisor:       adv,
		Breakers:      breakers,
		Audit:         auditLog,
		Hub:           hub,
		Bus:           eventBus,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("Server failed")
		exitCode = 1
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		exitCode = 1
	}

	// Stop producers before consumers so in-flight events drain.
	sched.Stop()
	poller.Stop()
	gauges.Stop()
	monitor.Stop()
	alertEngine.Stop()
	bridge.Stop()
	if err := notifier.Close(); err != nil {
		log.Warn().Err(err).Msg("Notification backend close failed")
	}
	if err := eventBus.Close(); err != nil {
		log.Warn().Err(err).Msg("Event bus close failed")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Redis close failed")
		}
	}

	log.Info().Msg("Shutdown complete")
	return exitCode
}


// pendingMigrations counts unapplied migrations so the server can
// refuse to boot against a stale schema.
func pendingMigrations(ctx context.Context, dsn string) (int, error) {
	dir := os.Getenv("NEON_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return 0, err
	}
	defer func() { _ = sqlDB.Close() }()

	return db.NewMigrator(sqlDB, dir).Pending(ctx)
}

// connectRedis returns nil when Redis is unreachable. The quote cache
// and the idempotency store both run without it, at reduced guarantees.
func connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unavailable; quote cache and idempotency replay degrade")
		_ = client.Close()
		return nil
	}

	log.Info().Str("addr", cfg.Addr).Msg("Redis connected")
	return client
}

// newOperatorManager wires the operator alert channels. The log
// alerter is always present so breaker trips are visible even with no
// Telegram configuration.
func newOperatorManager(cfg config.TelegramConfig) *alerts.Manager {
	alerters := []alerts.Alerter{alerts.NewLogAlerter()}

	if cfg.BotToken != "" && cfg.ChatID != 0 {
		tg, err := alerts.NewTelegramAlerter(cfg.BotToken, []int64{cfg.ChatID})
		if err != nil {
			log.Warn().Err(err).Msg("Telegram alerter init failed")
		} else {
			alerters = append(alerters, tg)
			log.Info().Int64("chat_id", cfg.ChatID).Msg("Telegram operator alerts enabled")
		}
	}

	return alerts.NewManager(alerters...)
}

// breakerAlertHook pages the operator channel when a breaker opens.
// Hooks run synchronously on the goroutine that tripped the breaker,
// so delivery is handed off.
func breakerAlertHook(operator *alerts.Manager) risk.StateHook {
	return func(change risk.StateChange) {
		if change.To != risk.StateOpen {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = operator.SendWarning(ctx, "Circuit breaker open",
				fmt.Sprintf("breaker %q opened (was %s)", change.Name, change.From),
				map[string]interface{}{
					"breaker": change.Name,
					"from":    change.From,
					"actor":   change.Actor,
				})
		}()
	}
}
