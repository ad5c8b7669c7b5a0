// Package api exposes the REST and WebSocket surface of the trading
// backend. Handlers translate HTTP into service calls and map service
// errors onto status codes; no business rules live here.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/advisor"
	"github.com/neontrader/backend/internal/alerts"
	"github.com/neontrader/backend/internal/audit"
	"github.com/neontrader/backend/internal/auth"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/metrics"
	"github.com/neontrader/backend/internal/notifications"
	"github.com/neontrader/backend/internal/portfolio"
	"github.com/neontrader/backend/internal/risk"
	"github.com/neontrader/backend/internal/stream"
	"github.com/neontrader/backend/internal/trading"
)

// Config contains server settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	// LoginRatePerMin and LoginBurst bound login attempts per client IP.
	LoginRatePerMin float64
	LoginBurst      int
	// DefaultTradingMode is assigned to new accounts.
	DefaultTradingMode string
}

func (c Config) normalize() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.LoginRatePerMin <= 0 {
		c.LoginRatePerMin = 10
	}
	if c.LoginBurst <= 0 {
		c.LoginBurst = 5
	}
	if c.DefaultTradingMode == "" {
		c.DefaultTradingMode = "learning_only"
	}
	return c
}

// Deps carries the services the handlers delegate to. DB, Auth,
// Portfolio, Router and Market are required; the rest degrade to 404
// or reduced /ready coverage when nil.
type Deps struct {
	DB            *db.DB
	Auth          *auth.Service
	Portfolio     *portfolio.Accountant
	Router        *trading.Router
	Platforms     *trading.Platforms
	Market        *market.Aggregator
	Cache         *market.QuoteCache
	Alerts        *alerts.Service
	AlertEngine   *alerts.Engine
	Notifications *notifications.Service
	Advisor       *advisor.Advisor
	Breakers      *risk.BreakerRegistry
	Audit         *audit.Logger
	Hub           *stream.Hub
	Bus           *bus.Bus
}

// Server is the HTTP front of the backend.
type Server struct {
	cfg          Config
	engine       *gin.Engine
	server       *http.Server
	loginLimiter *ipRateLimiter

	db            *db.DB
	auth          *auth.Service
	portfolio     *portfolio.Accountant
	trading       *trading.Router
	platforms     *trading.Platforms
	market        *market.Aggregator
	cache         *market.QuoteCache
	alerts        *alerts.Service
	alertEngine   *alerts.Engine
	notifications *notifications.Service
	advisor       *advisor.Advisor
	breakers      *risk.BreakerRegistry
	audit         *audit.Logger
	hub           *stream.Hub
	bus           *bus.Bus
}

// NewServer assembles the gin engine, middleware chain and routes.
func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.normalize()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware())
	engine.Use(LoggerMiddleware())
	engine.Use(metrics.GinMiddleware())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:           cfg,
		engine:        engine,
		loginLimiter:  newIPRateLimiter(cfg.LoginRatePerMin/60.0, cfg.LoginBurst),
		db:            deps.DB,
		auth:          deps.Auth,
		portfolio:     deps.Portfolio,
		trading:       deps.Router,
		platforms:     deps.Platforms,
		market:        deps.Market,
		cache:         deps.Cache,
		alerts:        deps.Alerts,
		alertEngine:   deps.AlertEngine,
		notifications: deps.Notifications,
		advisor:       deps.Advisor,
		breakers:      deps.Breakers,
		audit:         deps.Audit,
		hub:           deps.Hub,
		bus:           deps.Bus,
	}
	if s.audit != nil {
		engine.Use(AuditMiddleware(s.audit))
	}

	s.setupRoutes()
	return s
}

// Handler exposes the underlying engine, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving HTTP until Stop is called or the listener
// fails.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs one line per request.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(ctxRequestID))

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
