package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neontrader/backend/internal/config"
	"github.com/neontrader/backend/internal/metrics"
)

// readyCheckTimeout bounds each dependency probe so a hung backend
// cannot stall the readiness endpoint.
const readyCheckTimeout = 2 * time.Second

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": config.Version, "time": time.Now().UTC()})
}

// handleReady is the readiness probe. It reports per-dependency
// status and returns 503 while any required backend is unreachable.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyCheckTimeout)
	defer cancel()

	checks := gin.H{}
	ready := true

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			checks["database"] = "unreachable"
			ready = false
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
		ready = false
	}

	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			checks["redis"] = "unreachable"
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	} else {
		// Redis is optional; the aggregator degrades to direct fetch.
		checks["redis"] = "not_configured"
	}

	if s.bus != nil {
		if s.bus.Connected() {
			checks["nats"] = "ok"
		} else {
			checks["nats"] = "disconnected"
			ready = false
		}
	} else {
		checks["nats"] = "not_configured"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// metricsHandler serves the Prometheus scrape endpoint.
func (s *Server) metricsHandler() gin.HandlerFunc {
	return gin.WrapH(metrics.Handler())
}
