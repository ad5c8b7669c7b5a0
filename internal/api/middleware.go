package api

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/audit"
)

// Context keys set by the middleware chain.
const (
	ctxRequestID = "request_id"
	ctxUserID    = "user_id"
	ctxIsAdmin   = "is_admin"
)

// RequestIDMiddleware assigns every request a correlation id, echoed
// in the X-Request-ID response header and attached to error bodies.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ctxRequestID, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// AuthMiddleware verifies the bearer token and stores the caller's
// identity on the context. Requests without a valid token never reach
// the handler.
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			respondError(c, apperr.New(apperr.KindAuth, "missing bearer token"))
			c.Abort()
			return
		}

		claims, err := s.auth.VerifyToken(token)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}

		uid, err := uuid.Parse(claims.UserID)
		if err != nil {
			respondError(c, apperr.New(apperr.KindAuth, "invalid token subject"))
			c.Abort()
			return
		}

		c.Set(ctxUserID, uid)
		c.Set(ctxIsAdmin, claims.Admin)
		c.Next()
	}
}

// RequireAdmin gates admin-only routes. It runs after AuthMiddleware.
func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxIsAdmin) {
			respondError(c, apperr.New(apperr.KindForbidden, "admin access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header. The
// scheme comparison is case-insensitive per RFC 7235.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// userID returns the authenticated caller set by AuthMiddleware.
func userID(c *gin.Context) uuid.UUID {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// isAdmin reports whether the authenticated caller is an admin.
func isAdmin(c *gin.Context) bool {
	return c.GetBool(ctxIsAdmin)
}

// ipRateLimiter keeps one token bucket per client IP. Stale entries
// are evicted so the map does not grow with every scanner on the
// internet.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	rate     rate.Limit
	burst    int
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the IP may proceed and consumes one token.
func (l *ipRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()

	if len(l.limiters) > 10000 {
		l.evictStaleLocked()
	}

	return entry.limiter.Allow()
}

// evictStaleLocked drops entries idle for over an hour. Caller holds
// the lock.
func (l *ipRateLimiter) evictStaleLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// LoginRateLimitMiddleware throttles credential-guessing attempts
// per client IP. Only the login route carries it.
func (s *Server) LoginRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !s.loginLimiter.Allow(ip) {
			log.Warn().Str("ip", ip).Msg("Login rate limit exceeded")
			if s.audit != nil {
				go s.audit.LogSecurityEvent(context.WithoutCancel(c.Request.Context()),
					audit.EventTypeRateLimitExceeded, "", ip, c.Request.URL.Path, "login throttled", nil)
			}
			err := apperr.New(apperr.KindBreakerOpen, "too many login attempts").
				WithRetryAfter(time.Minute)
			respondError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// AuditMiddleware writes security-relevant requests to the audit
// trail. Non-critical endpoints (reads, health checks) are skipped.
func AuditMiddleware(auditLogger *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path

		c.Next()

		eventType := auditEventFor(method, c.FullPath())
		if eventType == "" {
			return
		}

		statusCode := c.Writer.Status()
		success := statusCode >= 200 && statusCode < 400
		if eventType == audit.EventTypeLogin && !success {
			eventType = audit.EventTypeLoginFailed
		}

		severity := audit.SeverityInfo
		switch {
		case statusCode >= 500:
			severity = audit.SeverityError
		case statusCode >= 400:
			severity = audit.SeverityWarning
		}

		var errorMsg string
		if !success && len(c.Errors) > 0 {
			errorMsg = c.Errors.String()
		}

		var userIDStr string
		if id := userID(c); id != uuid.Nil {
			userIDStr = id.String()
		}

		event := &audit.Event{
			EventType: eventType,
			Severity:  severity,
			UserID:    userIDStr,
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
			Action:    fmt.Sprintf("%s %s", method, path),
			Success:   success,
			ErrorMsg:  errorMsg,
			RequestID: c.GetString(ctxRequestID),
			Duration:  time.Since(start).Milliseconds(),
		}

		// Persist off the request path. The request context dies with
		// the response, so detach before handing it to the goroutine.
		ctx := context.WithoutCancel(c.Request.Context())
		go func() {
			if err := auditLogger.Log(ctx, event); err != nil {
				log.Error().Err(err).Msg("Failed to log audit event")
			}
		}()
	}
}

// auditEventFor maps security-relevant routes to audit event types.
// Everything else returns "" and stays out of the audit trail.
func auditEventFor(method, fullPath string) audit.EventType {
	switch {
	case fullPath == "/api/v1/auth/register" && method == "POST":
		return audit.EventTypeRegistered
	case fullPath == "/api/v1/auth/login" && method == "POST":
		return audit.EventTypeLogin
	case fullPath == "/api/v1/auth/2fa/enable" && method == "POST":
		return audit.EventTypeTwoFAEnabled
	case fullPath == "/api/v1/trades" && method == "POST":
		return audit.EventTypeTradePlaced
	case fullPath == "/api/v1/trades/:id/close" && method == "POST":
		return audit.EventTypeTradeClosed
	case fullPath == "/api/v1/mode" && method == "PUT":
		return audit.EventTypeModeChanged
	case fullPath == "/api/v1/kill-switch" && method == "POST":
		return audit.EventTypeKillSwitchEngaged
	case fullPath == "/api/v1/kill-switch" && method == "DELETE":
		return audit.EventTypeKillSwitchReleased
	case fullPath == "/api/v1/admin/breakers/:name/reset" && method == "POST":
		return audit.EventTypeBreakerReset
	case fullPath == "/api/v1/approvals/:id" && method == "POST":
		return audit.EventTypeApprovalAccepted
	case fullPath == "/api/v1/platforms" && method == "POST":
		return audit.EventTypeCredentialStored
	case fullPath == "/api/v1/platforms/:id" && method == "DELETE":
		return audit.EventTypeCredentialDeleted
	default:
		return ""
	}
}
