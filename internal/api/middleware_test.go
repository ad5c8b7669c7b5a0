package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/audit"
	"github.com/neontrader/backend/internal/auth"
	"github.com/neontrader/backend/internal/db"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// newTestAuth returns an auth service good for issuing and verifying
// tokens. It never touches storage.
func newTestAuth(t *testing.T) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(nil, nil, auth.Config{JWTSecret: testJWTSecret})
	require.NoError(t, err)
	return svc
}

func issueToken(t *testing.T, svc *auth.Service, user *db.User) string {
	t.Helper()
	token, err := svc.IssueToken(user)
	require.NoError(t, err)
	return token
}

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	engine := gin.New()
	engine.Use(RequestIDMiddleware())
	engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ctxRequestID))
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	header := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, header)
	_, err := uuid.Parse(header)
	assert.NoError(t, err, "generated request ids are UUIDs")
	assert.Equal(t, header, w.Body.String(), "context and header carry the same id")
}

func TestRequestIDMiddleware_HonorsInbound(t *testing.T) {
	engine := gin.New()
	engine.Use(RequestIDMiddleware())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	engine.ServeHTTP(w, req)

	assert.Equal(t, "trace-42", w.Header().Get("X-Request-ID"))
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"empty", "", ""},
		{"standard", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"lowercase scheme", "bearer abc", "abc"},
		{"uppercase scheme", "BEARER abc", "abc"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"scheme only", "Bearer", ""},
		{"trailing space trimmed", "Bearer abc ", "abc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, bearerToken(tc.header))
		})
	}
}

// authTestEngine mounts the auth middleware in front of probe routes.
func authTestEngine(srv *Server) *gin.Engine {
	engine := gin.New()
	engine.Use(RequestIDMiddleware())
	engine.GET("/whoami", srv.AuthMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": userID(c).String(),
			"admin":   isAdmin(c),
		})
	})
	engine.GET("/admin-only", srv.AuthMiddleware(), srv.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return engine
}

func TestAuthMiddleware(t *testing.T) {
	authSvc := newTestAuth(t)
	srv := NewServer(Config{}, Deps{Auth: authSvc})
	engine := authTestEngine(srv)

	uid := uuid.New()
	token := issueToken(t, authSvc, &db.User{ID: uid})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "missing bearer token")
	})

	t.Run("malformed header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Token abc")
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid or expired token")
	})

	t.Run("token signed with another secret", func(t *testing.T) {
		other, err := auth.NewService(nil, nil, auth.Config{
			JWTSecret: strings.Repeat("x", 32),
		})
		require.NoError(t, err)
		forged := issueToken(t, other, &db.User{ID: uuid.New()})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+forged)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token reaches the handler", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), uid.String())
		assert.Contains(t, w.Body.String(), `"admin":false`)
	})
}

func TestRequireAdmin(t *testing.T) {
	authSvc := newTestAuth(t)
	srv := NewServer(Config{}, Deps{Auth: authSvc})
	engine := authTestEngine(srv)

	userToken := issueToken(t, authSvc, &db.User{ID: uuid.New()})
	adminToken := issueToken(t, authSvc, &db.User{ID: uuid.New(), IsAdmin: true})

	t.Run("regular user is forbidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin-only", nil)
		req.Header.Set("Authorization", "Bearer "+userToken)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "admin access required")
	})

	t.Run("admin passes", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin-only", nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestIPRateLimiter(t *testing.T) {
	t.Run("burst then deny", func(t *testing.T) {
		// 1 token/s, burst of 2: two immediate calls pass, the third
		// is throttled.
		limiter := newIPRateLimiter(1, 2)
		assert.True(t, limiter.Allow("198.51.100.7"))
		assert.True(t, limiter.Allow("198.51.100.7"))
		assert.False(t, limiter.Allow("198.51.100.7"))
	})

	t.Run("ips are independent", func(t *testing.T) {
		limiter := newIPRateLimiter(1, 1)
		assert.True(t, limiter.Allow("198.51.100.7"))
		assert.False(t, limiter.Allow("198.51.100.7"))
		assert.True(t, limiter.Allow("198.51.100.8"))
	})

	t.Run("evicts idle entries", func(t *testing.T) {
		limiter := newIPRateLimiter(1, 1)
		limiter.Allow("198.51.100.7")
		limiter.mu.Lock()
		limiter.limiters["198.51.100.7"].lastSeen = time.Now().Add(-2 * time.Hour)
		limiter.evictStaleLocked()
		_, ok := limiter.limiters["198.51.100.7"]
		limiter.mu.Unlock()
		assert.False(t, ok)
	})
}

func TestLoginRateLimitMiddleware(t *testing.T) {
	authSvc := newTestAuth(t)
	// 60/min keeps the refill out of the way; burst 2 is the test knob.
	srv := NewServer(Config{LoginRatePerMin: 60, LoginBurst: 2}, Deps{Auth: authSvc})

	engine := gin.New()
	engine.Use(RequestIDMiddleware())
	engine.POST("/login", srv.LoginRateLimitMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
		require.Equal(t, http.StatusOK, w.Code, "attempt %d within burst", i+1)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "too many login attempts")
}

func TestAuditEventFor(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   audit.EventType
	}{
		{"POST", "/api/v1/auth/register", audit.EventTypeRegistered},
		{"POST", "/api/v1/auth/login", audit.EventTypeLogin},
		{"POST", "/api/v1/trades", audit.EventTypeTradePlaced},
		{"GET", "/api/v1/portfolio", ""},
		{"GET", "/health", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, auditEventFor(tc.method, tc.path),
			"%s %s", tc.method, tc.path)
	}
}
