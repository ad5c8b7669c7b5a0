package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/api/v1/quotes/:symbol", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol")})
	})

	t.Run("matched route", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/quotes/BTCUSDT", nil)

		assert.NotPanics(t, func() {
			router.ServeHTTP(w, req)
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unmatched route", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/nope", nil)

		assert.NotPanics(t, func() {
			router.ServeHTTP(w, req)
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
