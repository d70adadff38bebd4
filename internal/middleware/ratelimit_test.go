package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(2, 2) // 2 requests per second, burst of 2

	router := gin.New()
	router.Use(RateLimit(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	get := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = ip + ":1234"
		router.ServeHTTP(w, req)
		return w.Code
	}

	// First two requests should succeed
	assert.Equal(t, http.StatusOK, get("10.0.0.1"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1"))

	// Third request should be rate limited
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1"))

	// Other clients have their own bucket
	assert.Equal(t, http.StatusOK, get("10.0.0.2"))
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("ip:a")
	now = now.Add(time.Minute)
	rl.allow("ip:b")

	assert.Equal(t, 1, rl.Evict(30*time.Second))
	assert.Len(t, rl.limiters, 1)
	assert.Contains(t, rl.limiters, "ip:b")
}
