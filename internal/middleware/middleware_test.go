package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eventhub/internal/auth"
	"eventhub/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c.Request.Context())+"|"+logger.GetTraceID(c.Request.Context()))
	})

	t.Run("自动生成请求 ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		id := w.Header().Get(HeaderRequestID)
		assert.NotEmpty(t, id)
		assert.Equal(t, id+"|"+id, w.Body.String())
	})

	t.Run("沿用上游传入的 ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "req-1")
		req.Header.Set(HeaderTraceID, "trace-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "req-1|trace-1", w.Body.String())
		assert.Equal(t, "trace-1", w.Header().Get(HeaderTraceID))
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("超过突发容量后拒绝", func(t *testing.T) {
		rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 2})
		defer rl.Stop()

		assert.True(t, rl.Allow("a"))
		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))
		assert.True(t, rl.Allow("b"), "不同客户端互不影响")
	})

	t.Run("清理空闲客户端", func(t *testing.T) {
		rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
		defer rl.Stop()
		rl.Allow("a")
		assert.Equal(t, 1, rl.ActiveClients())
		rl.evict(time.Now().Add(2 * time.Minute))
		assert.Equal(t, 0, rl.ActiveClients())
	})

	t.Run("中间件按操作者限流并返回 429", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 1})
		defer rl.Stop()

		r := gin.New()
		r.Use(auth.HeaderActorMiddleware("system"), RateLimitMiddleware(rl))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		send := func(actor string) int {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(auth.HeaderActorID, actor)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			return w.Code
		}
		assert.Equal(t, http.StatusNoContent, send("alice"))
		assert.Equal(t, http.StatusTooManyRequests, send("alice"))
		assert.Equal(t, http.StatusNoContent, send("bob"))
	})
}
