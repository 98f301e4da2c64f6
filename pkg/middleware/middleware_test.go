package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := gin.New()
	r.Use(NewRateLimiter(client, 2, zap.NewNop()).Middleware())
	r.GET("/api/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
		codes[i] = w.Code
		if i == 2 {
			assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRateLimiter_RedisDownAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	r := gin.New()
	r.Use(NewRateLimiter(client, 1, zap.NewNop()).Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTraceMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(TraceMiddleware())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("trace_id")) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "trace-123", w.Body.String())
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestMetrics(t *testing.T) {
	m := metrics.New()
	r := gin.New()
	r.Use(RequestMetrics(m))
	r.GET("/calls/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/abc", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), m.Count("requests"))
}
