package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/errors"
)

// RateLimiter is a fixed-window per-client request limiter backed by Redis
type RateLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
	log         *zap.Logger
}

func NewRateLimiter(client *redis.Client, maxRequestsPerMinute int, log *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client:      client,
		maxRequests: maxRequestsPerMinute,
		window:      time.Minute,
		log:         log,
	}
}

// Middleware limits requests per client IP. Redis errors let the request
// through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.client == nil || rl.maxRequests <= 0 {
			c.Next()
			return
		}

		window := time.Now().Unix() / int64(rl.window.Seconds())
		key := fmt.Sprintf("ratelimit:api:%s:%d", c.ClientIP(), window)
		ctx := c.Request.Context()

		pipe := rl.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.window)
		if _, err := pipe.Exec(ctx); err != nil {
			rl.log.Warn("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		count := incr.Val()
		remaining := int64(rl.maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.maxRequests))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if count > int64(rl.maxRequests) {
			c.Header("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			errors.TooManyRequests(c, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
