package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vigilhq/vigil-backend/internal/response"
)

// LoginCounter counts attempts per client IP inside a window. Backed by the
// cache so the limit holds across process instances.
type LoginCounter interface {
	CountLoginAttempt(ctx context.Context, ip string, window time.Duration) (int64, error)
}

// LoginRateLimit rejects clients that exceed `limit` login attempts within
// `window`. Counter failures fail open; login must not depend on the cache.
func LoginRateLimit(counter LoginCounter, limit int64, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := counter.CountLoginAttempt(c.Request.Context(), c.ClientIP(), window)
		if err == nil && n > limit {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
