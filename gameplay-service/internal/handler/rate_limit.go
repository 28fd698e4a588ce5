package handler

import (
	"net/http"
	"time"

	"novel-engine/shared/models"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrCodeRateLimited - код ответа при превышении лимита генераций.
const ErrCodeRateLimited = "rate_limited"

// NewGenerationRateLimiter ограничивает запросы, запускающие генерацию, по IP клиента.
// limit == 0 отключает ограничение.
func NewGenerationRateLimiter(limit uint, per time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if limit == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	log := logger.Named("RateLimiter")
	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  per,
		Limit: limit,
	})
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			log.Warn("Rate limit exceeded",
				zap.String("clientIP", c.ClientIP()),
				zap.Time("resetTime", info.ResetTime),
				zap.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Code:    ErrCodeRateLimited,
				Class:   models.ClassInvalidRequest,
				Message: "Too many generation requests. Try again in " + time.Until(info.ResetTime).Round(time.Second).String(),
			})
		},
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	})
}
