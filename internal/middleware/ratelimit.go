package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
)

func RateLimit(limiter *services.RateLimiter, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, tier := GetClientFromContext(c)

		allowed, info, err := limiter.IsAllowed(clientID.String(), tier)
		if err != nil {
			// Fail open when Redis is unreachable.
			logger.WithError(err).Error("Failed to check rate limit")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime, 10))

		if !allowed {
			logger.WithFields(logrus.Fields{
				"client_id": clientID,
				"tier":      tier,
				"limit":     info.Limit,
			}).Warn("Rate limit exceeded")

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "Rate limit exceeded. Please try again later.",
				},
				"rate_limit": info,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
