package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
	"github.com/briefcast/briefcast/pkg/models"
)

func Auth(authService *services.AuthService, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "MISSING_AUTHORIZATION",
					"message": "Authorization header is required",
				},
			})
			c.Abort()
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "INVALID_AUTHORIZATION_FORMAT",
					"message": "Authorization header must be in format 'Bearer <token>'",
				},
			})
			c.Abort()
			return
		}

		tokenString := tokenParts[1]

		// API keys carry no dots; JWTs always do.
		if !strings.Contains(tokenString, ".") {
			tier, err := authService.ValidateAPIKey(tokenString)
			if err != nil {
				logger.WithError(err).Warn("Invalid API key")
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": gin.H{
						"code":    "INVALID_API_KEY",
						"message": "Invalid API key",
					},
				})
				c.Abort()
				return
			}

			clientIDStr := c.GetHeader("X-Client-ID")
			var clientID uuid.UUID
			if clientIDStr != "" {
				var err error
				clientID, err = uuid.Parse(clientIDStr)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{
						"error": gin.H{
							"code":    "INVALID_CLIENT_ID",
							"message": "Invalid client ID format",
						},
					})
					c.Abort()
					return
				}
			} else {
				clientID = uuid.New()
			}

			c.Set("client_id", clientID)
			c.Set("tier", tier)
			c.Set("api_key", tokenString)
			c.Next()
			return
		}

		claims, err := authService.ValidateToken(tokenString)
		if err != nil {
			logger.WithError(err).Warn("Invalid JWT token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "INVALID_TOKEN",
					"message": "Invalid or expired token",
				},
			})
			c.Abort()
			return
		}

		c.Set("client_id", claims.ClientID)
		c.Set("tier", claims.Tier)
		c.Set("api_key", claims.APIKey)
		c.Next()
	}
}

// GetClientFromContext returns the authenticated client's id and tier.
func GetClientFromContext(c *gin.Context) (uuid.UUID, string) {
	clientID, _ := c.Get("client_id")
	tier, ok := c.Get("tier")
	if !ok {
		tier = models.TierStandard
	}

	id, ok := clientID.(uuid.UUID)
	if !ok {
		id = uuid.Nil
	}
	return id, tier.(string)
}
