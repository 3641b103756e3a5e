package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
	"github.com/briefcast/briefcast/pkg/models"
)

type AuthHandler struct {
	logger    *logrus.Logger
	auth      *services.AuthService
	validator *validator.Validate
}

func NewAuthHandler(logger *logrus.Logger, auth *services.AuthService) *AuthHandler {
	return &AuthHandler{
		logger:    logger,
		auth:      auth,
		validator: validator.New(),
	}
}

// Token exchanges an API key for a JWT.
func (h *AuthHandler) Token(c *gin.Context) {
	var req models.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, h.logger, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Request validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	tier, err := h.auth.ValidateAPIKey(req.APIKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"code":    "INVALID_API_KEY",
				"message": "API key is not recognized",
			},
		})
		return
	}

	clientID := uuid.New()
	if req.ClientID != "" {
		parsed, err := uuid.Parse(req.ClientID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":    "VALIDATION_FAILED",
					"message": "client_id must be a valid UUID",
				},
			})
			return
		}
		clientID = parsed
	}

	token, err := h.auth.GenerateToken(clientID, req.APIKey, tier)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.AuthResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.auth.TokenTTL()),
		Tier:      tier,
	})
}

// Revoke invalidates the caller's active session.
func (h *AuthHandler) Revoke(c *gin.Context) {
	clientValue, exists := c.Get("client_id")
	clientID, ok := clientValue.(uuid.UUID)
	if !exists || !ok || clientID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"code":    "UNAUTHORIZED",
				"message": "No authenticated session",
			},
		})
		return
	}

	if err := h.auth.RevokeToken(clientID); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Token revoked"})
}
