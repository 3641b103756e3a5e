// Package handlers implements the HTTP API surface: operation and batch
// lifecycle, webhook registration, cache administration, auth, and health.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
	"github.com/briefcast/briefcast/pkg/models"
)

// Handlers bundles the route handlers for router wiring.
type Handlers struct {
	Auth       *AuthHandler
	Operations *OperationHandler
	Batches    *BatchHandler
	Webhooks   *WebhookHandler
	Cache      *CacheAdminHandler
	Health     *HealthHandler
	Admin      *AdminHandler
}

func New(logger *logrus.Logger, svcs *services.Services) *Handlers {
	return &Handlers{
		Auth:       NewAuthHandler(logger, svcs.Auth),
		Operations: NewOperationHandler(logger, svcs.Orchestrator, svcs.Aggregator),
		Batches:    NewBatchHandler(logger, svcs.Orchestrator),
		Webhooks:   NewWebhookHandler(logger, svcs.Webhooks, svcs.Ledger),
		Cache:      NewCacheAdminHandler(logger, svcs.Cache),
		Health:     NewHealthHandler(logger, svcs.Health),
		Admin:      NewAdminHandler(logger, svcs.Queue, svcs.EventBus, svcs.Quota),
	}
}

// writeServiceError maps the error taxonomy onto HTTP responses.
// Validation and not-found errors surface directly; quota violations get
// a distinct status; everything else is an opaque 500.
func writeServiceError(c *gin.Context, logger *logrus.Logger, err error) {
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": validationErr.Message,
				"details": gin.H{"field": validationErr.Field},
			},
		})
		return
	}

	var notFoundErr *models.NotFoundError
	if errors.As(err, &notFoundErr) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": notFoundErr.Error(),
			},
		})
		return
	}

	var quotaErr *models.QuotaExceededError
	if errors.As(err, &quotaErr) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":    "QUOTA_EXCEEDED",
				"message": quotaErr.Error(),
				"details": gin.H{"quota": quotaErr.Quota, "limit": quotaErr.Limit},
			},
		})
		return
	}

	logger.WithError(err).Error("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "An internal error occurred",
		},
	})
}

func writeBindError(c *gin.Context, logger *logrus.Logger, err error) {
	logger.WithError(err).Error("Failed to bind request")
	c.JSON(http.StatusBadRequest, gin.H{
		"error": gin.H{
			"code":    "INVALID_REQUEST",
			"message": "Invalid request format",
			"details": err.Error(),
		},
	})
}
