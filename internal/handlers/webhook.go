package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/services"
	"github.com/briefcast/briefcast/pkg/models"
)

type WebhookHandler struct {
	logger     *logrus.Logger
	webhooks   *services.WebhookService
	operations ledger.OperationRepository
	validator  *validator.Validate
}

func NewWebhookHandler(logger *logrus.Logger, webhooks *services.WebhookService, operations ledger.OperationRepository) *WebhookHandler {
	return &WebhookHandler{
		logger:     logger,
		webhooks:   webhooks,
		operations: operations,
		validator:  validator.New(),
	}
}

// Register subscribes a callback URL to an operation's terminal event.
// Registering for an operation that is already terminal delivers nothing;
// the registration is accepted and swept later.
func (h *WebhookHandler) Register(c *gin.Context) {
	operationID, ok := parseUUIDParam(c, "operationId")
	if !ok {
		return
	}

	var req models.WebhookRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, h.logger, err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		h.logger.WithError(err).Error("Validation failed for webhook registration")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Request validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	if _, err := h.operations.FindByID(c.Request.Context(), operationID); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	reg := models.WebhookRegistration{
		OperationID:  operationID,
		URL:          req.URL,
		Secret:       req.Secret,
		Events:       req.Events,
		Retries:      req.Retries,
		TimeoutMs:    req.TimeoutMs,
		RegisteredAt: time.Now().UTC(),
	}
	if err := h.webhooks.Register(c.Request.Context(), reg); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"data": gin.H{
			"operation_id": operationID,
			"url":          req.URL,
		},
		"message": "Webhook registered",
	})
}

// Get returns the current registration for an operation if one exists.
func (h *WebhookHandler) Get(c *gin.Context) {
	operationID, ok := parseUUIDParam(c, "operationId")
	if !ok {
		return
	}

	reg, found, err := h.webhooks.Get(c.Request.Context(), operationID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "No webhook registered for operation",
			},
		})
		return
	}

	// The shared secret never leaves the server.
	reg.Secret = ""
	c.JSON(http.StatusOK, gin.H{"data": reg})
}

// Unregister removes the registration. Removing a registration that does
// not exist is a no-op.
func (h *WebhookHandler) Unregister(c *gin.Context) {
	operationID, ok := parseUUIDParam(c, "operationId")
	if !ok {
		return
	}

	if err := h.webhooks.Unregister(c.Request.Context(), operationID); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Webhook unregistered"})
}
