package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
	"github.com/briefcast/briefcast/pkg/models"
)

const defaultOperationPriority = 5

type OperationHandler struct {
	logger       *logrus.Logger
	orchestrator *services.BatchOrchestrator
	aggregator   *services.JobStatusAggregator
	validator    *validator.Validate
}

func NewOperationHandler(logger *logrus.Logger, orchestrator *services.BatchOrchestrator, aggregator *services.JobStatusAggregator) *OperationHandler {
	return &OperationHandler{
		logger:       logger,
		orchestrator: orchestrator,
		aggregator:   aggregator,
		validator:    validator.New(),
	}
}

// Generate accepts a single standalone generation request and enqueues it.
func (h *OperationHandler) Generate(c *gin.Context) {
	var req models.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, h.logger, err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		h.logger.WithError(err).Error("Validation failed for generation request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Request validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	op, err := h.orchestrator.StartOperation(c.Request.Context(), req, defaultOperationPriority)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"data":    op,
		"message": "Video generation started",
	})
}

// GetStatus returns the unified operation status: ledger state merged
// with live queue-job progress.
func (h *OperationHandler) GetStatus(c *gin.Context) {
	operationID, ok := parseUUIDParam(c, "operationId")
	if !ok {
		return
	}

	status, err := h.aggregator.GetJobStatus(c.Request.Context(), operationID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// Cancel cancels a non-terminal operation.
func (h *OperationHandler) Cancel(c *gin.Context) {
	operationID, ok := parseUUIDParam(c, "operationId")
	if !ok {
		return
	}

	op, err := h.orchestrator.CancelOperation(c.Request.Context(), operationID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":    op,
		"message": "Operation cancelled",
	})
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_PATH_PARAM",
				"message": name + " must be a valid UUID",
			},
		})
		return uuid.Nil, false
	}
	return id, true
}
