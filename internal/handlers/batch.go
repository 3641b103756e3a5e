package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
	"github.com/briefcast/briefcast/pkg/models"
)

type BatchHandler struct {
	logger       *logrus.Logger
	orchestrator *services.BatchOrchestrator
	validator    *validator.Validate
}

func NewBatchHandler(logger *logrus.Logger, orchestrator *services.BatchOrchestrator) *BatchHandler {
	return &BatchHandler{
		logger:       logger,
		orchestrator: orchestrator,
		validator:    validator.New(),
	}
}

// Create validates and persists a batch, then dispatches it in the
// background unless it is scheduled for a future time. Scheduled batches
// wait for the dispatcher loop.
func (h *BatchHandler) Create(c *gin.Context) {
	var req models.BatchCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, h.logger, err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		h.logger.WithError(err).Error("Validation failed for batch create request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "Request validation failed",
				"details": err.Error(),
			},
		})
		return
	}

	batch, operations, err := h.orchestrator.CreateBatch(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	if batch.ScheduledFor == nil || !batch.ScheduledFor.After(time.Now()) {
		go func() {
			ctx := context.WithoutCancel(c.Request.Context())
			if err := h.orchestrator.ProcessBatch(ctx, batch.ID); err != nil {
				h.logger.WithFields(logrus.Fields{
					"batch_id": batch.ID,
					"error":    err.Error(),
				}).Error("Background batch dispatch failed")
			}
		}()
	}

	operationIDs := make([]uuid.UUID, len(operations))
	for i, op := range operations {
		operationIDs[i] = op.ID
	}

	c.JSON(http.StatusAccepted, gin.H{
		"data": models.BatchCreateResponse{
			BatchID:       batch.ID,
			TotalRequests: batch.TotalOperations,
			Status:        batch.Status,
			Operations:    operationIDs,
		},
		"message": "Batch created",
	})
}

// Process dispatches a pending batch. A future scheduled_for still
// rejects; the schedule cannot be bypassed here.
func (h *BatchHandler) Process(c *gin.Context) {
	batchID, ok := parseUUIDParam(c, "batchId")
	if !ok {
		return
	}

	if err := h.orchestrator.ProcessBatch(c.Request.Context(), batchID); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Batch dispatched"})
}

// GetStatus returns the recomputed batch view with its operations.
func (h *BatchHandler) GetStatus(c *gin.Context) {
	batchID, ok := parseUUIDParam(c, "batchId")
	if !ok {
		return
	}

	status, err := h.orchestrator.GetBatchStatus(c.Request.Context(), batchID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// Cancel cancels the batch and all of its non-terminal operations.
func (h *BatchHandler) Cancel(c *gin.Context) {
	batchID, ok := parseUUIDParam(c, "batchId")
	if !ok {
		return
	}

	if err := h.orchestrator.CancelBatch(c.Request.Context(), batchID); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Batch cancelled"})
}

// Analyze runs the optimizer over a prospective set of requests without
// creating anything.
func (h *BatchHandler) Analyze(c *gin.Context) {
	var req models.BatchCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, h.logger, err)
		return
	}
	if len(req.Requests) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "At least one request is required",
			},
		})
		return
	}

	analysis := h.orchestrator.AnalyzeRequests(req.Requests)
	c.JSON(http.StatusOK, gin.H{"data": analysis})
}

// OptimizeSchedule plans when an existing batch should run.
func (h *BatchHandler) OptimizeSchedule(c *gin.Context) {
	batchID, ok := parseUUIDParam(c, "batchId")
	if !ok {
		return
	}

	plan, err := h.orchestrator.OptimizeScheduling(c.Request.Context(), batchID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}
