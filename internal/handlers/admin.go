package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/messaging"
	"github.com/briefcast/briefcast/internal/queue"
	"github.com/briefcast/briefcast/internal/services"
)

// AdminHandler exposes operational introspection: queue depth, event bus
// and DLQ counters, and quota usage.
type AdminHandler struct {
	logger *logrus.Logger
	queue  *queue.VideoJobQueue
	bus    *messaging.EventBus
	quota  *services.QuotaService
}

func NewAdminHandler(logger *logrus.Logger, q *queue.VideoJobQueue, bus *messaging.EventBus, quota *services.QuotaService) *AdminHandler {
	return &AdminHandler{
		logger: logger,
		queue:  q,
		bus:    bus,
		quota:  quota,
	}
}

func (h *AdminHandler) QueueStats(c *gin.Context) {
	depth, err := h.queue.ReadyDepth(c.Request.Context())
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{"ready_depth": depth},
	})
}

func (h *AdminHandler) EventStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.bus.Stats()})
}

func (h *AdminHandler) QuotaUsage(c *gin.Context) {
	usage, err := h.quota.Usage(c.Request.Context())
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": usage})
}
