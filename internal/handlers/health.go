package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
)

type HealthHandler struct {
	logger *logrus.Logger
	health *services.HealthService
}

func NewHealthHandler(logger *logrus.Logger, health *services.HealthService) *HealthHandler {
	return &HealthHandler{
		logger: logger,
		health: health,
	}
}

// Health reports dependency health. Critical failures return 503.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.health.CheckHealth()

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Ready is the readiness probe: critical dependencies only.
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.health.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
