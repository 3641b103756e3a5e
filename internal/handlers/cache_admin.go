package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/services"
)

// CacheAdminHandler exposes the content cache's operational surface:
// hit-rate metrics, namespace invalidation, and warming.
type CacheAdminHandler struct {
	logger *logrus.Logger
	cache  *services.ContentCache
}

func NewCacheAdminHandler(logger *logrus.Logger, cache *services.ContentCache) *CacheAdminHandler {
	return &CacheAdminHandler{
		logger: logger,
		cache:  cache,
	}
}

func (h *CacheAdminHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.cache.Metrics()})
}

type cacheInvalidateRequest struct {
	Namespace string `json:"namespace"`
	Pattern   string `json:"pattern"`
}

// Invalidate deletes cached entries by namespace, optionally narrowed by
// a key pattern.
func (h *CacheAdminHandler) Invalidate(c *gin.Context) {
	var req cacheInvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, h.logger, err)
		return
	}
	if req.Namespace == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "namespace is required",
			},
		})
		return
	}

	pattern := req.Pattern
	if pattern == "" {
		pattern = "*"
	}

	removed := h.cache.Invalidate(c.Request.Context(), req.Namespace, pattern)
	c.JSON(http.StatusOK, gin.H{
		"data":    gin.H{"invalidated": removed},
		"message": "Cache entries invalidated",
	})
}

func (h *CacheAdminHandler) ResetMetrics(c *gin.Context) {
	h.cache.ResetMetrics()
	c.JSON(http.StatusOK, gin.H{"message": "Cache metrics reset"})
}

type cacheWarmRequest struct {
	Entries []services.WarmEntry `json:"entries"`
}

// Warm preloads cache entries, typically ahead of a scheduled batch.
func (h *CacheAdminHandler) Warm(c *gin.Context) {
	var req cacheWarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, h.logger, err)
		return
	}
	if len(req.Entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "at least one entry is required",
			},
		})
		return
	}

	warmed := h.cache.Warm(c.Request.Context(), req.Entries)
	c.JSON(http.StatusOK, gin.H{
		"data":    gin.H{"warmed": warmed},
		"message": "Cache warmed",
	})
}
