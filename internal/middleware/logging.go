package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextRequestID is the gin context key carrying the request id.
const ContextRequestID = "request_id"

const requestIDHeader = "X-Request-ID"

// Logger assigns each request an id, echoes it back in the response, and
// logs one line per request with the operation or batch it touched.
// Liveness and scrape endpoints are not logged.
func Logger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextRequestID, requestID)
		c.Header(requestIDHeader, requestID)

		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"request_id":  requestID,
			"status_code": c.Writer.Status(),
			"latency":     time.Since(start),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		}
		if opID := c.Param("operationId"); opID != "" {
			fields["operation_id"] = opID
		}
		if batchID := c.Param("batchId"); batchID != "" {
			fields["batch_id"] = batchID
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.String()
		}

		entry := logger.WithFields(fields)
		if c.Writer.Status() >= 500 {
			entry.Error("HTTP request")
		} else {
			entry.Info("HTTP request")
		}
	}
}

func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.WithFields(logrus.Fields{
			"panic":      recovered,
			"request_id": c.GetString(ContextRequestID),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"client_ip":  c.ClientIP(),
		}).Error("Panic recovered")

		c.JSON(500, gin.H{
			"error": gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "Internal server error",
			},
		})
	})
}
