package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggedRouter(t *testing.T) (*gin.Engine, *test.Hook) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)

	router := gin.New()
	router.Use(Logger(logger))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/operations/:operationId", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router, hook
}

func TestLoggerAssignsAndEchoesRequestID(t *testing.T) {
	router, hook := newLoggedRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/abc", nil)
	router.ServeHTTP(w, req)

	assigned := w.Header().Get("X-Request-ID")
	assert.NotEmpty(t, assigned)

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, assigned, entry.Data["request_id"])
	assert.Equal(t, "abc", entry.Data["operation_id"])
	assert.Equal(t, http.StatusOK, entry.Data["status_code"])
}

func TestLoggerPropagatesInboundRequestID(t *testing.T) {
	router, hook := newLoggedRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/abc", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	router.ServeHTTP(w, req)

	assert.Equal(t, "caller-supplied", w.Header().Get("X-Request-ID"))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "caller-supplied", hook.LastEntry().Data["request_id"])
}

func TestLoggerSkipsProbeEndpoints(t *testing.T) {
	router, hook := newLoggedRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, hook.Entries)
}
