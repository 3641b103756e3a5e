package middleware

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
)

// Compression gzips responses for clients that accept it. Batch status
// responses embed every member operation and grow large quickly.
func Compression() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}

		// The metrics endpoint negotiates its own encoding.
		if strings.HasPrefix(c.Request.URL.Path, "/metrics") {
			c.Next()
			return
		}

		gz := gzip.NewWriter(c.Writer)
		defer gz.Close()

		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")

		c.Writer = &gzipResponseWriter{
			ResponseWriter: c.Writer,
			gz:             gz,
		}

		c.Next()
	}
}

type gzipResponseWriter struct {
	gin.ResponseWriter
	gz io.Writer
}

func (w *gzipResponseWriter) Write(data []byte) (int, error) {
	return w.gz.Write(data)
}

func (w *gzipResponseWriter) WriteString(s string) (int, error) {
	return w.gz.Write([]byte(s))
}
