// compression.go - gzip for JSON responses.
//
// File content and part uploads are never compressed: downloads stream the
// stored bytes as-is and part bodies are opaque.
package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
)

// compressionResponseWriter compresses everything written through it. The
// gzip writer is created on first write so empty responses stay empty.
type compressionResponseWriter struct {
	gin.ResponseWriter
	gz *gzip.Writer
}

func (crw *compressionResponseWriter) writer() *gzip.Writer {
	if crw.gz == nil {
		crw.ResponseWriter.Header().Del("Content-Length")
		crw.ResponseWriter.Header().Set("Content-Encoding", "gzip")
		crw.gz = gzip.NewWriter(crw.ResponseWriter)
	}
	return crw.gz
}

func (crw *compressionResponseWriter) Write(b []byte) (int, error) {
	return crw.writer().Write(b)
}

func (crw *compressionResponseWriter) WriteString(s string) (int, error) {
	return crw.writer().Write([]byte(s))
}

func (crw *compressionResponseWriter) close() {
	if crw.gz != nil {
		_ = crw.gz.Close()
	}
}

func compressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !acceptsCompression(c.Request) || shouldSkipCompression(c.Request) {
			c.Next()
			return
		}
		crw := &compressionResponseWriter{ResponseWriter: c.Writer}
		crw.Header().Add("Vary", "Accept-Encoding")
		c.Writer = crw
		defer crw.close()
		c.Next()
	}
}

// acceptsCompression checks if the client accepts gzip encoding.
func acceptsCompression(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func shouldSkipCompression(r *http.Request) bool {
	if strings.HasSuffix(r.URL.Path, "/content") {
		return true
	}
	return r.Method == http.MethodPut || r.Method == http.MethodOptions
}
