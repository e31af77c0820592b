package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mediaflow/genrelay/internal/pkg/ctxkey"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// ClientRequestID 为每个请求写入 request id（已有则保留，其次取 X-Request-ID 头，最后生成 UUID）。
func ClientRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Request.Context().Value(ctxkey.ClientRequestID).(string)
		if id == "" {
			id = strings.TrimSpace(c.GetHeader(requestIDHeader))
			if len(id) > 128 {
				id = id[:128]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxkey.ClientRequestID, id))
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestBodyLimit 限制请求体大小；maxBytes<=0 时不限制。
func RequestBodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// RequestLogger 每个请求结束后输出一行 access 日志。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.FromContext(c.Request.Context()).Info("http.request", fields...)
	}
}
