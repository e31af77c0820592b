package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/mediaflow/genrelay/internal/pkg/response"
	"go.uber.org/zap"
)

// Recovery 捕获 panic，返回标准 500 JSON。堆栈由 gin 写到 DefaultErrorWriter，同时记一条 zap 错误日志。
// 已经写出响应的请求不再覆盖。
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(gin.DefaultErrorWriter, func(c *gin.Context, recovered any) {
		logger.FromContext(c.Request.Context()).Error("http.panic",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("panic", fmt.Sprint(recovered)),
			zap.Stack("stack"),
		)
		if c.Writer.Written() {
			c.Abort()
			return
		}
		response.ErrorWithDetails(c, http.StatusInternalServerError, infraerrors.UnknownMessage, "", nil)
		c.Abort()
	})
}
