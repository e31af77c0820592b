// Package response 提供统一的 JSON 响应信封。
package response

import (
	"net/http"

	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response 标准响应结构
type Response struct {
	Code     int               `json:"code"`
	Message  string            `json:"message"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Data     any               `json:"data,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 返回错误响应
func Error(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Response{
		Code:    statusCode,
		Message: message,
	})
}

// ErrorWithDetails 返回带 reason/metadata 的错误响应
func ErrorWithDetails(c *gin.Context, statusCode int, message, reason string, metadata map[string]string) {
	c.JSON(statusCode, Response{
		Code:     statusCode,
		Message:  message,
		Reason:   reason,
		Metadata: metadata,
	})
}

// ErrorFrom 将 error 写入响应；err 为 nil 时不写入并返回 false。
func ErrorFrom(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	appErr := infraerrors.FromError(err)
	ErrorWithDetails(c, appErr.Code, appErr.Message, appErr.Reason, appErr.Metadata)
	return true
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}
