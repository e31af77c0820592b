// Package errors 定义跨层传递的应用错误（HTTP 状态码 + reason + message + metadata）。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// UnknownCode 未知错误的 HTTP 状态码
	UnknownCode = http.StatusInternalServerError
	// UnknownReason 未知错误的 reason
	UnknownReason = ""
	// UnknownMessage 对外暴露的未知错误消息，避免泄露内部细节
	UnknownMessage = "internal error"
)

// Status 是 ApplicationError 的可序列化部分。
type Status struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason,omitempty"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ApplicationError 携带 HTTP 语义的业务错误。
type ApplicationError struct {
	Status
	cause error
}

func (e *ApplicationError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("error: code=%d reason=%q message=%q cause=%v", e.Code, e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("error: code=%d reason=%q message=%q", e.Code, e.Reason, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ApplicationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors with the same code and reason.
func (e *ApplicationError) Is(err error) bool {
	var target *ApplicationError
	if errors.As(err, &target) && target != nil {
		return target.Code == e.Code && target.Reason == e.Reason
	}
	return false
}

// WithCause returns a copy that wraps cause.
func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	clone := e.clone()
	clone.cause = cause
	return clone
}

// WithMetadata returns a copy carrying md.
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	clone := e.clone()
	if len(md) == 0 {
		clone.Metadata = nil
		return clone
	}
	clone.Metadata = make(map[string]string, len(md))
	for k, v := range md {
		clone.Metadata[k] = v
	}
	return clone
}

func (e *ApplicationError) clone() *ApplicationError {
	if e == nil {
		return nil
	}
	out := &ApplicationError{Status: e.Status, cause: e.cause}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// New 创建 ApplicationError
func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{Status: Status{Code: code, Reason: reason, Message: message}}
}

// Newf 创建带格式化消息的 ApplicationError
func Newf(code int, reason, format string, a ...any) *ApplicationError {
	return New(code, reason, fmt.Sprintf(format, a...))
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func TooLarge(reason, message string) *ApplicationError {
	return New(http.StatusRequestEntityTooLarge, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func BadGateway(reason, message string) *ApplicationError {
	return New(http.StatusBadGateway, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}

// FromError 将任意 error 转换为 ApplicationError；非业务错误统一映射为 500 + UnknownMessage。
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr
	}
	return New(UnknownCode, UnknownReason, UnknownMessage).WithCause(err)
}

// Code returns the HTTP status carried by err (200 for nil).
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return FromError(err).Code
}

// Reason returns the reason carried by err.
func Reason(err error) string {
	if err == nil {
		return UnknownReason
	}
	return FromError(err).Reason
}
