// Package ctxkey 定义 context.Context 中使用的键。
package ctxkey

// Key 是 context 键的专用类型，避免与其他包冲突。
type Key string

const (
	// ClientRequestID 客户端请求 ID（由 ClientRequestID 中间件写入）
	ClientRequestID Key = "ctx_client_request_id"
	// UserID 调用方身份（由 Identity 中间件写入）
	UserID Key = "ctx_user_id"
)
