//go:build unit

package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// NewGinTestContext 创建直接调用 handler 用的 gin 上下文。
// body 非空时按 JSON 发送；params 依次填入路由参数，如 "provider", "kie"。
func NewGinTestContext(method, target, body string, params ...string) (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	c.Request = httptest.NewRequest(method, target, bodyReader)
	if body != "" && method != http.MethodGet {
		c.Request.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(params); i += 2 {
		c.Params = append(c.Params, gin.Param{Key: params[i], Value: params[i+1]})
	}
	return c, rec
}
