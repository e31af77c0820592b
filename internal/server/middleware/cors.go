package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mediaflow/genrelay/internal/config"
)

const (
	corsAllowHeaders = "Content-Type, Authorization, X-USER-ID, X-Request-ID"
	corsAllowMethods = "GET, POST, OPTIONS"
	corsMaxAge       = "86400"
)

// CORS 跨域中间件。只有命中白名单的 origin 才会拿到 Allow-* 头；
// 不允许的 preflight 直接 403，允许的 preflight 返回 204。
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	origins := normalizeOrigins(cfg.AllowedOrigins)
	wildcard := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = struct{}{}
	}
	// 通配符与 credentials 不兼容
	allowCredentials := cfg.AllowCredentials && !wildcard

	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		_, listed := allowed[origin]
		ok := wildcard || (origin != "" && listed)

		if ok {
			h := c.Writer.Header()
			if wildcard && !listed {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			if allowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			if ok {
				c.AbortWithStatus(http.StatusNoContent)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}
		c.Next()
	}
}

func normalizeOrigins(in []string) []string {
	var out []string
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
