package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/ctxkey"
	"github.com/mediaflow/genrelay/internal/pkg/response"
)

var errEmptySubject = errors.New("token has no subject")

// Identity 识别调用方：X-USER-ID 头 → uid query → Bearer JWT 的 sub（配置了 jwt_secret 时）。
// 识别不到时按匿名放行；只有带了 Bearer 且校验失败才返回 401。
// 身份只写入 request context（ctxkey.UserID），handler 与 service 都从那里读。
func Identity(cfg config.AuthConfig) gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(cfg.JWTSecret))
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader("X-USER-ID"))
		if uid == "" {
			uid = strings.TrimSpace(c.Query("uid"))
		}
		if uid == "" && len(secret) > 0 {
			if token, ok := bearerToken(c.GetHeader("Authorization")); ok {
				sub, err := parseSubject(parser, secret, token)
				if err != nil {
					response.ErrorWithDetails(c, http.StatusUnauthorized, "invalid token", "INVALID_TOKEN", nil)
					c.Abort()
					return
				}
				uid = sub
			}
		}
		if uid != "" {
			c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxkey.UserID, uid))
		}
		c.Next()
	}
}

// bearerToken 只接受 "Bearer <token>"（大小写不敏感）；其他认证方式不归这里管。
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func parseSubject(parser *jwt.Parser, secret []byte, token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errEmptySubject
	}
	return strings.TrimSpace(claims.Subject), nil
}
