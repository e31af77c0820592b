package handler

import (
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mediaflow/genrelay/internal/pkg/ctxkey"
	"github.com/tidwall/gjson"
)

// referenceURLKeys 前端历史上用过的参考图字段，单值与数组都接受。
var referenceURLKeys = []string{"image_url", "imageUrl", "image_urls", "imageUrls", "reference_urls", "referenceUrls"}

// noBody 用于没有 JSON 请求体的接口。
var noBody gjson.Result

// readJSONBody 读取请求体；非 JSON 时返回空对象，字段读取全部落空。
func readJSONBody(c *gin.Context) gjson.Result {
	if c.Request.Body == nil {
		return gjson.Result{}
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(raw) {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}

// bodyString 返回第一个存在的字段的字符串形式（数字也转成字符串）。
func bodyString(body gjson.Result, keys ...string) string {
	for _, key := range keys {
		v := body.Get(key)
		if !v.Exists() || v.Type == gjson.Null || v.IsObject() || v.IsArray() {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

func bodyReferenceURLs(body gjson.Result) []string {
	var out []string
	for _, key := range referenceURLKeys {
		v := body.Get(key)
		switch {
		case v.IsArray():
			v.ForEach(func(_, item gjson.Result) bool {
				if item.Type == gjson.String {
					out = append(out, item.String())
				}
				return true
			})
		case v.Type == gjson.String:
			out = append(out, v.String())
		}
	}
	return out
}

func firstQuery(c *gin.Context, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(c.Query(key)); v != "" {
			return v
		}
	}
	return ""
}

// callerID 依次取：请求体 uid、中间件识别出的身份、query uid、X-USER-ID 头。
func callerID(c *gin.Context, body gjson.Result) string {
	if uid := bodyString(body, "uid", "user_id", "userId"); uid != "" {
		return uid
	}
	if uid, ok := c.Request.Context().Value(ctxkey.UserID).(string); ok && uid != "" {
		return uid
	}
	if uid := firstQuery(c, "uid", "user_id"); uid != "" {
		return uid
	}
	return strings.TrimSpace(c.GetHeader("X-USER-ID"))
}
