package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SignMediaURL 为本地对象存储的媒体链接生成临时签名（path|query|expires）。
func SignMediaURL(path string, query string, expires int64, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(buildMediaSignPayload(path, query)))
	_, _ = mac.Write([]byte("|"))
	_, _ = mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMediaURL 校验签名；过期判断由调用方负责。
func VerifyMediaURL(path string, query string, expires int64, signature string, key string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	expected := SignMediaURL(path, query, expires, key)
	if expected == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(expected))
}

func buildMediaSignPayload(path string, query string) string {
	if strings.TrimSpace(query) == "" {
		return path
	}
	return path + "?" + query
}
