// Package logredact 在写日志前脱敏上游响应与请求中的密钥。
package logredact

import (
	"regexp"
	"strings"
)

var sensitiveKeys = []string{
	"access_token",
	"refresh_token",
	"id_token",
	"client_secret",
	"api_key",
	"apikey",
	"x-api-key",
	"service_role_key",
	"authorization",
	"password",
	"secret",
	"token",
}

var (
	keyAlt = strings.Join(quoteAll(sensitiveKeys), "|")

	jsonPairRe  = regexp.MustCompile(`(?i)("(?:` + keyAlt + `)"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	queryPairRe = regexp.MustCompile(`(?i)(^|[\s&?,;])((?:` + keyAlt + `)=)[^\s&,;"]+`)
	bearerRe    = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)
)

// RedactText 将文本中的敏感字段值替换为 ***。
func RedactText(s string) string {
	if s == "" {
		return s
	}
	s = jsonPairRe.ReplaceAllString(s, `$1"***"`)
	s = queryPairRe.ReplaceAllString(s, `$1$2***`)
	s = bearerRe.ReplaceAllString(s, `$1***`)
	return s
}

// Truncate 截断过长文本，避免日志被大响应体淹没。
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, k := range in {
		out[i] = regexp.QuoteMeta(k)
	}
	return out
}
