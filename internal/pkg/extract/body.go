package extract

import (
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// NormalizeBody 把任意请求/响应体转成可供 gjson 查询的 JSON：
//  1. 合法 JSON 原样返回；
//  2. 否则按 form 解码，看起来像 JSON 的字段作为嵌套值写入；
//  3. 仍失败时返回 {"raw": "<text>"}。
func NormalizeBody(raw []byte, contentType string) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return []byte(`{}`)
	}
	if gjson.Valid(trimmed) {
		return []byte(trimmed)
	}
	if out, ok := formToJSON(trimmed, contentType); ok {
		return out
	}
	out, err := sjson.SetBytes([]byte(`{}`), "raw", trimmed)
	if err != nil {
		return []byte(`{}`)
	}
	return out
}

func formToJSON(body string, contentType string) ([]byte, bool) {
	isForm := strings.Contains(strings.ToLower(contentType), "application/x-www-form-urlencoded")
	if !isForm && !strings.Contains(body, "=") {
		return nil, false
	}
	values, err := url.ParseQuery(body)
	if err != nil || len(values) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(values))
	hasValue := false
	for k, vs := range values {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
		if len(vs) > 0 && vs[0] != "" {
			hasValue = true
		}
	}
	if !hasValue && !isForm {
		return nil, false
	}
	sort.Strings(keys)

	out := []byte(`{}`)
	for _, k := range keys {
		v := values.Get(k)
		path := escapePathKey(k)
		if embedded, ok := embeddedJSON(v); ok {
			out, err = sjson.SetRawBytes(out, path, []byte(embedded.Raw))
		} else {
			out, err = sjson.SetBytes(out, path, v)
		}
		if err != nil {
			return nil, false
		}
	}
	return out, true
}

// escapePathKey 转义 sjson 路径中的特殊字符，使表单键名作为单个字面键写入。
func escapePathKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '.', '*', '?', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
