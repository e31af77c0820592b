package repository

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var errInvalidObjectPath = errors.New("invalid object path")

// cleanObjectPath 规范化对象路径并拒绝越界（..）与绝对路径。
func cleanObjectPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", errInvalidObjectPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", errInvalidObjectPath, p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", errInvalidObjectPath, p)
	}
	return cleaned, nil
}

// escapeObjectPath 逐段转义，保留分隔符。
func escapeObjectPath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// appendQuery 向已有 URL 追加查询参数。
func appendQuery(raw, key, value string) string {
	if value == "" {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
