package service

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

const maxFileNameRunes = 100

var unsafeFileNameChars = regexp.MustCompile(`[^\w.-]`)

func deriveFileName(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "/" || name == "." {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// sanitizeFileName 把非 [A-Za-z0-9_.-] 字符替换为下划线，并在保留扩展名的前提下截断到 100 个字符。
func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	sanitized := strings.TrimLeft(unsafeFileNameChars.ReplaceAllString(name, "_"), ".")
	runes := []rune(sanitized)
	if len(runes) <= maxFileNameRunes {
		return sanitized
	}
	ext := path.Ext(sanitized)
	if len(ext) >= maxFileNameRunes/2 {
		ext = ""
	}
	stem := []rune(strings.TrimSuffix(sanitized, ext))
	return string(stem[:maxFileNameRunes-len(ext)]) + ext
}

// DownloadFileName 决定下载文件名：显式 name → URL 末段 → "download"。
func DownloadFileName(name string, rawURL string) string {
	if s := sanitizeFileName(name); s != "" {
		return s
	}
	if s := sanitizeFileName(deriveFileName(rawURL)); s != "" {
		return s
	}
	return "download"
}
