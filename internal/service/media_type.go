package service

import (
	"bytes"
	"mime"
	"strings"

	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
)

var ErrUnsupportedMediaType = infraerrors.BadRequest("UNSUPPORTED_MEDIA_TYPE", "unsupported media type")

var mediaExtensions = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/webp":       ".webp",
	"image/gif":        ".gif",
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
}

// sniffMagic 按文件头识别常见图片/视频类型，无法识别时返回空。
func sniffMagic(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(head, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(head, []byte("GIF87a")), bytes.HasPrefix(head, []byte("GIF89a")):
		return "image/gif"
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP")):
		return "image/webp"
	case len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")):
		if bytes.Equal(head[8:12], []byte("qt  ")) {
			return "video/quicktime"
		}
		return "video/mp4"
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		if bytes.Contains(head, []byte("webm")) {
			return "video/webm"
		}
		return "video/x-matroska"
	}
	return ""
}

// DetectMediaType 识别上传文件类型：优先文件头；识别不出时才信任声明的 Content-Type（须属于期望大类）；
// 仍无法确定时视频回退为 video/mp4，图片直接拒绝。识别出的类型不属于期望大类时拒绝。
func DetectMediaType(head []byte, declared string, kind string) (string, string, error) {
	family := kind + "/"
	if sniffed := sniffMagic(head); sniffed != "" {
		if !strings.HasPrefix(sniffed, family) {
			return "", "", ErrUnsupportedMediaType.WithMetadata(map[string]string{"detected": sniffed})
		}
		return sniffed, extensionFor(sniffed), nil
	}
	if mt, _, err := mime.ParseMediaType(declared); err == nil && strings.HasPrefix(mt, family) {
		return mt, extensionFor(mt), nil
	}
	if kind == MediaKindVideo {
		return "video/mp4", ".mp4", nil
	}
	return "", "", ErrUnsupportedMediaType
}

func extensionFor(mt string) string {
	if ext, ok := mediaExtensions[mt]; ok {
		return ext
	}
	if i := strings.IndexByte(mt, '/'); i >= 0 {
		sub := strings.TrimPrefix(mt[i+1:], "x-")
		if sub = sanitizeFileName(sub); sub != "" {
			return "." + sub
		}
	}
	return ""
}
