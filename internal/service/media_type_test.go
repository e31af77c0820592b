//go:build unit

package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectMediaType(t *testing.T) {
	tests := []struct {
		name     string
		head     []byte
		declared string
		kind     string
		wantMime string
		wantExt  string
		wantErr  bool
	}{
		{name: "png beats declared jpeg", head: pngHead, declared: "image/jpeg", kind: MediaKindImage, wantMime: "image/png", wantExt: ".png"},
		{name: "jpeg", head: []byte{0xFF, 0xD8, 0xFF, 0xE0}, kind: MediaKindImage, wantMime: "image/jpeg", wantExt: ".jpg"},
		{name: "gif", head: []byte("GIF89a...."), kind: MediaKindImage, wantMime: "image/gif", wantExt: ".gif"},
		{name: "webp", head: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), kind: MediaKindImage, wantMime: "image/webp", wantExt: ".webp"},
		{name: "mp4", head: []byte("\x00\x00\x00\x18ftypmp42"), kind: MediaKindVideo, wantMime: "video/mp4", wantExt: ".mp4"},
		{name: "quicktime", head: []byte("\x00\x00\x00\x14ftypqt  "), kind: MediaKindVideo, wantMime: "video/quicktime", wantExt: ".mov"},
		{name: "webm", head: []byte("\x1A\x45\xDF\xA3\x9fB\x86\x81\x01webm"), kind: MediaKindVideo, wantMime: "video/webm", wantExt: ".webm"},
		{name: "declared when unknown", head: []byte("????"), declared: "image/avif; q=1", kind: MediaKindImage, wantMime: "image/avif", wantExt: ".avif"},
		{name: "declared wrong family", head: []byte("????"), declared: "video/mp4", kind: MediaKindImage, wantErr: true},
		{name: "video fallback", head: []byte("????"), kind: MediaKindVideo, wantMime: "video/mp4", wantExt: ".mp4"},
		{name: "image unknown", head: []byte("????"), kind: MediaKindImage, wantErr: true},
		{name: "image into video", head: pngHead, kind: MediaKindVideo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt, ext, err := DetectMediaType(tt.head, tt.declared, tt.kind)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedMediaType)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantMime, mt)
			require.Equal(t, tt.wantExt, ext)
		})
	}
}
