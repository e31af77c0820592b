package service

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
)

var (
	ErrMediaForbidden = infraerrors.Forbidden("MEDIA_FORBIDDEN", "invalid or expired media link")
	ErrMediaNotFound  = infraerrors.NotFound("MEDIA_NOT_FOUND", "media not found")
)

// MediaOpener 由本地对象存储实现。
type MediaOpener interface {
	OpenMedia(path string) (*os.File, error)
	SigningKey() string
}

// MediaService 校验本地媒体签名链接并打开文件。
type MediaService struct {
	opener MediaOpener
	now    func() time.Time
}

// NewMediaService store 不是本地存储时，所有媒体请求都返回 403。
func NewMediaService(store ObjectStore) *MediaService {
	s := &MediaService{now: time.Now}
	if opener, ok := store.(MediaOpener); ok {
		s.opener = opener
	}
	return s
}

// Open 校验 expires/sig 后打开文件；调用方负责关闭。
func (s *MediaService) Open(path, expiresRaw, sig string) (*os.File, error) {
	if s == nil || s.opener == nil {
		return nil, ErrMediaForbidden
	}
	path = strings.TrimPrefix(path, "/")
	expires, err := strconv.ParseInt(strings.TrimSpace(expiresRaw), 10, 64)
	if err != nil || expires <= 0 || s.now().Unix() > expires {
		return nil, ErrMediaForbidden
	}
	if !VerifyMediaURL(path, "", expires, sig, s.opener.SigningKey()) {
		return nil, ErrMediaForbidden
	}
	f, err := s.opener.OpenMedia(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMediaNotFound
		}
		return nil, ErrMediaForbidden.WithCause(err)
	}
	return f, nil
}
