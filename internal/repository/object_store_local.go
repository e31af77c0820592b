package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/service"
)

// LocalObjectStore 把下载缓存写到本地目录，通过 /media 路由以 HMAC 签名链接对外提供。
type LocalObjectStore struct {
	dir        string
	signingKey string
	baseURL    string
	now        func() time.Time
}

func NewLocalObjectStore(cfg *config.Config) (*LocalObjectStore, error) {
	dir := cfg.ObjectStorage.Local.Dir
	if dir == "" || cfg.ObjectStorage.Local.SigningKey == "" {
		return nil, errors.New("local object storage requires dir and signing_key")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &LocalObjectStore{
		dir:        dir,
		signingKey: cfg.ObjectStorage.Local.SigningKey,
		baseURL:    cfg.Site.PublicBaseURL + cfg.Server.PathPrefix + "/media/",
		now:        time.Now,
	}, nil
}

func (s *LocalObjectStore) Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), full)
}

// SignedURL 生成 <base>/media/<path>?download=&expires=&sig=，签名覆盖路径与过期时间。
func (s *LocalObjectStore) SignedURL(ctx context.Context, objectPath string, ttl time.Duration, downloadName string) (string, error) {
	p, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	sig := service.SignMediaURL(p, "", expires, s.signingKey)
	u := s.baseURL + escapeObjectPath(p)
	u = appendQuery(u, "download", downloadName)
	u = appendQuery(u, "expires", strconv.FormatInt(expires, 10))
	return appendQuery(u, "sig", sig), nil
}

// OpenMedia 打开已缓存的文件，供媒体路由读取。
func (s *LocalObjectStore) OpenMedia(objectPath string) (*os.File, error) {
	full, err := s.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// SigningKey is the HMAC key used by SignedURL.
func (s *LocalObjectStore) SigningKey() string { return s.signingKey }

func (s *LocalObjectStore) resolve(objectPath string) (string, error) {
	p, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(p)), nil
}
