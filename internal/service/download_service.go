package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/mediaflow/genrelay/internal/config"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/mediaflow/genrelay/internal/util/urlvalidator"
	"go.uber.org/zap"
)

const (
	defaultInlineMaxBytes = 4 << 20
	defaultMaxCacheBytes  = 512 << 20
	defaultHeadTimeout    = 15 * time.Second
	defaultFetchTimeout   = 120 * time.Second
)

// DownloadResult 下载中转结果：要么内联返回 Body，要么重定向到 RedirectURL。
type DownloadResult struct {
	Inline        bool
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	FileName      string
	RedirectURL   string
	Cached        bool
}

// DownloadService 让浏览器以附件方式下载第三方托管的生成结果。
type DownloadService struct {
	store          ObjectStore
	headClient     *req.Client
	fetchClient    *req.Client
	inlineMaxBytes int64
	maxCacheBytes  int64
	validateOpts   urlvalidator.ValidationOptions
	allowHTTP      bool
	now            func() time.Time
}

// NewDownloadService store 可为 nil（未配置对象存储时直接重定向原地址）。
func NewDownloadService(cfg *config.Config, store ObjectStore) *DownloadService {
	d := config.DownloadConfig{}
	if cfg != nil {
		d = cfg.Download
	}
	headTimeout := d.HeadTimeout
	if headTimeout <= 0 {
		headTimeout = defaultHeadTimeout
	}
	fetchTimeout := d.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	s := &DownloadService{
		store:          store,
		headClient:     req.C().SetTimeout(headTimeout),
		fetchClient:    req.C().SetTimeout(fetchTimeout),
		inlineMaxBytes: d.InlineMaxBytes,
		maxCacheBytes:  d.MaxCacheBytes,
		validateOpts:   urlvalidator.ValidationOptions{AllowPrivate: d.AllowPrivateHosts},
		allowHTTP:      cfg == nil || d.AllowInsecureHTTP,
		now:            time.Now,
	}
	if s.inlineMaxBytes <= 0 {
		s.inlineMaxBytes = defaultInlineMaxBytes
	}
	if s.maxCacheBytes <= 0 {
		s.maxCacheBytes = defaultMaxCacheBytes
	}
	return s
}

var errInlineOversize = errors.New("inline body larger than advertised size")

// Prepare 先取远端大小：小文件内联；大文件或大小未知时缓存到对象存储并重定向到 1 小时签名链接；
// 缓存路径上的任何失败都降级为重定向原地址。
func (s *DownloadService) Prepare(ctx context.Context, rawURL, name string) (*DownloadResult, error) {
	target, err := urlvalidator.ValidateHTTPURL(rawURL, s.allowHTTP, s.validateOpts)
	if err != nil {
		return nil, infraerrors.BadRequest("INVALID_DOWNLOAD_URL", "invalid url").WithCause(err)
	}
	// 保留原始 URL（ValidateHTTPURL 会去掉末尾斜杠，签名类 URL 不能改动）
	target = strings.TrimSpace(rawURL)
	fileName := DownloadFileName(name, target)
	log := logger.FromContext(ctx).With(zap.String("url", target), zap.String("file_name", fileName))

	length, contentType, known := s.remoteSize(ctx, target)
	if known && length <= s.inlineMaxBytes {
		res, err := s.fetchInline(ctx, target, fileName, contentType)
		if err == nil {
			return res, nil
		}
		log.Warn("download.inline_failed", zap.Error(err))
		if !errors.Is(err, errInlineOversize) {
			return &DownloadResult{RedirectURL: target, FileName: fileName}, nil
		}
		// 实际内容比 HEAD 给出的长度大，按大文件处理
	}

	if s.store == nil {
		return &DownloadResult{RedirectURL: target, FileName: fileName}, nil
	}
	signed, err := s.cache(ctx, target, fileName, contentType)
	if err != nil {
		log.Warn("download.cache_failed", zap.Error(err))
		return &DownloadResult{RedirectURL: target, FileName: fileName}, nil
	}
	return &DownloadResult{RedirectURL: signed, FileName: fileName, Cached: true}, nil
}

// remoteSize 先发 HEAD；HEAD 出错、返回 4xx/5xx 或没有长度时，改用 Range: bytes=0-0 的 GET。
func (s *DownloadService) remoteSize(ctx context.Context, target string) (int64, string, bool) {
	resp, err := s.headClient.R().SetContext(ctx).Head(target)
	if err == nil && resp.StatusCode < http.StatusBadRequest && resp.ContentLength >= 0 {
		return resp.ContentLength, resp.Header.Get("Content-Type"), true
	}
	contentType := ""
	if err == nil {
		contentType = resp.Header.Get("Content-Type")
	}

	resp, err = s.headClient.R().
		SetContext(ctx).
		SetHeader("Range", "bytes=0-0").
		DisableAutoReadResponse().
		Get(target)
	if err != nil {
		return 0, contentType, false
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		contentType = ct
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total, contentType, true
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.ContentLength >= 0:
		// 服务端忽略了 Range
		return resp.ContentLength, contentType, true
	}
	return 0, contentType, false
}

func (s *DownloadService) fetchInline(ctx context.Context, target, fileName, headType string) (*DownloadResult, error) {
	resp, err := s.fetchClient.R().SetContext(ctx).DisableAutoReadResponse().Get(target)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.ContentLength > s.inlineMaxBytes {
		return nil, errInlineOversize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.inlineMaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.inlineMaxBytes {
		return nil, errInlineOversize
	}
	contentType := firstNonEmpty(resp.Header.Get("Content-Type"), headType, "application/octet-stream")
	return &DownloadResult{
		Inline:        true,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   contentType,
		ContentLength: int64(len(data)),
		FileName:      fileName,
	}, nil
}

// cache 把远端文件落到临时文件后写入对象存储，返回带下载名的签名链接。
func (s *DownloadService) cache(ctx context.Context, target, fileName, headType string) (string, error) {
	resp, err := s.fetchClient.R().SetContext(ctx).DisableAutoReadResponse().Get(target)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	contentType := firstNonEmpty(resp.Header.Get("Content-Type"), headType, "application/octet-stream")

	tmp, err := os.CreateTemp("", "genrelay-download-*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, io.LimitReader(resp.Body, s.maxCacheBytes+1))
	if err != nil {
		return "", err
	}
	if size > s.maxCacheBytes {
		return "", fmt.Errorf("remote file exceeds %d bytes", s.maxCacheBytes)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	now := s.now().UTC()
	objectPath := fmt.Sprintf("downloads/%s/%s-%s", now.Format("2006/01/02"), uuid.NewString(), fileName)
	if err := s.store.Put(ctx, objectPath, tmp, size, contentType); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	signed, err := s.store.SignedURL(ctx, objectPath, config.SignedURLTTL, fileName)
	if err != nil {
		return "", fmt.Errorf("sign object: %w", err)
	}

	asset := CachedAsset{
		Path:        objectPath,
		ContentType: contentType,
		Size:        size,
		SourceURL:   target,
		ExpiresAt:   now.Add(config.SignedURLTTL),
	}
	logger.FromContext(ctx).Info("download.cached",
		zap.String("path", asset.Path),
		zap.String("content_type", asset.ContentType),
		zap.Int64("size", asset.Size),
		zap.Time("expires_at", asset.ExpiresAt),
	)
	return signed, nil
}

// parseContentRangeTotal 解析 "bytes 0-0/12345"，总长为 * 时返回 false。
func parseContentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
