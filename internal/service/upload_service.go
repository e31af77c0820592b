package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/mediaflow/genrelay/internal/config"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/pkg/genapi"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/mediaflow/genrelay/internal/util/logredact"
	"go.uber.org/zap"
)

const (
	defaultUploadBase64Threshold = 3 << 20
	defaultUploadMaxBytes        = 200 << 20

	UploadTransportBase64 = "base64"
	UploadTransportStream = "stream"
)

var (
	ErrUploadTooLarge = infraerrors.TooLarge("UPLOAD_TOO_LARGE", "file too large")
	ErrUploadEmpty    = infraerrors.BadRequest("UPLOAD_EMPTY", "no file content")

	uploadURLPaths = []string{"data.downloadUrl", "data.fileUrl", "data.url", "downloadUrl", "fileUrl", "url"}
)

// UploadFailedError 上游拒绝或未返回下载地址。
type UploadFailedError struct {
	Status int
	Body   string
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("upload failed: status %d", e.Status)
}

// UploadInput 描述一个待转存的文件。Content 从文件开头读起。
type UploadInput struct {
	Provider     string
	Kind         string
	UserID       string
	FileName     string
	DeclaredType string
	Content      io.Reader
}

type UploadResult struct {
	DownloadURL string
	FileName    string
	MimeType    string
	Size        int64
	Transport   string
}

// UploadService 把用户文件转存到 provider 的文件服务，供后续生成请求引用。
type UploadService struct {
	providers *ProviderRegistry
	extractor *extract.Extractor
	threshold int64
	maxBytes  int64
}

func NewUploadService(cfg *config.Config, providers *ProviderRegistry, extractor *extract.Extractor) *UploadService {
	s := &UploadService{
		providers: providers,
		extractor: extractor,
		threshold: defaultUploadBase64Threshold,
		maxBytes:  defaultUploadMaxBytes,
	}
	if cfg != nil {
		if cfg.Upload.Base64Threshold > 0 {
			s.threshold = cfg.Upload.Base64Threshold
		}
		if cfg.Upload.MaxBytes > 0 {
			s.maxBytes = cfg.Upload.MaxBytes
		}
	}
	return s
}

// Upload 小于阈值时以 base64 data URL 走 JSON 上传，达到阈值时以 multipart 流式上传。
func (s *UploadService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	p, err := s.providers.Get(in.Provider)
	if err != nil {
		return nil, err
	}
	kind := in.Kind
	if kind != MediaKindVideo {
		kind = MediaKindImage
	}

	limited := &cappedReader{r: in.Content, remaining: s.maxBytes}
	head := make([]byte, s.threshold)
	n, err := io.ReadFull(limited, head)
	switch {
	case errors.Is(err, errCapExceeded):
		return nil, ErrUploadTooLarge
	case err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF):
		return nil, infraerrors.BadRequest("UPLOAD_READ_FAILED", "read upload failed").WithCause(err)
	}
	head = head[:n]
	if n == 0 {
		return nil, ErrUploadEmpty
	}

	mimeType, ext, err := DetectMediaType(head, in.DeclaredType, kind)
	if err != nil {
		return nil, err
	}
	fileName := uploadFileName(in.FileName, ext)
	uploadPath := s.uploadPath(p, kind, in.UserID)
	log := logger.FromContext(ctx).With(
		zap.String("provider", p.Name),
		zap.String("file_name", fileName),
		zap.String("mime_type", mimeType),
	)

	res := &UploadResult{FileName: fileName, MimeType: mimeType}
	var resp *genapi.Response
	if int64(n) < s.threshold {
		res.Transport = UploadTransportBase64
		res.Size = int64(n)
		resp, err = p.Client.UploadBase64(ctx, genapi.UploadBase64Request{
			Base64Data: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(head),
			FileName:   fileName,
			UploadPath: uploadPath,
		})
	} else {
		res.Transport = UploadTransportStream
		counter := &countingReader{r: io.MultiReader(bytes.NewReader(head), limited)}
		resp, err = p.Client.UploadStream(ctx, genapi.UploadStreamRequest{
			FileName:    fileName,
			UploadPath:  uploadPath,
			ContentType: mimeType,
			Content:     counter,
		})
		res.Size = counter.n
	}
	if limited.remaining < 0 {
		return nil, ErrUploadTooLarge
	}
	if err != nil {
		log.Warn("upload.upstream_error", zap.Error(err))
		return nil, &UploadFailedError{Status: 0, Body: err.Error()}
	}
	if !resp.OK() {
		log.Warn("upload.upstream_status",
			zap.Int("status", resp.StatusCode),
			zap.String("body", logredact.Truncate(logredact.RedactText(string(resp.Body)), maxLoggedUpstreamBody)),
		)
		return nil, &UploadFailedError{Status: resp.StatusCode, Body: string(resp.Body)}
	}

	res.DownloadURL = s.extractor.AnyURL(extract.NormalizeBody(resp.Body, resp.Header.Get("Content-Type")), uploadURLPaths...)
	if res.DownloadURL == "" {
		return nil, &UploadFailedError{Status: resp.StatusCode, Body: string(resp.Body)}
	}
	log.Info("upload.done", zap.String("transport", res.Transport), zap.Int64("size", res.Size))
	return res, nil
}

func (s *UploadService) uploadPath(p *Provider, kind, userID string) string {
	base := strings.Trim(p.Config.UploadDir, "/")
	if base == "" {
		base = kind + "s"
	}
	if userID = sanitizeFileName(userID); userID != "" {
		return path.Join(base, userID)
	}
	return base
}

// uploadFileName 使用客户端文件名的主干 + 由 MIME 推出的扩展名。
func uploadFileName(original, ext string) string {
	stem := strings.TrimSuffix(path.Base(strings.ReplaceAll(original, "\\", "/")), path.Ext(original))
	stem = sanitizeFileName(stem)
	if stem == "" || stem == "." || stem == "_" {
		stem = "upload-" + uuid.NewString()[:8]
	}
	return sanitizeFileName(stem + ext)
}

var errCapExceeded = errors.New("upload exceeds size limit")

// cappedReader 超过上限时返回 errCapExceeded，而不是静默截断。
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, errCapExceeded
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, errCapExceeded
	}
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
