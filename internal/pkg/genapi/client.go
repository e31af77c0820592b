// Package genapi 是生成服务上游的 HTTP 客户端（req/v3），负责鉴权头、超时与响应体大小限制。
// 它不解释响应内容，解析交给 extract 包。
package genapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/mediaflow/genrelay/internal/config"
)

const (
	// MaxResponseBytes 上游响应体读取上限
	MaxResponseBytes = 4 << 20

	defaultTimeout = 60 * time.Second
	userAgent      = "genrelay/1.0"
)

// Response is a fully read upstream answer. Non-2xx answers are returned as Responses, not errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Client talks to one provider.
type Client struct {
	name string
	cfg  config.ProviderConfig
	http *req.Client
}

// NewClient creates a client for the named provider.
func NewClient(name string, cfg config.ProviderConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := req.C().
		SetTimeout(timeout).
		SetUserAgent(userAgent)
	return &Client{name: name, cfg: cfg, http: c}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Config() config.ProviderConfig { return c.cfg }

// Submit POSTs a JSON job to submit_path.
func (c *Client) Submit(ctx context.Context, body []byte) (*Response, error) {
	if strings.TrimSpace(c.cfg.SubmitPath) == "" {
		return nil, fmt.Errorf("provider %s: submit_path not configured", c.name)
	}
	r := c.newRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetBodyBytes(body)
	return c.do(r, http.MethodPost, c.resolve(c.cfg.SubmitPath, ""))
}

// Get 以 taskID 展开 {id} 模板后发起 GET。
func (c *Client) Get(ctx context.Context, pathTemplate string, taskID string) (*Response, error) {
	return c.do(c.newRequest(ctx), http.MethodGet, c.resolve(pathTemplate, taskID))
}

// UploadBase64Request 小文件上传：整个文件编码成 data URL 放进 JSON。
type UploadBase64Request struct {
	Base64Data string `json:"base64Data"`
	FileName   string `json:"fileName"`
	UploadPath string `json:"uploadPath"`
}

// UploadBase64 POSTs the JSON upload to upload_path.
func (c *Client) UploadBase64(ctx context.Context, payload UploadBase64Request) (*Response, error) {
	if strings.TrimSpace(c.cfg.UploadPath) == "" {
		return nil, fmt.Errorf("provider %s: upload_path not configured", c.name)
	}
	r := c.newRequest(ctx).SetBodyJsonMarshal(payload)
	return c.do(r, http.MethodPost, c.resolve(c.cfg.UploadPath, ""))
}

// UploadStreamRequest 大文件上传：multipart 直接透传原始字节。
type UploadStreamRequest struct {
	FileName    string
	UploadPath  string
	ContentType string
	Size        int64
	Content     io.Reader
}

// UploadStream POSTs multipart (file, fileName, uploadPath) to upload_stream_path.
func (c *Client) UploadStream(ctx context.Context, in UploadStreamRequest) (*Response, error) {
	if strings.TrimSpace(c.cfg.UploadStreamPath) == "" {
		return nil, fmt.Errorf("provider %s: upload_stream_path not configured", c.name)
	}
	content := in.Content
	r := c.newRequest(ctx).
		SetFormData(map[string]string{
			"fileName":   in.FileName,
			"uploadPath": in.UploadPath,
		}).
		SetFileUpload(req.FileUpload{
			ParamName:   "file",
			FileName:    in.FileName,
			FileSize:    in.Size,
			ContentType: in.ContentType,
			GetFileContent: func() (io.ReadCloser, error) {
				return io.NopCloser(content), nil
			},
		})
	return c.do(r, http.MethodPost, c.resolve(c.cfg.UploadStreamPath, ""))
}

func (c *Client) newRequest(ctx context.Context) *req.Request {
	r := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		DisableAutoReadResponse()
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		header := c.cfg.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		value := key
		if scheme := strings.TrimSpace(c.cfg.AuthScheme); scheme != "" {
			value = scheme + " " + key
		}
		r.SetHeader(header, value)
	}
	return r
}

func (c *Client) do(r *req.Request, method, target string) (*Response, error) {
	resp, err := r.Send(method, target)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", target, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bytes.TrimSpace(body),
	}, nil
}

// resolve 拼接 base_url 与路径模板；模板本身是绝对 URL 时直接使用。
func (c *Client) resolve(template string, taskID string) string {
	path := strings.TrimSpace(template)
	if taskID != "" {
		path = strings.ReplaceAll(path, "{id}", url.QueryEscape(taskID))
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}
