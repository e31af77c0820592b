package repository

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/mediaflow/genrelay/internal/util/logredact"
)

const (
	defaultPostgRESTTimeout = 15 * time.Second
	maxErrorBodyLen         = 512
)

// postgrestClient 封装对 PostgREST / Storage REST 接口的访问（service role 鉴权）。
type postgrestClient struct {
	baseURL string
	key     string
	http    *req.Client
}

func newPostgRESTClient(baseURL, serviceRoleKey string, timeout time.Duration) *postgrestClient {
	if timeout <= 0 {
		timeout = defaultPostgRESTTimeout
	}
	return &postgrestClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		key:     strings.TrimSpace(serviceRoleKey),
		http:    req.C().SetTimeout(timeout).SetUserAgent("genrelay"),
	}
}

func (c *postgrestClient) R(ctx context.Context) *req.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("apikey", c.key).
		SetHeader("Authorization", "Bearer "+c.key)
}

func (c *postgrestClient) tableURL(table string) string {
	return c.baseURL + "/rest/v1/" + strings.Trim(table, "/")
}

func (c *postgrestClient) rpcURL(fn string) string {
	return c.baseURL + "/rest/v1/rpc/" + strings.Trim(fn, "/")
}

func (c *postgrestClient) storageURL(path string) string {
	return c.baseURL + "/storage/v1/" + strings.TrimLeft(path, "/")
}

// statusError 把非 2xx 响应转换为错误（响应体脱敏并截断）。
func statusError(op string, resp *req.Response) error {
	if resp == nil || resp.Response == nil {
		return fmt.Errorf("%s: no response", op)
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	body := logredact.Truncate(logredact.RedactText(resp.String()), maxErrorBodyLen)
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, body)
}
