package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/pkg/genapi"
)

// ProviderClient 上游生成服务的调用接口（genapi.Client 实现）。
type ProviderClient interface {
	Submit(ctx context.Context, body []byte) (*genapi.Response, error)
	Get(ctx context.Context, pathTemplate string, taskID string) (*genapi.Response, error)
	UploadBase64(ctx context.Context, payload genapi.UploadBase64Request) (*genapi.Response, error)
	UploadStream(ctx context.Context, in genapi.UploadStreamRequest) (*genapi.Response, error)
}

// Provider 是一个已配置的上游及其结果 URL 白名单。
type Provider struct {
	Name   string
	Config config.ProviderConfig
	Client ProviderClient
	Filter *extract.URLFilter
}

// Kind returns image or video.
func (p *Provider) Kind() string {
	if p.Config.IsVideo() {
		return MediaKindVideo
	}
	return MediaKindImage
}

// ProviderRegistry 按名称索引 provider。
type ProviderRegistry struct {
	providers map[string]*Provider
}

// NewProviderRegistry 根据配置为每个 provider 创建 HTTP 客户端与 URL 白名单。
func NewProviderRegistry(cfg *config.Config) (*ProviderRegistry, error) {
	r := &ProviderRegistry{providers: make(map[string]*Provider)}
	if cfg == nil {
		return r, nil
	}
	for name, pc := range cfg.Providers {
		filter, err := extract.NewURLFilter(pc.AllowedHosts, pc.AllowedPaths)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.Register(&Provider{
			Name:   name,
			Config: pc,
			Client: genapi.NewClient(name, pc),
			Filter: filter,
		})
	}
	return r, nil
}

// Register adds or replaces a provider.
func (r *ProviderRegistry) Register(p *Provider) {
	r.providers[strings.ToLower(p.Name)] = p
}

// Get 查找 provider，不存在时返回 ErrProviderNotFound。
func (r *ProviderRegistry) Get(name string) (*Provider, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotFound.WithMetadata(map[string]string{"provider": name})
	}
	return p, nil
}

// Names returns the sorted provider names.
func (r *ProviderRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Outcome 是对一次上游响应（poll 或 webhook）的判定结果。
type Outcome struct {
	RawStatus string
	Status    string
	URLs      []string
	Error     string
}

// evaluateOutcome 归一化状态并提取白名单内的结果 URL。
// 成功但没有任何合格 URL 时视为 pending（预览图/中间产物不算最终结果）。
func evaluateOutcome(ex *extract.Extractor, p *Provider, body []byte) Outcome {
	out := Outcome{RawStatus: ex.RawStatus(body)}
	out.Status = extract.NormalizeStatus(out.RawStatus)
	switch out.Status {
	case extract.StatusSuccess:
		out.URLs = ex.URLs(body, p.Filter)
		if len(out.URLs) == 0 {
			out.Status = extract.StatusPending
		}
	case extract.StatusFailed:
		out.Error = ex.ErrorMessage(body)
		if out.Error == "" {
			out.Error = out.RawStatus
		}
	}
	return out
}
