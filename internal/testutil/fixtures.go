//go:build unit

package testutil

import (
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/service"
)

// NewTestGeneration 创建一条处理中的图片生成记录，可通过 opts 覆盖默认值。
func NewTestGeneration(opts ...func(*service.Generation)) *service.Generation {
	now := time.Now()
	g := &service.Generation{
		ID:       "gen-1",
		UserID:   "u1",
		Provider: "kie",
		Kind:     service.MediaKindImage,
		Prompt:   "cat",
		Metadata: service.GenerationMetadata{
			RunID:  "abc",
			TaskID: "T-1",
			Status: service.GenerationStatusProcessing,
		},
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now.Add(-time.Minute),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewTestProviderConfig 创建指向 baseURL 的图片 provider 配置，结果 URL 白名单为 cdn.example.com/outputs/。
func NewTestProviderConfig(baseURL string, opts ...func(*config.ProviderConfig)) config.ProviderConfig {
	pc := config.ProviderConfig{
		BaseURL:          baseURL,
		MediaKind:        config.MediaKindImage,
		SubmitPath:       "/api/v1/generate",
		PollPaths:        []string{"/api/v1/tasks/{id}"},
		UploadPath:       "/api/file-base64-upload",
		UploadStreamPath: "/api/file-stream-upload",
		AllowedHosts:     []string{"cdn.example.com"},
		AllowedPaths:     []string{`^/outputs/`},
		Timeout:          5 * time.Second,
	}
	for _, opt := range opts {
		opt(&pc)
	}
	return pc
}

// NewTestConfig 创建使用内存存储、只注册给定 provider 的配置。
func NewTestConfig(providers map[string]config.ProviderConfig) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{PathPrefix: "/api", MaxRequestBodySize: 8 << 20},
		Site:   config.SiteConfig{PublicBaseURL: "https://app.example.com"},
		CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
		Storage: config.StorageConfig{
			Backend: config.StorageBackendMemory,
		},
		ObjectStorage: config.ObjectStorageConfig{Type: config.ObjectStorageNone},
		Poll: config.PollConfig{
			WaitTimeout:  300 * time.Millisecond,
			WaitInterval: 20 * time.Millisecond,
		},
		Providers: providers,
	}
	return cfg
}
