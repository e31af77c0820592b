//go:build unit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	require.Equal(t, "/api", cfg.Server.PathPrefix)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, StorageBackendREST, cfg.Storage.Backend)
	require.Equal(t, ObjectStorageNone, cfg.ObjectStorage.Type)
	require.Equal(t, int64(4<<20), cfg.Download.InlineMaxBytes)
	require.True(t, cfg.Download.AllowInsecureHTTP)
	require.Equal(t, int64(3<<20), cfg.Upload.Base64Threshold)
	require.Equal(t, 120*time.Second, cfg.Poll.WaitTimeout)
	require.Equal(t, 3*time.Second, cfg.Poll.WaitInterval)
	require.Equal(t, 32, cfg.Poll.MaxScanDepth)
	require.Equal(t, 10000, cfg.Poll.MaxScanNodes)
	require.Equal(t, RecorderOverflowPolicySync, cfg.Recorder.OverflowPolicy)
	require.Equal(t, 30*time.Minute, cfg.Recorder.CorrelationTTL)
	require.Equal(t, "@every 2m", cfg.Sweeper.Schedule)
	require.False(t, cfg.Sweeper.Enabled)
	require.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_ProvidersFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  path_prefix: "v2/"
site:
  public_base_url: "https://app.example.com/"
providers:
  KIE:
    base_url: "https://api.kie.ai/"
    api_key: "k"
    media_kind: "IMAGE"
    required: "image"
    submit_path: "/api/v1/jobs/createTask"
    poll_paths: ["/api/v1/jobs/recordInfo?taskId={id}"]
    fields:
      image_url: "image_urls"
    allowed_hosts: ["*.kie.ai", "tempfile.aiquickdraw.com"]
    allowed_path_patterns: ["^/"]
    credit_cost: 2
  veo:
    base_url: "https://api.veo.example.com"
    auth_header: "X-API-Key"
    media_kind: "video"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/v2", cfg.Server.PathPrefix)
	require.Equal(t, "https://app.example.com", cfg.Site.PublicBaseURL)

	kie, ok := cfg.Provider("Kie")
	require.True(t, ok)
	require.Equal(t, "https://api.kie.ai", kie.BaseURL)
	require.Equal(t, MediaKindImage, kie.Kind())
	require.Equal(t, RequireImage, kie.Required)
	require.Equal(t, "image_urls", kie.FieldName("image_url"))
	require.Equal(t, "prompt", kie.FieldName("prompt"))
	require.Equal(t, "Authorization", kie.AuthHeader)
	require.Equal(t, "Bearer", kie.AuthScheme)
	require.Equal(t, 60*time.Second, kie.Timeout)
	require.Equal(t, int64(2), kie.CreditCost)
	require.Equal(t, []string{"^/"}, kie.AllowedPaths)

	veo, ok := cfg.Provider("veo")
	require.True(t, ok)
	require.True(t, veo.IsVideo())
	require.Equal(t, "X-API-Key", veo.AuthHeader)
	require.Empty(t, veo.AuthScheme)

	_, ok = cfg.Provider("missing")
	require.False(t, ok)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GENRELAY_SERVER_PORT", "9090")
	t.Setenv("GENRELAY_STORAGE_BACKEND", "memory")
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co/")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-key")
	t.Setenv("PUBLIC_SITE_URL", "https://site.example.com")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8000\n"))
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, StorageBackendMemory, cfg.Storage.Backend)
	require.Equal(t, "https://proj.supabase.co", cfg.Storage.REST.URL)
	require.Equal(t, "service-key", cfg.Storage.REST.ServiceRoleKey)
	require.Equal(t, "https://site.example.com", cfg.Site.PublicBaseURL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage:       StorageConfig{Backend: StorageBackendREST},
			ObjectStorage: ObjectStorageConfig{Type: ObjectStorageNone},
			Recorder:      RecorderConfig{OverflowPolicy: RecorderOverflowPolicyDrop},
			Download:      DownloadConfig{InlineMaxBytes: 1},
			Upload:        UploadConfig{Base64Threshold: 1},
			Providers:     map[string]ProviderConfig{"kie": {BaseURL: "https://api.kie.ai"}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = StorageBackendPostgres }},
		{"s3 without bucket", func(c *Config) { c.ObjectStorage.Type = ObjectStorageS3 }},
		{"local without key", func(c *Config) {
			c.ObjectStorage.Type = ObjectStorageLocal
			c.ObjectStorage.Local.Dir = "/tmp"
		}},
		{"unknown object storage", func(c *Config) { c.ObjectStorage.Type = "gcs" }},
		{"bad overflow policy", func(c *Config) { c.Recorder.OverflowPolicy = "block" }},
		{"zero inline max", func(c *Config) { c.Download.InlineMaxBytes = 0 }},
		{"zero threshold", func(c *Config) { c.Upload.Base64Threshold = 0 }},
		{"provider without base url", func(c *Config) { c.Providers["x"] = ProviderConfig{} }},
		{"bad media kind", func(c *Config) { c.Providers["x"] = ProviderConfig{BaseURL: "https://x", MediaKind: "audio"} }},
		{"bad required", func(c *Config) { c.Providers["x"] = ProviderConfig{BaseURL: "https://x", Required: "both"} }},
		{"bad path pattern", func(c *Config) {
			c.Providers["x"] = ProviderConfig{BaseURL: "https://x", AllowedPaths: []string{"("}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestNormalize_EmptyPathPrefix(t *testing.T) {
	c := &Config{Server: ServerConfig{PathPrefix: " / "}}
	c.Normalize()
	require.Equal(t, "", c.Server.PathPrefix)
	require.Equal(t, ObjectStorageNone, c.ObjectStorage.Type)
}
