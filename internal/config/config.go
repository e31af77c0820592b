// Package config 负责加载与校验 genrelay 配置（viper：配置文件 + 环境变量）。
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageBackendREST     = "rest"
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"

	ObjectStorageNone  = "none"
	ObjectStorageREST  = "rest"
	ObjectStorageS3    = "s3"
	ObjectStorageLocal = "local"

	RecorderOverflowPolicyDrop = "drop"
	RecorderOverflowPolicySync = "sync"

	MediaKindImage = "image"
	MediaKindVideo = "video"

	RequireImage  = "image"
	RequirePrompt = "prompt"

	// SignedURLTTL 下载缓存签名链接有效期固定 1 小时
	SignedURLTTL = time.Hour
)

type Config struct {
	Server        ServerConfig              `mapstructure:"server"`
	Log           LogConfig                 `mapstructure:"log"`
	CORS          CORSConfig                `mapstructure:"cors"`
	Site          SiteConfig                `mapstructure:"site"`
	Auth          AuthConfig                `mapstructure:"auth"`
	Storage       StorageConfig             `mapstructure:"storage"`
	ObjectStorage ObjectStorageConfig       `mapstructure:"object_storage"`
	Download      DownloadConfig            `mapstructure:"download"`
	Upload        UploadConfig              `mapstructure:"upload"`
	Poll          PollConfig                `mapstructure:"poll"`
	Recorder      RecorderConfig            `mapstructure:"recorder"`
	Sweeper       SweeperConfig             `mapstructure:"sweeper"`
	Credits       CreditsConfig             `mapstructure:"credits"`
	Providers     map[string]ProviderConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Mode               string        `mapstructure:"mode"`
	PathPrefix         string        `mapstructure:"path_prefix"`
	MaxRequestBodySize int64         `mapstructure:"max_request_body_size"`
	ReadHeaderTimeout  time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	ToStdout   bool   `mapstructure:"to_stdout"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type SiteConfig struct {
	// PublicBaseURL 用于拼接 webhook 回调地址与本地媒体签名链接
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type AuthConfig struct {
	// JWTSecret 非空时允许通过 Bearer JWT 的 sub 识别调用方
	JWTSecret string `mapstructure:"jwt_secret"`
}

type StorageConfig struct {
	Backend  string                `mapstructure:"backend"`
	REST     RESTStorageConfig     `mapstructure:"rest"`
	Postgres PostgresStorageConfig `mapstructure:"postgres"`
}

type RESTStorageConfig struct {
	URL              string        `mapstructure:"url"`
	ServiceRoleKey   string        `mapstructure:"service_role_key"`
	GenerationsTable string        `mapstructure:"generations_table"`
	LegacyImageTable string        `mapstructure:"legacy_image_table"`
	DebitFunction    string        `mapstructure:"debit_function"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type PostgresStorageConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ObjectStorageConfig struct {
	Type   string             `mapstructure:"type"`
	Bucket string             `mapstructure:"bucket"`
	S3     S3StorageConfig    `mapstructure:"s3"`
	Local  LocalStorageConfig `mapstructure:"local"`
}

type S3StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type LocalStorageConfig struct {
	Dir        string `mapstructure:"dir"`
	SigningKey string `mapstructure:"signing_key"`
}

type DownloadConfig struct {
	InlineMaxBytes    int64         `mapstructure:"inline_max_bytes"`
	MaxCacheBytes     int64         `mapstructure:"max_cache_bytes"`
	HeadTimeout       time.Duration `mapstructure:"head_timeout"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	AllowInsecureHTTP bool          `mapstructure:"allow_insecure_http"`
	AllowPrivateHosts bool          `mapstructure:"allow_private_hosts"`
}

type UploadConfig struct {
	Base64Threshold int64 `mapstructure:"base64_threshold"`
	MaxBytes        int64 `mapstructure:"max_bytes"`
}

type PollConfig struct {
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	WaitInterval time.Duration `mapstructure:"wait_interval"`
	MaxScanDepth int           `mapstructure:"max_scan_depth"`
	MaxScanNodes int           `mapstructure:"max_scan_nodes"`
}

type RecorderConfig struct {
	WorkerCount    int           `mapstructure:"worker_count"`
	QueueSize      int           `mapstructure:"queue_size"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	OverflowPolicy string        `mapstructure:"overflow_policy"`
	// CorrelationTTL webhook 任务 ID -> 归属用户的缓存时长
	CorrelationTTL time.Duration `mapstructure:"correlation_ttl"`
}

type SweeperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"`
	MinAge    time.Duration `mapstructure:"min_age"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	BatchSize int           `mapstructure:"batch_size"`
}

type CreditsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ProviderConfig 描述一个上游生成服务。不同服务的字段命名、路径与结果结构各不相同，
// 这里把差异全部收敛为配置。
type ProviderConfig struct {
	BaseURL          string            `mapstructure:"base_url"`
	APIKey           string            `mapstructure:"api_key"`
	AuthHeader       string            `mapstructure:"auth_header"`
	AuthScheme       string            `mapstructure:"auth_scheme"`
	MediaKind        string            `mapstructure:"media_kind"`
	DefaultModel     string            `mapstructure:"default_model"`
	SubmitPath       string            `mapstructure:"submit_path"`
	PollPaths        []string          `mapstructure:"poll_paths"`
	VerifyPaths      []string          `mapstructure:"verify_paths"`
	UploadPath       string            `mapstructure:"upload_path"`
	UploadStreamPath string            `mapstructure:"upload_stream_path"`
	UploadDir        string            `mapstructure:"upload_dir"`
	Fields           map[string]string `mapstructure:"fields"`
	Required         string            `mapstructure:"required"`
	AllowedHosts     []string          `mapstructure:"allowed_hosts"`
	AllowedPaths     []string          `mapstructure:"allowed_path_patterns"`
	CreditCost       int64             `mapstructure:"credit_cost"`
	VerifyWebhook    bool              `mapstructure:"verify_webhook"`
	LegacyImageTable bool              `mapstructure:"legacy_image_table"`
	Timeout          time.Duration     `mapstructure:"timeout"`
}

// FieldName 返回逻辑字段在该 provider 请求体中的名字。
func (p ProviderConfig) FieldName(logical string) string {
	if p.Fields != nil {
		if v := strings.TrimSpace(p.Fields[logical]); v != "" {
			return v
		}
	}
	return logical
}

// IsVideo reports whether the provider produces videos.
func (p ProviderConfig) IsVideo() bool {
	return strings.EqualFold(p.MediaKind, MediaKindVideo)
}

// Kind returns the normalised media kind.
func (p ProviderConfig) Kind() string {
	if p.IsVideo() {
		return MediaKindVideo
	}
	return MediaKindImage
}

// Load 读取配置文件（可选）与环境变量并返回校验后的配置。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GENRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if path == "" {
		path = os.Getenv("GENRELAY_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/genrelay")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.path_prefix", "/api")
	v.SetDefault("server.max_request_body_size", 64<<20)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.to_stdout", true)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("storage.backend", StorageBackendREST)
	v.SetDefault("storage.rest.generations_table", "generations")
	v.SetDefault("storage.rest.legacy_image_table", "image_results")
	v.SetDefault("storage.rest.debit_function", "debit_credits")
	v.SetDefault("storage.rest.timeout", "15s")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")

	v.SetDefault("object_storage.type", ObjectStorageNone)
	v.SetDefault("object_storage.s3.region", "us-east-1")

	v.SetDefault("download.inline_max_bytes", 4<<20)
	v.SetDefault("download.max_cache_bytes", 512<<20)
	v.SetDefault("download.head_timeout", "15s")
	v.SetDefault("download.fetch_timeout", "120s")
	v.SetDefault("download.allow_insecure_http", true)

	v.SetDefault("upload.base64_threshold", 3<<20)
	v.SetDefault("upload.max_bytes", 200<<20)

	v.SetDefault("poll.wait_timeout", "120s")
	v.SetDefault("poll.wait_interval", "3s")
	v.SetDefault("poll.max_scan_depth", 32)
	v.SetDefault("poll.max_scan_nodes", 10000)

	v.SetDefault("recorder.worker_count", 8)
	v.SetDefault("recorder.queue_size", 1024)
	v.SetDefault("recorder.task_timeout", "10s")
	v.SetDefault("recorder.overflow_policy", RecorderOverflowPolicySync)
	v.SetDefault("recorder.correlation_ttl", "30m")

	v.SetDefault("sweeper.schedule", "@every 2m")
	v.SetDefault("sweeper.min_age", "1m")
	v.SetDefault("sweeper.max_age", "24h")
	v.SetDefault("sweeper.batch_size", 50)
}

// 兼容旧部署中的扁平环境变量名
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("storage.rest.url", "GENRELAY_STORAGE_REST_URL", "SUPABASE_URL")
	_ = v.BindEnv("storage.rest.service_role_key", "GENRELAY_STORAGE_REST_SERVICE_ROLE_KEY", "SUPABASE_SERVICE_ROLE_KEY")
	_ = v.BindEnv("object_storage.bucket", "GENRELAY_OBJECT_STORAGE_BUCKET", "STORAGE_BUCKET")
	_ = v.BindEnv("site.public_base_url", "GENRELAY_SITE_PUBLIC_BASE_URL", "PUBLIC_SITE_URL")
	_ = v.BindEnv("storage.postgres.dsn", "GENRELAY_STORAGE_POSTGRES_DSN", "DATABASE_URL")
}

// Normalize trims and lower-cases enum-like fields.
func (c *Config) Normalize() {
	c.Server.PathPrefix = "/" + strings.Trim(strings.TrimSpace(c.Server.PathPrefix), "/")
	if c.Server.PathPrefix == "/" {
		c.Server.PathPrefix = ""
	}
	c.Site.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Site.PublicBaseURL), "/")
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Storage.REST.URL = strings.TrimRight(strings.TrimSpace(c.Storage.REST.URL), "/")
	c.ObjectStorage.Type = strings.ToLower(strings.TrimSpace(c.ObjectStorage.Type))
	if c.ObjectStorage.Type == "" {
		c.ObjectStorage.Type = ObjectStorageNone
	}
	c.Recorder.OverflowPolicy = strings.ToLower(strings.TrimSpace(c.Recorder.OverflowPolicy))
	for name, p := range c.Providers {
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		p.MediaKind = strings.ToLower(strings.TrimSpace(p.MediaKind))
		p.Required = strings.ToLower(strings.TrimSpace(p.Required))
		if p.AuthHeader == "" {
			p.AuthHeader = "Authorization"
		}
		if p.AuthScheme == "" && strings.EqualFold(p.AuthHeader, "Authorization") {
			p.AuthScheme = "Bearer"
		}
		if p.Timeout <= 0 {
			p.Timeout = 60 * time.Second
		}
		c.Providers[name] = p
	}
}

// Validate 校验配置组合是否合法。
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendREST:
		// URL/key 缺失时降级为仅记录日志，由诊断接口暴露
	case StorageBackendPostgres:
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn is required when storage.backend=postgres")
		}
	case StorageBackendMemory:
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}

	switch c.ObjectStorage.Type {
	case ObjectStorageNone:
	case ObjectStorageREST, ObjectStorageS3:
		if strings.TrimSpace(c.ObjectStorage.Bucket) == "" {
			return fmt.Errorf("object_storage.bucket is required when object_storage.type=%s", c.ObjectStorage.Type)
		}
	case ObjectStorageLocal:
		if strings.TrimSpace(c.ObjectStorage.Local.Dir) == "" || strings.TrimSpace(c.ObjectStorage.Local.SigningKey) == "" {
			return errors.New("object_storage.local.dir and signing_key are required when object_storage.type=local")
		}
	default:
		return fmt.Errorf("unsupported object_storage.type %q", c.ObjectStorage.Type)
	}

	switch c.Recorder.OverflowPolicy {
	case RecorderOverflowPolicyDrop, RecorderOverflowPolicySync:
	default:
		return fmt.Errorf("unsupported recorder.overflow_policy %q", c.Recorder.OverflowPolicy)
	}

	if c.Download.InlineMaxBytes <= 0 {
		return errors.New("download.inline_max_bytes must be positive")
	}
	if c.Upload.Base64Threshold <= 0 {
		return errors.New("upload.base64_threshold must be positive")
	}

	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
		if p.MediaKind != "" && p.MediaKind != MediaKindImage && p.MediaKind != MediaKindVideo {
			return fmt.Errorf("providers.%s.media_kind must be image or video", name)
		}
		if p.Required != "" && p.Required != RequirePrompt && p.Required != RequireImage {
			return fmt.Errorf("providers.%s.required must be prompt or image", name)
		}
		for _, pattern := range p.AllowedPaths {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("providers.%s.allowed_path_patterns: %w", name, err)
			}
		}
	}
	return nil
}

// Provider 按名称查找 provider 配置（大小写不敏感）。
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	if c == nil {
		return ProviderConfig{}, false
	}
	p, ok := c.Providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}
