package service

import (
	"context"
	"io"
	"time"

	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
)

const (
	MediaKindImage = "image"
	MediaKindVideo = "video"

	GenerationStatusPending    = "pending"
	GenerationStatusProcessing = "processing"
	GenerationStatusSucceeded  = "succeeded"
	GenerationStatusFailed     = "failed"

	// AnonymousOwner 是没有 uid 的提交在存储中的归属。
	AnonymousOwner = "anon"
)

func ownerOrAnonymous(userID string) string {
	if userID == "" {
		return AnonymousOwner
	}
	return userID
}

var (
	ErrGenerationNotFound = infraerrors.NotFound("GENERATION_NOT_FOUND", "generation not found")
	ErrProviderNotFound   = infraerrors.NotFound("PROVIDER_NOT_FOUND", "provider not found")
	ErrStorageDisabled    = infraerrors.ServiceUnavailable("STORAGE_DISABLED", "storage backend not configured")
)

// Generation 表示一次用户发起的媒体生成记录。
// 提交时以 result_url 为空的占位行写入，poll/webhook 观察到完成后按 run/task 关联原地更新。
type Generation struct {
	ID        string
	UserID    string
	Provider  string
	Kind      string
	Prompt    string
	ResultURL *string
	Metadata  GenerationMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GenerationMetadata 是 metadata 列中的开放键集合。
type GenerationMetadata struct {
	RunID       string   `json:"run_id,omitempty"`
	TaskID      string   `json:"task_id,omitempty"`
	Status      string   `json:"status,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Duration    string   `json:"duration,omitempty"`
	Model       string   `json:"model,omitempty"`
	Error       string   `json:"error,omitempty"`
	URLs        []string `json:"urls,omitempty"`
}

// GenerationRepository 生成记录存储。
type GenerationRepository interface {
	Insert(ctx context.Context, g *Generation) error
	// FindByRunID returns the newest row for (userID, runID) or ErrGenerationNotFound.
	FindByRunID(ctx context.Context, userID, runID string) (*Generation, error)
	// FindByTaskID 按上游任务 ID 查找；userID 为空时不限用户（用于 webhook 找回归属）。
	FindByTaskID(ctx context.Context, userID, taskID string) (*Generation, error)
	// Update 按 ID 覆盖 result_url / prompt / metadata。
	Update(ctx context.Context, g *Generation) error
	// ListStalePending 列出创建时间在 (newerThan, olderThan) 之间、仍未出结果且带任务 ID 的记录。
	ListStalePending(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]*Generation, error)
}

// GenerationUpserter is implemented by backends that can upsert on (user_id, run_id) atomically.
type GenerationUpserter interface {
	UpsertResult(ctx context.Context, g *Generation) error
}

// CreditRepository 积分扣减。DebitIfSufficient 必须是原子的条件扣减。
type CreditRepository interface {
	DebitIfSufficient(ctx context.Context, userID string, amount int64) (remaining int64, ok bool, err error)
}

// LegacyImageRepository 旧版图片结果表（仅部分 provider 需要同步写入）。
type LegacyImageRepository interface {
	InsertImageResult(ctx context.Context, rec LegacyImageResult) error
}

type LegacyImageResult struct {
	UserID   string
	Provider string
	ImageURL string
	Prompt   string
	RunID    string
	TaskID   string
}

// ObjectStore 下载中转使用的对象存储。
type ObjectStore interface {
	Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error
	// SignedURL 返回限时可访问的链接；downloadName 非空时链接应触发以该名称下载。
	SignedURL(ctx context.Context, path string, ttl time.Duration, downloadName string) (string, error)
}

// CachedAsset 描述一次写入对象存储的下载缓存（只记录日志，不去重）。
type CachedAsset struct {
	Path        string
	ContentType string
	Size        int64
	SourceURL   string
	ExpiresAt   time.Time
}

// StorageInfo 供诊断接口展示当前存储后端。
type StorageInfo interface {
	Backend() string
}
