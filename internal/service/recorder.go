package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"go.uber.org/zap"
)

// ResultRecord 是一次 poll/webhook 观察到的终态。
type ResultRecord struct {
	Provider    string
	Kind        string
	UserID      string
	RunID       string
	TaskID      string
	Status      string // extract.StatusSuccess / StatusFailed
	URLs        []string
	Error       string
	Prompt      string
	LegacyImage bool
}

// Recorder 负责所有生成记录的存储记账。存储失败只记日志，不向调用方暴露。
type Recorder struct {
	repo   GenerationRepository
	legacy LegacyImageRepository
	pool   *RecordWorkerPool
	now    func() time.Time
}

func NewRecorder(repo GenerationRepository, legacy LegacyImageRepository, pool *RecordWorkerPool) *Recorder {
	return &Recorder{repo: repo, legacy: legacy, pool: pool, now: time.Now}
}

// InsertPlaceholder 写入 result_url 为空的占位行，返回行 ID（失败时为空）。
func (r *Recorder) InsertPlaceholder(ctx context.Context, g *Generation) string {
	if r == nil || r.repo == nil || g == nil {
		return ""
	}
	g.UserID = ownerOrAnonymous(g.UserID)
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Metadata.Status == "" {
		g.Metadata.Status = GenerationStatusPending
	}
	now := r.now()
	g.CreatedAt, g.UpdatedAt = now, now
	if err := r.repo.Insert(ctx, g); err != nil {
		r.logStorageError(ctx, "insert_placeholder", g.Provider, g.UserID, g.Metadata.RunID, err)
		return ""
	}
	return g.ID
}

// BackfillTaskAsync 通过记录池异步回填任务 ID 并置为 processing。
func (r *Recorder) BackfillTaskAsync(provider, userID, runID, taskID string) {
	if r == nil || r.repo == nil || runID == "" {
		return
	}
	userID = ownerOrAnonymous(userID)
	r.pool.Submit(func(ctx context.Context) {
		g, err := r.repo.FindByRunID(ctx, userID, runID)
		if err != nil {
			if !errors.Is(err, ErrGenerationNotFound) {
				r.logStorageError(ctx, "backfill_find", provider, userID, runID, err)
			}
			return
		}
		if g.ResultURL != nil {
			// webhook 可能先到
			return
		}
		g.Metadata.TaskID = taskID
		if g.Metadata.Status == "" || g.Metadata.Status == GenerationStatusPending {
			g.Metadata.Status = GenerationStatusProcessing
		}
		g.UpdatedAt = r.now()
		if err := r.repo.Update(ctx, g); err != nil {
			r.logStorageError(ctx, "backfill_update", provider, userID, runID, err)
		}
	})
}

// MarkFailedAsync 异步把占位行标记为失败。
func (r *Recorder) MarkFailedAsync(provider, userID, runID, message string) {
	if r == nil || r.repo == nil || runID == "" {
		return
	}
	userID = ownerOrAnonymous(userID)
	r.pool.Submit(func(ctx context.Context) {
		g, err := r.repo.FindByRunID(ctx, userID, runID)
		if err != nil || g.ResultURL != nil {
			return
		}
		g.Metadata.Status = GenerationStatusFailed
		g.Metadata.Error = message
		g.UpdatedAt = r.now()
		if err := r.repo.Update(ctx, g); err != nil {
			r.logStorageError(ctx, "mark_failed", provider, userID, runID, err)
		}
	})
}

// RecordResult 写入终态，返回是否写入成功。
// 优先使用后端的原子 upsert；否则按 (user, run) → (user, task) 查找并更新，找不到则插入新行。
func (r *Recorder) RecordResult(ctx context.Context, rec ResultRecord) bool {
	if r == nil || r.repo == nil {
		return false
	}
	if rec.UserID == "" && rec.TaskID != "" {
		// 按任务找回占位行的归属
		if g, err := r.repo.FindByTaskID(ctx, "", rec.TaskID); err == nil {
			rec.UserID = g.UserID
			if rec.RunID == "" {
				rec.RunID = g.Metadata.RunID
			}
		}
	}
	rec.UserID = ownerOrAnonymous(rec.UserID)

	saved := r.writeResult(ctx, rec)
	if saved && rec.Status == extract.StatusSuccess && rec.LegacyImage && rec.Kind == MediaKindImage && r.legacy != nil {
		for _, u := range rec.URLs {
			err := r.legacy.InsertImageResult(ctx, LegacyImageResult{
				UserID:   rec.UserID,
				Provider: rec.Provider,
				ImageURL: u,
				Prompt:   rec.Prompt,
				RunID:    rec.RunID,
				TaskID:   rec.TaskID,
			})
			if err != nil {
				r.logStorageError(ctx, "legacy_insert", rec.Provider, rec.UserID, rec.RunID, err)
				break
			}
		}
	}
	return saved
}

func (r *Recorder) writeResult(ctx context.Context, rec ResultRecord) bool {
	now := r.now()

	if upserter, ok := r.repo.(GenerationUpserter); ok && rec.RunID != "" {
		g := &Generation{
			ID:        uuid.NewString(),
			UserID:    rec.UserID,
			Provider:  rec.Provider,
			Kind:      rec.Kind,
			Prompt:    rec.Prompt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		applyResult(g, rec)
		if err := upserter.UpsertResult(ctx, g); err != nil {
			r.logStorageError(ctx, "upsert_result", rec.Provider, rec.UserID, rec.RunID, err)
			return false
		}
		return true
	}

	existing, err := r.findExisting(ctx, rec)
	if err != nil {
		r.logStorageError(ctx, "find_existing", rec.Provider, rec.UserID, rec.RunID, err)
		return false
	}
	if existing != nil {
		if keepsResult(existing, rec) {
			logger.FromContext(ctx).Info("recorder.ignore_late_failure",
				zap.String("provider", rec.Provider),
				zap.String("run_id", existing.Metadata.RunID),
				zap.String("task_id", rec.TaskID),
			)
			return true
		}
		applyResult(existing, rec)
		existing.UpdatedAt = now
		if err := r.repo.Update(ctx, existing); err != nil {
			r.logStorageError(ctx, "update_result", rec.Provider, rec.UserID, rec.RunID, err)
			return false
		}
		return true
	}

	g := &Generation{
		ID:        uuid.NewString(),
		UserID:    rec.UserID,
		Provider:  rec.Provider,
		Kind:      rec.Kind,
		Prompt:    rec.Prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyResult(g, rec)
	if err := r.repo.Insert(ctx, g); err != nil {
		r.logStorageError(ctx, "insert_result", rec.Provider, rec.UserID, rec.RunID, err)
		return false
	}
	return true
}

func (r *Recorder) findExisting(ctx context.Context, rec ResultRecord) (*Generation, error) {
	if rec.RunID != "" {
		g, err := r.repo.FindByRunID(ctx, rec.UserID, rec.RunID)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, ErrGenerationNotFound) {
			return nil, err
		}
	}
	if rec.TaskID != "" {
		g, err := r.repo.FindByTaskID(ctx, rec.UserID, rec.TaskID)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, ErrGenerationNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// FindOwner 按任务 ID 找回归属用户与 run id（不限用户）。
func (r *Recorder) FindOwner(ctx context.Context, taskID string) (*Generation, error) {
	if r == nil || r.repo == nil {
		return nil, ErrStorageDisabled
	}
	return r.repo.FindByTaskID(ctx, "", taskID)
}

// keepsResult 已有结果的成功行不被迟到或乱序的失败覆盖。
func keepsResult(g *Generation, rec ResultRecord) bool {
	return g.ResultURL != nil && rec.Status == extract.StatusFailed
}

func applyResult(g *Generation, rec ResultRecord) {
	if rec.RunID != "" {
		g.Metadata.RunID = rec.RunID
	}
	if rec.TaskID != "" {
		g.Metadata.TaskID = rec.TaskID
	}
	if g.Provider == "" {
		g.Provider = rec.Provider
	}
	if g.Kind == "" {
		g.Kind = rec.Kind
	}
	if g.Prompt == "" && rec.Prompt != "" {
		g.Prompt = rec.Prompt
	}
	switch rec.Status {
	case extract.StatusSuccess:
		if len(rec.URLs) > 0 {
			u := rec.URLs[0]
			g.ResultURL = &u
			g.Metadata.URLs = append([]string(nil), rec.URLs...)
		}
		g.Metadata.Status = GenerationStatusSucceeded
		g.Metadata.Error = ""
	case extract.StatusFailed:
		g.Metadata.Status = GenerationStatusFailed
		g.Metadata.Error = strings.TrimSpace(rec.Error)
	}
}

func (r *Recorder) logStorageError(ctx context.Context, op, provider, userID, runID string, err error) {
	logger.FromContext(ctx).Warn("recorder.storage_error",
		zap.String("op", op),
		zap.String("provider", provider),
		zap.String("user_id", userID),
		zap.String("run_id", runID),
		zap.Error(err),
	)
}
