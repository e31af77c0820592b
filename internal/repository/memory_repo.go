package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/service"
)

// MemoryRepository 进程内存储，用于本地开发与测试；重启即丢失。
// 同时实现生成记录、积分与旧版图片表三个接口，以及原子 upsert。
type MemoryRepository struct {
	mu       sync.Mutex
	rows     map[string]*service.Generation
	balances map[string]int64
	legacy   []service.LegacyImageResult
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows:     make(map[string]*service.Generation),
		balances: make(map[string]int64),
	}
}

func (r *MemoryRepository) Backend() string { return config.StorageBackendMemory }

func (r *MemoryRepository) Insert(ctx context.Context, g *service.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.Metadata.RunID != "" {
		if existing := r.findLocked(func(row *service.Generation) bool {
			return row.UserID == g.UserID && row.Metadata.RunID == g.Metadata.RunID
		}); existing != nil {
			return ErrGenerationConflict
		}
	}
	r.rows[g.ID] = cloneGeneration(g)
	return nil
}

func (r *MemoryRepository) FindByRunID(ctx context.Context, userID, runID string) (*service.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.findLocked(func(row *service.Generation) bool {
		return row.UserID == userID && row.Metadata.RunID == runID
	})
	if g == nil {
		return nil, service.ErrGenerationNotFound
	}
	return cloneGeneration(g), nil
}

func (r *MemoryRepository) FindByTaskID(ctx context.Context, userID, taskID string) (*service.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.findLocked(func(row *service.Generation) bool {
		return row.Metadata.TaskID == taskID && (userID == "" || row.UserID == userID)
	})
	if g == nil {
		return nil, service.ErrGenerationNotFound
	}
	return cloneGeneration(g), nil
}

func (r *MemoryRepository) Update(ctx context.Context, g *service.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[g.ID]; !ok {
		return service.ErrGenerationNotFound
	}
	r.rows[g.ID] = cloneGeneration(g)
	return nil
}

func (r *MemoryRepository) UpsertResult(ctx context.Context, g *service.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.findLocked(func(row *service.Generation) bool {
		return row.UserID == g.UserID && row.Metadata.RunID == g.Metadata.RunID
	})
	if existing == nil {
		r.rows[g.ID] = cloneGeneration(g)
		return nil
	}
	// 已有结果的行不被没有结果的终态覆盖
	if existing.ResultURL != nil && g.ResultURL == nil {
		return nil
	}
	if g.ResultURL != nil {
		u := *g.ResultURL
		existing.ResultURL = &u
	}
	if g.Metadata.TaskID != "" {
		existing.Metadata.TaskID = g.Metadata.TaskID
	}
	if existing.Prompt == "" {
		existing.Prompt = g.Prompt
	}
	existing.Metadata.Status = g.Metadata.Status
	existing.Metadata.Error = g.Metadata.Error
	if len(g.Metadata.URLs) > 0 {
		existing.Metadata.URLs = append([]string(nil), g.Metadata.URLs...)
	}
	existing.UpdatedAt = g.UpdatedAt
	return nil
}

func (r *MemoryRepository) ListStalePending(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]*service.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*service.Generation
	for _, g := range r.rows {
		if g.ResultURL != nil || g.Metadata.TaskID == "" {
			continue
		}
		if g.Metadata.Status != service.GenerationStatusPending && g.Metadata.Status != service.GenerationStatusProcessing {
			continue
		}
		if !g.CreatedAt.Before(olderThan) || !g.CreatedAt.After(newerThan) {
			continue
		}
		out = append(out, cloneGeneration(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetBalance 设置用户积分余额。
func (r *MemoryRepository) SetBalance(userID string, balance int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] = balance
}

func (r *MemoryRepository) DebitIfSufficient(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance := r.balances[userID]
	if balance < amount {
		return balance, false, nil
	}
	r.balances[userID] = balance - amount
	return balance - amount, true, nil
}

func (r *MemoryRepository) InsertImageResult(ctx context.Context, rec service.LegacyImageResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legacy = append(r.legacy, rec)
	return nil
}

// LegacyImageResults 返回旧版图片表的副本。
func (r *MemoryRepository) LegacyImageResults() []service.LegacyImageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.LegacyImageResult(nil), r.legacy...)
}

// findLocked 返回最新的匹配行；调用方须持有锁。
func (r *MemoryRepository) findLocked(match func(*service.Generation) bool) *service.Generation {
	var found *service.Generation
	for _, g := range r.rows {
		if match(g) && (found == nil || g.CreatedAt.After(found.CreatedAt)) {
			found = g
		}
	}
	return found
}

func cloneGeneration(g *service.Generation) *service.Generation {
	cp := *g
	if g.ResultURL != nil {
		u := *g.ResultURL
		cp.ResultURL = &u
	}
	cp.Metadata.URLs = append([]string(nil), g.Metadata.URLs...)
	return &cp
}
