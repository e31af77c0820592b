package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"go.uber.org/zap"
)

const (
	defaultRecordWorkerCount    = 8
	defaultRecordQueueSize      = 1024
	defaultRecordTaskTimeout    = 10 * time.Second
	defaultRecordOverflowPolicy = config.RecorderOverflowPolicySync
	recordDropLogInterval       = 5 * time.Second
)

// RecordTask 是提交到记录池的存储记账任务。
// 任务自行处理业务错误日志；池只负责调度与超时控制。
type RecordTask func(ctx context.Context)

// RecordSubmitMode 表示任务提交结果。
type RecordSubmitMode string

const (
	RecordSubmitModeEnqueued RecordSubmitMode = "enqueued"
	RecordSubmitModeDropped  RecordSubmitMode = "dropped"
	RecordSubmitModeSync     RecordSubmitMode = "sync_fallback"
)

type RecordWorkerPoolOptions struct {
	WorkerCount    int
	QueueSize      int
	TaskTimeout    time.Duration
	OverflowPolicy string
}

type RecordWorkerPoolStats struct {
	RunningWorkers    int64
	WaitingTasks      uint64
	SubmittedTasks    uint64
	CompletedTasks    uint64
	DroppedQueueFull  uint64
	DroppedStopped    uint64
	SyncFallbackTasks uint64
}

// RecordWorkerPool 有界队列 + 固定 worker 的异步执行器，用于占位行回填、失败标记等记账写入，
// 让请求路径不等待存储，也不无界地起 goroutine。任务使用独立的 context，不受请求取消影响。
type RecordWorkerPool struct {
	pool             pond.Pool
	taskTimeout      time.Duration
	overflowPolicy   string
	droppedQueueFull atomic.Uint64
	droppedStopped   atomic.Uint64
	syncFallback     atomic.Uint64
	lastDropLogNanos atomic.Int64
	stopOnce         sync.Once
}

// NewRecordWorkerPool 从配置构建记录池。
func NewRecordWorkerPool(cfg *config.Config) *RecordWorkerPool {
	var opts RecordWorkerPoolOptions
	if cfg != nil {
		opts = RecordWorkerPoolOptions{
			WorkerCount:    cfg.Recorder.WorkerCount,
			QueueSize:      cfg.Recorder.QueueSize,
			TaskTimeout:    cfg.Recorder.TaskTimeout,
			OverflowPolicy: cfg.Recorder.OverflowPolicy,
		}
	}
	return NewRecordWorkerPoolWithOptions(opts)
}

func NewRecordWorkerPoolWithOptions(opts RecordWorkerPoolOptions) *RecordWorkerPool {
	opts = normalizeRecordPoolOptions(opts)
	return &RecordWorkerPool{
		pool:           pond.NewPool(opts.WorkerCount, pond.WithQueueSize(opts.QueueSize)),
		taskTimeout:    opts.TaskTimeout,
		overflowPolicy: opts.OverflowPolicy,
	}
}

// Submit 提交任务；队列满时按 overflowPolicy 丢弃或在调用方 goroutine 同步执行。
func (p *RecordWorkerPool) Submit(task RecordTask) RecordSubmitMode {
	if task == nil {
		return RecordSubmitModeDropped
	}
	if p == nil || p.pool == nil {
		// 未配置池时直接同步执行
		execRecordTask(defaultRecordTaskTimeout, task)
		return RecordSubmitModeSync
	}
	if p.pool.Stopped() {
		p.droppedStopped.Add(1)
		p.logDrop("stopped")
		return RecordSubmitModeDropped
	}

	if _, ok := p.pool.TrySubmit(func() { execRecordTask(p.taskTimeout, task) }); ok {
		return RecordSubmitModeEnqueued
	}
	if p.pool.Stopped() {
		p.droppedStopped.Add(1)
		p.logDrop("stopped")
		return RecordSubmitModeDropped
	}
	if p.overflowPolicy == config.RecorderOverflowPolicySync {
		p.syncFallback.Add(1)
		execRecordTask(p.taskTimeout, task)
		return RecordSubmitModeSync
	}
	p.droppedQueueFull.Add(1)
	p.logDrop("full")
	return RecordSubmitModeDropped
}

func (p *RecordWorkerPool) Stats() RecordWorkerPoolStats {
	if p == nil || p.pool == nil {
		return RecordWorkerPoolStats{}
	}
	return RecordWorkerPoolStats{
		RunningWorkers:    p.pool.RunningWorkers(),
		WaitingTasks:      p.pool.WaitingTasks(),
		SubmittedTasks:    p.pool.SubmittedTasks(),
		CompletedTasks:    p.pool.CompletedTasks(),
		DroppedQueueFull:  p.droppedQueueFull.Load(),
		DroppedStopped:    p.droppedStopped.Load(),
		SyncFallbackTasks: p.syncFallback.Load(),
	}
}

// Stop 停止池并等待已入队任务完成。
func (p *RecordWorkerPool) Stop() {
	if p == nil || p.pool == nil {
		return
	}
	p.stopOnce.Do(func() {
		p.pool.StopAndWait()
	})
}

func execRecordTask(timeout time.Duration, task RecordTask) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.L().With(
				zap.String("component", "service.record_worker_pool"),
				zap.Any("panic", recovered),
			).Error("record.task_panic")
		}
	}()

	task(ctx)
}

func (p *RecordWorkerPool) logDrop(reason string) {
	now := time.Now().UnixNano()
	last := p.lastDropLogNanos.Load()
	if now-last < int64(recordDropLogInterval) {
		return
	}
	if !p.lastDropLogNanos.CompareAndSwap(last, now) {
		return
	}
	stats := p.Stats()
	logger.L().With(
		zap.String("component", "service.record_worker_pool"),
		zap.String("reason", reason),
		zap.String("overflow_policy", p.overflowPolicy),
		zap.Uint64("waiting_tasks", stats.WaitingTasks),
		zap.Uint64("dropped_queue_full", stats.DroppedQueueFull),
	).Warn("record.task_dropped")
}

func normalizeRecordPoolOptions(opts RecordWorkerPoolOptions) RecordWorkerPoolOptions {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = defaultRecordWorkerCount
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRecordQueueSize
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultRecordTaskTimeout
	}
	switch policy := strings.ToLower(strings.TrimSpace(opts.OverflowPolicy)); policy {
	case config.RecorderOverflowPolicyDrop, config.RecorderOverflowPolicySync:
		opts.OverflowPolicy = policy
	default:
		opts.OverflowPolicy = defaultRecordOverflowPolicy
	}
	return opts
}
