package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSweeperSchedule  = "@every 2m"
	defaultSweeperMinAge    = time.Minute
	defaultSweeperMaxAge    = 24 * time.Hour
	defaultSweeperBatchSize = 50
	sweeperRunTimeout       = 5 * time.Minute
)

// PendingSweeper 定时重新查询仍未出结果的生成记录，补偿丢失的 webhook。
type PendingSweeper struct {
	repo     GenerationRepository
	poller   *PollService
	enabled  bool
	schedule string
	minAge   time.Duration
	maxAge   time.Duration
	batch    int
	now      func() time.Time

	cron     *cron.Cron
	running  atomic.Bool
	stopOnce sync.Once
}

func NewPendingSweeper(cfg *config.Config, repo GenerationRepository, poller *PollService) *PendingSweeper {
	s := &PendingSweeper{
		repo:     repo,
		poller:   poller,
		schedule: defaultSweeperSchedule,
		minAge:   defaultSweeperMinAge,
		maxAge:   defaultSweeperMaxAge,
		batch:    defaultSweeperBatchSize,
		now:      time.Now,
	}
	if cfg != nil {
		s.enabled = cfg.Sweeper.Enabled
		if cfg.Sweeper.Schedule != "" {
			s.schedule = cfg.Sweeper.Schedule
		}
		if cfg.Sweeper.MinAge > 0 {
			s.minAge = cfg.Sweeper.MinAge
		}
		if cfg.Sweeper.MaxAge > 0 {
			s.maxAge = cfg.Sweeper.MaxAge
		}
		if cfg.Sweeper.BatchSize > 0 {
			s.batch = cfg.Sweeper.BatchSize
		}
	}
	return s
}

// Start 注册定时任务；未启用或缺少依赖时什么也不做。
func (s *PendingSweeper) Start() error {
	if s == nil || !s.enabled || s.repo == nil || s.poller == nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	logger.L().Info("sweeper.started", zap.String("schedule", s.schedule))
	return nil
}

// Stop 停止调度并等待正在运行的一轮结束。
func (s *PendingSweeper) Stop() {
	if s == nil || s.cron == nil {
		return
	}
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// RunOnce 执行一轮扫描，返回重新查询的记录数。上一轮未结束时直接跳过。
func (s *PendingSweeper) RunOnce(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		return 0
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, sweeperRunTimeout)
	defer cancel()

	now := s.now()
	items, err := s.repo.ListStalePending(ctx, now.Add(-s.minAge), now.Add(-s.maxAge), s.batch)
	if err != nil {
		logger.L().Warn("sweeper.list_failed", zap.Error(err))
		return 0
	}

	polled := 0
	for _, g := range items {
		if ctx.Err() != nil {
			break
		}
		if g == nil || g.Metadata.TaskID == "" {
			continue
		}
		res, err := s.poller.Poll(ctx, PollRequest{
			Provider: g.Provider,
			TaskID:   g.Metadata.TaskID,
			UserID:   g.UserID,
			RunID:    g.Metadata.RunID,
		})
		if err != nil {
			if !errors.Is(err, ErrProviderNotFound) {
				logger.L().Warn("sweeper.poll_failed", zap.String("id", g.ID), zap.Error(err))
			}
			continue
		}
		polled++
		logger.L().Debug("sweeper.polled",
			zap.String("id", g.ID),
			zap.String("provider", g.Provider),
			zap.String("status", res.Status),
			zap.Bool("saved", res.Saved),
		)
	}
	if polled > 0 {
		logger.L().Info("sweeper.run_done", zap.Int("candidates", len(items)), zap.Int("polled", polled))
	}
	return polled
}
