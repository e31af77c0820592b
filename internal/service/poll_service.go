package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/mediaflow/genrelay/internal/util/logredact"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultWaitTimeout  = 120 * time.Second
	defaultWaitInterval = 3 * time.Second

	defaultSharedPollTimeout = 60 * time.Second
)

var ErrMissingTaskID = infraerrors.BadRequest("MISSING_TASK_ID", "missing task id")

// PollRequest 查询参数。
type PollRequest struct {
	Provider string
	TaskID   string
	UserID   string
	RunID    string
}

// PollResult 查询结果。
type PollResult struct {
	Kind          string
	Status        string
	URLs          []string
	TaskID        string
	RunID         string
	Saved         bool
	Error         string
	UpstreamError string
	TimedOut      bool
}

// PrimaryURL returns the first result URL or "".
func (r *PollResult) PrimaryURL() string {
	if r == nil || len(r.URLs) == 0 {
		return ""
	}
	return r.URLs[0]
}

// PollService 轮询上游任务状态，成功/失败时写入存储。
type PollService struct {
	providers *ProviderRegistry
	recorder  *Recorder
	extractor *extract.Extractor
	group     singleflight.Group

	waitTimeout  time.Duration
	waitInterval time.Duration
}

func NewPollService(cfg *config.Config, providers *ProviderRegistry, recorder *Recorder, extractor *extract.Extractor) *PollService {
	s := &PollService{
		providers:    providers,
		recorder:     recorder,
		extractor:    extractor,
		waitTimeout:  defaultWaitTimeout,
		waitInterval: defaultWaitInterval,
	}
	if cfg != nil {
		if cfg.Poll.WaitTimeout > 0 {
			s.waitTimeout = cfg.Poll.WaitTimeout
		}
		if cfg.Poll.WaitInterval > 0 {
			s.waitInterval = cfg.Poll.WaitInterval
		}
	}
	return s
}

// Poll 查询一次。同一实例内对同一任务的并发查询会被合并。
func (s *PollService) Poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	key := strings.Join([]string{p.Name, req.TaskID, req.UserID, req.RunID}, "|")
	// 合并后的调用不跟随任何一个调用方的取消，只受上游超时约束
	ch := s.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedPollTimeout(p))
		defer cancel()
		return s.pollOnce(callCtx, p, req), nil
	})
	select {
	case <-ctx.Done():
		return &PollResult{
			Kind:          p.Kind(),
			Status:        extract.StatusPending,
			TaskID:        req.TaskID,
			RunID:         req.RunID,
			UpstreamError: ctx.Err().Error(),
		}, nil
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		shared := r.Val.(*PollResult)
		out := *shared
		out.URLs = append([]string(nil), shared.URLs...)
		return &out, nil
	}
}

// sharedPollTimeout 每个候选路径一个 provider timeout。
func sharedPollTimeout(p *Provider) time.Duration {
	per := p.Config.Timeout
	if per <= 0 {
		per = defaultSharedPollTimeout
	}
	n := len(p.Config.PollPaths)
	if n < 1 {
		n = 1
	}
	return per * time.Duration(n)
}

// Wait 按固定间隔重复查询，直到终态、超时或请求取消。
func (s *PollService) Wait(ctx context.Context, req PollRequest) (*PollResult, error) {
	deadline := time.Now().Add(s.waitTimeout)
	for {
		res, err := s.Poll(ctx, req)
		if err != nil {
			return nil, err
		}
		if extract.IsTerminal(res.Status) {
			return res, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			res.TimedOut = true
			return res, nil
		}
		delay := s.waitInterval
		if delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.TimedOut = true
			return res, nil
		case <-timer.C:
		}
	}
}

func (s *PollService) pollOnce(ctx context.Context, p *Provider, req PollRequest) *PollResult {
	res := &PollResult{
		Kind:   p.Kind(),
		Status: extract.StatusPending,
		TaskID: req.TaskID,
		RunID:  req.RunID,
	}
	body, upstreamErr := fetchStatus(ctx, s.extractor, p, p.Config.PollPaths, req.TaskID)
	if body == nil {
		res.UpstreamError = upstreamErr
		return res
	}

	outcome := evaluateOutcome(s.extractor, p, body)
	res.Status = outcome.Status
	res.URLs = outcome.URLs
	res.Error = outcome.Error
	if res.RunID == "" {
		res.RunID = s.extractor.RunID(body)
	}

	if extract.IsTerminal(outcome.Status) {
		res.Saved = s.recorder.RecordResult(ctx, ResultRecord{
			Provider:    p.Name,
			Kind:        p.Kind(),
			UserID:      req.UserID,
			RunID:       res.RunID,
			TaskID:      req.TaskID,
			Status:      outcome.Status,
			URLs:        outcome.URLs,
			Error:       outcome.Error,
			LegacyImage: p.Config.LegacyImageTable,
		})
	}
	return res
}

// fetchStatus 依次尝试候选路径，返回第一个带可识别状态的（已归一化）响应体。
// 全部失败时返回 nil 与最后一个错误描述。
func fetchStatus(ctx context.Context, ex *extract.Extractor, p *Provider, paths []string, taskID string) ([]byte, string) {
	log := logger.FromContext(ctx).With(zap.String("provider", p.Name), zap.String("task_id", taskID))
	if len(paths) == 0 {
		return nil, "no poll paths configured"
	}
	lastErr := ""
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err.Error()
		}
		resp, err := p.Client.Get(ctx, path, taskID)
		if err != nil {
			lastErr = err.Error()
			log.Warn("poll.upstream_error", zap.String("path", path), zap.Error(err))
			continue
		}
		if !resp.OK() {
			lastErr = fmt.Sprintf("upstream status %d", resp.StatusCode)
			log.Warn("poll.upstream_status",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.String("body", logredact.Truncate(logredact.RedactText(string(resp.Body)), maxLoggedUpstreamBody)),
			)
			continue
		}
		body := extract.NormalizeBody(resp.Body, resp.Header.Get("Content-Type"))
		if ex.RawStatus(body) == "" {
			lastErr = "unrecognized status"
			continue
		}
		return body, ""
	}
	return nil, lastErr
}
