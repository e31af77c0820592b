package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const defaultCorrelationTTL = 30 * time.Minute

// WebhookRequest 是一次上游推送。
type WebhookRequest struct {
	Provider    string
	Query       url.Values
	Body        []byte
	ContentType string
}

// WebhookResult 处理结果。调用方始终以 200 应答。
type WebhookResult struct {
	Status   string
	Saved    bool
	TaskID   string
	RunID    string
	Verified bool
}

type webhookOwner struct {
	UserID string
	RunID  string
	Prompt string
}

// WebhookService 接收上游回调。解析失败、找不到归属、存储失败都只记日志，
// 不向上游返回可重试的错误。
type WebhookService struct {
	providers *ProviderRegistry
	recorder  *Recorder
	extractor *extract.Extractor
	owners    *gocache.Cache
}

func NewWebhookService(cfg *config.Config, providers *ProviderRegistry, recorder *Recorder, extractor *extract.Extractor) *WebhookService {
	ttl := defaultCorrelationTTL
	if cfg != nil && cfg.Recorder.CorrelationTTL > 0 {
		ttl = cfg.Recorder.CorrelationTTL
	}
	return &WebhookService{
		providers: providers,
		recorder:  recorder,
		extractor: extractor,
		owners:    gocache.New(ttl, 2*ttl),
	}
}

// Handle 解析推送、找回归属、必要时回查上游，终态时写入存储。
func (s *WebhookService) Handle(ctx context.Context, req WebhookRequest) *WebhookResult {
	res := &WebhookResult{Status: extract.StatusPending}
	log := logger.FromContext(ctx).With(zap.String("provider", req.Provider))

	p, err := s.providers.Get(req.Provider)
	if err != nil {
		log.Warn("webhook.unknown_provider")
		return res
	}

	body := extract.NormalizeBody(req.Body, req.ContentType)
	userID := queryFirst(req.Query, "uid", "user_id")
	runID := queryFirst(req.Query, "run_id", "runId")
	taskID := queryFirst(req.Query, "taskId", "task_id", "id")
	if runID == "" {
		runID = s.extractor.RunID(body)
	}
	if taskID == "" {
		taskID = s.extractor.TaskID(body)
	}

	var prompt string
	if (userID == "" || runID == "") && taskID != "" {
		if owner, ok := s.lookupOwner(ctx, p.Name, taskID); ok {
			if userID == "" {
				userID = owner.UserID
			}
			if runID == "" {
				runID = owner.RunID
			}
			prompt = owner.Prompt
		}
	}
	res.TaskID, res.RunID = taskID, runID
	log = log.With(zap.String("task_id", taskID), zap.String("run_id", runID), zap.String("user_id", userID))

	outcome := evaluateOutcome(s.extractor, p, body)
	if outcome.Status != extract.StatusSuccess && p.Config.VerifyWebhook && taskID != "" {
		paths := p.Config.VerifyPaths
		if len(paths) == 0 {
			paths = p.Config.PollPaths
		}
		verified, upstreamErr := fetchStatus(ctx, s.extractor, p, paths, taskID)
		if verified != nil {
			outcome = evaluateOutcome(s.extractor, p, verified)
			res.Verified = true
		} else {
			log.Warn("webhook.verify_failed", zap.String("error", upstreamErr))
		}
	}
	res.Status = outcome.Status

	if !extract.IsTerminal(outcome.Status) {
		log.Info("webhook.not_final", zap.String("raw_status", outcome.RawStatus))
		return res
	}
	res.Saved = s.recorder.RecordResult(ctx, ResultRecord{
		Provider:    p.Name,
		Kind:        p.Kind(),
		UserID:      userID,
		RunID:       runID,
		TaskID:      taskID,
		Status:      outcome.Status,
		URLs:        outcome.URLs,
		Error:       outcome.Error,
		Prompt:      prompt,
		LegacyImage: p.Config.LegacyImageTable,
	})
	log.Info("webhook.recorded", zap.String("status", outcome.Status), zap.Bool("saved", res.Saved))
	return res
}

// lookupOwner 按任务 ID 找回归属（先查本地缓存，再查存储）。
func (s *WebhookService) lookupOwner(ctx context.Context, provider, taskID string) (webhookOwner, bool) {
	key := provider + "|" + taskID
	if v, ok := s.owners.Get(key); ok {
		return v.(webhookOwner), true
	}
	g, err := s.recorder.FindOwner(ctx, taskID)
	if err != nil {
		return webhookOwner{}, false
	}
	owner := webhookOwner{UserID: g.UserID, RunID: g.Metadata.RunID, Prompt: g.Prompt}
	s.owners.SetDefault(key, owner)
	return owner, true
}

func queryFirst(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}
