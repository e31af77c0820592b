package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/mediaflow/genrelay/internal/util/logredact"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

const maxLoggedUpstreamBody = 2048

// callbackFields 各家 provider 对回调字段的命名不统一，全部填同一个地址。
var callbackFields = []string{"webhook_url", "callbackUrl", "callBackUrl", "notify_url"}

// SubmitInput 是一次生成提交的参数。
type SubmitInput struct {
	UserID        string
	RunID         string
	Prompt        string
	ReferenceURLs []string
	AspectRatio   string
	Duration      string
	Model         string
}

// SubmitResult 提交结果。Submitted=false 时 Error 说明原因；上游失败时带上 UpstreamStatus/Body。
type SubmitResult struct {
	Submitted      bool
	TaskID         string
	ID             string
	RunID          string
	Error          string
	UpstreamStatus int
	UpstreamBody   string
	UpstreamFailed bool
}

// HTTPStatus 输入问题返回 200，上游失败返回 502。
func (r *SubmitResult) HTTPStatus() int {
	if r.UpstreamFailed {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

const (
	errMissingTaskID       = "missing task id"
	errInsufficientCredits = "insufficient credits"
)

// SubmitService 处理生成任务提交。
type SubmitService struct {
	cfg       *config.Config
	providers *ProviderRegistry
	recorder  *Recorder
	credits   CreditRepository
	extractor *extract.Extractor
	now       func() time.Time
}

func NewSubmitService(cfg *config.Config, providers *ProviderRegistry, recorder *Recorder, credits CreditRepository, extractor *extract.Extractor) *SubmitService {
	return &SubmitService{
		cfg:       cfg,
		providers: providers,
		recorder:  recorder,
		credits:   credits,
		extractor: extractor,
		now:       time.Now,
	}
}

// Submit 校验、扣费、写占位行、提交上游并返回任务 ID，不等待生成完成。
func (s *SubmitService) Submit(ctx context.Context, providerName string, in SubmitInput) (*SubmitResult, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	in = normalizeSubmitInput(in)
	if in.RunID == "" {
		in.RunID = fmt.Sprintf("%s-%d", ownerOrAnonymous(in.UserID), s.now().UnixMilli())
	}
	res := &SubmitResult{RunID: in.RunID}
	log := logger.FromContext(ctx).With(
		zap.String("provider", p.Name),
		zap.String("user_id", in.UserID),
		zap.String("run_id", in.RunID),
	)

	if msg := validateSubmitInput(p.Config, in); msg != "" {
		res.Error = msg
		return res, nil
	}

	if cost := p.Config.CreditCost; s.cfg != nil && s.cfg.Credits.Enabled && cost > 0 {
		if in.UserID == "" {
			res.Error = "missing uid"
			return res, nil
		}
		if s.credits != nil {
			remaining, ok, err := s.credits.DebitIfSufficient(ctx, in.UserID, cost)
			switch {
			case err != nil:
				log.Warn("submit.debit_failed", zap.Error(err))
			case !ok:
				res.Error = errInsufficientCredits
				return res, nil
			default:
				log.Debug("submit.debited", zap.Int64("cost", cost), zap.Int64("remaining", remaining))
			}
		}
	}

	res.ID = s.recorder.InsertPlaceholder(ctx, &Generation{
		UserID:   in.UserID,
		Provider: p.Name,
		Kind:     p.Kind(),
		Prompt:   in.Prompt,
		Metadata: GenerationMetadata{
			RunID:       in.RunID,
			Status:      GenerationStatusPending,
			AspectRatio: in.AspectRatio,
			Duration:    in.Duration,
			Model:       firstNonEmpty(in.Model, p.Config.DefaultModel),
		},
	})

	body, err := s.buildRequestBody(p, in)
	if err != nil {
		return nil, fmt.Errorf("build request body: %w", err)
	}

	resp, err := p.Client.Submit(ctx, body)
	if err != nil {
		log.Warn("submit.upstream_error", zap.Error(err))
		s.recorder.MarkFailedAsync(p.Name, in.UserID, in.RunID, err.Error())
		res.Error = "upstream request failed"
		res.UpstreamFailed = true
		res.UpstreamBody = err.Error()
		return res, nil
	}
	if !resp.OK() {
		upstreamBody := string(resp.Body)
		log.Warn("submit.upstream_status",
			zap.Int("status", resp.StatusCode),
			zap.String("body", logredact.Truncate(logredact.RedactText(upstreamBody), maxLoggedUpstreamBody)),
		)
		s.recorder.MarkFailedAsync(p.Name, in.UserID, in.RunID, fmt.Sprintf("upstream status %d", resp.StatusCode))
		res.Error = "upstream rejected request"
		res.UpstreamFailed = true
		res.UpstreamStatus = resp.StatusCode
		res.UpstreamBody = upstreamBody
		return res, nil
	}

	normalized := extract.NormalizeBody(resp.Body, resp.Header.Get("Content-Type"))
	taskID := s.extractor.TaskID(normalized)
	if taskID == "" {
		log.Warn("submit.missing_task_id",
			zap.String("body", logredact.Truncate(logredact.RedactText(string(resp.Body)), maxLoggedUpstreamBody)))
		s.recorder.MarkFailedAsync(p.Name, in.UserID, in.RunID, errMissingTaskID)
		res.Error = errMissingTaskID
		res.UpstreamFailed = true
		res.UpstreamStatus = resp.StatusCode
		res.UpstreamBody = string(resp.Body)
		return res, nil
	}

	s.recorder.BackfillTaskAsync(p.Name, in.UserID, in.RunID, taskID)
	res.Submitted = true
	res.TaskID = taskID
	log.Info("submit.accepted", zap.String("task_id", taskID))
	return res, nil
}

func (s *SubmitService) buildRequestBody(p *Provider, in SubmitInput) ([]byte, error) {
	pc := p.Config
	body := []byte(`{}`)
	var err error
	set := func(logical string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, pc.FieldName(logical), value)
	}

	if model := firstNonEmpty(in.Model, pc.DefaultModel); model != "" {
		set("model", model)
	}
	if in.Prompt != "" {
		set("prompt", in.Prompt)
	}
	if len(in.ReferenceURLs) > 0 {
		set("image_urls", in.ReferenceURLs)
		if _, ok := pc.Fields["image_url"]; ok {
			set("image_url", in.ReferenceURLs[0])
		}
	}
	if in.AspectRatio != "" {
		set("aspect_ratio", in.AspectRatio)
	}
	if in.Duration != "" {
		set("duration", in.Duration)
	}
	if cb := s.callbackURL(p.Name, in.UserID, in.RunID); cb != "" {
		for _, field := range callbackFields {
			if err != nil {
				break
			}
			body, err = sjson.SetBytes(body, field, cb)
		}
	}
	return body, err
}

// callbackURL 拼接 <public_base>/api/<provider>/webhook?uid=&run_id=；未配置公网地址时为空。
func (s *SubmitService) callbackURL(provider, userID, runID string) string {
	if s.cfg == nil || s.cfg.Site.PublicBaseURL == "" {
		return ""
	}
	q := url.Values{}
	if userID != "" {
		q.Set("uid", userID)
	}
	q.Set("run_id", runID)
	return fmt.Sprintf("%s%s/%s/webhook?%s", s.cfg.Site.PublicBaseURL, s.cfg.Server.PathPrefix, url.PathEscape(provider), q.Encode())
}

func normalizeSubmitInput(in SubmitInput) SubmitInput {
	in.UserID = strings.TrimSpace(in.UserID)
	in.RunID = strings.TrimSpace(in.RunID)
	in.Prompt = strings.TrimSpace(in.Prompt)
	in.AspectRatio = strings.TrimSpace(in.AspectRatio)
	in.Duration = strings.TrimSpace(in.Duration)
	in.Model = strings.TrimSpace(in.Model)
	refs := in.ReferenceURLs[:0:0]
	seen := make(map[string]struct{}, len(in.ReferenceURLs))
	for _, u := range in.ReferenceURLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		refs = append(refs, u)
	}
	in.ReferenceURLs = refs
	return in
}

func validateSubmitInput(pc config.ProviderConfig, in SubmitInput) string {
	switch pc.Required {
	case config.RequireImage:
		if len(in.ReferenceURLs) == 0 {
			return "missing image"
		}
	default:
		if in.Prompt == "" {
			return "missing prompt"
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
