package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/mediaflow/genrelay/internal/service"
	"go.uber.org/zap"
)

// maxWebhookBody 回调体上限；超出部分直接截断，解析失败时按 raw 处理。
const maxWebhookBody = 8 << 20

// GenerationHandler 处理生成任务的提交、查询与回调。
type GenerationHandler struct {
	submitService  *service.SubmitService
	pollService    *service.PollService
	webhookService *service.WebhookService
}

// NewGenerationHandler creates a new GenerationHandler
func NewGenerationHandler(
	submitService *service.SubmitService,
	pollService *service.PollService,
	webhookService *service.WebhookService,
) *GenerationHandler {
	return &GenerationHandler{
		submitService:  submitService,
		pollService:    pollService,
		webhookService: webhookService,
	}
}

// Submit 提交生成任务，立即返回上游任务 ID。
// POST /api/:provider/submit
func (h *GenerationHandler) Submit(c *gin.Context) {
	body := readJSONBody(c)
	in := service.SubmitInput{
		UserID:        callerID(c, body),
		RunID:         firstNonEmpty(bodyString(body, "run_id", "runId"), firstQuery(c, "run_id", "runId")),
		Prompt:        bodyString(body, "prompt"),
		ReferenceURLs: bodyReferenceURLs(body),
		AspectRatio:   bodyString(body, "aspect_ratio", "aspectRatio"),
		Duration:      bodyString(body, "duration"),
		Model:         bodyString(body, "model"),
	}

	res, err := h.submitService.Submit(c.Request.Context(), c.Param("provider"), in)
	if err != nil {
		appErr := infraerrors.FromError(err)
		c.JSON(appErr.Code, gin.H{"submitted": false, "error": appErr.Message})
		return
	}
	if res.Submitted {
		c.JSON(http.StatusOK, gin.H{
			"submitted": true,
			"taskId":    res.TaskID,
			"id":        res.ID,
			"run_id":    res.RunID,
		})
		return
	}

	out := gin.H{"submitted": false, "error": res.Error, "run_id": res.RunID}
	if res.UpstreamStatus != 0 {
		out["upstream_status"] = res.UpstreamStatus
		out["upstream_body"] = res.UpstreamBody
	}
	c.JSON(res.HTTPStatus(), out)
}

// Status 查询一次任务状态，终态时写入存储。
// GET /api/:provider/status
func (h *GenerationHandler) Status(c *gin.Context) {
	h.poll(c, false)
}

// Wait 阻塞轮询直到终态或超时。
// GET /api/:provider/wait
func (h *GenerationHandler) Wait(c *gin.Context) {
	h.poll(c, true)
}

func (h *GenerationHandler) poll(c *gin.Context, wait bool) {
	req := service.PollRequest{
		Provider: c.Param("provider"),
		TaskID:   firstQuery(c, "id", "taskId", "task_id"),
		UserID:   callerID(c, noBody),
		RunID:    firstQuery(c, "run_id", "runId"),
	}
	if req.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing id"})
		return
	}

	var (
		res *service.PollResult
		err error
	)
	if wait {
		res, err = h.pollService.Wait(c.Request.Context(), req)
	} else {
		res, err = h.pollService.Poll(c.Request.Context(), req)
	}
	if err != nil {
		appErr := infraerrors.FromError(err)
		c.JSON(appErr.Code, gin.H{"ok": false, "error": appErr.Message})
		return
	}
	c.JSON(http.StatusOK, pollResponse(res))
}

// Webhook 接收上游推送。GET 走轮询兜底；POST 永远返回 200，内部错误只记日志。
// POST|GET /api/:provider/webhook
func (h *GenerationHandler) Webhook(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		h.poll(c, false)
		return
	}

	var raw []byte
	if c.Request.Body != nil {
		b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("webhook.read_body_failed",
				zap.String("provider", c.Param("provider")), zap.Error(err))
		}
		raw = b
	}

	res := h.webhookService.Handle(c.Request.Context(), service.WebhookRequest{
		Provider:    c.Param("provider"),
		Query:       c.Request.URL.Query(),
		Body:        raw,
		ContentType: c.ContentType(),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": res.Status, "saved": res.Saved})
}

// pollResponse 按媒体类型输出 image_url/images 或 video_url/videos。
func pollResponse(res *service.PollResult) gin.H {
	urls := res.URLs
	if urls == nil {
		urls = []string{}
	}
	var primary any
	if u := res.PrimaryURL(); u != "" {
		primary = u
	}

	out := gin.H{
		"ok":      true,
		"status":  res.Status,
		"task_id": res.TaskID,
		"run_id":  res.RunID,
		"saved":   res.Saved,
	}
	if res.Kind == service.MediaKindVideo {
		out["video_url"] = primary
		out["videos"] = urls
	} else {
		out["image_url"] = primary
		out["images"] = urls
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	if res.UpstreamError != "" {
		out["upstream_error"] = res.UpstreamError
	}
	if res.TimedOut {
		out["timed_out"] = true
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
