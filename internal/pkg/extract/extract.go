// Package extract 从第三方生成服务返回的任意 JSON 中容错地提取任务 ID、状态与结果 URL。
//
// 每类字段都是一组按优先级排列的候选规则 (path, predicate)，全部未命中时再做一次
// 有界递归扫描（同时解析嵌入在字符串字段里的 JSON）。
package extract

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// Rule is one candidate location for a value.
type Rule struct {
	Path   string
	Accept func(gjson.Result) bool
}

// NonEmptyScalar accepts non-empty strings and numbers.
func NonEmptyScalar(v gjson.Result) bool {
	return scalarString(v) != ""
}

// NonEmptyString accepts non-empty strings only.
func NonEmptyString(v gjson.Result) bool {
	return v.Type == gjson.String && strings.TrimSpace(v.String()) != ""
}

func rules(accept func(gjson.Result) bool, paths ...string) []Rule {
	out := make([]Rule, 0, len(paths))
	for _, p := range paths {
		out = append(out, Rule{Path: p, Accept: accept})
	}
	return out
}

var (
	taskIDRules = rules(NonEmptyScalar,
		"taskId", "task_id", "data.taskId", "data.task_id", "result.taskId", "result.task_id",
		"data.data.taskId", "data.data.task_id", "output.task_id",
		"requestId", "request_id", "data.requestId", "data.request_id", "result.requestId", "result.request_id",
		"data.id", "result.id", "id",
	)
	taskIDKey = regexp.MustCompile(`(?i)task[_-]?id|request[_-]?id`)

	statusRules = rules(NonEmptyString,
		"status", "state", "data.status", "data.state", "result.status", "result.state",
		"taskStatus", "task_status", "data.taskStatus", "data.task_status",
		"data.data.status", "output.task_status",
	)
	statusKey = regexp.MustCompile(`(?i)^(status|state|task[_-]?status)$`)

	runIDRules = rules(NonEmptyScalar,
		"run_id", "runId", "data.run_id", "data.runId", "metadata.run_id", "data.metadata.run_id",
	)
	runIDKey = regexp.MustCompile(`(?i)^run[_-]?id$`)

	errorRules = rules(NonEmptyString,
		"error.message", "error", "message", "msg", "data.failMsg", "data.fail_msg",
		"data.errorMessage", "data.error_message", "data.error", "result.error",
	)

	urlRules = rules(func(v gjson.Result) bool { return v.Exists() },
		"image_url", "imageUrl", "video_url", "videoUrl", "url", "output_url", "outputUrl",
		"images", "videos", "output", "urls",
		"data.image_url", "data.imageUrl", "data.video_url", "data.videoUrl", "data.url",
		"data.images", "data.videos", "data.output", "data.urls",
		"data.resultUrls", "data.response.resultUrls", "data.info.resultUrls", "data.info.resultImageUrl",
		"data.resultJson", "data.result_urls",
		"result.url", "result.urls", "result.images", "result.videos", "result.output",
		"output.results", "results",
	)
)

// Extractor carries the scan limits.
type Extractor struct {
	limits Limits
}

// New 创建提取器；limits 的零值使用默认上限。
func New(limits Limits) *Extractor {
	return &Extractor{limits: limits.normalized()}
}

// Default uses DefaultMaxDepth / DefaultMaxNodes.
var Default = New(Limits{})

// Limits returns the effective limits.
func (e *Extractor) Limits() Limits { return e.limits }

// First 按规则顺序返回第一个命中的值。
func First(body []byte, candidates []Rule) (string, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}
	root := gjson.ParseBytes(body)
	for _, r := range candidates {
		v := root.Get(r.Path)
		if !v.Exists() {
			continue
		}
		if r.Accept == nil || r.Accept(v) {
			if s := scalarString(v); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// FindByKey 有界扫描，返回第一个键名匹配 key 的标量值。
func (e *Extractor) FindByKey(body []byte, key *regexp.Regexp) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	var found string
	scan(gjson.ParseBytes(body), e.limits, func(k string, v gjson.Result) bool {
		if k != "" && key.MatchString(k) {
			if s := scalarString(v); s != "" {
				found = s
				return false
			}
		}
		return true
	})
	return found
}

// TaskID 提取上游任务 ID。
func (e *Extractor) TaskID(body []byte) string {
	if id, ok := First(body, taskIDRules); ok {
		return id
	}
	return e.FindByKey(body, taskIDKey)
}

// RawStatus returns the provider's own status word, unnormalised.
func (e *Extractor) RawStatus(body []byte) string {
	if s, ok := First(body, statusRules); ok {
		return s
	}
	return e.FindByKey(body, statusKey)
}

// Status is NormalizeStatus(RawStatus(body)).
func (e *Extractor) Status(body []byte) string {
	return NormalizeStatus(e.RawStatus(body))
}

// RunID 提取关联 run id，包括嵌在 param 等字符串字段里的 JSON。
func (e *Extractor) RunID(body []byte) string {
	if s, ok := First(body, runIDRules); ok {
		return s
	}
	return e.FindByKey(body, runIDKey)
}

// ErrorMessage 提取失败原因（仅查看候选路径，不做扫描）。
func (e *Extractor) ErrorMessage(body []byte) string {
	s, _ := First(body, errorRules)
	return s
}

// NormalizeStatus 把各家状态词归一化为 success / failed / pending。
func NormalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "completed", "done", "finished":
		return StatusSuccess
	case "failed", "error", "fail", "cancelled":
		return StatusFailed
	default:
		return StatusPending
	}
}

// IsTerminal reports whether a normalised status is final.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}
