//go:build unit

package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/service"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const catURL = "https://cdn.example.com/outputs/cat.png"

func TestGeneration_SubmitThenPollToSuccess(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/kie/submit",
		strings.NewReader(`{"prompt":"cat","run_id":"abc","uid":"u1","aspectRatio":"1:1"}`), jsonHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.True(t, resp.Get("submitted").Bool())
	require.Equal(t, "T-1", resp.Get("taskId").String())
	require.Equal(t, "abc", resp.Get("run_id").String())
	require.NotEmpty(t, resp.Get("id").String())

	sent := gjson.Parse(env.upstream.lastSubmitBody())
	require.Equal(t, "cat", sent.Get("prompt").String())
	require.Contains(t, sent.Get("callBackUrl").String(), "https://app.example.com/api/kie/webhook?")

	row, err := env.repo.FindByRunID(context.Background(), "u1", "abc")
	require.NoError(t, err)
	require.Equal(t, "T-1", row.Metadata.TaskID)
	require.Nil(t, row.ResultURL)

	w = env.do(t, http.MethodGet, "/api/kie/status?taskId=T-1&uid=u1&run_id=abc", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = gjson.ParseBytes(w.Body.Bytes())
	require.True(t, resp.Get("ok").Bool())
	require.Equal(t, "pending", resp.Get("status").String())
	require.Equal(t, gjson.Null, resp.Get("image_url").Type)

	env.upstream.set(func(u *fakeUpstream) {
		u.pollBody = `{"data":{"status":"succeeded","output":["` + catURL + `"]}}`
	})
	w = env.do(t, http.MethodGet, "/api/kie/status?taskId=T-1&uid=u1&run_id=abc", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, "success", resp.Get("status").String())
	require.Equal(t, catURL, resp.Get("image_url").String())
	require.Equal(t, catURL, resp.Get("images.0").String())
	require.True(t, resp.Get("saved").Bool())

	row, err = env.repo.FindByRunID(context.Background(), "u1", "abc")
	require.NoError(t, err)
	require.NotNil(t, row.ResultURL)
	require.Equal(t, catURL, *row.ResultURL)
	require.Len(t, env.repo.LegacyImageResults(), 0)
}

func TestGeneration_AnonymousSubmitThenPollToSuccess(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/kie/submit", strings.NewReader(`{"prompt":"cat","run_id":"abc"}`), jsonHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.True(t, resp.Get("submitted").Bool())
	require.NotEmpty(t, resp.Get("id").String())

	row, err := env.repo.FindByRunID(context.Background(), service.AnonymousOwner, "abc")
	require.NoError(t, err)
	require.Equal(t, "T-1", row.Metadata.TaskID)
	require.Nil(t, row.ResultURL)

	env.upstream.set(func(u *fakeUpstream) {
		u.pollBody = `{"data":{"status":"succeeded","output":["` + catURL + `"]}}`
	})
	w = env.do(t, http.MethodGet, "/api/kie/status?taskId=T-1&run_id=abc", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, "success", resp.Get("status").String())
	require.Equal(t, catURL, resp.Get("image_url").String())
	require.True(t, resp.Get("saved").Bool())

	row, err = env.repo.FindByRunID(context.Background(), service.AnonymousOwner, "abc")
	require.NoError(t, err)
	require.Equal(t, catURL, *row.ResultURL)
	require.Equal(t, service.GenerationStatusSucceeded, row.Metadata.Status)
}

func TestGeneration_SubmitIdentityFromHeader(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/kie/submit", strings.NewReader(`{"prompt":"cat","runId":"r-9"}`),
		map[string]string{"Content-Type": "application/json", "X-USER-ID": "u7"})
	require.Equal(t, http.StatusOK, w.Code)

	row, err := env.repo.FindByRunID(context.Background(), "u7", "r-9")
	require.NoError(t, err)
	require.Equal(t, "cat", row.Prompt)
}

func TestGeneration_SubmitMissingPrompt(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/kie/submit", strings.NewReader(`{"uid":"u1","run_id":"abc"}`), jsonHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.False(t, resp.Get("submitted").Bool())
	require.NotEmpty(t, resp.Get("error").String())
	require.Equal(t, "abc", resp.Get("run_id").String())
	require.Equal(t, 0, env.upstream.submitCount())
}

func TestGeneration_SubmitUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.upstream.set(func(u *fakeUpstream) {
		u.submitStatus = http.StatusInternalServerError
		u.submitBody = `{"msg":"overloaded"}`
	})

	w := env.do(t, http.MethodPost, "/api/kie/submit", strings.NewReader(`{"prompt":"cat","uid":"u1","run_id":"abc"}`), jsonHeaders())
	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.False(t, resp.Get("submitted").Bool())
	require.Equal(t, int64(500), resp.Get("upstream_status").Int())
	require.Contains(t, resp.Get("upstream_body").String(), "overloaded")
}

func TestGeneration_SubmitMissingTaskID(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.upstream.set(func(u *fakeUpstream) { u.submitBody = `{"code":200,"data":{}}` })

	w := env.do(t, http.MethodPost, "/api/kie/submit", strings.NewReader(`{"prompt":"cat","uid":"u1"}`), jsonHeaders())
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "missing task id", gjson.GetBytes(w.Body.Bytes(), "error").String())
}

func TestGeneration_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/nope/submit", strings.NewReader(`{"prompt":"cat"}`), jsonHeaders())
	require.Equal(t, http.StatusNotFound, w.Code)
	require.False(t, gjson.GetBytes(w.Body.Bytes(), "submitted").Bool())

	w = env.do(t, http.MethodGet, "/api/nope/status?id=T-1", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.False(t, gjson.GetBytes(w.Body.Bytes(), "ok").Bool())
}

func TestGeneration_StatusRequiresID(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/kie/status", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.False(t, resp.Get("ok").Bool())
	require.NotEmpty(t, resp.Get("error").String())
	require.Equal(t, 0, env.upstream.pollCount())
}

func TestGeneration_StatusVideoShape(t *testing.T) {
	env := newTestEnv(t, nil, func(_ *config.Config, pc *config.ProviderConfig) {
		pc.MediaKind = config.MediaKindVideo
	})
	env.upstream.set(func(u *fakeUpstream) {
		u.pollBody = `{"data":{"status":"completed","url":"https://cdn.example.com/outputs/clip.mp4"}}`
	})

	w := env.do(t, http.MethodGet, "/api/kie/status?task_id=T-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, "success", resp.Get("status").String())
	require.Equal(t, "https://cdn.example.com/outputs/clip.mp4", resp.Get("video_url").String())
	require.False(t, resp.Get("image_url").Exists())
	// 没有 uid 也没有占位行时记在匿名归属下
	require.True(t, resp.Get("saved").Bool())
	row, err := env.repo.FindByTaskID(context.Background(), service.AnonymousOwner, "T-1")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/outputs/clip.mp4", *row.ResultURL)
}

func TestGeneration_StatusFailedCarriesError(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.upstream.set(func(u *fakeUpstream) {
		u.pollBody = `{"data":{"status":"failed","failMsg":"nsfw"}}`
	})

	w := env.do(t, http.MethodGet, "/api/kie/status?id=T-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, "failed", resp.Get("status").String())
	require.Equal(t, "nsfw", resp.Get("error").String())
}

func TestGeneration_WaitTimesOut(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/kie/wait?id=T-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, "pending", resp.Get("status").String())
	require.True(t, resp.Get("timed_out").Bool())
	require.Greater(t, env.upstream.pollCount(), 1)
}

func TestGeneration_WaitReturnsOnTerminal(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.upstream.set(func(u *fakeUpstream) {
		u.pollBody = `{"data":{"status":"done","output":"` + catURL + `"}}`
	})

	w := env.do(t, http.MethodGet, "/api/kie/wait?id=T-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, "success", resp.Get("status").String())
	require.False(t, resp.Get("timed_out").Exists())
	require.Equal(t, 1, env.upstream.pollCount())
}

func TestGeneration_WebhookRecordsResult(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	require.NoError(t, env.repo.Insert(context.Background(), &service.Generation{
		ID:       "gen-abc",
		UserID:   "u1",
		Provider: "kie",
		Kind:     service.MediaKindImage,
		Prompt:   "cat",
		Metadata: service.GenerationMetadata{RunID: "abc", TaskID: "T-1", Status: service.GenerationStatusProcessing},
	}))

	body := `{"code":200,"data":{"taskId":"T-1","state":"success","resultJson":"{\"resultUrls\":[\"` + catURL + `\"]}"}}`
	w := env.do(t, http.MethodPost, "/api/kie/webhook?uid=u1&run_id=abc", strings.NewReader(body), jsonHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.True(t, resp.Get("ok").Bool())
	require.Equal(t, "success", resp.Get("status").String())
	require.True(t, resp.Get("saved").Bool())

	row, err := env.repo.FindByRunID(context.Background(), "u1", "abc")
	require.NoError(t, err)
	require.NotNil(t, row.ResultURL)
	require.Equal(t, catURL, *row.ResultURL)
}

func TestGeneration_WebhookGarbageStillOK(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/kie/webhook", strings.NewReader("\x00not json at all"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := gjson.ParseBytes(w.Body.Bytes())
	require.True(t, resp.Get("ok").Bool())
	require.Equal(t, "pending", resp.Get("status").String())
	require.False(t, resp.Get("saved").Bool())

	w = env.do(t, http.MethodPost, "/api/nope/webhook", strings.NewReader(`{}`), jsonHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, gjson.GetBytes(w.Body.Bytes(), "ok").Bool())
}

func TestGeneration_WebhookGetFallsBackToPoll(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/kie/webhook?taskId=T-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pending", gjson.GetBytes(w.Body.Bytes(), "status").String())
	require.Equal(t, 1, env.upstream.pollCount())
}

func TestBodyHelpers(t *testing.T) {
	body := gjson.Parse(`{"image_url":"https://a/1.png","imageUrls":["https://a/2.png",3],"reference_urls":[],"duration":5,"model":null}`)
	require.Equal(t, []string{"https://a/1.png", "https://a/2.png"}, bodyReferenceURLs(body))
	require.Equal(t, "5", bodyString(body, "duration"))
	require.Equal(t, "", bodyString(body, "model"))
	require.Equal(t, "", bodyString(noBody, "prompt"))
}
