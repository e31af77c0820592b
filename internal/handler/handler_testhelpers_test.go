//go:build unit

package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/repository"
	"github.com/mediaflow/genrelay/internal/service"
	"github.com/mediaflow/genrelay/internal/testutil"
	"github.com/stretchr/testify/require"
)

// fakeUpstream 模拟 provider：提交、查询、两种上传各一个固定响应，可在测试中途修改。
type fakeUpstream struct {
	mu           sync.Mutex
	submitStatus int
	submitBody   string
	pollBody     string
	uploadStatus int
	uploadBody   string
	submits      int
	polls        int
	uploads      int
	lastSubmit   string
	lastUpload   string
	lastUploadCT string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		submitStatus: http.StatusOK,
		submitBody:   `{"code":200,"data":{"taskId":"T-1"}}`,
		pollBody:     `{"data":{"status":"processing"}}`,
		uploadStatus: http.StatusOK,
		uploadBody:   `{"data":{"downloadUrl":"https://files.example.com/u1/photo.png"}}`,
	}
}

func (u *fakeUpstream) set(fn func(u *fakeUpstream)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(u)
}

func (u *fakeUpstream) submitCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.submits
}

func (u *fakeUpstream) pollCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.polls
}

func (u *fakeUpstream) uploadCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads
}

func (u *fakeUpstream) lastSubmitBody() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSubmit
}

func (u *fakeUpstream) lastUploadRequest() (string, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastUpload, u.lastUploadCT
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	defer u.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/generate":
		u.submits++
		u.lastSubmit = string(body)
		w.WriteHeader(u.submitStatus)
		_, _ = w.Write([]byte(u.submitBody))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/tasks/"):
		u.polls++
		_, _ = w.Write([]byte(u.pollBody))
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/file-"):
		u.uploads++
		u.lastUpload = string(body)
		u.lastUploadCT = r.Header.Get("Content-Type")
		w.WriteHeader(u.uploadStatus)
		_, _ = w.Write([]byte(u.uploadBody))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type testEnv struct {
	router   *gin.Engine
	repo     *repository.MemoryRepository
	upstream *fakeUpstream
	cfg      *config.Config
}

// newTestEnv 组装真实的 service + 内存存储，路由与线上一致（/api 前缀）。
func newTestEnv(t *testing.T, store service.ObjectStore, mutate func(*config.Config, *config.ProviderConfig)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	up := newFakeUpstream()
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	pc := testutil.NewTestProviderConfig(srv.URL)
	cfg := testutil.NewTestConfig(nil)
	if mutate != nil {
		mutate(cfg, &pc)
	}
	cfg.Providers = map[string]config.ProviderConfig{"kie": pc}

	registry, err := service.NewProviderRegistry(cfg)
	require.NoError(t, err)
	repo := repository.NewMemoryRepository()
	ex := service.ProvideExtractor(cfg)
	recorder := service.NewRecorder(repo, repo, nil)

	h := ProvideHandlers(
		NewGenerationHandler(
			service.NewSubmitService(cfg, registry, recorder, nil, ex),
			service.NewPollService(cfg, registry, recorder, ex),
			service.NewWebhookService(cfg, registry, recorder, ex),
		),
		NewUploadHandler(service.NewUploadService(cfg, registry, ex)),
		NewDownloadHandler(service.NewDownloadService(cfg, store)),
		NewDiagnosticHandler(service.NewDiagnosticService(cfg, repo, registry)),
		NewMediaHandler(service.NewMediaService(store)),
	)

	r := gin.New()
	r.GET("/health", Health)
	api := r.Group(cfg.Server.PathPrefix)
	api.GET("/download", h.Download.Download)
	api.GET("/diagnostics/insert-probe", h.Diagnostic.InsertProbe)
	api.GET("/media/*path", h.Media.Serve)
	p := api.Group("/:provider")
	p.POST("/submit", h.Generation.Submit)
	p.GET("/status", h.Generation.Status)
	p.GET("/wait", h.Generation.Wait)
	p.POST("/webhook", h.Generation.Webhook)
	p.GET("/webhook", h.Generation.Webhook)
	p.POST("/upload/image", h.Upload.UploadImage)
	p.POST("/upload/video", h.Upload.UploadVideo)

	return &testEnv{router: r, repo: repo, upstream: up, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}
