// Package server 组装 gin 路由与 HTTP 服务。
package server

import (
	"github.com/gin-gonic/gin"
	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/handler"
	"github.com/mediaflow/genrelay/internal/server/middleware"
)

// SetupRouter 注册全局中间件与全部路由。
func SetupRouter(r *gin.Engine, cfg *config.Config, h *handler.Handlers) *gin.Engine {
	r.Use(
		middleware.Recovery(),
		middleware.ClientRequestID(),
		middleware.RequestLogger(),
		middleware.CORS(cfg.CORS),
		middleware.RequestBodyLimit(cfg.Server.MaxRequestBodySize),
		middleware.Identity(cfg.Auth),
	)

	r.GET("/health", handler.Health)
	registerRoutes(r.Group(cfg.Server.PathPrefix), h)
	return r
}

func registerRoutes(api *gin.RouterGroup, h *handler.Handlers) {
	api.GET("/download", h.Download.Download)
	api.GET("/diagnostics/insert-probe", h.Diagnostic.InsertProbe)
	api.GET("/media/*path", h.Media.Serve)

	provider := api.Group("/:provider")
	{
		provider.POST("/submit", h.Generation.Submit)
		provider.GET("/status", h.Generation.Status)
		provider.GET("/wait", h.Generation.Wait)
		provider.POST("/webhook", h.Generation.Webhook)
		provider.GET("/webhook", h.Generation.Webhook)
		provider.POST("/upload/image", h.Upload.UploadImage)
		provider.POST("/upload/video", h.Upload.UploadVideo)
	}
}
