package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mediaflow/genrelay/internal/pkg/response"
	"github.com/mediaflow/genrelay/internal/service"
)

// MediaHandler 提供本地对象存储写入的文件（签名链接）。
type MediaHandler struct {
	mediaService *service.MediaService
}

// NewMediaHandler creates a new MediaHandler
func NewMediaHandler(mediaService *service.MediaService) *MediaHandler {
	return &MediaHandler{mediaService: mediaService}
}

// Serve GET /api/media/*path?expires=&sig=&download=
func (h *MediaHandler) Serve(c *gin.Context) {
	f, err := h.mediaService.Open(c.Param("path"), c.Query("expires"), c.Query("sig"))
	if response.ErrorFrom(c, err) {
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		response.ErrorFrom(c, service.ErrMediaNotFound)
		return
	}
	if name := c.Query("download"); name != "" {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, service.DownloadFileName(name, "")))
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}
