package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/service"
)

// DownloadHandler 让浏览器以附件形式下载跨域的生成结果。
type DownloadHandler struct {
	downloadService *service.DownloadService
}

// NewDownloadHandler creates a new DownloadHandler
func NewDownloadHandler(downloadService *service.DownloadService) *DownloadHandler {
	return &DownloadHandler{downloadService: downloadService}
}

// Download 小文件直接回传；大文件转存对象存储后 302 到签名链接，失败时 302 回源。
// GET /api/download?url=&name=
func (h *DownloadHandler) Download(c *gin.Context) {
	res, err := h.downloadService.Prepare(c.Request.Context(), c.Query("url"), c.Query("name"))
	if err != nil {
		appErr := infraerrors.FromError(err)
		c.JSON(appErr.Code, gin.H{"error": appErr.Message, "reason": appErr.Reason})
		return
	}

	c.Header("Cache-Control", "no-store")
	if !res.Inline {
		c.Redirect(http.StatusFound, res.RedirectURL)
		return
	}
	defer func() { _ = res.Body.Close() }()
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, res.ContentLength, contentType, res.Body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, res.FileName),
	})
}
