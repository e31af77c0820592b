package handler

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/service"
)

// UploadHandler 把用户上传的图片/视频转存到 provider 的文件服务。
type UploadHandler struct {
	uploadService *service.UploadService
}

// NewUploadHandler creates a new UploadHandler
func NewUploadHandler(uploadService *service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// UploadImage POST /api/:provider/upload/image
func (h *UploadHandler) UploadImage(c *gin.Context) {
	h.upload(c, service.MediaKindImage)
}

// UploadVideo POST /api/:provider/upload/video
func (h *UploadHandler) UploadVideo(c *gin.Context) {
	h.upload(c, service.MediaKindVideo)
}

func (h *UploadHandler) upload(c *gin.Context, kind string) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart body required"})
		return
	}
	part, err := pickUploadPart(mr)
	if err != nil {
		writeUploadError(c, err)
		return
	}
	defer part.close()

	res, err := h.uploadService.Upload(c.Request.Context(), service.UploadInput{
		Provider:     c.Param("provider"),
		Kind:         kind,
		UserID:       callerID(c, noBody),
		FileName:     part.fileName,
		DeclaredType: part.contentType,
		Content:      part.content,
	})
	if err != nil {
		writeUploadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"downloadUrl": res.DownloadURL,
		"fileName":    res.FileName,
		"mimeType":    res.MimeType,
		"size":        res.Size,
		"transport":   res.Transport,
	})
}

// maxUnnamedPart 超过该大小的无文件名 part 直接当作上传内容。
const maxUnnamedPart = 1 << 20

type uploadPart struct {
	fileName    string
	contentType string
	content     io.Reader
	close       func()
}

// pickUploadPart 返回第一个带文件名且有内容的 part，不看字段名，空 part 跳过。
// 没有任何带文件名的 part 时，退回第一个有内容的普通字段。
func pickUploadPart(mr *multipart.Reader) (*uploadPart, error) {
	var fallback *uploadPart
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			if fallback != nil {
				return fallback, nil
			}
			return nil, service.ErrUploadEmpty
		}
		if err != nil {
			return nil, infraerrors.BadRequest("UPLOAD_MALFORMED", "malformed multipart body").WithCause(err)
		}
		br := bufio.NewReader(part)
		if _, err := br.Peek(1); err != nil {
			_ = part.Close()
			if errors.Is(err, io.EOF) {
				continue
			}
			return nil, infraerrors.BadRequest("UPLOAD_READ_FAILED", "read upload failed").WithCause(err)
		}
		picked := &uploadPart{
			fileName:    part.FileName(),
			contentType: part.Header.Get("Content-Type"),
			content:     br,
			close:       func() { _ = part.Close() },
		}
		if picked.fileName != "" {
			return picked, nil
		}

		// 普通字段读入内存，继续找文件
		head, err := io.ReadAll(io.LimitReader(br, maxUnnamedPart+1))
		if err != nil {
			_ = part.Close()
			return nil, infraerrors.BadRequest("UPLOAD_READ_FAILED", "read upload failed").WithCause(err)
		}
		if len(head) > maxUnnamedPart {
			picked.content = io.MultiReader(bytes.NewReader(head), br)
			return picked, nil
		}
		_ = part.Close()
		if fallback == nil {
			picked.content = bytes.NewReader(head)
			picked.close = func() {}
			fallback = picked
		}
	}
}

func writeUploadError(c *gin.Context, err error) {
	var upstream *service.UploadFailedError
	if errors.As(err, &upstream) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "upload failed",
			"status": upstream.Status,
			"body":   upstream.Body,
		})
		return
	}
	appErr := infraerrors.FromError(err)
	c.JSON(appErr.Code, gin.H{"error": appErr.Message, "reason": appErr.Reason})
}
