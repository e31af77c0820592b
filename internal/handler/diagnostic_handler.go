package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mediaflow/genrelay/internal/pkg/response"
	"github.com/mediaflow/genrelay/internal/service"
)

// DiagnosticHandler 运维自检接口。
type DiagnosticHandler struct {
	diagnosticService *service.DiagnosticService
}

// NewDiagnosticHandler creates a new DiagnosticHandler
func NewDiagnosticHandler(diagnosticService *service.DiagnosticService) *DiagnosticHandler {
	return &DiagnosticHandler{diagnosticService: diagnosticService}
}

// InsertProbe 写入一条诊断记录再读回，报告存储链路是否可用。
// GET /api/diagnostics/insert-probe
func (h *DiagnosticHandler) InsertProbe(c *gin.Context) {
	response.Success(c, h.diagnosticService.InsertProbe(c.Request.Context()))
}

// Health GET /health
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
