package handler

import (
	"github.com/google/wire"
)

// Handlers 汇总所有 HTTP handler，供路由注册使用。
type Handlers struct {
	Generation *GenerationHandler
	Upload     *UploadHandler
	Download   *DownloadHandler
	Diagnostic *DiagnosticHandler
	Media      *MediaHandler
}

// ProvideHandlers creates the Handlers struct
func ProvideHandlers(
	generationHandler *GenerationHandler,
	uploadHandler *UploadHandler,
	downloadHandler *DownloadHandler,
	diagnosticHandler *DiagnosticHandler,
	mediaHandler *MediaHandler,
) *Handlers {
	return &Handlers{
		Generation: generationHandler,
		Upload:     uploadHandler,
		Download:   downloadHandler,
		Diagnostic: diagnosticHandler,
		Media:      mediaHandler,
	}
}

// ProviderSet is the Wire provider set for all handlers
var ProviderSet = wire.NewSet(
	NewGenerationHandler,
	NewUploadHandler,
	NewDownloadHandler,
	NewDiagnosticHandler,
	NewMediaHandler,
	ProvideHandlers,
)
