package service

import (
	"github.com/google/wire"
	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
)

// ProvideExtractor 使用配置中的扫描上限创建提取器。
func ProvideExtractor(cfg *config.Config) *extract.Extractor {
	if cfg == nil {
		return extract.Default
	}
	return extract.New(extract.Limits{
		MaxDepth: cfg.Poll.MaxScanDepth,
		MaxNodes: cfg.Poll.MaxScanNodes,
	})
}

// ProviderSet is the service layer providers.
var ProviderSet = wire.NewSet(
	ProvideExtractor,
	NewProviderRegistry,
	NewRecordWorkerPool,
	NewRecorder,
	NewSubmitService,
	NewPollService,
	NewWebhookService,
	NewUploadService,
	NewDownloadService,
	NewDiagnosticService,
	NewPendingSweeper,
	NewMediaService,
)
