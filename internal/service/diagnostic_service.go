package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mediaflow/genrelay/internal/config"
)

const diagnosticProvider = "diagnostic"

// DiagnosticReport 是插入探针的结果。
type DiagnosticReport struct {
	OK        bool             `json:"ok"`
	Backend   string           `json:"backend"`
	Inserted  bool             `json:"inserted"`
	Found     bool             `json:"found"`
	Error     string           `json:"error,omitempty"`
	ElapsedMS int64            `json:"elapsed_ms"`
	Config    DiagnosticConfig `json:"config"`
}

type DiagnosticConfig struct {
	StorageURLSet    bool     `json:"storage_url_set"`
	ServiceKeySet    bool     `json:"service_key_set"`
	BucketSet        bool     `json:"bucket_set"`
	PublicBaseURLSet bool     `json:"public_base_url_set"`
	Providers        []string `json:"providers"`
}

// DiagnosticService 写入一条探针记录并按 run id 读回，用于排查存储配置。
type DiagnosticService struct {
	cfg       *config.Config
	repo      GenerationRepository
	providers *ProviderRegistry
	now       func() time.Time
}

func NewDiagnosticService(cfg *config.Config, repo GenerationRepository, providers *ProviderRegistry) *DiagnosticService {
	return &DiagnosticService{cfg: cfg, repo: repo, providers: providers, now: time.Now}
}

// InsertProbe 不返回错误；所有失败写入报告。
func (s *DiagnosticService) InsertProbe(ctx context.Context) *DiagnosticReport {
	start := s.now()
	report := &DiagnosticReport{Config: s.configSummary()}
	if info, ok := s.repo.(StorageInfo); ok {
		report.Backend = info.Backend()
	}
	defer func() { report.ElapsedMS = s.now().Sub(start).Milliseconds() }()

	if s.repo == nil {
		report.Error = ErrStorageDisabled.Error()
		return report
	}

	runID := fmt.Sprintf("diag-%d", start.UnixMilli())
	g := &Generation{
		ID:        uuid.NewString(),
		UserID:    diagnosticProvider,
		Provider:  diagnosticProvider,
		Kind:      MediaKindImage,
		Prompt:    "insert probe",
		Metadata:  GenerationMetadata{RunID: runID, Status: GenerationStatusPending},
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := s.repo.Insert(ctx, g); err != nil {
		report.Error = "insert: " + err.Error()
		return report
	}
	report.Inserted = true

	found, err := s.repo.FindByRunID(ctx, g.UserID, runID)
	if err != nil {
		report.Error = "read back: " + err.Error()
		return report
	}
	report.Found = found != nil
	report.OK = report.Inserted && report.Found
	return report
}

func (s *DiagnosticService) configSummary() DiagnosticConfig {
	out := DiagnosticConfig{Providers: s.providers.Names()}
	if s.cfg == nil {
		return out
	}
	out.StorageURLSet = s.cfg.Storage.REST.URL != "" || s.cfg.Storage.Postgres.DSN != ""
	out.ServiceKeySet = s.cfg.Storage.REST.ServiceRoleKey != ""
	out.BucketSet = s.cfg.ObjectStorage.Bucket != "" || s.cfg.ObjectStorage.Local.Dir != ""
	out.PublicBaseURLSet = s.cfg.Site.PublicBaseURL != ""
	return out
}
