//go:build unit

package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticService_InsertProbe(t *testing.T) {
	repo := newFakeGenerationRepo()
	cfg := &config.Config{}
	cfg.Storage.REST.URL = "https://db.example.com"
	cfg.Storage.REST.ServiceRoleKey = "secret"
	cfg.Site.PublicBaseURL = "https://app.example.com"
	p := newTestProvider(t, "kie", "https://api.example.com", nil)
	svc := NewDiagnosticService(cfg, repo, newTestRegistry(p))

	report := svc.InsertProbe(context.Background())
	require.True(t, report.OK)
	require.True(t, report.Inserted)
	require.True(t, report.Found)
	require.Equal(t, "fake", report.Backend)
	require.True(t, report.Config.StorageURLSet)
	require.True(t, report.Config.ServiceKeySet)
	require.False(t, report.Config.BucketSet)
	require.True(t, report.Config.PublicBaseURLSet)
	require.Equal(t, []string{"kie"}, report.Config.Providers)

	rows := repo.all()
	require.Len(t, rows, 1)
	require.Equal(t, "diagnostic", rows[0].UserID)
	require.True(t, strings.HasPrefix(rows[0].Metadata.RunID, "diag-"))
}

func TestDiagnosticService_ReportsFailures(t *testing.T) {
	repo := newFakeGenerationRepo()
	repo.insertErr = errors.New("relation does not exist")
	svc := NewDiagnosticService(&config.Config{}, repo, newTestRegistry())

	report := svc.InsertProbe(context.Background())
	require.False(t, report.OK)
	require.False(t, report.Inserted)
	require.Contains(t, report.Error, "relation does not exist")

	repo.insertErr = nil
	repo.findErr = errors.New("timeout")
	report = svc.InsertProbe(context.Background())
	require.False(t, report.OK)
	require.True(t, report.Inserted)
	require.Contains(t, report.Error, "read back")

	report = NewDiagnosticService(nil, nil, newTestRegistry()).InsertProbe(context.Background())
	require.False(t, report.OK)
	require.NotEmpty(t, report.Error)
}
