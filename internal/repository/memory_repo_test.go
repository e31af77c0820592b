//go:build unit

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/mediaflow/genrelay/internal/service"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_GenerationLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Insert(ctx, &service.Generation{
		ID: "g1", UserID: "u1", Provider: "kie", Kind: "image", Prompt: "cat",
		Metadata:  service.GenerationMetadata{RunID: "r1", Status: service.GenerationStatusPending},
		CreatedAt: now.Add(-5 * time.Minute),
	}))
	require.ErrorIs(t, repo.Insert(ctx, &service.Generation{ID: "g1b", UserID: "u1", Metadata: service.GenerationMetadata{RunID: "r1"}}), ErrGenerationConflict)

	g, err := repo.FindByRunID(ctx, "u1", "r1")
	require.NoError(t, err)
	g.Metadata.TaskID = "T-1"
	g.Metadata.Status = service.GenerationStatusProcessing
	require.NoError(t, repo.Update(ctx, g))

	stale, err := repo.ListStalePending(ctx, now.Add(-time.Minute), now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	url := "https://cdn.example.com/outputs/a.png"
	require.NoError(t, repo.UpsertResult(ctx, &service.Generation{
		ID: "ignored", UserID: "u1", ResultURL: &url,
		Metadata: service.GenerationMetadata{RunID: "r1", Status: service.GenerationStatusSucceeded, URLs: []string{url}},
	}))
	owner, err := repo.FindByTaskID(ctx, "", "T-1")
	require.NoError(t, err)
	require.Equal(t, "g1", owner.ID)
	require.Equal(t, url, *owner.ResultURL)
	require.Equal(t, "cat", owner.Prompt)

	stale, err = repo.ListStalePending(ctx, now.Add(-time.Minute), now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, stale)

	// 返回值是副本
	owner.Prompt = "mutated"
	again, err := repo.FindByRunID(ctx, "u1", "r1")
	require.NoError(t, err)
	require.Equal(t, "cat", again.Prompt)

	require.ErrorIs(t, repo.Update(ctx, &service.Generation{ID: "missing"}), service.ErrGenerationNotFound)
	_, err = repo.FindByTaskID(ctx, "u2", "T-1")
	require.ErrorIs(t, err, service.ErrGenerationNotFound)
}

func TestMemoryRepository_UpsertKeepsResultOnLateFailure(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	url := "https://cdn.example.com/outputs/a.png"

	require.NoError(t, repo.UpsertResult(ctx, &service.Generation{
		ID: "g1", UserID: "u1", Provider: "kie", Kind: "image", ResultURL: &url,
		Metadata: service.GenerationMetadata{RunID: "r1", TaskID: "T-1", Status: service.GenerationStatusSucceeded},
	}))
	require.NoError(t, repo.UpsertResult(ctx, &service.Generation{
		ID: "g2", UserID: "u1", Provider: "kie", Kind: "image",
		Metadata: service.GenerationMetadata{RunID: "r1", TaskID: "T-1", Status: service.GenerationStatusFailed, Error: "timeout"},
	}))

	g, err := repo.FindByRunID(ctx, "u1", "r1")
	require.NoError(t, err)
	require.Equal(t, "g1", g.ID)
	require.Equal(t, service.GenerationStatusSucceeded, g.Metadata.Status)
	require.Equal(t, url, *g.ResultURL)
	require.Empty(t, g.Metadata.Error)
}

func TestMemoryRepository_Credits(t *testing.T) {
	repo := NewMemoryRepository()
	repo.SetBalance("u1", 5)

	remaining, ok, err := repo.DebitIfSufficient(context.Background(), "u1", 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), remaining)

	remaining, ok, err = repo.DebitIfSufficient(context.Background(), "u1", 3)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(2), remaining)

	_, ok, _ = repo.DebitIfSufficient(context.Background(), "nobody", 1)
	require.False(t, ok)
}

func TestMemoryRepository_LegacyImages(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.InsertImageResult(context.Background(), service.LegacyImageResult{UserID: "u1", ImageURL: "https://x/a.png"}))
	rows := repo.LegacyImageResults()
	require.Len(t, rows, 1)
	require.Equal(t, "https://x/a.png", rows[0].ImageURL)
}
