//go:build unit

package repository

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/service"
	"github.com/stretchr/testify/require"
)

func newRESTFixture(t *testing.T, handler http.HandlerFunc) *postgrestClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "service-key", r.Header.Get("apikey"))
		require.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return newPostgRESTClient(srv.URL+"/", "service-key", time.Second)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestRESTGenerationRepository_Insert(t *testing.T) {
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rest/v1/generations", r.URL.Path)
		require.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		var row map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&row))
		require.Equal(t, "u1", row["user_id"])
		require.Nil(t, row["result_url"])
		require.Equal(t, "r1", row["metadata"].(map[string]any)["run_id"])
		w.WriteHeader(http.StatusCreated)
	})
	repo := newRESTGenerationRepository(client, config.RESTStorageConfig{})

	err := repo.Insert(context.Background(), &service.Generation{
		ID: "g1", UserID: "u1", Provider: "kie", Kind: "image",
		Metadata:  service.GenerationMetadata{RunID: "r1", Status: "pending"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestRESTGenerationRepository_InsertError(t *testing.T) {
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"invalid api_key=abc"}`)
	})
	repo := newRESTGenerationRepository(client, config.RESTStorageConfig{})

	err := repo.Insert(context.Background(), &service.Generation{ID: "g1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
	require.NotContains(t, err.Error(), "abc")
}

func TestRESTGenerationRepository_FindByRunID(t *testing.T) {
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/v1/gens", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "eq.u1", q.Get("user_id"))
		require.Equal(t, "eq.r1", q.Get("metadata->>run_id"))
		require.Equal(t, "created_at.desc", q.Get("order"))
		require.Equal(t, "1", q.Get("limit"))
		writeJSON(w, http.StatusOK, `[{"id":"g1","user_id":"u1","provider":"kie","kind":"image","prompt":"cat",
			"result_url":null,"metadata":{"run_id":"r1","task_id":"T-1","status":"processing"},
			"created_at":"2025-01-02T03:04:05.123456+00:00","updated_at":"2025-01-02T03:04:05+00:00"}]`)
	})
	repo := newRESTGenerationRepository(client, config.RESTStorageConfig{GenerationsTable: "gens"})

	g, err := repo.FindByRunID(context.Background(), "u1", "r1")
	require.NoError(t, err)
	require.Equal(t, "g1", g.ID)
	require.Nil(t, g.ResultURL)
	require.Equal(t, "T-1", g.Metadata.TaskID)
	require.Equal(t, 2025, g.CreatedAt.Year())
}

func TestRESTGenerationRepository_FindByTaskIDAnyUser(t *testing.T) {
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "eq.T-9", q.Get("metadata->>task_id"))
		require.Empty(t, q.Get("user_id"))
		writeJSON(w, http.StatusOK, `[]`)
	})
	repo := newRESTGenerationRepository(client, config.RESTStorageConfig{})

	_, err := repo.FindByTaskID(context.Background(), "", "T-9")
	require.ErrorIs(t, err, service.ErrGenerationNotFound)
}

func TestRESTGenerationRepository_Update(t *testing.T) {
	matched := true
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "eq.g1", r.URL.Query().Get("id"))
		require.Equal(t, "return=representation", r.Header.Get("Prefer"))
		var patch map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		require.Equal(t, "https://cdn.example.com/a.png", patch["result_url"])
		if matched {
			writeJSON(w, http.StatusOK, `[{"id":"g1"}]`)
			return
		}
		writeJSON(w, http.StatusOK, `[]`)
	})
	repo := newRESTGenerationRepository(client, config.RESTStorageConfig{})
	url := "https://cdn.example.com/a.png"
	g := &service.Generation{ID: "g1", ResultURL: &url, UpdatedAt: time.Now()}

	require.NoError(t, repo.Update(context.Background(), g))
	matched = false
	require.ErrorIs(t, repo.Update(context.Background(), g), service.ErrGenerationNotFound)
}

func TestRESTGenerationRepository_ListStalePending(t *testing.T) {
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "is.null", q.Get("result_url"))
		require.Equal(t, "in.(pending,processing)", q.Get("metadata->>status"))
		created := q["created_at"]
		require.Len(t, created, 2)
		require.True(t, strings.HasPrefix(created[0], "lt."))
		require.True(t, strings.HasPrefix(created[1], "gt."))
		require.Equal(t, "5", q.Get("limit"))
		writeJSON(w, http.StatusOK, `[{"id":"g1","metadata":{"task_id":"T-1"}},{"id":"g2","metadata":{"task_id":"T-2"}}]`)
	})
	repo := newRESTGenerationRepository(client, config.RESTStorageConfig{})

	out, err := repo.ListStalePending(context.Background(), time.Now(), time.Now().Add(-time.Hour), 5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "T-2", out[1].Metadata.TaskID)
}

func TestRESTCreditRepository_Debit(t *testing.T) {
	responses := []string{`{"ok":true,"remaining":4}`, `[{"ok":false,"remaining":1}]`}
	calls := 0
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/v1/rpc/debit_credits", r.URL.Path)
		var args map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		require.Equal(t, "u1", args["p_user_id"])
		writeJSON(w, http.StatusOK, responses[calls])
		calls++
	})
	repo := newRESTCreditRepository(client, config.RESTStorageConfig{})

	remaining, ok, err := repo.DebitIfSufficient(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), remaining)

	remaining, ok, err = repo.DebitIfSufficient(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), remaining)
}

func TestRESTLegacyImageRepository_Insert(t *testing.T) {
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/v1/image_results", r.URL.Path)
		var row map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&row))
		require.Equal(t, "https://cdn.example.com/a.png", row["image_url"])
		require.Equal(t, "r1", row["run_id"])
		w.WriteHeader(http.StatusCreated)
	})
	repo := newRESTLegacyImageRepository(client, config.RESTStorageConfig{})

	require.NoError(t, repo.InsertImageResult(context.Background(), service.LegacyImageResult{
		UserID: "u1", Provider: "kie", ImageURL: "https://cdn.example.com/a.png", RunID: "r1",
	}))
}

func TestRESTGenerationRepository_LateFailureLeavesSucceededRow(t *testing.T) {
	var writes int
	client := newRESTFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/v1/generations", r.URL.Path)
		if r.Method != http.MethodGet {
			writes++
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, `[{"id":"g1","user_id":"u1","provider":"kie","kind":"image","prompt":"cat",
			"result_url":"https://cdn.example.com/outputs/cat.png",
			"metadata":{"run_id":"r1","task_id":"T-1","status":"succeeded"},
			"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:10Z"}]`)
	})
	repo := newRESTGenerationRepository(client, config.RESTStorageConfig{})
	rec := service.NewRecorder(repo, nil, nil)

	// 迟到的失败回调既不 PATCH 也不插入新行
	saved := rec.RecordResult(context.Background(), service.ResultRecord{
		Provider: "kie", Kind: service.MediaKindImage, UserID: "u1", RunID: "r1", TaskID: "T-1",
		Status: extract.StatusFailed, Error: "timeout",
	})
	require.True(t, saved)
	require.Zero(t, writes)
}
