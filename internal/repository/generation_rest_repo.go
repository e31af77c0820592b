package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/service"
	"github.com/tidwall/gjson"
)

// generationRow 是 generations 表在 PostgREST 上的 JSON 形态。
type generationRow struct {
	ID        string                     `json:"id,omitempty"`
	UserID    string                     `json:"user_id"`
	Provider  string                     `json:"provider"`
	Kind      string                     `json:"kind"`
	Prompt    string                     `json:"prompt"`
	ResultURL *string                    `json:"result_url"`
	Metadata  service.GenerationMetadata `json:"metadata"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

type generationPatch struct {
	ResultURL *string                    `json:"result_url"`
	Prompt    string                     `json:"prompt"`
	Metadata  service.GenerationMetadata `json:"metadata"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

func toGenerationRow(g *service.Generation) generationRow {
	return generationRow{
		ID:        g.ID,
		UserID:    g.UserID,
		Provider:  g.Provider,
		Kind:      g.Kind,
		Prompt:    g.Prompt,
		ResultURL: g.ResultURL,
		Metadata:  g.Metadata,
		CreatedAt: g.CreatedAt.UTC(),
		UpdatedAt: g.UpdatedAt.UTC(),
	}
}

func (r generationRow) toService() *service.Generation {
	return &service.Generation{
		ID:        r.ID,
		UserID:    r.UserID,
		Provider:  r.Provider,
		Kind:      r.Kind,
		Prompt:    r.Prompt,
		ResultURL: r.ResultURL,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// restGenerationRepository 通过 PostgREST 读写 generations 表。
// 查找与更新是两次请求，并发的 poll/webhook 仍可能各自插入一行；需要原子语义时使用 postgres 后端。
type restGenerationRepository struct {
	client *postgrestClient
	table  string
}

func newRESTGenerationRepository(client *postgrestClient, cfg config.RESTStorageConfig) *restGenerationRepository {
	table := cfg.GenerationsTable
	if table == "" {
		table = "generations"
	}
	return &restGenerationRepository{client: client, table: table}
}

func (r *restGenerationRepository) Backend() string { return config.StorageBackendREST }

func (r *restGenerationRepository) Insert(ctx context.Context, g *service.Generation) error {
	resp, err := r.client.R(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBodyJsonMarshal(toGenerationRow(g)).
		Post(r.client.tableURL(r.table))
	if err != nil {
		return err
	}
	return statusError("insert generation", resp)
}

func (r *restGenerationRepository) FindByRunID(ctx context.Context, userID, runID string) (*service.Generation, error) {
	return r.findOne(ctx, map[string]string{
		"user_id":           "eq." + userID,
		"metadata->>run_id": "eq." + runID,
	})
}

func (r *restGenerationRepository) FindByTaskID(ctx context.Context, userID, taskID string) (*service.Generation, error) {
	filters := map[string]string{"metadata->>task_id": "eq." + taskID}
	if userID != "" {
		filters["user_id"] = "eq." + userID
	}
	return r.findOne(ctx, filters)
}

func (r *restGenerationRepository) findOne(ctx context.Context, filters map[string]string) (*service.Generation, error) {
	var rows []generationRow
	resp, err := r.client.R(ctx).
		SetQueryParam("select", "*").
		SetQueryParams(filters).
		SetQueryParam("order", "created_at.desc").
		SetQueryParam("limit", "1").
		SetSuccessResult(&rows).
		Get(r.client.tableURL(r.table))
	if err != nil {
		return nil, err
	}
	if err := statusError("find generation", resp); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, service.ErrGenerationNotFound
	}
	return rows[0].toService(), nil
}

func (r *restGenerationRepository) Update(ctx context.Context, g *service.Generation) error {
	var rows []generationRow
	resp, err := r.client.R(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+g.ID).
		SetBodyJsonMarshal(generationPatch{
			ResultURL: g.ResultURL,
			Prompt:    g.Prompt,
			Metadata:  g.Metadata,
			UpdatedAt: g.UpdatedAt.UTC(),
		}).
		SetSuccessResult(&rows).
		Patch(r.client.tableURL(r.table))
	if err != nil {
		return err
	}
	if err := statusError("update generation", resp); err != nil {
		return err
	}
	if len(rows) == 0 {
		return service.ErrGenerationNotFound
	}
	return nil
}

func (r *restGenerationRepository) ListStalePending(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]*service.Generation, error) {
	var rows []generationRow
	request := r.client.R(ctx).
		SetQueryParam("select", "*").
		SetQueryParam("result_url", "is.null").
		SetQueryParam("metadata->>task_id", "not.is.null").
		SetQueryParam("metadata->>status", "in.(pending,processing)").
		AddQueryParam("created_at", "lt."+olderThan.UTC().Format(time.RFC3339)).
		AddQueryParam("created_at", "gt."+newerThan.UTC().Format(time.RFC3339)).
		SetQueryParam("order", "created_at.asc").
		SetSuccessResult(&rows)
	if limit > 0 {
		request.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := request.Get(r.client.tableURL(r.table))
	if err != nil {
		return nil, err
	}
	if err := statusError("list pending generations", resp); err != nil {
		return nil, err
	}
	out := make([]*service.Generation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toService())
	}
	return out, nil
}

// restCreditRepository 调用数据库函数做条件扣减（函数内部 UPDATE ... WHERE balance >= amount）。
type restCreditRepository struct {
	client   *postgrestClient
	function string
}

func newRESTCreditRepository(client *postgrestClient, cfg config.RESTStorageConfig) *restCreditRepository {
	fn := cfg.DebitFunction
	if fn == "" {
		fn = "debit_credits"
	}
	return &restCreditRepository{client: client, function: fn}
}

// DebitIfSufficient 期望函数返回 {"ok": bool, "remaining": int}（或单元素数组）。
func (r *restCreditRepository) DebitIfSufficient(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	resp, err := r.client.R(ctx).
		SetBodyJsonMarshal(map[string]any{"p_user_id": userID, "p_amount": amount}).
		Post(r.client.rpcURL(r.function))
	if err != nil {
		return 0, false, err
	}
	if err := statusError("debit credits", resp); err != nil {
		return 0, false, err
	}
	result := gjson.ParseBytes(resp.Bytes())
	if result.IsArray() {
		result = result.Get("0")
	}
	return result.Get("remaining").Int(), result.Get("ok").Bool(), nil
}

// restLegacyImageRepository 写入旧版图片结果表。
type restLegacyImageRepository struct {
	client *postgrestClient
	table  string
}

func newRESTLegacyImageRepository(client *postgrestClient, cfg config.RESTStorageConfig) *restLegacyImageRepository {
	table := cfg.LegacyImageTable
	if table == "" {
		table = "image_results"
	}
	return &restLegacyImageRepository{client: client, table: table}
}

func (r *restLegacyImageRepository) InsertImageResult(ctx context.Context, rec service.LegacyImageResult) error {
	resp, err := r.client.R(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBodyJsonMarshal(map[string]string{
			"user_id":   rec.UserID,
			"provider":  rec.Provider,
			"image_url": rec.ImageURL,
			"prompt":    rec.Prompt,
			"run_id":    rec.RunID,
			"task_id":   rec.TaskID,
		}).
		Post(r.client.tableURL(r.table))
	if err != nil {
		return err
	}
	return statusError("insert legacy image", resp)
}
