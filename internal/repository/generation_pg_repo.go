package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mediaflow/genrelay/internal/config"
	infraerrors "github.com/mediaflow/genrelay/internal/pkg/errors"
	"github.com/mediaflow/genrelay/internal/service"
)

// ErrGenerationConflict (user_id, run_id) 已存在。
var ErrGenerationConflict = infraerrors.Conflict("GENERATION_CONFLICT", "generation for this run already exists")

const pgUniqueViolation = "23505"

// pgSchema 仅在 storage.postgres.auto_migrate=true 时执行。
// run_id 为空时存 NULL，以免没有 run id 的行互相冲突。
const pgSchema = `
CREATE TABLE IF NOT EXISTS generations (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	provider    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	result_url  TEXT,
	run_id      TEXT,
	task_id     TEXT,
	status      TEXT NOT NULL DEFAULT 'pending',
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS generations_user_run_uidx ON generations (user_id, run_id);
CREATE INDEX IF NOT EXISTS generations_task_idx ON generations (task_id);
CREATE INDEX IF NOT EXISTS generations_pending_idx ON generations (created_at) WHERE result_url IS NULL;

CREATE TABLE IF NOT EXISTS user_credits (
	user_id     TEXT PRIMARY KEY,
	balance     BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS image_results (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT NOT NULL,
	provider    TEXT NOT NULL,
	image_url   TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	run_id      TEXT,
	task_id     TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const generationColumns = `id, user_id, provider, kind, prompt, result_url, run_id, task_id, status, metadata, created_at, updated_at`

// OpenPostgres 打开连接池并按配置设置连接参数。
func OpenPostgres(cfg config.PostgresStorageConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// MigratePostgres 创建所需的表与索引（幂等）。
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, pgSchema)
	return err
}

// pgGenerationRepository 使用原生 SQL 读写 generations / user_credits / image_results。
// 终态写入走 ON CONFLICT (user_id, run_id) 的原子 upsert，扣费走带条件的 UPDATE。
type pgGenerationRepository struct {
	sql *sql.DB
}

func newPGGenerationRepository(db *sql.DB) *pgGenerationRepository {
	return &pgGenerationRepository{sql: db}
}

func (r *pgGenerationRepository) Backend() string { return config.StorageBackendPostgres }

func (r *pgGenerationRepository) Insert(ctx context.Context, g *service.Generation) error {
	meta, err := json.Marshal(g.Metadata)
	if err != nil {
		return err
	}
	_, err = r.sql.ExecContext(ctx, `
		INSERT INTO generations (`+generationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)
	`, g.ID, g.UserID, g.Provider, g.Kind, g.Prompt, nullableString(g.ResultURL),
		g.Metadata.RunID, g.Metadata.TaskID, statusOrPending(g.Metadata.Status), meta, g.CreatedAt, g.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrGenerationConflict.WithCause(err)
	}
	return err
}

func (r *pgGenerationRepository) FindByRunID(ctx context.Context, userID, runID string) (*service.Generation, error) {
	return r.queryOne(ctx, `
		SELECT `+generationColumns+`
		FROM generations
		WHERE user_id = $1 AND run_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, runID)
}

func (r *pgGenerationRepository) FindByTaskID(ctx context.Context, userID, taskID string) (*service.Generation, error) {
	return r.queryOne(ctx, `
		SELECT `+generationColumns+`
		FROM generations
		WHERE task_id = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, taskID, userID)
}

func (r *pgGenerationRepository) Update(ctx context.Context, g *service.Generation) error {
	meta, err := json.Marshal(g.Metadata)
	if err != nil {
		return err
	}
	result, err := r.sql.ExecContext(ctx, `
		UPDATE generations
		SET result_url = $2,
			prompt = $3,
			run_id = NULLIF($4, ''),
			task_id = NULLIF($5, ''),
			status = $6,
			metadata = $7,
			updated_at = $8
		WHERE id = $1
	`, g.ID, nullableString(g.ResultURL), g.Prompt, g.Metadata.RunID, g.Metadata.TaskID,
		statusOrPending(g.Metadata.Status), meta, g.UpdatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return service.ErrGenerationNotFound
	}
	return nil
}

// UpsertResult 原子写入终态：行存在时只覆盖结果相关字段，保留占位时写入的 prompt 与 metadata。
// 已有 result_url 的行不被没有结果的终态（迟到的失败）覆盖。
func (r *pgGenerationRepository) UpsertResult(ctx context.Context, g *service.Generation) error {
	meta, err := json.Marshal(g.Metadata)
	if err != nil {
		return err
	}
	_, err = r.sql.ExecContext(ctx, `
		INSERT INTO generations (`+generationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $11)
		ON CONFLICT (user_id, run_id) DO UPDATE SET
			result_url = COALESCE(EXCLUDED.result_url, generations.result_url),
			task_id = COALESCE(EXCLUDED.task_id, generations.task_id),
			status = EXCLUDED.status,
			prompt = CASE WHEN generations.prompt = '' THEN EXCLUDED.prompt ELSE generations.prompt END,
			metadata = (generations.metadata - 'error') || EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		WHERE generations.result_url IS NULL OR EXCLUDED.result_url IS NOT NULL
	`, g.ID, g.UserID, g.Provider, g.Kind, g.Prompt, nullableString(g.ResultURL),
		g.Metadata.RunID, g.Metadata.TaskID, statusOrPending(g.Metadata.Status), meta, g.UpdatedAt)
	return err
}

func (r *pgGenerationRepository) ListStalePending(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]*service.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.sql.QueryContext(ctx, `
		SELECT `+generationColumns+`
		FROM generations
		WHERE result_url IS NULL
			AND task_id IS NOT NULL
			AND status = ANY($1)
			AND created_at < $2
			AND created_at > $3
		ORDER BY created_at ASC
		LIMIT $4
	`, pq.Array([]string{service.GenerationStatusPending, service.GenerationStatusProcessing}), olderThan, newerThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*service.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *pgGenerationRepository) queryOne(ctx context.Context, query string, args ...any) (*service.Generation, error) {
	g, err := scanGeneration(r.sql.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrGenerationNotFound
	}
	return g, err
}

// DebitIfSufficient 条件扣减；余额不足时返回当前余额与 ok=false。
func (r *pgGenerationRepository) DebitIfSufficient(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	var remaining int64
	err := r.sql.QueryRowContext(ctx, `
		UPDATE user_credits
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, userID, amount).Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	var balance int64
	err = r.sql.QueryRowContext(ctx, `SELECT balance FROM user_credits WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, false, nil
}

func (r *pgGenerationRepository) InsertImageResult(ctx context.Context, rec service.LegacyImageResult) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO image_results (user_id, provider, image_url, prompt, run_id, task_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NOW())
	`, rec.UserID, rec.Provider, rec.ImageURL, rec.Prompt, rec.RunID, rec.TaskID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(s rowScanner) (*service.Generation, error) {
	var (
		g         service.Generation
		resultURL sql.NullString
		runID     sql.NullString
		taskID    sql.NullString
		status    string
		meta      []byte
	)
	if err := s.Scan(&g.ID, &g.UserID, &g.Provider, &g.Kind, &g.Prompt, &resultURL,
		&runID, &taskID, &status, &meta, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &g.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", g.ID, err)
		}
	}
	if resultURL.Valid {
		u := resultURL.String
		g.ResultURL = &u
	}
	// 列值优先于 metadata 中的副本
	g.Metadata.RunID = runID.String
	g.Metadata.TaskID = taskID.String
	g.Metadata.Status = status
	return &g, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func statusOrPending(status string) string {
	if status == "" {
		return service.GenerationStatusPending
	}
	return status
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
