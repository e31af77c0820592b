package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/wire"
	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"github.com/mediaflow/genrelay/internal/service"
	"go.uber.org/zap"

	_ "github.com/lib/pq" // postgres driver
)

const migrateTimeout = 30 * time.Second

// Storage 按 storage.backend 选出的存储实现。未配置时各字段为 nil，记账退化为只写日志。
type Storage struct {
	Generations service.GenerationRepository
	Credits     service.CreditRepository
	Legacy      service.LegacyImageRepository
}

// ProvideStorage 创建存储后端；cleanup 关闭数据库连接。
func ProvideStorage(cfg *config.Config) (*Storage, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case config.StorageBackendMemory:
		repo := NewMemoryRepository()
		return &Storage{Generations: repo, Credits: repo, Legacy: repo}, noop, nil

	case config.StorageBackendPostgres:
		db, err := OpenPostgres(cfg.Storage.Postgres)
		if err != nil {
			return nil, noop, err
		}
		if cfg.Storage.Postgres.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
			defer cancel()
			if err := MigratePostgres(ctx, db); err != nil {
				_ = db.Close()
				return nil, noop, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		repo := newPGGenerationRepository(db)
		return &Storage{Generations: repo, Credits: repo, Legacy: repo}, closeDB(db), nil

	default:
		rest := cfg.Storage.REST
		if rest.URL == "" || rest.ServiceRoleKey == "" {
			logger.L().Warn("storage.rest_not_configured",
				zap.Bool("url_set", rest.URL != ""),
				zap.Bool("key_set", rest.ServiceRoleKey != ""),
			)
			return &Storage{}, noop, nil
		}
		client := newPostgRESTClient(rest.URL, rest.ServiceRoleKey, rest.Timeout)
		return &Storage{
			Generations: newRESTGenerationRepository(client, rest),
			Credits:     newRESTCreditRepository(client, rest),
			Legacy:      newRESTLegacyImageRepository(client, rest),
		}, noop, nil
	}
}

func closeDB(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.L().Warn("storage.close_failed", zap.Error(err))
		}
	}
}

func ProvideGenerationRepository(s *Storage) service.GenerationRepository { return s.Generations }

// ProvideCreditRepository 未启用积分时返回 nil。
func ProvideCreditRepository(cfg *config.Config, s *Storage) service.CreditRepository {
	if !cfg.Credits.Enabled {
		return nil
	}
	return s.Credits
}

func ProvideLegacyImageRepository(s *Storage) service.LegacyImageRepository { return s.Legacy }

// ProvideObjectStore 按 object_storage.type 创建对象存储；none 时返回 nil（下载中转直接重定向原地址）。
func ProvideObjectStore(cfg *config.Config) (service.ObjectStore, error) {
	switch cfg.ObjectStorage.Type {
	case config.ObjectStorageREST:
		rest := cfg.Storage.REST
		if rest.URL == "" || rest.ServiceRoleKey == "" {
			return nil, fmt.Errorf("object_storage.type=rest requires storage.rest.url and service_role_key")
		}
		return newRESTObjectStore(newPostgRESTClient(rest.URL, rest.ServiceRoleKey, rest.Timeout), cfg.ObjectStorage.Bucket), nil
	case config.ObjectStorageS3:
		store, err := newS3ObjectStore(context.Background(), cfg.ObjectStorage.Bucket, cfg.ObjectStorage.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.ObjectStorageLocal:
		store, err := NewLocalObjectStore(cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

// ProviderSet is the repository providers.
var ProviderSet = wire.NewSet(
	ProvideStorage,
	ProvideGenerationRepository,
	ProvideCreditRepository,
	ProvideLegacyImageRepository,
	ProvideObjectStore,
)
