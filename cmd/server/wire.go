//go:build wireinject
// +build wireinject

package main

import (
	"net/http"

	"github.com/google/wire"
	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/handler"
	"github.com/mediaflow/genrelay/internal/repository"
	"github.com/mediaflow/genrelay/internal/server"
	"github.com/mediaflow/genrelay/internal/service"
)

// Application 进程级组件：HTTP 服务与需要随进程启停的后台任务。
type Application struct {
	Server     *http.Server
	Sweeper    *service.PendingSweeper
	RecordPool *service.RecordWorkerPool
}

func initializeApplication(cfg *config.Config) (*Application, func(), error) {
	wire.Build(
		repository.ProviderSet,
		service.ProviderSet,
		handler.ProviderSet,
		server.ProviderSet,
		wire.Struct(new(Application), "Server", "Sweeper", "RecordPool"),
	)
	return nil, nil, nil
}
