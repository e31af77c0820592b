package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to GENRELAY_CONFIG or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		ToStdout:   cfg.Log.ToStdout,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.L().Error("server.exit", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.L()

	app, cleanup, err := initializeApplication(cfg)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	if err := app.Sweeper.Start(); err != nil {
		return fmt.Errorf("start pending sweeper: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server.listening",
			zap.String("addr", app.Server.Addr),
			zap.String("path_prefix", cfg.Server.PathPrefix),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("object_storage", cfg.ObjectStorage.Type),
		)
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			app.Sweeper.Stop()
			app.RecordPool.Stop()
			return err
		}
	case <-ctx.Done():
		log.Info("server.shutting_down")
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server.shutdown_failed", zap.Error(err))
	}
	app.Sweeper.Stop()
	// 等待排队中的记录任务写完
	app.RecordPool.Stop()
	log.Info("server.stopped")
	return nil
}
