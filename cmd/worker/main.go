// Command worker processes queued re-uploads without a camera attached. It is
// the same handler `packcam worker` runs, packaged for a headless host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/PackCam/internal/config"
	"github.com/dharsanguruparan/PackCam/internal/database"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/metadata"
	"github.com/dharsanguruparan/PackCam/internal/repository"
	"github.com/dharsanguruparan/PackCam/internal/storage"
	"github.com/dharsanguruparan/PackCam/internal/upload"
	"github.com/dharsanguruparan/PackCam/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if !cfg.StorageConfigured() {
		return fmt.Errorf("storage not configured")
	}

	var ledger upload.Ledger = upload.NopLedger{}
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		ledger = repository.NewUploadRepository(pool)
	}

	s := cfg.Storage
	backend := storage.New(storage.Config{
		Endpoint:        s.Endpoint,
		AccessKey:       s.AccessKey,
		SecretKey:       s.SecretKey,
		Bucket:          s.Bucket,
		Region:          s.Region,
		UseSSL:          s.UseSSL,
		DownloadBaseURL: s.DownloadBaseURL,
	})
	if err := backend.Authenticate(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	pipeline := upload.New(upload.Options{
		Backend:    backend,
		Sidecars:   metadata.NewStore(s.MetadataDir),
		Ledger:     ledger,
		AutoDelete: s.AutoDelete,
	}, logger)

	redis := worker.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	return worker.Serve(ctx, redis, cfg.WorkerPool, worker.NewProcessor(pipeline, logger), logger)
}
