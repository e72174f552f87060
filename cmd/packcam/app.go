package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dharsanguruparan/PackCam/internal/config"
	"github.com/dharsanguruparan/PackCam/internal/database"
	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/metadata"
	"github.com/dharsanguruparan/PackCam/internal/notify"
	"github.com/dharsanguruparan/PackCam/internal/repository"
	"github.com/dharsanguruparan/PackCam/internal/storage"
	"github.com/dharsanguruparan/PackCam/internal/upload"
	"github.com/dharsanguruparan/PackCam/internal/worker"
)

// app holds what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) backend() *storage.Backend {
	s := a.cfg.Storage
	return storage.New(storage.Config{
		Endpoint:        s.Endpoint,
		AccessKey:       s.AccessKey,
		SecretKey:       s.SecretKey,
		Bucket:          s.Bucket,
		Region:          s.Region,
		UseSSL:          s.UseSSL,
		DownloadBaseURL: s.DownloadBaseURL,
	})
}

func (a *app) metadata() *metadata.Store {
	return metadata.NewStore(a.cfg.Storage.MetadataDir)
}

func (a *app) cues() notify.Sink {
	return notify.NewCommandSink(a.cfg.SoundDir, a.cfg.SoundCommand, a.logger)
}

func (a *app) redis() worker.RedisConfig {
	return worker.RedisConfig{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword, DB: a.cfg.RedisDB}
}

// ledger opens the Postgres upload ledger when DATABASE_URL is set. The
// returned func releases it.
func (a *app) ledger(ctx context.Context) (upload.Ledger, *repository.UploadRepository, func(), error) {
	if a.cfg.DatabaseURL == "" {
		return upload.NopLedger{}, nil, func() {}, nil
	}
	pool, err := database.Connect(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	repo := repository.NewUploadRepository(pool)
	return repo, repo, pool.Close, nil
}

// pipeline builds the upload pipeline, or nil when storage is not configured.
func (a *app) pipeline(ctx context.Context, pub events.Publisher, cues notify.Sink) (*upload.Pipeline, func(), error) {
	if !a.cfg.StorageConfigured() {
		a.logger.Warn("storage not configured, recordings stay local")
		return nil, func() {}, nil
	}
	ledger, _, closeLedger, err := a.ledger(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	p := upload.New(upload.Options{
		Backend:    a.backend(),
		Sidecars:   a.metadata(),
		Publisher:  pub,
		Cues:       cues,
		Ledger:     ledger,
		AutoDelete: a.cfg.Storage.AutoDelete,
	}, a.logger)
	return p, closeLedger, nil
}
