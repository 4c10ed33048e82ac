package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/darkroom/internal/config"
	"github.com/dunamismax/darkroom/internal/gallery"
	"github.com/dunamismax/darkroom/internal/pipeline"
	"github.com/dunamismax/darkroom/internal/storage"
	"github.com/dunamismax/darkroom/internal/store"
	"github.com/dunamismax/darkroom/internal/telemetry"
	"github.com/dunamismax/darkroom/internal/webhook"
	"github.com/dunamismax/darkroom/internal/worker"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := telemetry.NewLogger("darkroom-worker", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "darkroom-worker: logger init failed:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "darkroom-worker",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatal("image backend startup failed", zap.Error(err))
	}
	defer pipeline.Shutdown()

	var sessions store.SessionStore
	if cfg.Database.DSN == "" {
		logger.Warn("POSTGRES_DSN not set; the worker cannot see sessions created by the API")
		sessions = store.NewMemorySessionStore()
	} else {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := store.NewPostgresSessionStore(connectCtx, cfg.Database.DSN)
		cancel()
		if err != nil {
			logger.Fatal("session store init failed", zap.Error(err))
		}
		defer pg.Close()
		sessions = pg
	}

	var objects pipeline.ObjectStore
	if cfg.Storage.Enabled {
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatal("storage client init failed", zap.Error(err))
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = client.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			logger.Fatal("bucket bootstrap failed", zap.Error(err))
		}
		objects = client
		logger.Info("exports go to object storage", zap.String("bucket", client.Bucket()))
	}

	galleryClient, err := gallery.NewClient(gallery.Config{
		BaseURL: cfg.Gallery.BaseURL,
		Timeout: cfg.Gallery.Timeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("gallery client init failed", zap.Error(err))
	}

	processor, err := worker.NewProcessor(cfg.Export, objects, galleryClient)
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Export, worker.Deps{
		Processor:      processor,
		Sessions:       sessions,
		Gallery:        galleryClient,
		GallerySession: gallery.Session{Token: cfg.Gallery.Token, UserID: cfg.Gallery.UserID},
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
			Logger:         logger,
		}),
		WebhookURL: cfg.Webhook.URL,
	})
	if err != nil {
		logger.Fatal("worker init failed", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_exports", cfg.Worker.MaxActiveExports),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("image_backend", pipeline.Backend()),
	)

	if err := srv.Run(); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
