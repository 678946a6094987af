package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"parabol/api/internal/app"
	"parabol/api/internal/archive"
	"parabol/api/internal/config"
	"parabol/api/internal/email"
	"parabol/api/internal/export"
	"parabol/api/internal/jobs"
	"parabol/api/internal/logger"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/realtime"
	"parabol/api/internal/search"
	"parabol/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New("parabol-api", cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	var bus pubsub.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBus, err := pubsub.NewRedisBus(cfg.RedisURL, log)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		log.Info("using redis for event fan-out")
		bus = redisBus
	} else {
		log.Info("using in-process event bus")
		bus = pubsub.NewMemoryBus(log)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), log)

	summaries, err := archive.New(archive.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		log.Fatal("archive setup failed", zap.Error(err))
	}
	if summaries != nil {
		if err := summaries.EnsureBucket(ctx); err != nil {
			log.Warn("summary bucket unavailable; archiving disabled", zap.Error(err))
			summaries = nil
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})

	service := app.New(cfg, dataStore, bus, log,
		app.WithSearch(searchService),
		app.WithExporter(export.NewService(dataStore)),
		app.WithArchive(summaries),
		app.WithEmail(mailer),
	)

	scheduler := jobs.NewScheduler(log)
	if err := scheduler.ScheduleReindex(cfg.ReindexCron, searchService); err != nil {
		log.Fatal("invalid reindex schedule", zap.String("spec", cfg.ReindexCron), zap.Error(err))
	}
	scheduler.Start()

	hub := realtime.NewHub(bus, service.VerifyToken, log,
		realtime.WithWriteTimeout(cfg.SocketWriteTimeout),
		realtime.WithAllowedOrigin(cfg.CORSOrigin),
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, hub, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("parabol api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warn("socket shutdown", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
	if err := bus.Close(); err != nil {
		log.Warn("bus shutdown", zap.Error(err))
	}
}
