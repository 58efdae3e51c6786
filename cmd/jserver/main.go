package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/handlers"
	"github.com/Veldrovive/JournalServer/internal/journal"
	"github.com/Veldrovive/JournalServer/internal/server"
	"github.com/Veldrovive/JournalServer/internal/storage/objectstore"
	"github.com/Veldrovive/JournalServer/internal/storage/sqlitestore"
	"github.com/Veldrovive/JournalServer/pkg/config"
	"github.com/Veldrovive/JournalServer/pkg/kafka"
	"github.com/Veldrovive/JournalServer/pkg/logger"
	"github.com/Veldrovive/JournalServer/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Environment)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:           cfg.Tracing.Endpoint,
		Insecure:           cfg.Tracing.Insecure,
		SampleRatio:        cfg.Tracing.SampleRatio,
		ResourceAttributes: cfg.Tracing.ResourceAttr,
		ServiceName:        cfg.App.Name,
		ServiceVersion:     cfg.App.Version,
		Environment:        cfg.App.Environment,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	registry := entry.NewRegistry()

	files, err := objectstore.New(ctx, objectstore.Config{
		Provider:     cfg.Storage.Provider,
		Endpoint:     cfg.Storage.Endpoint,
		Region:       cfg.Storage.Region,
		Bucket:       cfg.Storage.Bucket,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		UseSSL:       cfg.Storage.UseSSL,
		PresignTTL:   cfg.Storage.PresignTTL,
		CreateBucket: cfg.Storage.CreateBucket,
	})
	if err != nil {
		logr.Fatal("init file store", zap.Error(err))
	}

	entries, err := sqlitestore.New(cfg.Database.DataDir, registry)
	if err != nil {
		logr.Fatal("init entry store", zap.Error(err))
	}
	defer entries.Close() //nolint:errcheck

	var publisher journal.Publisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EntriesTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  cfg.Kafka.CompressionCodec,
			MaxAttempts:  cfg.Kafka.Retries,
		})
		publisher = producer
		defer producer.Close() //nolint:errcheck
	}

	manager, err := journal.NewManager(journal.Params{
		Registry:       registry,
		Entries:        entries,
		Files:          files,
		Publisher:      publisher,
		Logger:         logr,
		ConflictPolicy: journal.ConflictPolicy(cfg.Ingest.ConflictPolicy),
	})
	if err != nil {
		logr.Fatal("init journal manager", zap.Error(err))
	}

	handlerRegistry := handlers.DefaultRegistry()
	handlerConfigs, err := handlerRegistry.LoadConfigs(cfg.Ingest.HandlersFile)
	if err != nil {
		logr.Fatal("load handler configs", zap.Error(err))
	}

	orchestrator, err := handlers.NewManager(handlers.Params{
		Registry:       handlerRegistry,
		Configs:        handlerConfigs,
		Journal:        manager,
		EntryRegistry:  registry,
		Logger:         logr,
		InputDir:       cfg.Ingest.InputDir,
		RescanInterval: cfg.Ingest.RescanInterval,
	})
	if err != nil {
		logr.Fatal("init input handlers", zap.Error(err))
	}
	if err := orchestrator.Start(ctx); err != nil {
		logr.Fatal("start input handlers", zap.Error(err))
	}

	handler := server.NewHTTPHandler(manager, orchestrator, logr, cfg.Upload.MaxSizeBytes, cfg.Upload.MultipartMemBytes)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		orchestrator.Stop(shutdownCtx)
	}()

	logr.Info("journal server starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Int("handlers", len(handlerConfigs)))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}
