// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/escrow-readmodel/internal/bootstrap"
	"github.com/adiadia/escrow-readmodel/internal/config"
	"github.com/adiadia/escrow-readmodel/internal/logging"
	"github.com/adiadia/escrow-readmodel/internal/persistence/postgres"
	"github.com/adiadia/escrow-readmodel/internal/repository"
	"github.com/adiadia/escrow-readmodel/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "worker")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{})
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema setup failed: %v", err)
		}
	} else if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	rm, closeReadModel, err := bootstrap.ReadModel(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("read model setup failed: %v", err)
	}
	defer closeReadModel()

	w := worker.New(worker.Deps{
		Source:        rm,
		Archive:       repository.NewSnapshotRepository(pool, logger),
		Deliveries:    repository.NewDeliveryRepository(pool, logger),
		Logger:        logger,
		Interval:      cfg.Worker.Interval,
		WebhookURL:    cfg.Worker.WebhookURL,
		WebhookSecret: cfg.Worker.WebhookSecret,
	})

	logger.Info("worker started",
		"interval", cfg.Worker.Interval.String(),
		"webhook", cfg.Worker.WebhookURL != "",
	)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
