// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/bootstrap"
	"github.com/adiadia/escrow-readmodel/internal/config"
	"github.com/adiadia/escrow-readmodel/internal/logging"
	"github.com/adiadia/escrow-readmodel/internal/persistence/postgres"
	httptransport "github.com/adiadia/escrow-readmodel/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "api")

	rm, closeReadModel, err := bootstrap.ReadModel(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("read model setup failed: %v", err)
	}
	defer closeReadModel()

	// The archive is optional for the API; health reflects it only when present.
	var health httptransport.HealthChecker
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			logger.Warn("archive unavailable, serving without it", "error", err)
		} else {
			defer pool.Close()
			if cfg.AutoMigrate {
				if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
					log.Fatalf("schema setup failed: %v", err)
				}
			}
			health = postgres.NewSchemaHealthChecker(pool)
		}
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		ReadModel:  rm,
		Health:     health,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Commit:     Commit,
		BuildDate:  BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"contract", cfg.Ledger.ContractAddress,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
