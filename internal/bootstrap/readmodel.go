// SPDX-License-Identifier: Apache-2.0

// Package bootstrap builds the read model the binaries share from config.
package bootstrap

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/adiadia/escrow-readmodel/internal/cache"
	"github.com/adiadia/escrow-readmodel/internal/config"
	"github.com/adiadia/escrow-readmodel/internal/ledger"
	"github.com/adiadia/escrow-readmodel/internal/readmodel"
)

// redisNamespace keeps cache keys apart from other users of the same Redis.
const redisNamespace = "escrow-readmodel:"

// ReadModel wires the ledger gateway, the projection cache and the service.
// When REDIS_URL is set the cache is backed by Redis; the returned close
// function releases it.
func ReadModel(ctx context.Context, cfg config.Config, logger *slog.Logger) (*readmodel.Service, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	gateway := ledger.New(ledger.Deps{
		NodeURL:     cfg.Ledger.NodeURL,
		APIKey:      cfg.Ledger.APIKey,
		MinSpacing:  cfg.Ledger.MinSpacing,
		BackoffBase: cfg.Ledger.BackoffBase,
		MaxRetries:  cfg.Ledger.MaxRetries,
		EventLimit:  cfg.Ledger.EventLimit,
		HTTPClient:  &http.Client{Timeout: cfg.Ledger.Timeout},
		Logger:      logger,
	})

	closeFn := func() {}
	var store cache.Store
	if cfg.RedisURL != "" {
		redisStore, err := cache.NewRedisStore(ctx, cfg.RedisURL, redisNamespace)
		if err != nil {
			return nil, closeFn, err
		}
		store = redisStore
		closeFn = func() {
			if err := redisStore.Close(); err != nil {
				logger.Warn("close redis failed", "error", err)
			}
		}
		logger.Info("shared cache enabled", "backend", "redis")
	}

	c := cache.New(cache.Deps{
		TTL:    cfg.Cache.TTL,
		Store:  store,
		Logger: logger,
	})

	svc := readmodel.New(readmodel.Deps{
		Gateway:             gateway,
		Cache:               c,
		Contract:            cfg.Ledger.ContractAddress,
		EventLimit:          cfg.Ledger.EventLimit,
		TTL:                 cfg.Cache.TTL,
		VoteWindow:          cfg.Dispute.VoteWindow,
		ReselectionCooldown: cfg.Dispute.ReselectionCooldown,
		Logger:              logger,
	})
	return svc, closeFn, nil
}
