// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Delivery is the outcome of one change notification.
type Delivery struct {
	ID         uuid.UUID
	Change     Change
	Attempts   int
	StatusCode int
	Delivered  bool
	LastError  string
	CreatedAt  time.Time
}

type DeliveryRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewDeliveryRepository(pool *pgxpool.Pool, logger *slog.Logger) *DeliveryRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &DeliveryRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *DeliveryRepository) RecordDelivery(ctx context.Context, d Delivery) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, entity, entity_id, previous, current, attempts, status_code, delivered, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		d.ID,
		d.Change.Entity,
		int64(d.Change.ID),
		d.Change.Previous,
		d.Change.Current,
		d.Attempts,
		d.StatusCode,
		d.Delivered,
		d.LastError,
	); err != nil {
		r.logger.Error("record webhook delivery failed",
			"delivery_id", d.ID,
			"entity", d.Change.Entity,
			"entity_id", d.Change.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// ListDeliveries returns the deliveries for one entity, newest first.
func (r *DeliveryRepository) ListDeliveries(ctx context.Context, entity string, id uint64) ([]Delivery, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity, entity_id, previous, current, attempts, status_code, delivered, last_error, created_at
		FROM webhook_deliveries
		WHERE entity = $1
		  AND entity_id = $2
		ORDER BY created_at DESC
	`, entity, int64(id))
	if err != nil {
		r.logger.Error("list webhook deliveries failed", "entity", entity, "entity_id", id, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]Delivery, 0, 4)
	for rows.Next() {
		var (
			d        Delivery
			entityID int64
		)
		if err := rows.Scan(
			&d.ID,
			&d.Change.Entity,
			&entityID,
			&d.Change.Previous,
			&d.Change.Current,
			&d.Attempts,
			&d.StatusCode,
			&d.Delivered,
			&d.LastError,
			&d.CreatedAt,
		); err != nil {
			r.logger.Error("scan webhook delivery failed", "entity", entity, "entity_id", id, "error", err)
			return nil, err
		}
		d.Change.ID = uint64(entityID)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("webhook deliveries iteration failed", "entity", entity, "entity_id", id, "error", err)
		return nil, err
	}
	return out, nil
}
