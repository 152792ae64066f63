// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/projection"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	EntityJob     = "job"
	EntityDispute = "dispute"
)

// Change describes a snapshot row that was inserted or rewritten.
// Previous is empty for a first insert.
type Change struct {
	Entity   string `json:"entity"`
	ID       uint64 `json:"id"`
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current"`
}

// Transition reports whether the presented state or status moved.
func (c Change) Transition() bool {
	return c.Previous != "" && c.Previous != c.Current
}

// SnapshotRepository archives projected snapshots. A row is only rewritten when
// the projection differs from what is stored.
type SnapshotRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewSnapshotRepository(pool *pgxpool.Pool, logger *slog.Logger) *SnapshotRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &SnapshotRepository{
		pool:   pool,
		logger: logger,
	}
}

// SaveJob upserts a job snapshot. It reports false when the stored row already
// matched.
func (r *SnapshotRepository) SaveJob(ctx context.Context, snap projection.JobSnapshot) (Change, bool, error) {
	body, digest, err := encodeSnapshot(snap)
	if err != nil {
		return Change{}, false, fmt.Errorf("encode job %d: %w", snap.JobID, err)
	}

	var previous *string
	err = r.pool.QueryRow(ctx, `
		WITH prev AS (SELECT state FROM job_snapshots WHERE job_id = $1)
		INSERT INTO job_snapshots (job_id, state, creator, assignee, snapshot, digest)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE
		SET state = EXCLUDED.state,
		    creator = EXCLUDED.creator,
		    assignee = EXCLUDED.assignee,
		    snapshot = EXCLUDED.snapshot,
		    digest = EXCLUDED.digest,
		    updated_at = NOW()
		WHERE job_snapshots.digest <> EXCLUDED.digest
		RETURNING (SELECT state FROM prev)
	`,
		int64(snap.JobID),
		string(snap.State),
		snap.Creator,
		snap.Assignee,
		body,
		digest,
	).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return Change{}, false, nil
	}
	if err != nil {
		r.logger.Error("save job snapshot failed", "job_id", snap.JobID, "error", err)
		return Change{}, false, err
	}

	return Change{
		Entity:   EntityJob,
		ID:       snap.JobID,
		Previous: deref(previous),
		Current:  string(snap.State),
	}, true, nil
}

// SaveDispute upserts a dispute snapshot, like SaveJob.
func (r *SnapshotRepository) SaveDispute(ctx context.Context, snap projection.DisputeSnapshot) (Change, bool, error) {
	body, digest, err := encodeSnapshot(snap)
	if err != nil {
		return Change{}, false, fmt.Errorf("encode dispute %d: %w", snap.DisputeID, err)
	}

	var previous *string
	err = r.pool.QueryRow(ctx, `
		WITH prev AS (SELECT status FROM dispute_snapshots WHERE dispute_id = $1)
		INSERT INTO dispute_snapshots (dispute_id, job_id, status, snapshot, digest)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dispute_id) DO UPDATE
		SET job_id = EXCLUDED.job_id,
		    status = EXCLUDED.status,
		    snapshot = EXCLUDED.snapshot,
		    digest = EXCLUDED.digest,
		    updated_at = NOW()
		WHERE dispute_snapshots.digest <> EXCLUDED.digest
		RETURNING (SELECT status FROM prev)
	`,
		int64(snap.DisputeID),
		int64(snap.JobID),
		string(snap.Status),
		body,
		digest,
	).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return Change{}, false, nil
	}
	if err != nil {
		r.logger.Error("save dispute snapshot failed", "dispute_id", snap.DisputeID, "error", err)
		return Change{}, false, err
	}

	return Change{
		Entity:   EntityDispute,
		ID:       snap.DisputeID,
		Previous: deref(previous),
		Current:  string(snap.Status),
	}, true, nil
}

// GetJob returns the archived snapshot of a job.
func (r *SnapshotRepository) GetJob(ctx context.Context, jobID uint64) (projection.JobSnapshot, error) {
	var body []byte
	if err := r.pool.QueryRow(ctx, `
		SELECT snapshot FROM job_snapshots WHERE job_id = $1
	`, int64(jobID)).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return projection.JobSnapshot{}, fmt.Errorf("archived job %d: %w", jobID, domain.ErrNotFound)
		}
		r.logger.Error("get job snapshot failed", "job_id", jobID, "error", err)
		return projection.JobSnapshot{}, err
	}

	var snap projection.JobSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return projection.JobSnapshot{}, fmt.Errorf("decode archived job %d: %w", jobID, err)
	}
	return snap, nil
}

// GetDispute returns the archived snapshot of a dispute.
func (r *SnapshotRepository) GetDispute(ctx context.Context, disputeID uint64) (projection.DisputeSnapshot, error) {
	var body []byte
	if err := r.pool.QueryRow(ctx, `
		SELECT snapshot FROM dispute_snapshots WHERE dispute_id = $1
	`, int64(disputeID)).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return projection.DisputeSnapshot{}, fmt.Errorf("archived dispute %d: %w", disputeID, domain.ErrNotFound)
		}
		r.logger.Error("get dispute snapshot failed", "dispute_id", disputeID, "error", err)
		return projection.DisputeSnapshot{}, err
	}

	var snap projection.DisputeSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return projection.DisputeSnapshot{}, fmt.Errorf("decode archived dispute %d: %w", disputeID, err)
	}
	return snap, nil
}

func encodeSnapshot(v any) ([]byte, string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
