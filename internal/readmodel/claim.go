// SPDX-License-Identifier: Apache-2.0

package readmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/adiadia/escrow-readmodel/internal/cache"
	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/ledger"
)

// DisputeClaim reports whether a job holds a dispute outcome whose winner has
// not claimed the locked funds yet.
type DisputeClaim struct {
	JobID   uint64       `json:"job_id"`
	Pending bool         `json:"pending"`
	Winner  *domain.Side `json:"winner"`
}

type storeResource struct {
	Table struct {
		Handle string `json:"handle"`
	} `json:"table"`
}

type jobItem struct {
	DisputeWinner struct {
		Vec []json.RawMessage `json:"vec"`
	} `json:"dispute_winner"`
}

// DisputeClaim reads the job's table item from the escrow store and decodes
// its dispute winner option.
func (s *Service) DisputeClaim(ctx context.Context, jobID uint64) (DisputeClaim, error) {
	raw, err := cache.GetOrFetch(ctx, s.cache, EscrowPrefix+"resource", s.ttl, func(ctx context.Context) (json.RawMessage, error) {
		return s.gateway.FetchResource(ctx, s.contract, s.contract+"::"+escrowStore)
	})
	if err != nil {
		return DisputeClaim{}, fmt.Errorf("%w: read escrow store: %w", domain.ErrUndetermined, err)
	}
	if absent(raw) {
		return DisputeClaim{}, fmt.Errorf("escrow store: %w", domain.ErrNotFound)
	}
	var store storeResource
	if err := json.Unmarshal(raw, &store); err != nil || store.Table.Handle == "" {
		s.logger.Warn("escrow store without table handle", "error", err)
		return DisputeClaim{}, fmt.Errorf("escrow store table: %w", domain.ErrNotFound)
	}

	key := fmt.Sprintf("%stable:job:%d", EscrowPrefix, jobID)
	raw, err = cache.GetOrFetch(ctx, s.cache, key, s.ttl, func(ctx context.Context) (json.RawMessage, error) {
		return s.gateway.FetchTableItem(ctx, ledger.TableItemQuery{
			Handle:    store.Table.Handle,
			KeyType:   "u64",
			ValueType: s.contract + "::escrow::Job",
			Key:       jobID,
		})
	})
	if err != nil {
		return DisputeClaim{}, fmt.Errorf("%w: read job %d: %w", domain.ErrUndetermined, jobID, err)
	}
	if absent(raw) {
		return DisputeClaim{}, fmt.Errorf("job %d: %w", jobID, domain.ErrNotFound)
	}

	var item jobItem
	if err := json.Unmarshal(raw, &item); err != nil {
		s.logger.Warn("malformed job table item", "job_id", jobID, "error", err)
		return DisputeClaim{}, fmt.Errorf("job %d: %w", jobID, domain.ErrNotFound)
	}

	claim := DisputeClaim{JobID: jobID}
	if len(item.DisputeWinner.Vec) == 0 {
		return claim, nil
	}
	forAssignee, ok := parseBool(item.DisputeWinner.Vec[0])
	if !ok {
		s.logger.Warn("malformed dispute winner", "job_id", jobID, "value", string(item.DisputeWinner.Vec[0]))
		return claim, nil
	}
	side := domain.SideFromAssigneeFlag(forAssignee)
	claim.Pending = true
	claim.Winner = &side
	return claim, nil
}

// absent treats a missing value and a cached JSON null the same way.
func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func parseBool(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	return v, err == nil
}
