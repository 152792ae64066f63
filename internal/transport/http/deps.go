// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/history"
	"github.com/adiadia/escrow-readmodel/internal/projection"
	"github.com/adiadia/escrow-readmodel/internal/readmodel"
)

type JobReader interface {
	Job(ctx context.Context, jobID uint64) (projection.JobSnapshot, error)
	DisputeClaim(ctx context.Context, jobID uint64) (readmodel.DisputeClaim, error)
}

type DisputeReader interface {
	Dispute(ctx context.Context, disputeID uint64) (projection.DisputeSnapshot, error)
	Reselection(ctx context.Context, disputeID uint64, now time.Time) (readmodel.Reselection, error)
}

type HistoryReader interface {
	JobHistory(ctx context.Context, address string, now time.Time) ([]history.JobEntry, error)
	DisputeHistory(ctx context.Context, address string) ([]history.DisputeEntry, error)
	VoterHistory(ctx context.Context, address string) ([]history.DisputeEntry, error)
	Reputation(ctx context.Context, address string) (history.ReputationEntry, error)
	Roles(ctx context.Context, address string) ([]history.RoleEntry, error)
}

type CacheInvalidator interface {
	InvalidateJobs(ctx context.Context) error
	InvalidateDisputes(ctx context.Context) error
	InvalidateAccounts(ctx context.Context) error
}

// ReadModel is everything the API serves; *readmodel.Service implements it.
type ReadModel interface {
	JobReader
	DisputeReader
	HistoryReader
	CacheInvalidator
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
